package store

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"time"

	"github.com/vaultmesh/vaultmesh/internal/vault"
)

// AppendLocal seals a node into the local log: assigns the next local
// sequence number, writes the log entry and the node row in one
// transaction, and returns the stored entry. The entry is authored by
// this instance, so its origin seq equals its local seq.
//
// Fails with INVALID_PARENT_REF if any parent does not resolve to a
// known entry, and with DUPLICATE_COORDINATE if the coordinate already
// holds a different content hash (conflicting versions only enter the
// store through the merge path, never through a local overwrite).
func (s *Store) AppendLocal(ctx context.Context, node vault.VaultNode, parents []vault.EntryRef, witnessSig string) (vault.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return vault.LogEntry{}, fmt.Errorf("append local: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, p := range parents {
		known, err := entryExists(ctx, tx, p)
		if err != nil {
			return vault.LogEntry{}, fmt.Errorf("append local: %w", err)
		}
		if !known {
			return vault.LogEntry{}, &Error{
				Code:    ErrCodeInvalidParentRef,
				Message: "parent ref does not resolve to a known entry",
				Ref:     p.String(),
			}
		}
	}

	key := node.Coordinate.Key()
	if existing, err := conflictingHash(ctx, tx, key, node.ContentHash); err != nil {
		return vault.LogEntry{}, fmt.Errorf("append local: %w", err)
	} else if existing != "" {
		return vault.LogEntry{}, &Error{
			Code:       ErrCodeDuplicateCoordinate,
			Message:    fmt.Sprintf("coordinate already holds %s", existing),
			Coordinate: key,
		}
	}

	seq := s.nextSeq()
	entry := vault.LogEntry{
		LocalSeq:   seq,
		Origin:     vault.EntryRef{Author: s.instanceID, Seq: seq},
		Timestamp:  time.Now().UTC(),
		Node:       node,
		Parents:    parents,
		WitnessSig: witnessSig,
	}

	if err := insertEntry(ctx, tx, entry); err != nil {
		return vault.LogEntry{}, fmt.Errorf("append local: %w", err)
	}
	if err := insertNode(ctx, tx, node); err != nil {
		return vault.LogEntry{}, fmt.Errorf("append local: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return vault.LogEntry{}, fmt.Errorf("append local: commit: %w", err)
	}
	return entry, nil
}

// Head returns the ref of the most recent entry in the local log, or
// ok=false for an empty log. Locally sealed entries use the head as
// their causal parent.
func (s *Store) Head(ctx context.Context) (vault.EntryRef, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT author, origin_seq FROM log_entries
		ORDER BY local_seq DESC LIMIT 1
	`)
	var ref vault.EntryRef
	err := row.Scan(&ref.Author, &ref.Seq)
	if err == sql.ErrNoRows {
		return vault.EntryRef{}, false, nil
	}
	if err != nil {
		return vault.EntryRef{}, false, fmt.Errorf("head: %w", err)
	}
	return ref, true, nil
}

// HasEntry reports whether the entry with the given global identity has
// been appended to (or merged into) this log.
func (s *Store) HasEntry(ctx context.Context, ref vault.EntryRef) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM log_entries WHERE author = ? AND origin_seq = ?
	`, ref.Author, ref.Seq).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("has entry: %w", err)
	}
	return count > 0, nil
}

// EntryByRef returns the entry with the given global identity.
func (s *Store) EntryByRef(ctx context.Context, ref vault.EntryRef) (vault.LogEntry, error) {
	row := s.db.QueryRowContext(ctx, entrySelect+`
		WHERE e.author = ? AND e.origin_seq = ?
	`, ref.Author, ref.Seq)

	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return vault.LogEntry{}, &Error{
			Code:    ErrCodeNotFound,
			Message: "entry not in log",
			Ref:     ref.String(),
		}
	}
	if err != nil {
		return vault.LogEntry{}, fmt.Errorf("entry by ref: %w", err)
	}
	return entry, nil
}

// EntriesSince streams the entries with local_seq greater than since,
// in local append order; since=0 streams the whole log. Rows are
// decoded as the consumer advances, so a large log is never
// materialized at once. The sequence is finite and single-use: each
// call starts a fresh read, and breaking out of the loop releases the
// underlying cursor. Use CollectEntries when a slice is needed.
func (s *Store) EntriesSince(ctx context.Context, since int64) iter.Seq2[vault.LogEntry, error] {
	return func(yield func(vault.LogEntry, error) bool) {
		rows, err := s.db.QueryContext(ctx, entrySelect+`
			WHERE e.local_seq > ?
			ORDER BY e.local_seq ASC
		`, since)
		if err != nil {
			yield(vault.LogEntry{}, fmt.Errorf("entries since: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			entry, err := scanEntry(rows)
			if err != nil {
				yield(vault.LogEntry{}, fmt.Errorf("entries since: %w", err))
				return
			}
			if !yield(entry, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(vault.LogEntry{}, fmt.Errorf("entries since: iterate: %w", err))
		}
	}
}

// CollectEntries drains an entry sequence into a slice, stopping at the
// first error.
func CollectEntries(seq iter.Seq2[vault.LogEntry, error]) ([]vault.LogEntry, error) {
	var entries []vault.LogEntry
	for entry, err := range seq {
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// TopologicalOrder returns the whole log in a total order consistent
// with the parent DAG, with the deterministic (origin seq, author)
// tie-break. Two instances holding the same merged set produce the same
// order.
func (s *Store) TopologicalOrder(ctx context.Context) ([]vault.LogEntry, error) {
	entries, err := CollectEntries(s.EntriesSince(ctx, 0))
	if err != nil {
		return nil, fmt.Errorf("topological order: %w", err)
	}
	sorted, err := vault.SortCausal(entries)
	if err != nil {
		return nil, fmt.Errorf("topological order: %w", err)
	}
	return sorted, nil
}

const entrySelect = `
	SELECT e.local_seq, e.author, e.origin_seq, e.ts, e.parents, e.witness_sig,
	       n.coordinate, n.content_hash, n.content_type, n.payload, n.sealed_at
	FROM log_entries e
	JOIN nodes n ON n.coordinate = e.coordinate AND n.content_hash = e.content_hash
`

func scanEntry(row rowScanner) (vault.LogEntry, error) {
	var (
		localSeq, originSeq              int64
		author, ts, parentsJSON, sig     string
		key, hash, contentType, sealedAt string
		payload                          []byte
	)
	if err := row.Scan(&localSeq, &author, &originSeq, &ts, &parentsJSON, &sig,
		&key, &hash, &contentType, &payload, &sealedAt); err != nil {
		return vault.LogEntry{}, err
	}

	parents, err := unmarshalParents(parentsJSON)
	if err != nil {
		return vault.LogEntry{}, fmt.Errorf("scan entry: %w", err)
	}
	stamp, err := unmarshalTime(ts)
	if err != nil {
		return vault.LogEntry{}, fmt.Errorf("scan entry: %w", err)
	}
	coord, err := vault.ParseKey(key)
	if err != nil {
		return vault.LogEntry{}, fmt.Errorf("scan entry: %w", err)
	}
	sealed, err := unmarshalTime(sealedAt)
	if err != nil {
		return vault.LogEntry{}, fmt.Errorf("scan entry: %w", err)
	}

	return vault.LogEntry{
		LocalSeq:  localSeq,
		Origin:    vault.EntryRef{Author: author, Seq: originSeq},
		Timestamp: stamp,
		Node: vault.VaultNode{
			Coordinate:  coord,
			ContentHash: hash,
			ContentType: contentType,
			Payload:     payload,
			SealedAt:    sealed,
		},
		Parents:    parents,
		WitnessSig: sig,
	}, nil
}

func entryExists(ctx context.Context, tx *sql.Tx, ref vault.EntryRef) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM log_entries WHERE author = ? AND origin_seq = ?
	`, ref.Author, ref.Seq).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("entry exists: %w", err)
	}
	return count > 0, nil
}

// insertEntry writes a log entry row inside tx. Idempotent on the
// global identity: merging the same entry twice is a no-op.
func insertEntry(ctx context.Context, tx *sql.Tx, entry vault.LogEntry) error {
	parentsJSON, err := marshalParents(entry.Parents)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO log_entries
		(local_seq, author, origin_seq, ts, coordinate, content_hash, parents, witness_sig)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(author, origin_seq) DO NOTHING
	`,
		entry.LocalSeq,
		entry.Origin.Author,
		entry.Origin.Seq,
		marshalTime(entry.Timestamp),
		entry.Node.Coordinate.Key(),
		entry.Node.ContentHash,
		parentsJSON,
		entry.WitnessSig,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}
