package store

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/vaultmesh/vaultmesh/internal/vault"
)

// MergeBatch is the output of merge planning: remote entries to append,
// already in causal order. Conflict detection is not part of planning;
// it happens inside ApplyMerge against the transaction's view, so two
// sessions merging different siblings concurrently cannot slip past
// each other.
type MergeBatch struct {
	Entries []vault.LogEntry

	// DetectedAt stamps any conflict records this batch produces.
	// Zero means the wall clock at apply time.
	DetectedAt time.Time
}

// MergeResult reports what ApplyMerge actually wrote.
type MergeResult struct {
	// EntriesMerged counts entries newly appended (entries already in
	// the log are idempotently skipped and not counted).
	EntriesMerged int

	// ConflictsRecorded counts conflict records newly persisted.
	ConflictsRecorded int

	// Rejected lists entries refused because a parent ref did not
	// resolve, plus their transitively blocked descendants. A rejected
	// entry does not abort the merge.
	Rejected []vault.EntryRef
}

// ApplyMerge applies a whole merge batch in one transaction: the
// session's all-or-nothing commit point. If the transaction fails or
// the session was cancelled before reaching it, the store is untouched.
//
// Conflict detection runs here, under the mutation lock, against the
// transaction's own view of each coordinate. Every incoming sibling is
// paired with every hash already live at its coordinate (including
// siblings committed by a concurrent session after planning happened).
// The pair set is symmetric, so both sides of a sync converge on
// identical conflict records, and conflicts can have more than two
// members.
//
// Entries whose parents resolve neither in the local log nor earlier in
// the batch are rejected individually (INVALID_PARENT_REF semantics)
// along with their descendants; the rest of the batch still commits.
func (s *Store) ApplyMerge(ctx context.Context, batch MergeBatch) (MergeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res MergeResult

	detectedAt := batch.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("apply merge: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	rejected := make(map[vault.EntryRef]bool)

	// Live hashes and their owning entries per coordinate, loaded
	// lazily from the tx and extended as the batch applies.
	live := map[string]map[string]vault.EntryRef{}

	for _, remote := range batch.Entries {
		blocked := false
		for _, p := range remote.Parents {
			if rejected[p] {
				blocked = true
				break
			}
			known, err := entryExists(ctx, tx, p)
			if err != nil {
				return res, fmt.Errorf("apply merge: %w", err)
			}
			if !known {
				blocked = true
				break
			}
		}
		if blocked {
			rejected[remote.Origin] = true
			res.Rejected = append(res.Rejected, remote.Origin)
			continue
		}

		already, err := entryExists(ctx, tx, remote.Origin)
		if err != nil {
			return res, fmt.Errorf("apply merge: %w", err)
		}
		if already {
			continue
		}

		key := remote.Node.Coordinate.Key()
		hash := remote.Node.ContentHash
		siblings, loaded := live[key]
		if !loaded {
			if siblings, err = coordinateState(ctx, tx, key); err != nil {
				return res, fmt.Errorf("apply merge: %w", err)
			}
			live[key] = siblings
		}
		if _, held := siblings[hash]; !held {
			for _, existing := range slices.Sorted(maps.Keys(siblings)) {
				id, err := vault.ConflictID(key, existing, hash)
				if err != nil {
					return res, fmt.Errorf("apply merge: %w", err)
				}
				inserted, err := insertConflict(ctx, tx, vault.ConflictRecord{
					ID:          id,
					Coordinate:  remote.Node.Coordinate,
					LocalEntry:  siblings[existing],
					RemoteEntry: remote.Origin,
					LocalHash:   existing,
					RemoteHash:  hash,
					DetectedAt:  detectedAt,
				})
				if err != nil {
					return res, fmt.Errorf("apply merge: %w", err)
				}
				if inserted {
					res.ConflictsRecorded++
				}
			}
		}

		entry := remote
		entry.LocalSeq = s.nextSeq()
		if err := insertEntry(ctx, tx, entry); err != nil {
			return res, fmt.Errorf("apply merge: %w", err)
		}
		if err := insertNode(ctx, tx, entry.Node); err != nil {
			return res, fmt.Errorf("apply merge: %w", err)
		}
		res.EntriesMerged++
		siblings[hash] = entry.Origin
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("apply merge: commit: %w", err)
	}
	return res, nil
}

// coordinateState reads the live hashes at a coordinate inside tx,
// mapped to the log entry that sealed each one.
func coordinateState(ctx context.Context, tx *sql.Tx, key string) (map[string]vault.EntryRef, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT e.content_hash, e.author, e.origin_seq
		FROM log_entries e
		JOIN nodes n ON n.coordinate = e.coordinate AND n.content_hash = e.content_hash
		WHERE e.coordinate = ? AND n.superseded = 0
		ORDER BY e.local_seq ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("coordinate state: %w", err)
	}
	defer rows.Close()

	state := map[string]vault.EntryRef{}
	for rows.Next() {
		var hash string
		var ref vault.EntryRef
		if err := rows.Scan(&hash, &ref.Author, &ref.Seq); err != nil {
			return nil, fmt.Errorf("coordinate state: %w", err)
		}
		state[hash] = ref
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("coordinate state: iterate: %w", err)
	}
	return state, nil
}

// insertConflict persists a conflict record inside tx. Idempotent on
// the content-derived id, so both sides of a sync and any re-detection
// converge on one row. Reports whether a new row was written.
func insertConflict(ctx context.Context, tx *sql.Tx, c vault.ConflictRecord) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO conflicts
		(id, coordinate, local_author, local_seq, remote_author, remote_seq,
		 local_hash, remote_hash, detected_at, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO NOTHING
	`,
		c.ID,
		c.Coordinate.Key(),
		c.LocalEntry.Author,
		c.LocalEntry.Seq,
		c.RemoteEntry.Author,
		c.RemoteEntry.Seq,
		c.LocalHash,
		c.RemoteHash,
		marshalTime(c.DetectedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert conflict: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert conflict: rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListConflicts returns conflict records, optionally including resolved
// ones, ordered by coordinate then id for deterministic output.
func (s *Store) ListConflicts(ctx context.Context, includeResolved bool) ([]vault.ConflictRecord, error) {
	query := `
		SELECT id, coordinate, local_author, local_seq, remote_author, remote_seq,
		       local_hash, remote_hash, detected_at, resolved
		FROM conflicts
	`
	if !includeResolved {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY coordinate ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []vault.ConflictRecord
	for rows.Next() {
		var (
			c               vault.ConflictRecord
			key, detectedAt string
			resolved        int
		)
		if err := rows.Scan(&c.ID, &key, &c.LocalEntry.Author, &c.LocalEntry.Seq,
			&c.RemoteEntry.Author, &c.RemoteEntry.Seq,
			&c.LocalHash, &c.RemoteHash, &detectedAt, &resolved); err != nil {
			return nil, fmt.Errorf("list conflicts: %w", err)
		}
		if c.Coordinate, err = vault.ParseKey(key); err != nil {
			return nil, fmt.Errorf("list conflicts: %w", err)
		}
		if c.DetectedAt, err = unmarshalTime(detectedAt); err != nil {
			return nil, fmt.Errorf("list conflicts: %w", err)
		}
		c.Resolved = resolved != 0
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conflicts: iterate: %w", err)
	}
	return out, nil
}

// ResolveConflict marks a conflict resolved with the given winning
// hash, superseding the losing node row. This is the explicit external
// act the merge engine never performs on its own. The losing payload
// stays in the nodes table and remains retrievable by hash.
func (s *Store) ResolveConflict(ctx context.Context, id, winnerHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("resolve conflict: begin tx: %w", err)
	}
	defer tx.Rollback()

	var key, localHash, remoteHash string
	var resolved int
	err = tx.QueryRowContext(ctx, `
		SELECT coordinate, local_hash, remote_hash, resolved
		FROM conflicts WHERE id = ?
	`, id).Scan(&key, &localHash, &remoteHash, &resolved)
	if err == sql.ErrNoRows {
		return &Error{Code: ErrCodeNotFound, Message: "no such conflict", Ref: id}
	}
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if resolved != 0 {
		return nil
	}

	var loser string
	switch winnerHash {
	case localHash:
		loser = remoteHash
	case remoteHash:
		loser = localHash
	default:
		return fmt.Errorf("resolve conflict %s: hash %s is not a member", id, winnerHash)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conflicts SET resolved = 1 WHERE id = ?
	`, id); err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE nodes SET superseded = 1 WHERE coordinate = ? AND content_hash = ?
	`, key, loser); err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("resolve conflict: commit: %w", err)
	}
	return nil
}
