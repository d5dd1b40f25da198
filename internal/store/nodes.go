package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vaultmesh/vaultmesh/internal/vault"
)

// GetNode returns the node the latest log entry at the coordinate
// points to. For a conflicted coordinate this is the storage-level
// "last sealed wins" view; use GetNodesAt for the conflict-aware one.
//
// Returns a NOT_FOUND error if no live node exists at the coordinate.
func (s *Store) GetNode(ctx context.Context, coord vault.Coordinate) (vault.VaultNode, error) {
	key := coord.Key()
	row := s.db.QueryRowContext(ctx, `
		SELECT n.coordinate, n.content_hash, n.content_type, n.payload, n.sealed_at
		FROM nodes n
		JOIN log_entries e
		  ON e.coordinate = n.coordinate AND e.content_hash = n.content_hash
		WHERE n.coordinate = ? AND n.superseded = 0
		ORDER BY e.local_seq DESC
		LIMIT 1
	`, key)

	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return vault.VaultNode{}, &Error{
			Code:       ErrCodeNotFound,
			Message:    "no node at coordinate",
			Coordinate: key,
		}
	}
	if err != nil {
		return vault.VaultNode{}, fmt.Errorf("get node: %w", err)
	}
	return node, nil
}

// GetNodesAt returns every live node version at the coordinate, the
// conflict-aware variant of GetNode. A conflicted coordinate resolves
// to more than one node; that is expected and both payloads stay
// retrievable. Versions are ordered by content hash for determinism.
func (s *Store) GetNodesAt(ctx context.Context, coord vault.Coordinate) ([]vault.VaultNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT coordinate, content_hash, content_type, payload, sealed_at
		FROM nodes
		WHERE coordinate = ? AND superseded = 0
		ORDER BY content_hash ASC
	`, coord.Key())
	if err != nil {
		return nil, fmt.Errorf("get nodes at: %w", err)
	}
	defer rows.Close()

	var nodes []vault.VaultNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("get nodes at: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get nodes at: iterate: %w", err)
	}
	return nodes, nil
}

// GetNodeByHash returns the node with the given content hash at the
// coordinate, regardless of its superseded flag. Used by transfer
// serving and by diagnostics; a conflict never makes a payload
// unretrievable.
func (s *Store) GetNodeByHash(ctx context.Context, coord vault.Coordinate, hash string) (vault.VaultNode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT coordinate, content_hash, content_type, payload, sealed_at
		FROM nodes
		WHERE coordinate = ? AND content_hash = ?
	`, coord.Key(), hash)

	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return vault.VaultNode{}, &Error{
			Code:       ErrCodeNotFound,
			Message:    fmt.Sprintf("no node with hash %s", hash),
			Coordinate: coord.Key(),
		}
	}
	if err != nil {
		return vault.VaultNode{}, fmt.Errorf("get node by hash: %w", err)
	}
	return node, nil
}

// ScanInventory returns the live hash set per coordinate. Cost is one
// index scan over the nodes table; payloads are not read.
func (s *Store) ScanInventory(ctx context.Context) (vault.Inventory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT coordinate, content_hash
		FROM nodes
		WHERE superseded = 0
		ORDER BY coordinate ASC, content_hash ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("scan inventory: %w", err)
	}
	defer rows.Close()

	inv := vault.Inventory{}
	for rows.Next() {
		var key, hash string
		if err := rows.Scan(&key, &hash); err != nil {
			return nil, fmt.Errorf("scan inventory: %w", err)
		}
		inv.Add(key, hash)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan inventory: iterate: %w", err)
	}
	return inv, nil
}

// rowScanner abstracts sql.Row and sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (vault.VaultNode, error) {
	var (
		key, hash, contentType, sealedAt string
		payload                          []byte
	)
	if err := row.Scan(&key, &hash, &contentType, &payload, &sealedAt); err != nil {
		return vault.VaultNode{}, err
	}

	coord, err := vault.ParseKey(key)
	if err != nil {
		return vault.VaultNode{}, fmt.Errorf("scan node: %w", err)
	}
	ts, err := unmarshalTime(sealedAt)
	if err != nil {
		return vault.VaultNode{}, fmt.Errorf("scan node: %w", err)
	}

	return vault.VaultNode{
		Coordinate:  coord,
		ContentHash: hash,
		ContentType: contentType,
		Payload:     payload,
		SealedAt:    ts,
	}, nil
}

// insertNode writes a node row inside tx. Idempotent: re-inserting the
// same (coordinate, hash) is a no-op.
func insertNode(ctx context.Context, tx *sql.Tx, node vault.VaultNode) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (coordinate, content_hash, content_type, payload, sealed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(coordinate, content_hash) DO NOTHING
	`,
		node.Coordinate.Key(),
		node.ContentHash,
		node.ContentType,
		node.Payload,
		marshalTime(node.SealedAt),
	)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

// conflictingHash returns the hash already stored at the coordinate if
// it differs from hash, or "" if the coordinate is empty or holds the
// same hash. Used by the local seal path to refuse silent overwrites.
func conflictingHash(ctx context.Context, tx *sql.Tx, key, hash string) (string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT content_hash FROM nodes
		WHERE coordinate = ? AND superseded = 0
	`, key)
	if err != nil {
		return "", fmt.Errorf("check coordinate: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var existing string
		if err := rows.Scan(&existing); err != nil {
			return "", fmt.Errorf("check coordinate: %w", err)
		}
		if existing != hash {
			return existing, nil
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("check coordinate: iterate: %w", err)
	}
	return "", nil
}
