package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultmesh/vaultmesh/internal/vault"
)

func createTestStore(t *testing.T, instanceID string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, instanceID)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sealTestNode(theta, z float64, payload string) vault.VaultNode {
	return vault.Seal(vault.NewCoordinate(theta, z), vault.ContentTypeNode,
		[]byte(payload), time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
}

func TestOpenAppliesPragmas(t *testing.T) {
	s := createTestStore(t, "inst-a")

	require.NoError(t, s.verifyPragma("journal_mode", "wal"))
	require.NoError(t, s.verifyPragma("foreign_keys", "1"))
}

func TestOpenRejectsEmptyInstanceID(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "x.db"), "")
	assert.Error(t, err)
}

func TestAppendLocalAssignsSequence(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, "inst-a")

	e1, err := s.AppendLocal(ctx, sealTestNode(1, 1, "one"), nil, "")
	require.NoError(t, err)
	e2, err := s.AppendLocal(ctx, sealTestNode(2, 1, "two"), []vault.EntryRef{e1.Ref()}, "")
	require.NoError(t, err)

	assert.Equal(t, int64(1), e1.LocalSeq)
	assert.Equal(t, int64(2), e2.LocalSeq)
	assert.Equal(t, "inst-a", e1.Origin.Author)
	assert.Equal(t, e1.LocalSeq, e1.Origin.Seq, "local entries own their identity")

	head, ok, err := s.Head(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, e2.Ref(), head)
}

func TestAppendLocalRejectsUnknownParent(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, "inst-a")

	_, err := s.AppendLocal(ctx, sealTestNode(1, 1, "one"),
		[]vault.EntryRef{{Author: "ghost", Seq: 9}}, "")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidParentRef))

	// The failed append must not leave any state behind.
	inv, err := s.ScanInventory(ctx)
	require.NoError(t, err)
	assert.Empty(t, inv)
	assert.Equal(t, int64(0), mustLogLen(t, s))
}

func TestAppendLocalRejectsDuplicateCoordinateDifferentHash(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, "inst-a")

	_, err := s.AppendLocal(ctx, sealTestNode(1, 1, "one"), nil, "")
	require.NoError(t, err)

	_, err = s.AppendLocal(ctx, sealTestNode(1, 1, "other content"), nil, "")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeDuplicateCoordinate),
		"a second hash at the same coordinate must go through the merge conflict path")
}

func TestGetNodeAndInventorySurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, "inst-a")
	require.NoError(t, err)
	node := sealTestNode(1, 2, "durable")
	_, err = s.AppendLocal(ctx, node, nil, "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path, "inst-a")
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetNode(ctx, node.Coordinate)
	require.NoError(t, err)
	assert.Equal(t, node.ContentHash, got.ContentHash)
	assert.Equal(t, node.Payload, got.Payload)
	assert.Equal(t, node.SealedAt, got.SealedAt)

	inv, err := s2.ScanInventory(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{node.ContentHash}, inv[node.Coordinate.Key()])

	// The sequence clock resumes past the last entry.
	e2, err := s2.AppendLocal(ctx, sealTestNode(9, 9, "later"), nil, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), e2.LocalSeq)
}

func TestGetNodeNotFound(t *testing.T) {
	s := createTestStore(t, "inst-a")
	_, err := s.GetNode(context.Background(), vault.NewCoordinate(5, 5))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeNotFound))
}

func TestEntriesSince(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, "inst-a")

	var refs []vault.EntryRef
	for i := 0; i < 3; i++ {
		e, err := s.AppendLocal(ctx, sealTestNode(float64(i), 0, string(rune('a'+i))), refs, "")
		require.NoError(t, err)
		refs = []vault.EntryRef{e.Ref()}
	}

	all, err := CollectEntries(s.EntriesSince(ctx, 0))
	require.NoError(t, err)
	require.Len(t, all, 3)

	tail, err := CollectEntries(s.EntriesSince(ctx, 1))
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(2), tail[0].LocalSeq)
	assert.Equal(t, int64(3), tail[1].LocalSeq)
	assert.Equal(t, []vault.EntryRef{{Author: "inst-a", Seq: 1}}, tail[0].Parents)
}

func TestEntriesSinceStreamsLazily(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, "inst-a")

	for i := 0; i < 3; i++ {
		_, err := s.AppendLocal(ctx, sealTestNode(float64(i), 0, string(rune('a'+i))), nil, "")
		require.NoError(t, err)
	}

	// Abandoning the sequence early releases the cursor.
	var got []vault.LogEntry
	for entry, err := range s.EntriesSince(ctx, 0) {
		require.NoError(t, err)
		got = append(got, entry)
		break
	}
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].LocalSeq)

	// The store stays writable and readable afterwards.
	_, err := s.AppendLocal(ctx, sealTestNode(9, 0, "after break"), nil, "")
	require.NoError(t, err)
	all, err := CollectEntries(s.EntriesSince(ctx, 0))
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestApplyMergeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	local := createTestStore(t, "inst-a")

	remote := vault.LogEntry{
		Origin:    vault.EntryRef{Author: "inst-b", Seq: 1},
		Timestamp: time.Now().UTC(),
		Node:      sealTestNode(7, 7, "remote"),
	}

	res, err := local.ApplyMerge(ctx, MergeBatch{Entries: []vault.LogEntry{remote}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EntriesMerged)

	res, err = local.ApplyMerge(ctx, MergeBatch{Entries: []vault.LogEntry{remote}})
	require.NoError(t, err)
	assert.Zero(t, res.EntriesMerged, "re-merging the same entry is a no-op")
	assert.Empty(t, res.Rejected)

	has, err := local.HasEntry(ctx, remote.Origin)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestApplyMergeRejectsOrphansButKeepsRest(t *testing.T) {
	ctx := context.Background()
	local := createTestStore(t, "inst-a")

	good := vault.LogEntry{
		Origin:    vault.EntryRef{Author: "inst-b", Seq: 1},
		Timestamp: time.Now().UTC(),
		Node:      sealTestNode(1, 0, "good"),
	}
	orphan := vault.LogEntry{
		Origin:    vault.EntryRef{Author: "inst-b", Seq: 5},
		Timestamp: time.Now().UTC(),
		Node:      sealTestNode(2, 0, "orphan"),
		Parents:   []vault.EntryRef{{Author: "inst-c", Seq: 3}},
	}
	blocked := vault.LogEntry{
		Origin:    vault.EntryRef{Author: "inst-b", Seq: 6},
		Timestamp: time.Now().UTC(),
		Node:      sealTestNode(3, 0, "blocked"),
		Parents:   []vault.EntryRef{orphan.Origin},
	}

	res, err := local.ApplyMerge(ctx, MergeBatch{Entries: []vault.LogEntry{good, orphan, blocked}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EntriesMerged, "the valid entry still commits")
	assert.Equal(t, []vault.EntryRef{orphan.Origin, blocked.Origin}, res.Rejected)
}

func TestApplyMergeRecordsConflictOnce(t *testing.T) {
	ctx := context.Background()
	local := createTestStore(t, "inst-a")

	mine, err := local.AppendLocal(ctx, sealTestNode(4, 4, "mine"), nil, "")
	require.NoError(t, err)

	theirs := vault.LogEntry{
		Origin:    vault.EntryRef{Author: "inst-b", Seq: 1},
		Timestamp: time.Now().UTC(),
		Node:      sealTestNode(4, 4, "theirs"),
	}
	id, err := vault.ConflictID(mine.Node.Coordinate.Key(), mine.Node.ContentHash, theirs.Node.ContentHash)
	require.NoError(t, err)

	batch := MergeBatch{Entries: []vault.LogEntry{theirs}}

	res, err := local.ApplyMerge(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ConflictsRecorded)

	open, err := local.ListConflicts(ctx, false)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, id, open[0].ID)
	assert.Equal(t, mine.Ref(), open[0].LocalEntry)
	assert.Equal(t, theirs.Origin, open[0].RemoteEntry)

	res, err = local.ApplyMerge(ctx, batch)
	require.NoError(t, err)
	assert.Zero(t, res.ConflictsRecorded, "content-derived id deduplicates re-detection")

	// Both payloads stay retrievable.
	siblings, err := local.GetNodesAt(ctx, mine.Node.Coordinate)
	require.NoError(t, err)
	assert.Len(t, siblings, 2)

	inv, err := local.ScanInventory(ctx)
	require.NoError(t, err)
	assert.Len(t, inv[mine.Node.Coordinate.Key()], 2, "conflicted coordinate exposes both hashes")
}

func TestConcurrentMergesRecordSiblingConflict(t *testing.T) {
	// Two sessions merge a different sibling at the same coordinate at
	// the same time. Detection runs inside the merge transaction, so
	// whichever commits second must see the other's sibling and pair
	// them; two nodes with zero conflict records would be silent loss.
	ctx := context.Background()
	local := createTestStore(t, "inst-a")

	fromB := vault.LogEntry{
		Origin:    vault.EntryRef{Author: "inst-b", Seq: 1},
		Timestamp: time.Now().UTC(),
		Node:      sealTestNode(4, 4, "via B"),
	}
	fromC := vault.LogEntry{
		Origin:    vault.EntryRef{Author: "inst-c", Seq: 1},
		Timestamp: time.Now().UTC(),
		Node:      sealTestNode(4, 4, "via C"),
	}

	var wg sync.WaitGroup
	for _, entry := range []vault.LogEntry{fromB, fromC} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := local.ApplyMerge(ctx, MergeBatch{Entries: []vault.LogEntry{entry}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	siblings, err := local.GetNodesAt(ctx, fromB.Node.Coordinate)
	require.NoError(t, err)
	require.Len(t, siblings, 2)

	id, err := vault.ConflictID(fromB.Node.Coordinate.Key(),
		fromB.Node.ContentHash, fromC.Node.ContentHash)
	require.NoError(t, err)

	conflicts, err := local.ListConflicts(ctx, false)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, id, conflicts[0].ID)
}

func TestResolveConflictSupersedesLoser(t *testing.T) {
	ctx := context.Background()
	local := createTestStore(t, "inst-a")

	mine, err := local.AppendLocal(ctx, sealTestNode(4, 4, "mine"), nil, "")
	require.NoError(t, err)
	theirs := vault.LogEntry{
		Origin:    vault.EntryRef{Author: "inst-b", Seq: 1},
		Timestamp: time.Now().UTC(),
		Node:      sealTestNode(4, 4, "theirs"),
	}
	id, err := vault.ConflictID(mine.Node.Coordinate.Key(), mine.Node.ContentHash, theirs.Node.ContentHash)
	require.NoError(t, err)

	_, err = local.ApplyMerge(ctx, MergeBatch{Entries: []vault.LogEntry{theirs}})
	require.NoError(t, err)

	require.NoError(t, local.ResolveConflict(ctx, id, mine.Node.ContentHash))

	open, err := local.ListConflicts(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, open)

	live, err := local.GetNodesAt(ctx, mine.Node.Coordinate)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, mine.Node.ContentHash, live[0].ContentHash)

	// The losing payload is superseded, not destroyed.
	loser, err := local.GetNodeByHash(ctx, mine.Node.Coordinate, theirs.Node.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, []byte("theirs"), loser.Payload)
}

func TestResolveConflictRejectsNonMember(t *testing.T) {
	ctx := context.Background()
	local := createTestStore(t, "inst-a")

	mine, err := local.AppendLocal(ctx, sealTestNode(4, 4, "mine"), nil, "")
	require.NoError(t, err)
	theirs := vault.LogEntry{
		Origin:    vault.EntryRef{Author: "inst-b", Seq: 1},
		Timestamp: time.Now().UTC(),
		Node:      sealTestNode(4, 4, "theirs"),
	}
	id, err := vault.ConflictID(mine.Node.Coordinate.Key(), mine.Node.ContentHash, theirs.Node.ContentHash)
	require.NoError(t, err)
	_, err = local.ApplyMerge(ctx, MergeBatch{Entries: []vault.LogEntry{theirs}})
	require.NoError(t, err)

	assert.Error(t, local.ResolveConflict(ctx, id, "bafk-not-a-member"))
	assert.Error(t, local.ResolveConflict(ctx, "missing-id", mine.Node.ContentHash))
}

func TestTopologicalOrderDeterministicAcrossInstances(t *testing.T) {
	ctx := context.Background()

	// Two instances merge the same entries in different orders; their
	// topological orders must match.
	e1 := vault.LogEntry{Origin: vault.EntryRef{Author: "x", Seq: 1},
		Timestamp: time.Now().UTC(), Node: sealTestNode(1, 0, "x1")}
	e2 := vault.LogEntry{Origin: vault.EntryRef{Author: "y", Seq: 1},
		Timestamp: time.Now().UTC(), Node: sealTestNode(2, 0, "y1")}
	e3 := vault.LogEntry{Origin: vault.EntryRef{Author: "x", Seq: 2},
		Timestamp: time.Now().UTC(), Node: sealTestNode(3, 0, "x2"),
		Parents: []vault.EntryRef{e1.Origin, e2.Origin}}

	a := createTestStore(t, "inst-a")
	b := createTestStore(t, "inst-b")

	_, err := a.ApplyMerge(ctx, MergeBatch{Entries: []vault.LogEntry{e1, e2, e3}})
	require.NoError(t, err)
	_, err = b.ApplyMerge(ctx, MergeBatch{Entries: []vault.LogEntry{e2, e1, e3}})
	require.NoError(t, err)

	orderA, err := a.TopologicalOrder(ctx)
	require.NoError(t, err)
	orderB, err := b.TopologicalOrder(ctx)
	require.NoError(t, err)

	require.Len(t, orderA, 3)
	for i := range orderA {
		assert.Equal(t, orderA[i].Origin, orderB[i].Origin,
			"replay order must agree at position %d", i)
	}
}

func mustLogLen(t *testing.T, s *Store) int64 {
	t.Helper()
	var n int64
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM log_entries`).Scan(&n))
	return n
}
