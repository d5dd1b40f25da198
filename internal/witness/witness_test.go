package witness

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultmesh/vaultmesh/internal/store"
)

func createTestWitness(t *testing.T) *Witness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), "inst-a")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fixed := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	return New(st, WithClock(func() time.Time { return fixed }))
}

func TestRecordAndReplay(t *testing.T) {
	ctx := context.Background()
	w := createTestWitness(t)

	require.NoError(t, w.Record(ctx, SyncStarted("sess-01", "inst-b")))
	require.NoError(t, w.Record(ctx, SyncCompleted("sess-01", "inst-b", "merged", 3, 1, "digest-aa")))

	events, err := w.Replay(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, KindSyncStarted, events[0].Kind)
	assert.Equal(t, "sess-01", events[0].SessionID)

	assert.Equal(t, KindSyncCompleted, events[1].Kind)
	assert.Equal(t, "merged", events[1].Details["status"])
	assert.Equal(t, float64(3), events[1].Details["entries_merged"])
}

func TestReplaySince(t *testing.T) {
	ctx := context.Background()
	w := createTestWitness(t)

	require.NoError(t, w.Record(ctx, SyncStarted("sess-01", "inst-b")))
	require.NoError(t, w.Record(ctx, SyncCancelled("sess-01", "inst-b", "transfer_failed")))

	tail, err := w.Replay(ctx, 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, KindSyncCancelled, tail[0].Kind)
	assert.Equal(t, "transfer_failed", tail[0].Details["reason"])
}

func TestReplaySessionFilters(t *testing.T) {
	ctx := context.Background()
	w := createTestWitness(t)

	require.NoError(t, w.Record(ctx, SyncStarted("sess-01", "inst-b")))
	require.NoError(t, w.Record(ctx, SyncStarted("sess-02", "inst-c")))
	require.NoError(t, w.Record(ctx, ConsentDeclined("sess-02", "inst-c")))

	events, err := w.ReplaySession(ctx, "sess-02")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, KindSyncStarted, events[0].Kind)
	assert.Equal(t, KindConsentDeclined, events[1].Kind)
}

func TestWitnessSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	st, err := store.Open(path, "inst-a")
	require.NoError(t, err)
	w := New(st)
	require.NoError(t, w.Record(ctx, SyncStarted("sess-01", "inst-b")))
	require.NoError(t, st.Close())

	st2, err := store.Open(path, "inst-a")
	require.NoError(t, err)
	defer st2.Close()

	events, err := New(st2).Replay(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, KindSyncStarted, events[0].Kind)
}

func TestRenderGolden(t *testing.T) {
	ctx := context.Background()
	w := createTestWitness(t)

	require.NoError(t, w.Record(ctx, TriggerFired("elevation", "inst-b")))
	require.NoError(t, w.Record(ctx, SyncStarted("sess-01", "inst-b")))
	require.NoError(t, w.Record(ctx, SyncCompleted("sess-01", "inst-b", "merged", 3, 1, "digest-aa")))
	require.NoError(t, w.Record(ctx, SyncCancelled("sess-02", "inst-c", "transfer_failed")))
	require.NoError(t, w.Record(ctx, ConsentDeclined("sess-03", "inst-d")))

	events, err := w.Replay(ctx, 0)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, events))

	g := goldie.New(t)
	g.Assert(t, "audit_trace", buf.Bytes())
}
