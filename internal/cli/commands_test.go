package cli

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultmesh/vaultmesh/internal/peer"
	"github.com/vaultmesh/vaultmesh/internal/store"
	"github.com/vaultmesh/vaultmesh/internal/vault"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootRejectsInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "inventory")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestSealAndInventory(t *testing.T) {
	db := filepath.Join(t.TempDir(), "a.db")

	out, err := execute(t, "seal",
		"--db", db, "--instance", "inst-a",
		"--theta", "1", "--z", "2", "--payload", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "sealed")
	assert.Contains(t, out, "t1;z2;r1")

	out, err = execute(t, "inventory", "--db", db, "--instance", "inst-a")
	require.NoError(t, err)
	assert.Contains(t, out, "t1;z2;r1")
	assert.Contains(t, out, "digest ")

	out, err = execute(t, "inventory", "--db", db, "--instance", "inst-a", "--digest")
	require.NoError(t, err)
	assert.Len(t, strings.Fields(out), 1, "digest only")
}

func TestSealRequiresPayload(t *testing.T) {
	db := filepath.Join(t.TempDir(), "a.db")
	_, err := execute(t, "seal", "--db", db, "--instance", "inst-a", "--theta", "1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSealDuplicateCoordinateFails(t *testing.T) {
	db := filepath.Join(t.TempDir(), "a.db")
	_, err := execute(t, "seal", "--db", db, "--instance", "inst-a",
		"--theta", "1", "--payload", "first")
	require.NoError(t, err)

	_, err = execute(t, "seal", "--db", db, "--instance", "inst-a",
		"--theta", "1", "--payload", "second")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestSealJSONOutput(t *testing.T) {
	db := filepath.Join(t.TempDir(), "a.db")
	out, err := execute(t, "--format", "json", "seal",
		"--db", db, "--instance", "inst-a", "--theta", "3", "--payload", "data")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	entry := resp.Data.(map[string]any)
	node := entry["node"].(map[string]any)
	assert.NotEmpty(t, node["content_hash"])
}

func TestConflictsEmpty(t *testing.T) {
	db := filepath.Join(t.TempDir(), "a.db")
	out, err := execute(t, "conflicts", "--db", db, "--instance", "inst-a")
	require.NoError(t, err)
	assert.Contains(t, out, "no conflicts")
}

func TestConflictsResolveUnknownID(t *testing.T) {
	db := filepath.Join(t.TempDir(), "a.db")
	_, err := execute(t, "conflicts", "resolve", "nope", "hash",
		"--db", db, "--instance", "inst-a")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestTraceEmptyDatabase(t *testing.T) {
	db := filepath.Join(t.TempDir(), "a.db")
	out, err := execute(t, "--format", "json", "trace", "--db", db, "--instance", "inst-a")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestSyncCommandAgainstLiveServer(t *testing.T) {
	// A real peer behind httptest, with one node the client lacks.
	serverDB := filepath.Join(t.TempDir(), "b.db")
	stB, err := store.Open(serverDB, "inst-b")
	require.NoError(t, err)
	defer stB.Close()
	node := vault.Seal(vault.NewCoordinate(1, 0), vault.ContentTypeNode,
		[]byte("remote content"), time.Now())
	_, err = stB.AppendLocal(t.Context(), node, nil, "")
	require.NoError(t, err)

	ts := httptest.NewServer(peer.NewServer(stB, peer.AllowAll{}).Handler())
	defer ts.Close()
	addr := strings.TrimPrefix(ts.URL, "http://")

	clientDB := filepath.Join(t.TempDir(), "a.db")
	out, err := execute(t, "--format", "json", "sync", addr,
		"--db", clientDB, "--instance", "inst-a", "--peer", "inst-b")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "merged", data["Status"])
	assert.Equal(t, float64(1), data["EntriesMerged"])

	// Second run short-circuits.
	out, err = execute(t, "--format", "json", "sync", addr,
		"--db", clientDB, "--instance", "inst-a")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	data = resp.Data.(map[string]any)
	assert.Equal(t, "already_synced", data["Status"])
}

func TestSyncDeclinedExitsWithFailure(t *testing.T) {
	serverDB := filepath.Join(t.TempDir(), "b.db")
	stB, err := store.Open(serverDB, "inst-b")
	require.NoError(t, err)
	defer stB.Close()

	ts := httptest.NewServer(peer.NewServer(stB,
		peer.StaticPolicy{Deny: []string{"inst-a"}}).Handler())
	defer ts.Close()

	clientDB := filepath.Join(t.TempDir(), "a.db")
	_, err = execute(t, "sync", strings.TrimPrefix(ts.URL, "http://"),
		"--db", clientDB, "--instance", "inst-a")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}
