package merge

import (
	"slices"

	"github.com/vaultmesh/vaultmesh/internal/vault"
)

// Delta is the inventory comparison that drives a sync session: which
// remote hashes are missing locally, and which of those land on
// coordinates that already hold different content.
type Delta struct {
	// Missing maps coordinate keys to the remote hashes absent from the
	// local live set. Only these hashes need transfer.
	Missing map[string][]string

	// NewCoordinates lists coordinate keys with no local content at all.
	NewCoordinates []string

	// CandidateConflicts lists occupied coordinate keys receiving a
	// hash they do not hold: sealing different content at the same
	// coordinate. Confirmed and recorded during planning.
	CandidateConflicts []string
}

// Empty reports whether the local side already holds everything the
// remote advertises (the "already_synced" short-circuit).
func (d Delta) Empty() bool {
	return len(d.Missing) == 0
}

// HashCount returns the number of hashes to transfer, used to scale the
// session timeout.
func (d Delta) HashCount() int {
	n := 0
	for _, hashes := range d.Missing {
		n += len(hashes)
	}
	return n
}

// Diff compares a remote inventory against the local one. It is
// one-directional: it computes what the local instance lacks, never
// what the remote lacks (the remote runs its own Diff for that).
func Diff(local, remote vault.Inventory) Delta {
	delta := Delta{Missing: map[string][]string{}}

	keys := make([]string, 0, len(remote))
	for key := range remote {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	for _, key := range keys {
		var need []string
		for _, hash := range remote[key] {
			if !local.Contains(key, hash) {
				need = append(need, hash)
			}
		}
		if len(need) == 0 {
			continue
		}
		delta.Missing[key] = need
		if len(local[key]) == 0 {
			delta.NewCoordinates = append(delta.NewCoordinates, key)
		} else {
			delta.CandidateConflicts = append(delta.CandidateConflicts, key)
		}
	}
	return delta
}
