package vault

import (
	"fmt"
	"slices"
)

// SortCausal orders entries into a total order consistent with the
// parent DAG. Edges outside the given set (parents already present in
// some log) are ignored; only dependencies between members constrain
// the order.
//
// The order is deterministic across instances: Kahn's algorithm with the
// ready set drained in (origin seq, author) order. Two instances holding
// the same merged set therefore replay it identically.
//
// Returns an error if the entries do not form a DAG, or if the set
// contains duplicate refs.
func SortCausal(entries []LogEntry) ([]LogEntry, error) {
	byRef := make(map[EntryRef]LogEntry, len(entries))
	for _, e := range entries {
		if _, dup := byRef[e.Origin]; dup {
			return nil, fmt.Errorf("causal sort: duplicate entry %s", e.Origin)
		}
		byRef[e.Origin] = e
	}

	// In-degree counts only edges within the set.
	indegree := make(map[EntryRef]int, len(entries))
	children := make(map[EntryRef][]EntryRef, len(entries))
	for _, e := range entries {
		indegree[e.Origin] += 0
		for _, p := range e.Parents {
			if _, inSet := byRef[p]; inSet {
				indegree[e.Origin]++
				children[p] = append(children[p], e.Origin)
			}
		}
	}

	ready := make([]EntryRef, 0, len(entries))
	for ref, deg := range indegree {
		if deg == 0 {
			ready = append(ready, ref)
		}
	}

	out := make([]LogEntry, 0, len(entries))
	for len(ready) > 0 {
		// Deterministic tie-break: lowest (origin seq, author) first.
		next := 0
		for i := 1; i < len(ready); i++ {
			if ready[i].Less(ready[next]) {
				next = i
			}
		}
		ref := ready[next]
		ready = slices.Delete(ready, next, next+1)

		out = append(out, byRef[ref])
		for _, child := range children[ref] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(out) != len(entries) {
		return nil, fmt.Errorf("causal sort: parent refs form a cycle (%d of %d entries ordered)",
			len(out), len(entries))
	}
	return out, nil
}
