// Package merge implements the log-structured merge at the core of the
// sync engine: inventory diffing, causal ordering of fetched entries,
// and the apply path. Conflict detection itself runs inside the store's
// merge transaction so it is atomic with the commit.
//
// The merge is a join-semilattice over the per-coordinate set of sealed
// content hashes: commutative, associative, and idempotent, so any
// sequence of pairwise syncs that connects the communication graph
// converges every instance to the same node sets and the same unresolved
// conflict records. Merge never discards data; resolving a conflict is
// an explicit external act outside this package.
//
// All computation here is synchronous and local. Fetching happens in
// the session layer. There is deliberately no consensus protocol:
// eventual consistency with full auditability is the design constraint,
// not a gap.
package merge
