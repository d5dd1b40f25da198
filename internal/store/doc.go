// Package store provides SQLite-backed durable storage for a vaultmesh
// instance: the operation log, the content-addressed node store, and
// conflict records. The audit-event table also lives in the same
// database but is owned by package witness.
//
// # Write model
//
// The instance is the single writer of its own operation log. All
// mutations (local seal, merge apply, conflict resolution) take the
// store's mutation lock, so local sequence numbers are assigned in a
// strictly increasing order and the parent-DAG invariant cannot be
// violated by interleaved writers. Reads never take the lock; WAL mode
// lets inventory scans proceed while a merge transaction is open.
//
// # Atomicity
//
// A local seal writes its log entry and node row in one transaction.
// A merge applies its whole batch (entries, node rows, conflict
// records) in one transaction, so a cancelled or failed session leaves
// no partial state behind.
//
// # Ordering
//
// All ordering uses the local_seq logical clock, never timestamps.
// Cross-instance determinism comes from topological ordering over the
// (author, origin_seq) parent DAG with the (origin seq, author)
// tie-break in vault.SortCausal.
package store
