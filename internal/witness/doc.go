// Package witness is the append-only audit log: every session outcome
// and trigger firing is recorded here, durable across restarts, and
// replayable for diagnostics. It answers "who synced what from whom and
// when" and is the single source of truth for what happened.
//
// The merge engine never reads the witness; the dependency points one
// way only.
package witness
