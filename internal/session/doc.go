// Package session drives the multi-phase sync protocol from the
// initiating side. A session moves through discovery, consent,
// inventory exchange, content transfer, merge, and confirmation; it
// can be cancelled from any non-terminal phase, and cancellation
// leaves the store untouched because the merge is the only writing
// phase and runs as one transaction.
//
// The coordinator talks to peers only through the interfaces in the
// peer package, so the same machinery runs over HTTP in production and
// over an in-process mesh in tests. Every session outcome is recorded
// in the witness log.
package session
