// Package peer holds the collaborator seams of the sync engine: peer
// discovery, request transport, consent checking, and trigger events.
// Each seam is an interface with a production implementation and a
// test double, so the session coordinator never depends on a concrete
// network.
//
// The wire protocol is deliberately small: three JSON messages (hello,
// inventory, entries) carried over HTTP POST. The serving side is a
// dispatch core wrapped by a thin HTTP handler; the in-process mesh
// used in tests calls the same dispatch core directly.
package peer
