// Package vault defines the core data model for the sync engine:
// coordinates, sealed vault nodes, log entries, inventories, and
// conflict records.
//
// # Identity
//
// All identity is content-derived:
//   - Node content hashes are CIDv1 (raw codec, sha2-256 multihash) over
//     a domain-separated digest of content type and payload.
//   - Inventory digests and conflict IDs are SHA-256 with domain
//     separation over canonical JSON (canonical.go).
//
// Entries are globally identified by an EntryRef (author + origin
// sequence number), which stays stable as the entry is merged into other
// instances' logs.
//
// # Immutability
//
// A VaultNode never changes after Seal. "Updating" a coordinate means
// sealing a new node at the same coordinate with a different hash; the
// merge engine detects that as a conflict and keeps both versions.
package vault
