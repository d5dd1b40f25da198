package peer

import (
	"encoding/json"
	"fmt"

	"github.com/vaultmesh/vaultmesh/internal/vault"
)

// ProtocolVersion is negotiated in the hello exchange. A responder
// rejects a hello carrying a version it does not speak.
const ProtocolVersion = 1

// Message kinds.
const (
	KindHello     = "hello"
	KindInventory = "inventory"
	KindEntries   = "entries"
	KindError     = "error"
)

// Message is the wire envelope: a kind, the sender's instance id, and
// a kind-specific JSON body.
type Message struct {
	Kind     string          `json:"kind"`
	Instance string          `json:"instance"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// NewMessage builds an envelope around a marshaled body.
func NewMessage(kind, instance string, body any) (*Message, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", kind, err)
	}
	return &Message{Kind: kind, Instance: instance, Body: raw}, nil
}

// DecodeBody unmarshals the envelope body into out, checking the kind
// first.
func (m *Message) DecodeBody(kind string, out any) error {
	if m.Kind == KindError {
		var e ErrorBody
		if err := json.Unmarshal(m.Body, &e); err == nil && e.Error != "" {
			return fmt.Errorf("peer %s: %s", m.Instance, e.Error)
		}
		return fmt.Errorf("peer %s: unspecified protocol error", m.Instance)
	}
	if m.Kind != kind {
		return fmt.Errorf("peer %s: expected %s message, got %s", m.Instance, kind, m.Kind)
	}
	if err := json.Unmarshal(m.Body, out); err != nil {
		return fmt.Errorf("decode %s body from %s: %w", kind, m.Instance, err)
	}
	return nil
}

// ErrorBody carries a protocol-level failure back to the requester.
type ErrorBody struct {
	Error string `json:"error"`
}

// HelloRequest opens a session: the initiator introduces itself and
// its current inventory digest so the responder can short-circuit an
// already-synced pair.
type HelloRequest struct {
	Version         int    `json:"version"`
	SessionID       string `json:"session_id"`
	InventoryDigest string `json:"inventory_digest"`
}

// HelloResponse answers a hello. Accepted is the responder's consent
// decision; AlreadySynced is set when the digests match and no
// transfer is needed.
type HelloResponse struct {
	Version         int    `json:"version"`
	Accepted        bool   `json:"accepted"`
	Reason          string `json:"reason,omitempty"`
	AlreadySynced   bool   `json:"already_synced,omitempty"`
	InventoryDigest string `json:"inventory_digest"`
}

// InventoryRequest asks for the responder's full live inventory.
type InventoryRequest struct {
	SessionID string `json:"session_id"`
}

// InventoryResponse carries the live inventory and its digest.
type InventoryResponse struct {
	Inventory vault.Inventory `json:"inventory"`
	Digest    string          `json:"digest"`
}

// EntriesRequest asks for the log chains covering the given missing
// hashes, keyed by coordinate.
type EntriesRequest struct {
	SessionID string              `json:"session_id"`
	Missing   map[string][]string `json:"missing"`
}

// EntriesResponse carries the selected entries in the responder's log
// order. Parents of every entry are either already held by the
// requester or included in the same batch.
type EntriesResponse struct {
	Entries []vault.LogEntry `json:"entries"`
}
