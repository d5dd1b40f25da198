package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vaultmesh/vaultmesh/internal/vault"
)

// timeLayout is the storage format for timestamps. Timestamps are
// informational only; nothing orders by them.
const timeLayout = time.RFC3339Nano

func marshalParents(parents []vault.EntryRef) (string, error) {
	if len(parents) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(parents)
	if err != nil {
		return "", fmt.Errorf("marshal parent refs: %w", err)
	}
	return string(data), nil
}

func unmarshalParents(data string) ([]vault.EntryRef, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var parents []vault.EntryRef
	if err := json.Unmarshal([]byte(data), &parents); err != nil {
		return nil, fmt.Errorf("unmarshal parent refs: %w", err)
	}
	return parents, nil
}

func marshalTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func unmarshalTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unmarshal timestamp %q: %w", s, err)
	}
	return t, nil
}
