package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Domain prefixes for content-derived identity. The version suffix
// leaves room for algorithm migration.
const (
	domainNode      = "vaultmesh/node/v1"
	domainInventory = "vaultmesh/inventory/v1"
	domainConflict  = "vaultmesh/conflict/v1"
)

// ContentHash computes the content-addressing key of a node payload:
// a CIDv1 (raw codec, sha2-256) over the domain-separated digest input
// domain + 0x00 + contentType + 0x00 + payload. The null separators
// prevent boundary ambiguity between the fields.
func ContentHash(contentType string, payload []byte) string {
	data := make([]byte, 0, len(domainNode)+len(contentType)+len(payload)+2)
	data = append(data, domainNode...)
	data = append(data, 0x00)
	data = append(data, contentType...)
	data = append(data, 0x00)
	data = append(data, payload...)

	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		// multihash.Sum cannot fail for SHA2_256 with default length.
		panic(fmt.Sprintf("content hash: %v", err))
	}
	return cid.NewCidV1(cid.Raw, sum).String()
}

// hashWithDomain computes hex SHA-256 over domain + 0x00 + data.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Digest computes the inventory digest: domain-separated SHA-256 over
// the canonical JSON of the coordinate-key to live-hash-set map. Two
// instances holding the same live sets produce the same digest, which
// is what desync detection and audit records compare.
func (inv Inventory) Digest() (string, error) {
	canonical, err := MarshalCanonical(map[string][]string(inv))
	if err != nil {
		return "", fmt.Errorf("inventory digest: %w", err)
	}
	return hashWithDomain(domainInventory, canonical), nil
}

// ConflictID computes the content-derived identity of a conflict: the
// coordinate key plus the unordered pair of content hashes. The pair is
// ordered lexically before hashing so the two instances that detect the
// same conflict from opposite sides agree on the ID.
func ConflictID(coordKey, hashA, hashB string) (string, error) {
	if hashB < hashA {
		hashA, hashB = hashB, hashA
	}
	canonical, err := MarshalCanonical(map[string]any{
		"coordinate": coordKey,
		"hashes":     []string{hashA, hashB},
	})
	if err != nil {
		return "", fmt.Errorf("conflict id: %w", err)
	}
	return hashWithDomain(domainConflict, canonical), nil
}
