package vault

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ContentTypeNode is the only content type currently sealed. The field
// exists so future content kinds can ride the same protocol without a
// wire change.
const ContentTypeNode = "vaultnode"

// DefaultRadius is the structural-integrity weight assigned to a
// coordinate when the caller does not specify one.
const DefaultRadius = 1.0

// Coordinate is the logical position of a node in the shared space:
// angular position theta, elevation z, and radius r (structural weight).
type Coordinate struct {
	Theta float64 `json:"theta"`
	Z     float64 `json:"z"`
	R     float64 `json:"r"`
}

// NewCoordinate returns a coordinate at (theta, z) with the default radius.
func NewCoordinate(theta, z float64) Coordinate {
	return Coordinate{Theta: theta, Z: z, R: DefaultRadius}
}

// Key returns the canonical string form of the coordinate, used as a map
// key and as the coordinate column in storage. FormatFloat with -1
// precision round-trips float64 exactly, so two equal coordinates always
// produce the same key.
func (c Coordinate) Key() string {
	var b strings.Builder
	b.WriteString("t")
	b.WriteString(strconv.FormatFloat(c.Theta, 'g', -1, 64))
	b.WriteString(";z")
	b.WriteString(strconv.FormatFloat(c.Z, 'g', -1, 64))
	b.WriteString(";r")
	b.WriteString(strconv.FormatFloat(c.R, 'g', -1, 64))
	return b.String()
}

// ParseKey parses a coordinate key produced by Key.
func ParseKey(key string) (Coordinate, error) {
	var c Coordinate
	rest, ok := strings.CutPrefix(key, "t")
	if !ok {
		return c, fmt.Errorf("parse coordinate key %q: missing theta", key)
	}
	theta, rest, ok := strings.Cut(rest, ";z")
	if !ok {
		return c, fmt.Errorf("parse coordinate key %q: missing elevation", key)
	}
	z, r, ok := strings.Cut(rest, ";r")
	if !ok {
		return c, fmt.Errorf("parse coordinate key %q: missing radius", key)
	}
	var err error
	if c.Theta, err = strconv.ParseFloat(theta, 64); err != nil {
		return c, fmt.Errorf("parse coordinate key %q: theta: %w", key, err)
	}
	if c.Z, err = strconv.ParseFloat(z, 64); err != nil {
		return c, fmt.Errorf("parse coordinate key %q: elevation: %w", key, err)
	}
	if c.R, err = strconv.ParseFloat(r, 64); err != nil {
		return c, fmt.Errorf("parse coordinate key %q: radius: %w", key, err)
	}
	return c, nil
}

// VaultNode is an immutable, content-addressed unit of synchronized
// state. SealedAt is set once at creation and never changes.
type VaultNode struct {
	Coordinate  Coordinate `json:"coordinate"`
	ContentHash string     `json:"content_hash"`
	ContentType string     `json:"content_type"`
	Payload     []byte     `json:"payload"`
	SealedAt    time.Time  `json:"sealed_at"`
}

// Seal creates a node at the given coordinate, computing its content
// hash from the content type and payload.
func Seal(coord Coordinate, contentType string, payload []byte, sealedAt time.Time) VaultNode {
	return VaultNode{
		Coordinate:  coord,
		ContentHash: ContentHash(contentType, payload),
		ContentType: contentType,
		Payload:     payload,
		SealedAt:    sealedAt.UTC(),
	}
}

// Verify recomputes the content hash and checks it against ContentHash.
func (n VaultNode) Verify() error {
	want := ContentHash(n.ContentType, n.Payload)
	if n.ContentHash != want {
		return fmt.Errorf("node at %s: content hash %s does not match payload (want %s)",
			n.Coordinate.Key(), n.ContentHash, want)
	}
	return nil
}

// EntryRef is the global identity of a log entry: the instance that
// authored it plus the sequence number in that instance's own log. The
// ref stays stable as the entry is merged into other logs.
type EntryRef struct {
	Author string `json:"author"`
	Seq    int64  `json:"seq"`
}

// String renders the ref as "author#seq", usable as a map key.
func (r EntryRef) String() string {
	return r.Author + "#" + strconv.FormatInt(r.Seq, 10)
}

// Less orders refs by origin seq, then author. This is the deterministic
// tie-break used for topological ordering across instances.
func (r EntryRef) Less(other EntryRef) bool {
	if r.Seq != other.Seq {
		return r.Seq < other.Seq
	}
	return r.Author < other.Author
}

// LogEntry is one append to an instance's operation log.
//
// LocalSeq is the position in the holding instance's log; Origin is the
// entry's global identity. For locally-authored entries LocalSeq equals
// Origin.Seq; for merged remote entries LocalSeq is reassigned on append
// while Origin is preserved.
type LogEntry struct {
	LocalSeq   int64      `json:"local_seq"`
	Origin     EntryRef   `json:"origin"`
	Timestamp  time.Time  `json:"timestamp"` // informational, never used for ordering
	Node       VaultNode  `json:"node"`
	Parents    []EntryRef `json:"parents,omitempty"`
	WitnessSig string     `json:"witness_sig,omitempty"`
}

// Ref returns the entry's global identity.
func (e LogEntry) Ref() EntryRef { return e.Origin }

// Inventory maps coordinate keys to the sorted set of live content
// hashes at that coordinate. A healthy coordinate has one hash; a
// conflicted coordinate has several, and the per-coordinate set is the
// join-semilattice the merge operates on.
type Inventory map[string][]string

// Add inserts a hash into the coordinate's live set, keeping the set
// sorted and duplicate-free.
func (inv Inventory) Add(key, hash string) {
	hashes := inv[key]
	i, found := slices.BinarySearch(hashes, hash)
	if found {
		return
	}
	inv[key] = slices.Insert(hashes, i, hash)
}

// Contains reports whether hash is live at the coordinate.
func (inv Inventory) Contains(key, hash string) bool {
	_, found := slices.BinarySearch(inv[key], hash)
	return found
}

// Equal reports whether two inventories hold identical live sets.
func (inv Inventory) Equal(other Inventory) bool {
	if len(inv) != len(other) {
		return false
	}
	for key, hashes := range inv {
		if !slices.Equal(hashes, other[key]) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (inv Inventory) Clone() Inventory {
	out := make(Inventory, len(inv))
	for key, hashes := range inv {
		out[key] = slices.Clone(hashes)
	}
	return out
}

// ConflictRecord marks two sealed nodes at the same coordinate with
// different content hashes. Resolution is an explicit external act;
// until then both versions stay retrievable.
//
// The ID is content-derived from the coordinate and the unordered hash
// pair, so the two instances that detect the same conflict from opposite
// sides converge on the same record.
type ConflictRecord struct {
	ID          string     `json:"id"`
	Coordinate  Coordinate `json:"coordinate"`
	LocalEntry  EntryRef   `json:"local_entry"`
	RemoteEntry EntryRef   `json:"remote_entry"`
	LocalHash   string     `json:"local_hash"`
	RemoteHash  string     `json:"remote_hash"`
	DetectedAt  time.Time  `json:"detected_at"`
	Resolved    bool       `json:"resolved"`
}
