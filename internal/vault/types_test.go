package vault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinateKeyRoundTrip(t *testing.T) {
	coords := []Coordinate{
		NewCoordinate(0, 0),
		NewCoordinate(3.141592653589793, -2.5),
		{Theta: 1e-9, Z: 1e9, R: 0.25},
		{Theta: -0.1, Z: 0.1, R: 1},
	}
	for _, c := range coords {
		parsed, err := ParseKey(c.Key())
		require.NoError(t, err, "key %q", c.Key())
		assert.Equal(t, c, parsed, "Key/ParseKey must round-trip exactly")
	}
}

func TestCoordinateKeyEquality(t *testing.T) {
	a := NewCoordinate(1.5, 2.5)
	b := Coordinate{Theta: 1.5, Z: 2.5, R: DefaultRadius}
	assert.Equal(t, a.Key(), b.Key())

	c := Coordinate{Theta: 1.5, Z: 2.5, R: 0.5}
	assert.NotEqual(t, a.Key(), c.Key(), "radius is part of the coordinate")
}

func TestParseKeyRejectsGarbage(t *testing.T) {
	for _, key := range []string{"", "t1", "t1;z2", "z2;r1", "t;zx;r1", "tabc;z1;r1"} {
		_, err := ParseKey(key)
		assert.Error(t, err, "key %q", key)
	}
}

func TestSealComputesHash(t *testing.T) {
	sealedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	node := Seal(NewCoordinate(1, 2), ContentTypeNode, []byte("payload"), sealedAt)

	require.NoError(t, node.Verify())
	assert.Equal(t, ContentHash(ContentTypeNode, []byte("payload")), node.ContentHash)
	assert.Equal(t, sealedAt, node.SealedAt)
}

func TestVerifyDetectsTamper(t *testing.T) {
	node := Seal(NewCoordinate(1, 2), ContentTypeNode, []byte("payload"), time.Now())
	node.Payload = []byte("tampered")
	assert.Error(t, node.Verify())
}

func TestEntryRefOrdering(t *testing.T) {
	a := EntryRef{Author: "alpha", Seq: 1}
	b := EntryRef{Author: "beta", Seq: 1}
	c := EntryRef{Author: "alpha", Seq: 2}

	assert.True(t, a.Less(b), "same seq breaks ties by author")
	assert.True(t, a.Less(c), "lower seq orders first")
	assert.True(t, b.Less(c), "seq dominates author")
	assert.False(t, a.Less(a))
	assert.Equal(t, "alpha#1", a.String())
}

func TestInventoryAddKeepsSortedSet(t *testing.T) {
	inv := Inventory{}
	inv.Add("k", "c")
	inv.Add("k", "a")
	inv.Add("k", "b")
	inv.Add("k", "a") // duplicate

	assert.Equal(t, []string{"a", "b", "c"}, inv["k"])
	assert.True(t, inv.Contains("k", "b"))
	assert.False(t, inv.Contains("k", "d"))
	assert.False(t, inv.Contains("missing", "a"))
}

func TestInventoryEqualAndClone(t *testing.T) {
	a := Inventory{}
	a.Add("k1", "h1")
	a.Add("k2", "h2")

	b := a.Clone()
	assert.True(t, a.Equal(b))

	b.Add("k2", "h3")
	assert.False(t, a.Equal(b), "clone must not share backing storage")
	assert.Equal(t, []string{"h2"}, a["k2"])

	c := Inventory{}
	c.Add("k1", "h1")
	assert.False(t, a.Equal(c), "different key counts are unequal")
}
