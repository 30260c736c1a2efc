package bitfield

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetHasClearCount(t *testing.T) {
	b := New(8)
	assert.False(t, b.Has(3))
	b.Set(3)
	assert.True(t, b.Has(3))
	assert.Equal(t, 1, b.Count())
	b.Clear(3)
	assert.False(t, b.Has(3))
	assert.Equal(t, 0, b.Count())
}

func TestComplete(t *testing.T) {
	b := New(3)
	assert.False(t, b.Complete())
	b.Set(0)
	b.Set(1)
	b.Set(2)
	assert.True(t, b.Complete())
}

func TestSetAlgebra(t *testing.T) {
	a := New(8)
	a.Set(0)
	a.Set(1)
	a.Set(2)
	bb := New(8)
	bb.Set(1)
	bb.Set(2)
	bb.Set(3)

	u := a.Union(bb)
	assert.Equal(t, 4, u.Count())
	for _, i := range []int{0, 1, 2, 3} {
		assert.True(t, u.Has(i))
	}

	i := a.Intersect(bb)
	assert.Equal(t, 2, i.Count())
	assert.True(t, i.Has(1))
	assert.True(t, i.Has(2))

	d := a.Difference(bb)
	assert.Equal(t, 1, d.Count())
	assert.True(t, d.Has(0))
}

func TestRandomMissing(t *testing.T) {
	have := New(4)
	have.Set(0)
	mask := New(4)
	mask.Set(0)
	mask.Set(1)
	mask.Set(2)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		idx, ok := have.RandomMissing(mask, rng)
		require.True(t, ok)
		assert.Contains(t, []int{1, 2}, idx)
	}

	have.Set(1)
	have.Set(2)
	_, ok := have.RandomMissing(mask, rng)
	assert.False(t, ok)
}

func TestRarestTiesByLowestIndex(t *testing.T) {
	have := New(4)
	mask := New(4)
	mask.Set(0)
	mask.Set(1)
	mask.Set(2)
	counts := []int{5, 1, 1}

	idx, ok := have.Rarest(mask, counts)
	require.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestWireRoundTrip(t *testing.T) {
	b := New(20)
	b.Set(0)
	b.Set(7)
	b.Set(19)
	wire, err := b.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, wire, 3)
	assert.Equal(t, byte(0b10000001), wire[0])

	got := New(20)
	require.NoError(t, got.UnmarshalBinary(wire))
	assert.True(t, got.Has(0))
	assert.True(t, got.Has(7))
	assert.True(t, got.Has(19))
	assert.Equal(t, 3, got.Count())
}

func TestUnmarshalRejectsTooShort(t *testing.T) {
	b := New(20)
	err := b.UnmarshalBinary(make([]byte, 2))
	assert.Error(t, err)
}
