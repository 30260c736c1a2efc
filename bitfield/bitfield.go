// Package bitfield implements the compact piece-index set used by both a session's own progress
// record and each connection's record of its remote peer's pieces: membership, set algebra, and
// the two selection primitives the download scheduler builds rarest-first and endgame on top of.
package bitfield

import (
	"fmt"
	"math/rand"

	"github.com/RoaringBitmap/roaring/v2"
)

// Bitfield is a set over piece indices [0, Len). Cardinality is tracked by the underlying roaring
// bitmap itself, so Count is O(1) without a separate cached counter.
type Bitfield struct {
	bm  *roaring.Bitmap
	len int
}

// New returns an empty bitfield over piece indices [0, length).
func New(length int) *Bitfield {
	if length < 0 {
		panic("length must be non-negative")
	}
	return &Bitfield{bm: roaring.New(), len: length}
}

func (b *Bitfield) checkIndex(i int) {
	if i < 0 || i >= b.len {
		panic(fmt.Sprintf("piece index %d out of range [0,%d)", i, b.len))
	}
}

// Len is P, the number of pieces this bitfield is defined over.
func (b *Bitfield) Len() int { return b.len }

// Has reports whether piece i is set.
func (b *Bitfield) Has(i int) bool {
	b.checkIndex(i)
	return b.bm.Contains(uint32(i))
}

// Set marks piece i present.
func (b *Bitfield) Set(i int) {
	b.checkIndex(i)
	b.bm.Add(uint32(i))
}

// Clear marks piece i absent.
func (b *Bitfield) Clear(i int) {
	b.checkIndex(i)
	b.bm.Remove(uint32(i))
}

// Count is the cardinality of the set.
func (b *Bitfield) Count() int {
	return int(b.bm.GetCardinality())
}

// Complete reports whether every piece in [0, Len) is present.
func (b *Bitfield) Complete() bool {
	return b.Count() == b.len
}

// Clone returns an independent copy.
func (b *Bitfield) Clone() *Bitfield {
	return &Bitfield{bm: b.bm.Clone(), len: b.len}
}

func (b *Bitfield) sameLenOrPanic(other *Bitfield) {
	if b.len != other.len {
		panic(fmt.Sprintf("bitfield length mismatch: %d != %d", b.len, other.len))
	}
}

// Union returns a new bitfield containing every piece present in either b or other.
func (b *Bitfield) Union(other *Bitfield) *Bitfield {
	b.sameLenOrPanic(other)
	return &Bitfield{bm: roaring.Or(b.bm, other.bm), len: b.len}
}

// Intersect returns a new bitfield containing every piece present in both b and other.
func (b *Bitfield) Intersect(other *Bitfield) *Bitfield {
	b.sameLenOrPanic(other)
	return &Bitfield{bm: roaring.And(b.bm, other.bm), len: b.len}
}

// Difference returns a new bitfield containing pieces present in b but not in other.
func (b *Bitfield) Difference(other *Bitfield) *Bitfield {
	b.sameLenOrPanic(other)
	return &Bitfield{bm: roaring.AndNot(b.bm, other.bm), len: b.len}
}

// RandomMissing samples uniformly from mask \ b, i.e. pieces present in mask but absent from b.
// Returns false if that set is empty.
func (b *Bitfield) RandomMissing(mask *Bitfield, rng *rand.Rand) (int, bool) {
	b.sameLenOrPanic(mask)
	candidates := roaring.AndNot(mask.bm, b.bm)
	n := candidates.GetCardinality()
	if n == 0 {
		return 0, false
	}
	target := uint64(rng.Int63n(int64(n)))
	it := candidates.Iterator()
	var i uint64
	for it.HasNext() {
		v := it.Next()
		if i == target {
			return int(v), true
		}
		i++
	}
	panic("unreachable: target index exceeded cardinality")
}

// Rarest returns the index in mask \ b whose counts[i] is minimal, ties broken by lowest index.
// counts is indexed by piece index and holds the swarm-wide number of peers known to have that
// piece. Returns false if mask \ b is empty.
func (b *Bitfield) Rarest(mask *Bitfield, counts []int) (int, bool) {
	b.sameLenOrPanic(mask)
	candidates := roaring.AndNot(mask.bm, b.bm)
	if candidates.IsEmpty() {
		return 0, false
	}
	best := -1
	bestCount := 0
	it := candidates.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		c := counts[i]
		if best == -1 || c < bestCount {
			best = i
			bestCount = c
		}
	}
	return best, true
}

// MarshalBinary encodes the bitfield in the packed, big-endian-within-byte wire form: piece 0 is
// the MSB of byte 0. Trailing pad bits in the final byte are zero.
func (b *Bitfield) MarshalBinary() ([]byte, error) {
	out := make([]byte, (b.len+7)/8)
	it := b.bm.Iterator()
	for it.HasNext() {
		i := it.Next()
		out[i/8] |= 1 << (7 - i%8)
	}
	return out, nil
}

// UnmarshalBinary decodes the packed wire form into b, replacing its contents. It rejects
// bitfields shorter than required to represent Len pieces. Bits beyond Len, whether pad bits in
// the final byte or extra trailing bytes, are ignored: nonzero ones neither fail the decode nor
// are reported.
func (b *Bitfield) UnmarshalBinary(data []byte) error {
	want := (b.len + 7) / 8
	if len(data) < want {
		return fmt.Errorf("bitfield too short: have %d bytes, need %d for %d pieces", len(data), want, b.len)
	}
	bm := roaring.New()
	for i := 0; i < b.len; i++ {
		byteIdx := i / 8
		bit := data[byteIdx]&(1<<(7-uint(i%8))) != 0
		if bit {
			bm.Add(uint32(i))
		}
	}
	b.bm = bm
	return nil
}
