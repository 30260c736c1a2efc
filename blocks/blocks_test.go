package blocks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyLayout() Layout {
	// 4 pieces of 32KiB, 16KiB blocks.
	return Layout{TotalLength: 4 * 32 * 1024, PieceLength: 32 * 1024, BlockLength: 16 * 1024}
}

func TestLayoutUniformPieces(t *testing.T) {
	l := tinyLayout()
	require.Equal(t, 4, l.NumPieces())
	for i := 0; i < 4; i++ {
		assert.Equal(t, int64(32*1024), l.PieceLen(i))
		assert.Equal(t, 2, l.NumBlocks(i))
	}
}

func TestLayoutShortLastPiece(t *testing.T) {
	l := Layout{TotalLength: 3*32*1024 + 10*1024, PieceLength: 32 * 1024, BlockLength: 16 * 1024}
	require.Equal(t, 4, l.NumPieces())
	assert.Equal(t, int64(32*1024), l.PieceLen(0))
	assert.Equal(t, int64(10*1024), l.PieceLen(3))
	assert.Equal(t, 1, l.NumBlocks(3))
	last := l.BlockAt(3, 0)
	assert.Equal(t, int64(0), last.Offset)
	assert.Equal(t, int64(10*1024), last.Length)
}

func TestLayoutShortLastBlock(t *testing.T) {
	l := Layout{TotalLength: 20 * 1024, PieceLength: 20 * 1024, BlockLength: 16 * 1024}
	require.Equal(t, 1, l.NumPieces())
	require.Equal(t, 2, l.NumBlocks(0))
	b0 := l.BlockAt(0, 0)
	b1 := l.BlockAt(0, 1)
	assert.Equal(t, Block{PieceIndex: 0, Offset: 0, Length: 16 * 1024}, b0)
	assert.Equal(t, Block{PieceIndex: 0, Offset: 16 * 1024, Length: 4 * 1024}, b1)
	assert.True(t, l.Valid(b0))
	assert.True(t, l.Valid(b1))
	assert.Equal(t, 0, l.BlockIndex(b0.Offset))
	assert.Equal(t, 1, l.BlockIndex(b1.Offset))
}

func TestLayoutRejectsMisalignedOffset(t *testing.T) {
	l := tinyLayout()
	assert.False(t, l.Valid(Block{PieceIndex: 0, Offset: 1, Length: 16 * 1024}))
	assert.False(t, l.Valid(Block{PieceIndex: 0, Offset: 0, Length: 16*1024 + 1}))
	assert.False(t, l.Valid(Block{PieceIndex: 0, Offset: 32 * 1024, Length: 16 * 1024}))
}

func TestAllBlocksCoverPiece(t *testing.T) {
	l := tinyLayout()
	total := int64(0)
	for _, b := range l.Blocks(0) {
		total += b.Length
	}
	assert.Equal(t, l.PieceLen(0), total)
}
