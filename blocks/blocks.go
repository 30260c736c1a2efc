// Package blocks implements piece/block coordinate arithmetic: slicing a uniform-length-except-last
// sequence of pieces into fixed-size request blocks, and mapping block indices back to
// (piece, offset, length) triples.
package blocks

import "fmt"

// Layout describes how a dataset of TotalLength bytes is divided into PieceLength-sized pieces
// (the last one possibly shorter) and BlockLength-sized request blocks (the last one of each
// piece possibly shorter).
type Layout struct {
	TotalLength int64
	PieceLength int64
	BlockLength int64
}

// DefaultBlockLength is the conventional 16 KiB request block size.
const DefaultBlockLength = 16 * 1024

func (l Layout) validate() {
	if l.PieceLength <= 0 {
		panic("piece length must be positive")
	}
	if l.BlockLength <= 0 {
		panic("block length must be positive")
	}
}

// NumPieces returns the piece count P implied by the layout.
func (l Layout) NumPieces() int {
	l.validate()
	if l.TotalLength == 0 {
		return 0
	}
	return int((l.TotalLength + l.PieceLength - 1) / l.PieceLength)
}

// PieceLen returns the length of piece i, which is PieceLength for every piece except
// potentially the last, whose length is TotalLength mod PieceLength (or PieceLength itself if
// that's zero).
func (l Layout) PieceLen(i int) int64 {
	l.validate()
	n := l.NumPieces()
	if i < 0 || i >= n {
		panic(fmt.Sprintf("piece index %d out of range [0,%d)", i, n))
	}
	if i < n-1 {
		return l.PieceLength
	}
	last := l.TotalLength - l.PieceLength*int64(n-1)
	return last
}

// NumBlocks returns the number of blocks piece i is divided into.
func (l Layout) NumBlocks(i int) int {
	pl := l.PieceLen(i)
	return int((pl + l.BlockLength - 1) / l.BlockLength)
}

// Block is one request unit: a piece index, its byte offset within the piece, and its length.
// Offset is always a multiple of BlockLength, and Length never exceeds BlockLength.
type Block struct {
	PieceIndex int
	Offset     int64
	Length     int64
}

// BlockAt returns the j-th block of piece i.
func (l Layout) BlockAt(i, j int) Block {
	pl := l.PieceLen(i)
	nb := l.NumBlocks(i)
	if j < 0 || j >= nb {
		panic(fmt.Sprintf("block index %d out of range [0,%d) for piece %d", j, nb, i))
	}
	offset := int64(j) * l.BlockLength
	length := l.BlockLength
	if j == nb-1 {
		length = pl - offset
	}
	return Block{PieceIndex: i, Offset: offset, Length: length}
}

// Blocks returns every block of piece i, in order.
func (l Layout) Blocks(i int) []Block {
	nb := l.NumBlocks(i)
	out := make([]Block, nb)
	for j := 0; j < nb; j++ {
		out[j] = l.BlockAt(i, j)
	}
	return out
}

// BlockIndex returns the position of a block within its piece's block sequence, i.e. the inverse
// of BlockAt's j. Used to index a piece-in-progress's per-block state array by offset/BlockLength.
func (l Layout) BlockIndex(offset int64) int {
	return int(offset / l.BlockLength)
}

// Valid reports whether a block's shape is consistent with the layout: offset aligned to
// BlockLength, length within bounds, and the block entirely inside its piece.
func (l Layout) Valid(b Block) bool {
	if b.PieceIndex < 0 || b.PieceIndex >= l.NumPieces() {
		return false
	}
	if b.Offset < 0 || b.Offset%l.BlockLength != 0 {
		return false
	}
	if b.Length <= 0 || b.Length > l.BlockLength {
		return false
	}
	return b.Offset+b.Length <= l.PieceLen(b.PieceIndex)
}
