package peer_protocol

import (
	"bufio"
	"io"
	"sync"
	"testing"

	"github.com/bradfitz/iter"
	"github.com/stretchr/testify/require"
)

func BenchmarkDecodePieces(b *testing.B) {
	r, w := io.Pipe()
	const pieceLen = 1 << 14
	msg := Message{Type: Piece, Index: 0, Begin: 1, Piece: make([]byte, pieceLen)}
	wire, err := msg.MarshalBinary()
	require.NoError(b, err)
	b.SetBytes(int64(len(wire)))
	defer r.Close()
	go func() {
		defer w.Close()
		for {
			_, err := w.Write(wire)
			if err == io.ErrClosedPipe {
				return
			}
			require.NoError(b, err)
		}
	}()
	d := Decoder{
		R:         bufio.NewReader(r),
		MaxLength: 1 << 18,
		Pool: &sync.Pool{
			New: func() interface{} {
				s := make([]byte, pieceLen)
				return &s
			},
		},
	}
	for range iter.N(b.N) {
		var m Message
		require.NoError(b, d.Decode(&m))
		d.PutPiece(m.Piece)
	}
}
