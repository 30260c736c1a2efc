// Package types contains the small value types, such as a block request, shared by the download
// scheduler and the peer connection state machine.
package types

import (
	"fmt"

	pp "github.com/quaylabs/peerwire/peer_protocol"
)

type PieceIndex = int

// ChunkSpec is a block's offset and length within its piece.
type ChunkSpec struct {
	Begin, Length pp.Integer
}

// Request names one block: which piece, and where within it.
type Request struct {
	Index pp.Integer
	ChunkSpec
}

func (r Request) String() string {
	return fmt.Sprintf("piece %v, %v bytes at %v", r.Index, r.Length, r.Begin)
}

func (r Request) ToMsg(mt pp.MessageType) pp.Message {
	return pp.Message{
		Type:   mt,
		Index:  r.Index,
		Begin:  r.Begin,
		Length: r.Length,
	}
}
