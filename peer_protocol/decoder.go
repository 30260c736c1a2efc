package peer_protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Decoder reads length-prefixed frames off a peer socket. Pool, if set, must return *[]byte whose
// backing arrays are large enough for a block-sized piece payload; reusing them is what keeps the
// steady-state download path from allocating on every received block.
type Decoder struct {
	R         *bufio.Reader
	Pool      *sync.Pool
	MaxLength Integer
}

// Decode reads one frame into msg. io.EOF is returned only if the source ends cleanly on a
// message boundary; any other truncation is reported as io.ErrUnexpectedEOF.
func (d *Decoder) Decode(msg *Message) (err error) {
	var length Integer
	if err = length.Read(d.R); err != nil {
		return errors.Wrap(err, "reading message length")
	}
	if d.MaxLength != 0 && length > d.MaxLength {
		return errors.New("message too long")
	}
	if length == 0 {
		*msg = Message{Keepalive: true}
		return nil
	}
	*msg = Message{}

	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()

	readByte := func() (byte, error) {
		length--
		return d.R.ReadByte()
	}

	c, err := readByte()
	if err != nil {
		return err
	}
	msg.Type = MessageType(c)
	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested:
	case Have, AllowedFast:
		err = msg.Index.Read(d.R)
		length -= 4
	case Request, Cancel:
		for _, f := range []*Integer{&msg.Index, &msg.Begin, &msg.Length} {
			if err = f.Read(d.R); err != nil {
				break
			}
		}
		length -= 12
	case Bitfield:
		b := make([]byte, length)
		_, err = io.ReadFull(d.R, b)
		msg.Bitfield = unmarshalBitfield(b)
		return err
	case Piece:
		if err = msg.Index.Read(d.R); err != nil {
			return err
		}
		if err = msg.Begin.Read(d.R); err != nil {
			return err
		}
		length -= 8
		msg.Piece = d.allocPiece(int64(length))
		_, err = io.ReadFull(d.R, msg.Piece)
		return err
	case Extended:
		var b byte
		if b, err = readByte(); err != nil {
			return err
		}
		msg.ExtendedID = ExtensionNumber(b)
		msg.ExtendedPayload = make([]byte, length)
		_, err = io.ReadFull(d.R, msg.ExtendedPayload)
		return err
	case Port:
		err = binary.Read(d.R, binary.BigEndian, &msg.Port)
		length -= 2
	default:
		// Unknown message id: skip the remaining bytes by length rather than killing the
		// connection.
		_, err = io.CopyN(io.Discard, d.R, int64(length))
		return err
	}
	if err == nil && length != 0 {
		err = fmt.Errorf("%v unused bytes in message type %v", length, msg.Type)
	}
	return err
}

func (d *Decoder) allocPiece(n int64) []byte {
	if d.Pool == nil {
		return make([]byte, n)
	}
	b := *d.Pool.Get().(*[]byte)
	if int64(cap(b)) < n {
		b = make([]byte, n)
	}
	return b[:n]
}

// PutPiece returns a piece buffer obtained through allocPiece to the pool for reuse.
func (d *Decoder) PutPiece(b []byte) {
	if d.Pool == nil {
		return
	}
	b = b[:0]
	d.Pool.Put(&b)
}
