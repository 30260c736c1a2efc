package peer_protocol

import (
	"bufio"
	"bytes"
	"encoding"
	"encoding/binary"
	"fmt"
	"io"
)

type MessageType byte

// The core BitTorrent message catalog, plus AllowedFast (BEP6), which is decoded and tracked
// (see handshake.go's fast-extension bit) but never generated by this package's own scheduler
// logic.
const (
	Choke         MessageType = 0
	Unchoke       MessageType = 1
	Interested    MessageType = 2
	NotInterested MessageType = 3
	Have          MessageType = 4
	Bitfield      MessageType = 5
	Request       MessageType = 6
	Piece         MessageType = 7
	Cancel        MessageType = 8
	Port          MessageType = 9
	AllowedFast   MessageType = 17
	Extended      MessageType = 20

	HandshakeExtendedID ExtensionNumber = 0
)

type ExtensionNumber byte

// ExtensionName is the human-readable extension identifier BEP10 maps to a per-connection
// ExtensionNumber in the extended-handshake "m" dictionary (e.g. "ut_metadata").
type ExtensionName string

// ExtendedHandshakeMessage is the bencoded payload of the extended-handshake message (ExtendedID
// HandshakeExtendedID): M is the local peer's extension-name-to-id map, V names the client
// software, and Reqq hints the maximum outstanding request count this peer will honor.
type ExtendedHandshakeMessage struct {
	M    map[ExtensionName]ExtensionNumber `bencode:"m"`
	V    string                            `bencode:"v,omitempty"`
	Reqq int                               `bencode:"reqq,omitempty"`
}

// Message is a lazy union of every field needed by any message type. Go has no sum types, and a
// type-switch over pointer-typed payloads would cost more allocations than the peer-wire hot path
// can afford, so this uses a flat struct instead.
type Message struct {
	Keepalive            bool
	Type                 MessageType
	Index, Begin, Length Integer
	Piece                []byte
	Bitfield             []bool
	Port                 uint16
	ExtendedID           ExtensionNumber
	ExtendedPayload      []byte
}

var _ interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
} = (*Message)(nil)

func MakeCancelMessage(piece, offset, length Integer) Message {
	return Message{Type: Cancel, Index: piece, Begin: offset, Length: length}
}

func MakeRequestMessage(piece, offset, length Integer) Message {
	return Message{Type: Request, Index: piece, Begin: offset, Length: length}
}

// RequestSpec extracts the (index, begin, length) triple shared by request, cancel and piece
// messages, using the actual payload length for piece messages rather than the nominal Length
// field (which piece messages don't populate).
func (msg Message) RequestSpec() (ret RequestSpec) {
	length := msg.Length
	if msg.Type == Piece {
		length = Integer(len(msg.Piece))
	}
	return RequestSpec{msg.Index, msg.Begin, length}
}

type RequestSpec struct {
	Index, Begin, Length Integer
}

func (msg Message) MustMarshalBinary() []byte {
	b, err := msg.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

func marshalBitfield(bf []bool) []byte {
	b := make([]byte, (len(bf)+7)/8)
	for i, have := range bf {
		if !have {
			continue
		}
		b[i/8] |= 1 << uint(7-i%8)
	}
	return b
}

func unmarshalBitfield(b []byte) (bf []bool) {
	bf = make([]bool, 0, len(b)*8)
	for _, c := range b {
		for i := 7; i >= 0; i-- {
			bf = append(bf, (c>>uint(i))&1 == 1)
		}
	}
	return
}

// WriteTo writes the message body (not including the length prefix) and returns the number of
// bytes written, so callers can account wire overhead without a second pass over the payload.
func (msg Message) WriteTo(w io.Writer) (n int64, err error) {
	if msg.Keepalive {
		return 0, nil
	}
	var written int64
	count := func(k int, e error) {
		written += int64(k)
		if err == nil {
			err = e
		}
	}
	writeByte := func(b byte) { count(1, writeFull(w, []byte{b})) }
	writeInt := func(i Integer) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(i))
		count(4, writeFull(w, b[:]))
	}

	writeByte(byte(msg.Type))
	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested:
	case Have, AllowedFast:
		writeInt(msg.Index)
	case Request, Cancel:
		writeInt(msg.Index)
		writeInt(msg.Begin)
		writeInt(msg.Length)
	case Bitfield:
		b := marshalBitfield(msg.Bitfield)
		count(len(b), writeFull(w, b))
	case Piece:
		writeInt(msg.Index)
		writeInt(msg.Begin)
		count(len(msg.Piece), writeFull(w, msg.Piece))
	case Extended:
		writeByte(byte(msg.ExtendedID))
		count(len(msg.ExtendedPayload), writeFull(w, msg.ExtendedPayload))
	case Port:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], msg.Port)
		count(2, writeFull(w, b[:]))
	default:
		err = fmt.Errorf("unknown message type: %v", msg.Type)
	}
	return written, err
}

func writeFull(w io.Writer, b []byte) error {
	_, err := w.Write(b)
	return err
}

func (msg Message) MarshalBinary() (data []byte, err error) {
	var buf bytes.Buffer
	if !msg.Keepalive {
		if _, err = msg.WriteTo(&buf); err != nil {
			return nil, err
		}
	}
	data = make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(data, uint32(buf.Len()))
	copy(data[4:], buf.Bytes())
	return data, nil
}

func (msg *Message) UnmarshalBinary(b []byte) error {
	d := Decoder{R: bufio.NewReader(bytes.NewReader(b))}
	if err := d.Decode(msg); err != nil {
		return err
	}
	if d.R.Buffered() != 0 {
		return fmt.Errorf("%d trailing bytes", d.R.Buffered())
	}
	return nil
}
