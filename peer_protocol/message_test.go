package peer_protocol

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, m Message) Message {
	b := m.MustMarshalBinary()
	d := Decoder{R: bufio.NewReader(bytes.NewReader(b))}
	var got Message
	require.NoError(t, d.Decode(&got))
	return got
}

func TestMessageRoundTrip(t *testing.T) {
	cases := []Message{
		{Keepalive: true},
		{Type: Choke},
		{Type: Unchoke},
		{Type: Interested},
		{Type: NotInterested},
		{Type: Have, Index: 7},
		{Type: AllowedFast, Index: 3},
		{Type: Bitfield, Bitfield: []bool{true, false, true, true, false, false, false, false}},
		{Type: Request, Index: 1, Begin: 16384, Length: 16384},
		{Type: Cancel, Index: 1, Begin: 16384, Length: 16384},
		{Type: Piece, Index: 2, Begin: 0, Piece: []byte("hello block")},
		{Type: Port, Port: 6881},
		{Type: Extended, ExtendedID: HandshakeExtendedID, ExtendedPayload: []byte("d1:md11:ut_pexi1eee")},
	}
	for _, m := range cases {
		got := roundTrip(t, m)
		if m.Keepalive {
			assert.True(t, got.Keepalive)
			continue
		}
		assert.Equal(t, m.Type, got.Type)
		switch m.Type {
		case Have, AllowedFast:
			assert.Equal(t, m.Index, got.Index)
		case Bitfield:
			assert.Equal(t, m.Bitfield, got.Bitfield)
		case Request, Cancel:
			assert.Equal(t, m.Index, got.Index)
			assert.Equal(t, m.Begin, got.Begin)
			assert.Equal(t, m.Length, got.Length)
		case Piece:
			assert.Equal(t, m.Index, got.Index)
			assert.Equal(t, m.Begin, got.Begin)
			assert.Equal(t, m.Piece, got.Piece)
		case Port:
			assert.Equal(t, m.Port, got.Port)
		case Extended:
			assert.Equal(t, m.ExtendedID, got.ExtendedID)
			assert.Equal(t, m.ExtendedPayload, got.ExtendedPayload)
		}
	}
}

func TestDecodeUnknownMessageSkipped(t *testing.T) {
	// Unknown id 99 with a 3-byte payload, followed by a real keepalive. The decoder must skip
	// the unknown frame by length rather than erroring or desyncing the stream.
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 4, 99, 'a', 'b', 'c'})
	buf.Write([]byte{0, 0, 0, 0})
	d := Decoder{R: bufio.NewReader(&buf)}
	var m Message
	require.NoError(t, d.Decode(&m))
	require.NoError(t, d.Decode(&m))
	assert.True(t, m.Keepalive)
}

func TestDecodeRejectsMalformedFixedShape(t *testing.T) {
	// A "have" message (id 4) must carry exactly 4 bytes; 2 bytes declared is malformed.
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 3, 4, 0, 0})
	d := Decoder{R: bufio.NewReader(&buf)}
	var m Message
	err := d.Decode(&m)
	assert.Error(t, err)
}

func FuzzMessageMarshalBinary(f *testing.F) {
	f.Add([]byte{0, 0})
	f.Fuzz(func(t *testing.T, b []byte) {
		var m Message
		if err := m.UnmarshalBinary(b); err != nil {
			t.Skip(err)
		}
		got := m.MustMarshalBinary()
		if !bytes.Equal(got, b) {
			t.Fatalf("round trip mismatch: %q != %q", got, b)
		}
	})
}
