package peerwire

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync/atomic"

	pp "github.com/quaylabs/peerwire/peer_protocol"
)

// ConnStats tracks wire-level traffic for one connection. BytesWritten and BytesRead cover the
// message frames, length prefix included; handshake bytes are not counted. Payload covers only
// data-bearing piece bytes;
// Control covers the rest (choke/have/bitfield/request/etc, plus per-message framing overhead).
// The flood detector reads these fields, never mutates them.
type ConnStats struct {
	BytesWritten count
	BytesRead    count

	PayloadBytesWritten count
	PayloadBytesRead    count

	ControlBytesWritten count
	ControlBytesRead    count

	ChunksWritten count
	ChunksRead    count

	PiecesDirtiedGood count
	PiecesDirtiedBad  count
}

// Copy returns an independent snapshot of the connection stats.
func (t *ConnStats) Copy() (ret ConnStats) {
	for i := 0; i < reflect.TypeOf(ConnStats{}).NumField(); i++ {
		n := reflect.ValueOf(t).Elem().Field(i).Addr().Interface().(*count).Int64()
		reflect.ValueOf(&ret).Elem().Field(i).Addr().Interface().(*count).Add(n)
	}
	return
}

// Transmitted is the total bytes seen on the wire in both directions, the quantity the flood
// predicate compares against FloodThreshold.
func (t *ConnStats) Transmitted() int64 {
	return t.BytesWritten.Int64() + t.BytesRead.Int64()
}

// Overhead is wire bytes outside of any message payload: the per-message framing.
// Control is non-piece message bodies (choke, have, bitfield, request, cancel, and so on).
func (t *ConnStats) overheadPlusControl() int64 {
	total := t.Transmitted()
	payload := t.PayloadBytesWritten.Int64() + t.PayloadBytesRead.Int64()
	return total - payload
}

// Payload is the total data-bearing piece bytes exchanged.
func (t *ConnStats) payload() int64 {
	return t.PayloadBytesWritten.Int64() + t.PayloadBytesRead.Int64()
}

type count struct {
	n int64
}

var _ fmt.Stringer = (*count)(nil)

func (t *count) Add(n int64) { atomic.AddInt64(&t.n, n) }

func (t *count) Int64() int64 { return atomic.LoadInt64(&t.n) }

func (t *count) String() string { return fmt.Sprintf("%v", t.Int64()) }

func (t *count) MarshalJSON() ([]byte, error) { return json.Marshal(t.n) }

func (t *ConnStats) wroteMsg(msg *pp.Message, wireLen int64) {
	t.BytesWritten.Add(wireLen)
	if msg.Type == pp.Piece {
		t.ChunksWritten.Add(1)
		t.PayloadBytesWritten.Add(int64(len(msg.Piece)))
		t.ControlBytesWritten.Add(wireLen - int64(len(msg.Piece)))
	} else {
		t.ControlBytesWritten.Add(wireLen)
	}
}

func (t *ConnStats) readMsg(msg *pp.Message, wireLen int64) {
	t.BytesRead.Add(wireLen)
	if msg.Type == pp.Piece {
		t.ChunksRead.Add(1)
		t.PayloadBytesRead.Add(int64(len(msg.Piece)))
		t.ControlBytesRead.Add(wireLen - int64(len(msg.Piece)))
	} else {
		t.ControlBytesRead.Add(wireLen)
	}
}

func (t *ConnStats) incrementPiecesDirtiedGood() { t.PiecesDirtiedGood.Add(1) }
func (t *ConnStats) incrementPiecesDirtiedBad()  { t.PiecesDirtiedBad.Add(1) }
