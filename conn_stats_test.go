package peerwire

import (
	"testing"

	pp "github.com/quaylabs/peerwire/peer_protocol"
	"github.com/stretchr/testify/assert"
)

func TestConnStatsPieceAccounting(t *testing.T) {
	var cs ConnStats
	msg := &pp.Message{Type: pp.Piece, Piece: make([]byte, 16*1024)}
	cs.readMsg(msg, 16*1024+13)
	assert.Equal(t, int64(16*1024+13), cs.BytesRead.Int64())
	assert.Equal(t, int64(16*1024), cs.PayloadBytesRead.Int64())
	assert.Equal(t, int64(13), cs.ControlBytesRead.Int64())
	assert.Equal(t, int64(1), cs.ChunksRead.Int64())
}

func TestConnStatsControlAccounting(t *testing.T) {
	var cs ConnStats
	msg := &pp.Message{Type: pp.Have, Index: 4}
	cs.wroteMsg(msg, 9)
	assert.Equal(t, int64(9), cs.BytesWritten.Int64())
	assert.Equal(t, int64(9), cs.ControlBytesWritten.Int64())
	assert.Equal(t, int64(0), cs.PayloadBytesWritten.Int64())
}

func TestConnStatsCopyIsIndependent(t *testing.T) {
	var cs ConnStats
	cs.BytesRead.Add(5)
	snap := cs.Copy()
	cs.BytesRead.Add(5)
	assert.Equal(t, int64(5), snap.BytesRead.Int64())
	assert.Equal(t, int64(10), cs.BytesRead.Int64())
}
