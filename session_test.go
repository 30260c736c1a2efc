package peerwire

import (
	"context"
	crand "crypto/rand"
	"crypto/sha1"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quaylabs/peerwire/bitfield"
	"github.com/quaylabs/peerwire/blocks"
	pp "github.com/quaylabs/peerwire/peer_protocol"
	"github.com/quaylabs/peerwire/types"
)

// fakeStorage is an in-memory Storage used only by tests; verified reports whatever the test
// pre-seeded, independent of what bytes actually live in pieces.
type fakeStorage struct {
	layout   blocks.Layout
	pieces   map[int][]byte
	verified map[int]bool
	writes   map[int][]byte
}

func newFakeStorage(layout blocks.Layout) *fakeStorage {
	return &fakeStorage{
		layout:   layout,
		pieces:   make(map[int][]byte),
		verified: make(map[int]bool),
		writes:   make(map[int][]byte),
	}
}

func (f *fakeStorage) ReadPiece(index int) ([]byte, error) { return f.pieces[index], nil }

func (f *fakeStorage) WritePiece(index int, data []byte) error {
	f.writes[index] = data
	return nil
}

func (f *fakeStorage) VerifyPiece(index int) (bool, error) { return f.verified[index], nil }

func (f *fakeStorage) PieceLength(index int) int64 { return f.layout.PieceLen(index) }

func (f *fakeStorage) NumPieces() int { return f.layout.NumPieces() }

func testPeerID(t *testing.T) PeerID {
	t.Helper()
	return NewPeerID("-TS0001-", func(b []byte) { crand.Read(b) })
}

func TestSessionStartBuildsBitfieldFromVerifiedPieces(t *testing.T) {
	layout := blocks.Layout{TotalLength: 3 * 16 * 1024, PieceLength: 16 * 1024, BlockLength: 16 * 1024}
	storage := newFakeStorage(layout)
	storage.verified[0] = true
	storage.verified[2] = true
	hashes := &fakeHashes{byIndex: map[int][20]byte{}}

	s := NewSession(NewDefaultSessionConfig(), [20]byte{1}, testPeerID(t), layout, hashes, storage)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	have := s.scheduler.Have()
	assert.True(t, have.Has(0))
	assert.False(t, have.Has(1))
	assert.True(t, have.Has(2))

	downloaded, _, left := s.Progress()
	assert.EqualValues(t, 2*16*1024, downloaded)
	assert.EqualValues(t, 16*1024, left)
}

func TestSessionAnnouncesStartedAndStopped(t *testing.T) {
	layout := blocks.Layout{TotalLength: 16 * 1024, PieceLength: 16 * 1024, BlockLength: 16 * 1024}
	storage := newFakeStorage(layout)
	hashes := &fakeHashes{byIndex: map[int][20]byte{}}

	s := NewSession(NewDefaultSessionConfig(), [20]byte{2}, testPeerID(t), layout, hashes, storage)
	tr := &fakeTracker{}
	s.SetTracker(tr, 6881)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	s.Stop()

	require.Len(t, tr.requests, 2)
	assert.Equal(t, AnnounceStarted, tr.requests[0].Event)
	assert.Equal(t, AnnounceStopped, tr.requests[1].Event)
	assert.EqualValues(t, 6881, tr.requests[0].Port)
}

func TestSessionAnnouncesCompletedOnceBitfieldIsFull(t *testing.T) {
	layout := blocks.Layout{TotalLength: 16 * 1024, PieceLength: 16 * 1024, BlockLength: 16 * 1024}
	data := make([]byte, 16*1024)
	storage := newFakeStorage(layout)
	hashes := &fakeHashes{byIndex: map[int][20]byte{0: sha1.Sum(data)}}

	s := NewSession(NewDefaultSessionConfig(), [20]byte{3}, testPeerID(t), layout, hashes, storage)
	tr := &fakeTracker{}
	s.SetTracker(tr, 6881)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	peer := fakeConn(t)
	peer.peerChoking = false
	s.scheduler.AddPeer(peer)
	bf := bitfield.New(1)
	bf.Set(0)
	s.scheduler.OnBitfield(peer, bf)
	reqs := s.scheduler.NextRequests(peer)
	require.Len(t, reqs, 1)

	s.scheduler.Received(peer, reqs[0], data)

	require.Len(t, tr.requests, 2)
	assert.Equal(t, AnnounceCompleted, tr.requests[1].Event)
	assert.Equal(t, data, storage.writes[0])
}

func TestSessionServeRequestWritesPieceBytesToPeer(t *testing.T) {
	layout := blocks.Layout{TotalLength: 16 * 1024, PieceLength: 16 * 1024, BlockLength: 16 * 1024}
	data := make([]byte, 16*1024)
	for i := range data {
		data[i] = byte(i)
	}
	storage := newFakeStorage(layout)
	storage.pieces[0] = data
	storage.verified[0] = true
	hashes := &fakeHashes{byIndex: map[int][20]byte{0: sha1.Sum(data)}}

	s := NewSession(NewDefaultSessionConfig(), [20]byte{4}, testPeerID(t), layout, hashes, storage)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	conn := newConnection(s.cfg, a, false, s.infoHash, PeerID{}, pp.PeerExtensionBits{}, 1, s.events)
	go conn.writer.run(ctx)
	conn.SetChoking(false)

	drained := make(chan int64, 1)
	go func() {
		n, _ := io.Copy(io.Discard, b)
		drained <- n
	}()

	req := types.Request{Index: 0, ChunkSpec: types.ChunkSpec{Begin: 0, Length: pp.Integer(len(data))}}
	s.serveRequest(conn, req)

	require.Eventually(t, func() bool {
		return conn.Stats().PayloadBytesWritten.Int64() == int64(len(data))
	}, time.Second, 10*time.Millisecond)
}

func TestSessionDropRemovesConnectionFromRegistry(t *testing.T) {
	layout := blocks.Layout{TotalLength: 16 * 1024, PieceLength: 16 * 1024, BlockLength: 16 * 1024}
	storage := newFakeStorage(layout)
	hashes := &fakeHashes{byIndex: map[int][20]byte{}}

	s := NewSession(NewDefaultSessionConfig(), [20]byte{5}, testPeerID(t), layout, hashes, storage)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	conn := fakeConn(t)
	s.scheduler.AddPeer(conn)
	s.mu.Lock()
	s.conns[conn] = func() {}
	s.mu.Unlock()
	require.Equal(t, 1, s.ConnCount())

	s.drop(conn, nil)
	assert.Equal(t, 0, s.ConnCount())
}

func TestSessionDropAppliesErrorPenaltyToReputation(t *testing.T) {
	layout := blocks.Layout{TotalLength: 16 * 1024, PieceLength: 16 * 1024, BlockLength: 16 * 1024}
	storage := newFakeStorage(layout)
	hashes := &fakeHashes{byIndex: map[int][20]byte{}}

	s := NewSession(NewDefaultSessionConfig(), [20]byte{6}, testPeerID(t), layout, hashes, storage)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	conn := fakeConn(t)
	conn.PeerID = PeerID{9}
	s.scheduler.AddPeer(conn)
	s.mu.Lock()
	s.conns[conn] = func() {}
	s.mu.Unlock()

	s.drop(conn, errFloodDetected(conn.remoteLabel()))
	assert.Equal(t, 0, s.ConnCount())
	assert.Equal(t, -1, s.Reputation(conn.PeerID))
}

func TestSessionDropAppliesNoPenaltyForPeerDisconnected(t *testing.T) {
	layout := blocks.Layout{TotalLength: 16 * 1024, PieceLength: 16 * 1024, BlockLength: 16 * 1024}
	storage := newFakeStorage(layout)
	hashes := &fakeHashes{byIndex: map[int][20]byte{}}

	s := NewSession(NewDefaultSessionConfig(), [20]byte{7}, testPeerID(t), layout, hashes, storage)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	conn := fakeConn(t)
	conn.PeerID = PeerID{10}
	s.scheduler.AddPeer(conn)
	s.mu.Lock()
	s.conns[conn] = func() {}
	s.mu.Unlock()

	s.drop(conn, errPeerDisconnected(io.EOF))
	assert.Equal(t, 0, s.Reputation(conn.PeerID))
}
