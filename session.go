package peerwire

import (
	"context"
	"net"
	"sync"

	anasync "github.com/anacrolix/sync"
	"github.com/dustin/go-humanize"

	"github.com/quaylabs/peerwire/bitfield"
	"github.com/quaylabs/peerwire/blocks"
	pp "github.com/quaylabs/peerwire/peer_protocol"
	"github.com/quaylabs/peerwire/types"
)

// Session coordinates one swarm: the our-bitfield (via its Scheduler), the piece hashes, the
// scheduler, and the registry of live connections. Connection events are handled by a single
// event-loop goroutine, and connections only ever post Events to it; Connect, Accept and a
// Manager's dispatch register new connections from their callers' goroutines, under mu.
type Session struct {
	cfg      *SessionConfig
	infoHash [20]byte
	localID  PeerID
	layout   blocks.Layout
	storage  Storage
	hashes   PieceHashes

	scheduler *Scheduler

	events chan Event

	mu         anasync.Mutex
	conns      map[*Connection]context.CancelFunc
	reputation map[PeerID]int

	tracker   Tracker
	localPort uint16
	announced bool

	connWG sync.WaitGroup
	runWG  sync.WaitGroup
}

// SetTracker attaches a Tracker to announce to. It must be called before Start; a Session with no
// Tracker simply never announces.
func (s *Session) SetTracker(t Tracker, localPort uint16) {
	s.tracker = t
	s.localPort = localPort
}

// NewSession builds a Session over one dataset. storage must already be sized for layout; Start
// verifies it against hashes to build the initial our-bitfield.
func NewSession(cfg *SessionConfig, infoHash [20]byte, localID PeerID, layout blocks.Layout, hashes PieceHashes, storage Storage) *Session {
	s := &Session{
		cfg:        cfg,
		infoHash:   infoHash,
		localID:    localID,
		layout:     layout,
		storage:    storage,
		hashes:     hashes,
		events:     make(chan Event, 256),
		conns:      make(map[*Connection]context.CancelFunc),
		reputation: make(map[PeerID]int),
	}
	return s
}

// Start verifies every piece already on disk against hashes, builds the initial our-bitfield from
// the result, constructs the scheduler, and launches the session's event loop. It must be called
// exactly once, before Connect or Accept.
func (s *Session) Start(ctx context.Context) error {
	have := bitfield.New(s.storage.NumPieces())
	for i := 0; i < s.storage.NumPieces(); i++ {
		ok, err := s.storage.VerifyPiece(i)
		if err != nil {
			return err
		}
		if ok {
			have.Set(i)
		}
	}
	s.scheduler = NewScheduler(s.cfg, s.layout, s.hashes, have, s.onPieceComplete)
	s.runWG.Add(1)
	go s.run(ctx)
	s.announce(AnnounceStarted)
	downloaded, _, _ := s.Progress()
	s.cfg.Logger.Printf("session: started, %s of %s already verified", humanize.IBytes(uint64(downloaded)), humanize.IBytes(uint64(s.layout.TotalLength)))
	return nil
}

// announce reports the given event to the attached Tracker, if any, using the session's current
// progress. Failures are logged rather than returned: a tracker outage must not block piece
// exchange, which runs entirely over already-known peer connections.
func (s *Session) announce(event AnnounceEvent) {
	if s.tracker == nil {
		return
	}
	downloaded, uploaded, left := s.Progress()
	req := AnnounceRequest{
		InfoHash:   s.infoHash,
		PeerID:     s.localID,
		Port:       s.localPort,
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Event:      event,
		NumWant:    clampNumWant(0),
	}
	if _, err := s.tracker.Announce(req); err != nil {
		s.cfg.Logger.Printf("session: announce %v: %v", event, err)
	}
}

// Connect dials addr, completes the outbound handshake, and hands the resulting connection to the
// session's event loop.
func (s *Session) Connect(ctx context.Context, addr string, reserved pp.PeerExtensionBits) (*Connection, error) {
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := DialOutbound(ctx, raw, s.cfg, s.localID, reserved, s.infoHash, s.storage.NumPieces(), nil, s.events)
	if err != nil {
		return nil, err
	}
	s.adopt(ctx, conn)
	return conn, nil
}

// Accept completes an inbound handshake already known to name this session's info-hash (the
// caller, typically a Manager, resolves the info-hash before calling this) and hands the resulting
// connection to the session's event loop.
func (s *Session) Accept(ctx context.Context, raw net.Conn, reserved pp.PeerExtensionBits) (*Connection, error) {
	resolve := func(infoHash [20]byte) (ResolvedSwarm, bool) {
		if infoHash != s.infoHash {
			return ResolvedSwarm{}, false
		}
		return ResolvedSwarm{
			Cfg:       s.cfg,
			LocalID:   s.localID,
			Reserved:  reserved,
			NumPieces: s.storage.NumPieces(),
			Events:    s.events,
		}, true
	}
	conn, err := AcceptInbound(ctx, raw, resolve)
	if err != nil {
		return nil, err
	}
	s.adopt(ctx, conn)
	return conn, nil
}

// Reputation reports id's reputation: every penalty charged against id across the connections this
// session has dropped for a protocol violation is subtracted from zero, so the value is zero or
// negative. Zero means no penalty has ever been charged.
func (s *Session) Reputation(id PeerID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reputation[id]
}

// ConnCount reports how many connections this session currently holds open. A Manager consults it
// to enforce a per-topic connection ceiling before dispatching a newly accepted socket here.
func (s *Session) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// connList snapshots the session's live connections. A Manager uses it to scan for an eviction
// candidate across every swarm it dispatches to.
func (s *Session) connList() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Session) adopt(ctx context.Context, conn *Connection) {
	connCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.conns[conn] = cancel
	s.mu.Unlock()
	s.scheduler.AddPeer(conn)

	conn.SendBitfield(s.scheduler.Have())

	s.connWG.Add(1)
	go func() {
		defer s.connWG.Done()
		conn.Run(connCtx)
	}()
}

// Progress reports downloaded (verified piece bytes only), uploaded (payload bytes written across
// every connection, past and present), and left (bytes of still-missing pieces).
func (s *Session) Progress() (downloaded, uploaded, left int64) {
	have := s.scheduler.Have()
	for i := 0; i < have.Len(); i++ {
		n := s.layout.PieceLen(i)
		if have.Has(i) {
			downloaded += n
		} else {
			left += n
		}
	}
	s.mu.Lock()
	for c := range s.conns {
		uploaded += c.Stats().PayloadBytesWritten.Int64()
	}
	s.mu.Unlock()
	return downloaded, uploaded, left
}

// Stop sends not-interested and closes every connection, then stops the event loop. Connections
// must be torn down (and their goroutines drained) before the events channel is closed, since a
// connection's Run still posts EventDisconnected to it while shutting down.
func (s *Session) Stop() {
	s.mu.Lock()
	for c, cancel := range s.conns {
		c.SetInterested(false)
		cancel()
	}
	s.mu.Unlock()
	s.connWG.Wait()
	close(s.events)
	s.runWG.Wait()
	s.announce(AnnounceStopped)
}

// rehandshake would renegotiate capabilities on a live connection; the core has no code path that
// revisits a handshake after setup, so this is a named stub rather than a silently missing method.
func (s *Session) rehandshake(*Connection) error { return ErrNotImplemented }

// reconnect would retarget a live connection at a different info-hash without tearing down the
// socket; unimplemented for the same reason as rehandshake.
func (s *Session) reconnect(*Connection, [20]byte) error { return ErrNotImplemented }

func (s *Session) run(ctx context.Context) {
	defer s.runWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-s.events:
			if !ok {
				return
			}
			s.handle(e)
		}
	}
}

func (s *Session) handle(e Event) {
	switch e.Kind {
	case EventBitfield:
		bf := e.Conn.PeerBitfield()
		if bf != nil {
			s.scheduler.OnBitfield(e.Conn, bf)
		}
		s.updateInterest(e.Conn)
	case EventHave:
		s.scheduler.OnHave(e.Conn, e.Index)
		s.updateInterest(e.Conn)
	case EventUnchoked, EventAllowedFast:
		s.issueRequests(e.Conn)
	case EventInterested:
		stats := e.Conn.Stats()
		if !s.cfg.ChokePolicy.ShouldChoke(&stats) {
			e.Conn.SetChoking(false)
		}
	case EventNotInterested:
		// leave choke state as-is; this core has no upload-slot contention to reclaim.
	case EventRequest:
		s.serveRequest(e.Conn, e.Req)
	case EventCancel:
		// uploads are served synchronously in response to EventRequest, so there is nothing
		// queued to cancel.
	case EventPiece:
		s.onPieceReceived(e.Conn, e.Req, e.Piece)
	case EventDisconnected:
		s.drop(e.Conn, e.Err)
	}
}

func (s *Session) updateInterest(c *Connection) {
	c.SetInterested(s.scheduler.Interested(c))
	s.issueRequests(c)
}

func (s *Session) issueRequests(c *Connection) {
	for _, r := range s.scheduler.NextRequests(c) {
		c.SendRequest(r)
	}
}

func (s *Session) serveRequest(c *Connection, r types.Request) {
	index := r.Index.Int()
	if !s.scheduler.Have().Has(index) {
		return
	}
	if c.AmChoking() && !c.amAllowingFast(index) {
		return
	}
	piece, err := s.storage.ReadPiece(index)
	if err != nil {
		return
	}
	begin := int(r.Begin)
	end := begin + int(r.Length)
	if begin < 0 || end > len(piece) {
		return
	}
	c.SendPiece(r.Index, r.Begin, piece[begin:end])
}

func (s *Session) onPieceReceived(c *Connection, r types.Request, data []byte) {
	others := s.scheduler.Received(c, r, data)
	putBlock(data)
	for _, other := range others {
		other.SendCancel(r)
	}
}

func (s *Session) onPieceComplete(index int, data []byte, ok bool) {
	if !ok {
		return
	}
	if err := s.storage.WritePiece(index, data); err != nil {
		s.cfg.Logger.Printf("session: write piece %d: %v", index, err)
		return
	}
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		bf := c.PeerBitfield()
		if bf != nil && bf.Has(index) {
			continue
		}
		c.SendHave(index)
	}
	if !s.announced && s.scheduler.Have().Complete() {
		s.announced = true
		s.announce(AnnounceCompleted)
	}
}

// drop removes c from the session on disconnect. A connection-local error never kills the session:
// it is logged and its penalty applied to the peer's reputation before the connection and its
// in-flight blocks are reclaimed.
func (s *Session) drop(c *Connection, err error) {
	if err != nil {
		s.cfg.Logger.Printf("%s: disconnected: %v", c, err)
	}
	if ce, ok := err.(*ConnError); ok && ce.Penalty != 0 {
		s.mu.Lock()
		s.reputation[c.PeerID] -= ce.Penalty
		s.mu.Unlock()
	}
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.scheduler.RemovePeer(c)
}
