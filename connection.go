package peerwire

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/anacrolix/chansync"
	alog "github.com/anacrolix/log"

	"github.com/quaylabs/peerwire/bencode"
	"github.com/quaylabs/peerwire/bep6"
	"github.com/quaylabs/peerwire/bitfield"
	pp "github.com/quaylabs/peerwire/peer_protocol"
	"github.com/quaylabs/peerwire/types"
)

// maxAllowedFastPieces caps how many pieces the fast-allowed set names, matching the teacher's
// own BEP6 call site (min(32, numPieces)).
const maxAllowedFastPieces = 32

// blockPool recycles the byte slices backing received piece payloads, so the steady-state
// download path isn't allocating one slice per block.
var blockPool = &sync.Pool{
	New: func() any {
		b := make([]byte, 0, defaultBlockLength)
		return &b
	},
}

// putBlock returns a piece payload allocated from blockPool for reuse. Callers must be done with
// b's contents before calling this.
func putBlock(b []byte) {
	b = b[:0]
	blockPool.Put(&b)
}

// EventKind identifies what happened on a connection, for the event consumed by a session's
// scheduler goroutine.
type EventKind int

const (
	EventChoked EventKind = iota
	EventUnchoked
	EventInterested
	EventNotInterested
	EventHave
	EventBitfield
	EventRequest
	EventPiece
	EventCancel
	EventAllowedFast
	EventDisconnected
)

// Event is one notification a connection's reader emits onto its session's shared event channel.
// Only the fields relevant to Kind are populated.
type Event struct {
	Conn  *Connection
	Kind  EventKind
	Index int
	Req   types.Request
	Piece []byte
	Err   error
}

// Connection is one peer socket: it owns the socket, its statistics, and its extended-capability
// map exclusively. It holds the remote peer's bitfield, but never the session's own bitfield or
// its set of pieces-in-progress - those belong to the session.
type Connection struct {
	cfg      *SessionConfig
	logger   alog.Logger
	conn     net.Conn
	outgoing bool

	InfoHash [20]byte
	PeerID   PeerID

	// Capabilities is the bitwise AND of both sides' reserved bits: what this connection may
	// actually use, regardless of what either side advertised alone.
	Capabilities pp.PeerExtensionBits

	numPieces int

	mu                        sync.RWMutex
	amChoking                 bool
	amInterested              bool
	peerChoking               bool
	peerInterested            bool
	peerPieces                *bitfield.Bitfield
	receivedBitfield          bool
	sentBitfield              bool
	receivedExtendedHandshake bool
	extendedMap               map[pp.ExtensionName]pp.ExtensionNumber
	peerAllowedFast           map[int]bool
	localAllowedFast          map[int]bool
	lastSent                  time.Time
	lastReceived              time.Time

	stats ConnStats

	events chan<- Event

	writer *connWriter
	closed chansync.SetOnce
}

// remoteLabel is a short, stable identifier for log lines and penalty bookkeeping; it does not
// need to be unique process-wide, only readable.
func (c *Connection) remoteLabel() string {
	return c.conn.RemoteAddr().String()
}

func (c *Connection) String() string {
	return fmt.Sprintf("connection(%s)", c.remoteLabel())
}

// AmChoking, AmInterested, PeerChoking, and PeerInterested report the four-flag choke/interest
// state. Initial state is choking=true, interested=false on both sides.
func (c *Connection) AmChoking() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.amChoking
}

func (c *Connection) AmInterested() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.amInterested
}

func (c *Connection) PeerChoking() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerChoking
}

func (c *Connection) PeerInterested() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerInterested
}

// PeerBitfield returns a clone of the remote peer's known pieces, or nil if neither a bitfield
// nor a have has arrived yet.
func (c *Connection) PeerBitfield() *bitfield.Bitfield {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.peerPieces == nil {
		return nil
	}
	return c.peerPieces.Clone()
}

// Stats returns a snapshot of this connection's traffic counters.
func (c *Connection) Stats() ConnStats {
	return c.stats.Copy()
}

// fastAllowed reports whether the peer advertised index as fast-allowed (BEP6), letting the
// scheduler request it even while choked.
func (c *Connection) fastAllowed(index int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerAllowedFast[index]
}

// amAllowingFast reports whether we told this peer index is fast-allowed, meaning a request for
// it must be served even while we're choking the connection.
func (c *Connection) amAllowingFast(index int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localAllowedFast[index]
}

func dialHandshake(ctx context.Context, conn net.Conn, cfg *SessionConfig, infoHash [20]byte, peerID PeerID, reserved pp.PeerExtensionBits, expectedPeerID *PeerID) (pp.PeerExtensionBits, PeerID, error) {
	conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})
	ours := pp.Handshake{ProtocolName: pp.Protocol, Reserved: reserved, InfoHash: infoHash, PeerID: [20]byte(peerID)}
	if err := pp.WriteHandshake(ctx, conn, ours); err != nil {
		return pp.PeerExtensionBits{}, PeerID{}, err
	}
	theirs, err := pp.ReadHandshake(conn)
	if err != nil {
		return pp.PeerExtensionBits{}, PeerID{}, err
	}
	if theirs.ProtocolName != pp.Protocol {
		return pp.PeerExtensionBits{}, PeerID{}, errInvalidProtocol(theirs.ProtocolName, pp.Protocol)
	}
	if theirs.InfoHash != infoHash {
		return pp.PeerExtensionBits{}, PeerID{}, errUnexpectedTopic(theirs.InfoHash, infoHash)
	}
	theirID := PeerID(theirs.PeerID)
	if expectedPeerID != nil && theirID != *expectedPeerID {
		return pp.PeerExtensionBits{}, PeerID{}, errUnexpectedPeerId([20]byte(theirID), [20]byte(*expectedPeerID))
	}
	return reserved.And(theirs.Reserved), theirID, nil
}

// DialOutbound performs the outbound handshake described for new connections: write our
// handshake, read theirs, and validate protocol name, info-hash, and (if supplied) peer-id in
// that order before a Connection is returned.
func DialOutbound(ctx context.Context, conn net.Conn, cfg *SessionConfig, localID PeerID, reserved pp.PeerExtensionBits, infoHash [20]byte, numPieces int, expectedPeerID *PeerID, events chan<- Event) (*Connection, error) {
	caps, peerID, err := dialHandshake(ctx, conn, cfg, infoHash, localID, reserved, expectedPeerID)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return newConnection(cfg, conn, true, infoHash, peerID, caps, numPieces, events), nil
}

// ResolvedSwarm is what resolve hands AcceptInbound once it has matched an inbound info-hash to a
// swarm: everything newConnection needs, sourced from whichever Session owns that swarm rather
// than fixed ahead of time, since a dispatcher fanning inbound sockets out across several swarms
// only learns which one applies once it has read the info-hash.
type ResolvedSwarm struct {
	Cfg       *SessionConfig
	LocalID   PeerID
	Reserved  pp.PeerExtensionBits
	NumPieces int
	Events    chan<- Event
}

// AcceptInbound reads an inbound handshake, resolves the swarm via resolve, and completes the
// handshake by writing ours. resolve returns ok=false if the info-hash the peer sent names no
// known swarm.
func AcceptInbound(ctx context.Context, conn net.Conn, resolve func(infoHash [20]byte) (ResolvedSwarm, bool)) (*Connection, error) {
	conn.SetDeadline(time.Now().Add(defaultHandshakeTimeout))
	theirs, err := pp.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	swarm, ok := resolve(theirs.InfoHash)
	if !ok {
		conn.Close()
		return nil, errUnknownTopic(theirs.InfoHash)
	}
	if theirs.ProtocolName != pp.Protocol {
		conn.Close()
		return nil, errInvalidProtocol(theirs.ProtocolName, pp.Protocol)
	}
	conn.SetDeadline(time.Now().Add(swarm.Cfg.HandshakeTimeout))
	ours := pp.Handshake{ProtocolName: pp.Protocol, Reserved: swarm.Reserved, InfoHash: theirs.InfoHash, PeerID: [20]byte(swarm.LocalID)}
	if err := pp.WriteHandshake(ctx, conn, ours); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	caps := swarm.Reserved.And(theirs.Reserved)
	return newConnection(swarm.Cfg, conn, false, theirs.InfoHash, PeerID(theirs.PeerID), caps, swarm.NumPieces, swarm.Events), nil
}

func newConnection(cfg *SessionConfig, conn net.Conn, outgoing bool, infoHash [20]byte, peerID PeerID, caps pp.PeerExtensionBits, numPieces int, events chan<- Event) *Connection {
	now := time.Now()
	c := &Connection{
		cfg:              cfg,
		logger:           cfg.Logger,
		conn:             conn,
		outgoing:         outgoing,
		InfoHash:         infoHash,
		PeerID:           peerID,
		Capabilities:     caps,
		numPieces:        numPieces,
		amChoking:        true,
		peerChoking:      true,
		extendedMap:      make(map[pp.ExtensionName]pp.ExtensionNumber),
		peerAllowedFast:  make(map[int]bool),
		localAllowedFast: make(map[int]bool),
		lastSent:         now,
		lastReceived:     now,
		events:           events,
	}
	c.writer = newConnWriter(c)
	return c
}

// Run starts the reader and writer loops and blocks until the connection ends, either because the
// peer disconnected, a protocol error occurred, or ctx was canceled. It always emits exactly one
// EventDisconnected before returning.
func (c *Connection) Run(ctx context.Context) error {
	go c.writer.run(ctx)
	c.sendExtendedHandshake()
	c.sendAllowedFast()
	err := c.readLoop(ctx)
	c.close()
	c.emit(Event{Conn: c, Kind: EventDisconnected, Err: err})
	return err
}

func (c *Connection) close() {
	if !c.closed.IsSet() {
		c.closed.Set()
	}
	c.conn.Close()
}

func (c *Connection) emit(e Event) {
	select {
	case c.events <- e:
	case <-c.closed.Done():
	}
}

func (c *Connection) readLoop(ctx context.Context) error {
	decoder := &pp.Decoder{R: bufio.NewReader(c.conn), Pool: blockPool, MaxLength: pp.Integer(c.cfg.BlockLength*2 + 64)}
	for {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.KeepaliveTimeout))
		var msg pp.Message
		if err := decoder.Decode(&msg); err != nil {
			c.logger.Printf("%s: read error: %v", c, err)
			return errPeerDisconnected(err)
		}
		c.mu.Lock()
		c.lastReceived = time.Now()
		c.mu.Unlock()
		wireLen := wireMessageLength(&msg)
		c.stats.readMsg(&msg, wireLen)
		if err := c.checkFlood(); err != nil {
			return err
		}
		if msg.Keepalive {
			continue
		}
		if err := c.dispatch(&msg); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func wireMessageLength(msg *pp.Message) int64 {
	b, err := msg.MarshalBinary()
	if err != nil {
		return 0
	}
	return int64(len(b))
}

func (c *Connection) checkFlood() error {
	detector := c.cfg.FloodDetector
	if detector == nil {
		detector = defaultFloodDetector{}
	}
	if detector.IsFlooded(&c.stats, c.cfg.FloodFactor, c.cfg.FloodThreshold) {
		c.logger.Printf("%s: flood detected, transmitted=%d payload=%d", c, c.stats.Transmitted(), c.stats.payload())
		return errFloodDetected(fmt.Sprintf("transmitted=%d payload=%d", c.stats.Transmitted(), c.stats.payload()))
	}
	return nil
}

// admit enforces the capability gate: a message whose requirement isn't in the connection's
// effective capabilities is rejected rather than dispatched.
func (c *Connection) admit(msg *pp.Message) error {
	switch msg.Type {
	case pp.Port:
		if !c.Capabilities.SupportsDHT() {
			return errDisallowedMessage(c.remoteLabel(), "dht")
		}
	case pp.Extended:
		if !c.Capabilities.SupportsExtended() {
			return errDisallowedMessage(c.remoteLabel(), "extended")
		}
	case pp.AllowedFast:
		if !c.Capabilities.SupportsFast() {
			return errDisallowedMessage(c.remoteLabel(), "fast")
		}
	}
	return nil
}

func (c *Connection) dispatch(msg *pp.Message) error {
	if err := c.admit(msg); err != nil {
		return err
	}
	if c.Capabilities.SupportsExtended() {
		if err := c.requireExtendedHandshakeFirst(msg); err != nil {
			return err
		}
	}
	switch msg.Type {
	case pp.Choke:
		c.mu.Lock()
		c.peerChoking = true
		c.mu.Unlock()
		c.emit(Event{Conn: c, Kind: EventChoked})
	case pp.Unchoke:
		c.mu.Lock()
		c.peerChoking = false
		c.mu.Unlock()
		c.emit(Event{Conn: c, Kind: EventUnchoked})
	case pp.Interested:
		c.mu.Lock()
		c.peerInterested = true
		c.mu.Unlock()
		c.emit(Event{Conn: c, Kind: EventInterested})
	case pp.NotInterested:
		c.mu.Lock()
		c.peerInterested = false
		c.mu.Unlock()
		c.emit(Event{Conn: c, Kind: EventNotInterested})
	case pp.Have:
		c.mu.Lock()
		if c.peerPieces == nil {
			c.peerPieces = bitfield.New(c.numPieces)
		}
		c.peerPieces.Set(msg.Index.Int())
		c.mu.Unlock()
		c.emit(Event{Conn: c, Kind: EventHave, Index: msg.Index.Int()})
	case pp.Bitfield:
		c.mu.Lock()
		if c.receivedBitfield {
			c.mu.Unlock()
			return errBitfieldAlreadySent(c.remoteLabel())
		}
		c.receivedBitfield = true
		bf := bitfield.New(c.numPieces)
		if err := bf.UnmarshalBinary(packBitfield(msg.Bitfield)); err != nil {
			c.mu.Unlock()
			return errDecoding(err)
		}
		c.peerPieces = bf
		c.mu.Unlock()
		c.emit(Event{Conn: c, Kind: EventBitfield})
	case pp.Request:
		c.emit(Event{Conn: c, Kind: EventRequest, Req: types.Request{Index: msg.Index, ChunkSpec: types.ChunkSpec{Begin: msg.Begin, Length: msg.Length}}})
	case pp.Cancel:
		c.emit(Event{Conn: c, Kind: EventCancel, Req: types.Request{Index: msg.Index, ChunkSpec: types.ChunkSpec{Begin: msg.Begin, Length: msg.Length}}})
	case pp.Piece:
		c.emit(Event{Conn: c, Kind: EventPiece, Req: types.Request{Index: msg.Index, ChunkSpec: types.ChunkSpec{Begin: msg.Begin, Length: pp.Integer(len(msg.Piece))}}, Piece: msg.Piece})
	case pp.AllowedFast:
		c.mu.Lock()
		c.peerAllowedFast[msg.Index.Int()] = true
		c.mu.Unlock()
		c.emit(Event{Conn: c, Kind: EventAllowedFast, Index: msg.Index.Int()})
	case pp.Extended:
		if msg.ExtendedID == pp.HandshakeExtendedID {
			return c.onExtendedHandshake(msg.ExtendedPayload)
		}
		// extension-specific message ids are dispatched opaquely against extendedMap, per §9;
		// none of the extensions this core advertises define one yet.
	case pp.Port:
		// admitted above; no scheduler-visible event at this layer.
	default:
		// unknown ids arrive here with their payload already skipped by the decoder, and are
		// ignored.
	}
	return nil
}

// sendAllowedFast posts our half of the fast-extension allowed-fast set (BEP6): the piece indices
// this side lets the peer request while we're choking it. The set is derived deterministically
// from the peer's address, the info-hash, and the piece count rather than negotiated, so both
// sides arrive at it independently; localAllowedFast records what was sent so a session can tell
// a fast-allowed request apart from one that actually needs an unchoke.
func (c *Connection) sendAllowedFast() {
	if !c.Capabilities.SupportsFast() || c.numPieces == 0 {
		return
	}
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return
	}
	ip, err := netip.ParseAddr(host)
	if err != nil || !ip.Is4() {
		return
	}
	k := uint64(c.numPieces)
	if k > maxAllowedFastPieces {
		k = maxAllowedFastPieces
	}
	set, err := bep6.AllowedFastSet(ip, c.InfoHash, uint64(c.numPieces), k)
	if err != nil {
		return
	}
	var indices []int
	it := set.Iterator()
	for it.HasNext() {
		indices = append(indices, int(it.Next()))
	}
	c.mu.Lock()
	for _, i := range indices {
		c.localAllowedFast[i] = true
	}
	c.mu.Unlock()
	for _, i := range indices {
		c.post(pp.Message{Type: pp.AllowedFast, Index: pp.Integer(i)})
	}
}

// onExtendedHandshake decodes a BEP10 extended-handshake payload and records the peer's
// extension-name-to-id map, unblocking requireExtendedHandshakeFirst for the rest of the
// connection's life. Unknown keys (metadata size, yourip, ...) are ignored, matching §9's
// "unknown extension names are accepted and ignored" rule applied to the handshake dictionary
// itself.
func (c *Connection) onExtendedHandshake(payload []byte) error {
	var hs pp.ExtendedHandshakeMessage
	if err := bencode.Unmarshal(payload, &hs); err != nil {
		return errDecoding(err)
	}
	c.mu.Lock()
	c.receivedExtendedHandshake = true
	for name, id := range hs.M {
		c.extendedMap[name] = id
	}
	c.mu.Unlock()
	return nil
}

// sendExtendedHandshake posts our BEP10 extended handshake once both sides negotiated extended
// messaging (capability bit 20); §4.3 requires it before any data-bearing message follows. This
// core advertises no extensions of its own, so M is empty - only V and Reqq are informational.
func (c *Connection) sendExtendedHandshake() {
	if !c.Capabilities.SupportsExtended() {
		return
	}
	payload, err := bencode.Marshal(pp.ExtendedHandshakeMessage{
		M:    map[pp.ExtensionName]pp.ExtensionNumber{},
		V:    "peerwire",
		Reqq: c.cfg.RequestWindow,
	})
	if err != nil {
		c.logger.Printf("%s: marshal extended handshake: %v", c, err)
		return
	}
	c.post(pp.Message{Type: pp.Extended, ExtendedID: pp.HandshakeExtendedID, ExtendedPayload: payload})
}

func (c *Connection) requireExtendedHandshakeFirst(msg *pp.Message) error {
	c.mu.RLock()
	seen := c.receivedExtendedHandshake
	c.mu.RUnlock()
	if seen {
		return nil
	}
	if msg.Keepalive {
		return nil
	}
	if msg.Type == pp.Extended && msg.ExtendedID == pp.HandshakeExtendedID {
		return nil
	}
	if msg.Type == pp.Choke || msg.Type == pp.Unchoke || msg.Type == pp.Interested || msg.Type == pp.NotInterested {
		return nil
	}
	return errHandshakeRefused("extended handshake required before data-bearing messages")
}

// packBitfield repacks a decoded []bool bitfield into the byte form bitfield.UnmarshalBinary
// expects, since the wire codec already did the bit-unpacking for us.
func packBitfield(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return out
}

// --- outgoing ---

func (c *Connection) post(msg pp.Message) {
	c.writer.post(msg)
}

func (c *Connection) SetChoking(choking bool) {
	c.mu.Lock()
	if c.amChoking == choking {
		c.mu.Unlock()
		return
	}
	c.amChoking = choking
	c.mu.Unlock()
	if choking {
		c.post(pp.Message{Type: pp.Choke})
	} else {
		c.post(pp.Message{Type: pp.Unchoke})
	}
}

func (c *Connection) SetInterested(interested bool) {
	c.mu.Lock()
	if c.amInterested == interested {
		c.mu.Unlock()
		return
	}
	c.amInterested = interested
	c.mu.Unlock()
	if interested {
		c.post(pp.Message{Type: pp.Interested})
	} else {
		c.post(pp.Message{Type: pp.NotInterested})
	}
}

func (c *Connection) SendHave(index int) {
	c.post(pp.Message{Type: pp.Have, Index: pp.Integer(index)})
}

// SendBitfield posts our bitfield. Per §4.3 the same once-only rule that governs the bitfield we
// receive applies to the one we send: a second call is a no-op rather than a protocol violation,
// since it's our own mistake to guard against, not the peer's.
func (c *Connection) SendBitfield(bf *bitfield.Bitfield) {
	c.mu.Lock()
	if c.sentBitfield {
		c.mu.Unlock()
		return
	}
	c.sentBitfield = true
	c.mu.Unlock()
	wire, _ := bf.MarshalBinary()
	bits := make([]bool, bf.Len())
	for i := range bits {
		bits[i] = wire[i/8]&(1<<(7-uint(i%8))) != 0
	}
	c.post(pp.Message{Type: pp.Bitfield, Bitfield: bits})
}

func (c *Connection) SendRequest(r types.Request) {
	c.post(r.ToMsg(pp.Request))
}

func (c *Connection) SendCancel(r types.Request) {
	c.post(r.ToMsg(pp.Cancel))
}

func (c *Connection) SendPiece(index, begin pp.Integer, block []byte) {
	c.post(pp.Message{Type: pp.Piece, Index: index, Begin: begin, Piece: block})
}
