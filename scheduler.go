package peerwire

import (
	"crypto/sha1"
	"math/rand"
	"sync"
	"time"

	"github.com/anacrolix/missinggo/v2/bitmap"
	"github.com/anacrolix/missinggo/v2/prioritybitmap"

	"github.com/quaylabs/peerwire/bitfield"
	"github.com/quaylabs/peerwire/blocks"
	pp "github.com/quaylabs/peerwire/peer_protocol"
	"github.com/quaylabs/peerwire/types"
)

// PieceHashes supplies the expected SHA-1 of each piece, so the scheduler can verify a completed
// piece without reaching into metainfo parsing itself.
type PieceHashes interface {
	PieceHash(index int) [20]byte
}

// Scheduler is the pure-logic download engine described for one swarm: given pieces-in-progress
// and connected peers' bitfields, it produces Request/Cancel intents and consumes Received/Dropped
// notifications. It never touches a socket; Connection does that on the scheduler's behalf.
type Scheduler struct {
	mu sync.Mutex

	cfg    *SessionConfig
	layout blocks.Layout
	hashes PieceHashes
	rng    *rand.Rand

	have *bitfield.Bitfield

	// rarity orders pieces by how many connected peers hold them, lowest count first, so
	// pickRarest can walk it directly instead of rescanning a slice every call.
	rarity prioritybitmap.PriorityBitmap

	inProgress map[int]*pieceInProgress

	peerPieces   map[*Connection]*bitfield.Bitfield
	peerInFlight map[*Connection]int
	unreliable   map[*Connection]int

	onComplete func(index int, data []byte, ok bool)
}

// NewScheduler builds a Scheduler over a dataset with numPieces pieces of the given layout. have
// is the caller's already-verified bitfield (e.g. loaded from storage at session start); the
// scheduler takes ownership of it.
func NewScheduler(cfg *SessionConfig, layout blocks.Layout, hashes PieceHashes, have *bitfield.Bitfield, onComplete func(index int, data []byte, ok bool)) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		layout:       layout,
		hashes:       hashes,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		have:         have,
		inProgress:   make(map[int]*pieceInProgress),
		peerPieces:   make(map[*Connection]*bitfield.Bitfield),
		peerInFlight: make(map[*Connection]int),
		unreliable:   make(map[*Connection]int),
		onComplete:   onComplete,
	}
}

// AddPeer registers a newly handshaked connection with an empty bitfield, so rarity counts and
// piece selection see it even before its first have/bitfield message.
func (s *Scheduler) AddPeer(peer *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerPieces[peer] = bitfield.New(s.have.Len())
}

// RemovePeer drops peer from rarity accounting and reverts every block it held in-flight back to
// pending. It sends no cancels: the disconnecting peer is the one leaving, and other peers holding
// an endgame-duplicated copy of a block keep their requests.
func (s *Scheduler) RemovePeer(peer *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bf, ok := s.peerPieces[peer]; ok {
		s.decrementRarity(bf)
		delete(s.peerPieces, peer)
	}
	delete(s.peerInFlight, peer)
	delete(s.unreliable, peer)
	for _, p := range s.inProgress {
		p.revertPeer(peer)
	}
}

func (s *Scheduler) decrementRarity(bf *bitfield.Bitfield) {
	for i := 0; i < bf.Len(); i++ {
		if bf.Has(i) {
			s.rarityDec(i)
		}
	}
}

func (s *Scheduler) rarityInc(index int) {
	prio, ok := s.rarity.GetPriority(bitmap.BitIndex(index))
	if !ok {
		prio = 0
	}
	s.rarity.Set(bitmap.BitIndex(index), prio+1)
}

func (s *Scheduler) rarityDec(index int) {
	prio, ok := s.rarity.GetPriority(bitmap.BitIndex(index))
	if !ok || prio <= 1 {
		s.rarity.Remove(bitmap.BitIndex(index))
		return
	}
	s.rarity.Set(bitmap.BitIndex(index), prio-1)
}

// OnBitfield records peer's full announced bitfield and folds it into the rarity histogram.
func (s *Scheduler) OnBitfield(peer *Connection, bf *bitfield.Bitfield) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.peerPieces[peer]; ok {
		s.decrementRarity(old)
	}
	s.peerPieces[peer] = bf
	for i := 0; i < bf.Len(); i++ {
		if bf.Has(i) {
			s.rarityInc(i)
		}
	}
}

// OnHave records one newly announced piece from peer.
func (s *Scheduler) OnHave(peer *Connection, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bf, ok := s.peerPieces[peer]
	if !ok {
		bf = bitfield.New(s.have.Len())
		s.peerPieces[peer] = bf
	}
	if bf.Has(index) {
		return
	}
	bf.Set(index)
	s.rarityInc(index)
}

// endgameThreshold is the remaining-unrequested-block count below which duplicate requests
// across peers are permitted, per SessionConfig.EndgameRemainingBlocks; zero means "connected peer
// count", matching the recommended default.
func (s *Scheduler) endgameThreshold() int {
	if s.cfg.EndgameRemainingBlocks > 0 {
		return s.cfg.EndgameRemainingBlocks
	}
	return len(s.peerPieces)
}

func (s *Scheduler) remainingUnassignedBlocks() int {
	n := 0
	for _, p := range s.inProgress {
		n += len(p.unassignedBlocks())
	}
	return n
}

// candidatePieces returns indices peer could usefully request from: its pieces, minus ours. Pieces
// already in progress stay in the list even when every block is outstanding; callers only take
// their unassigned blocks.
func (s *Scheduler) candidatePieces(peer *Connection) []int {
	peerBf := s.peerPieces[peer]
	if peerBf == nil {
		return nil
	}
	var out []int
	for i := 0; i < peerBf.Len(); i++ {
		if !peerBf.Has(i) || s.have.Has(i) {
			continue
		}
		out = append(out, i)
	}
	return out
}

// NextRequests picks up to `room` new blocks to request from peer, honoring the per-peer in-flight
// window, choke state (except fast-allowed blocks), and the piece selection order: same-peer
// in-progress pieces first, then rarest-first with random tie-break, then endgame duplication once
// few unassigned blocks remain.
func (s *Scheduler) NextRequests(peer *Connection) []types.Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.cfg.RequestWindow - s.peerInFlight[peer]
	if room <= 0 {
		return nil
	}

	var out []types.Request
	take := func(index int, blockIndex int) {
		b := s.layout.BlockAt(index, blockIndex)
		p := s.inProgress[index]
		p.markRequested(blockIndex, peer)
		s.peerInFlight[peer]++
		out = append(out, types.Request{
			Index:     pp.Integer(index),
			ChunkSpec: types.ChunkSpec{Begin: pp.Integer(b.Offset), Length: pp.Integer(b.Length)},
		})
	}

	allowed := func(index int) bool {
		if !peer.PeerChoking() {
			return true
		}
		return peer.fastAllowed(index)
	}

	// same-peer in-progress preference: only a peer already holding a block of the piece gets
	// steered onto it, and only truly unassigned blocks are handed out here - duplication is
	// reserved for the endgame step below.
	for index, p := range s.inProgress {
		if len(out) >= room {
			return out
		}
		if !allowed(index) || !p.hasAssignment(peer) {
			continue
		}
		for _, blockIndex := range p.unassignedBlocks() {
			if len(out) >= room {
				break
			}
			take(index, blockIndex)
		}
	}
	if len(out) >= room {
		return out
	}

	// rarest-first over remaining candidates, again limited to unassigned blocks
	candidates := s.candidatePieces(peer)
	for len(out) < room && len(candidates) > 0 {
		index, ok := s.pickRarest(candidates, peer)
		if !ok {
			break
		}
		if !allowed(index) {
			candidates = removeInt(candidates, index)
			continue
		}
		p, ok := s.inProgress[index]
		if !ok {
			p = newPieceInProgress(index, s.layout)
			s.inProgress[index] = p
		}
		for _, blockIndex := range p.unassignedBlocks() {
			if len(out) >= room {
				break
			}
			take(index, blockIndex)
		}
		candidates = removeInt(candidates, index)
	}
	if len(out) >= room {
		return out
	}

	// endgame: duplicate outstanding blocks onto this peer once few remain unassigned
	if s.remainingUnassignedBlocks() < s.endgameThreshold() {
		for index, p := range s.inProgress {
			if len(out) >= room {
				break
			}
			if !allowed(index) {
				continue
			}
			for _, blockIndex := range p.unrequestedByPeer(peer) {
				if len(out) >= room {
					break
				}
				take(index, blockIndex)
			}
		}
	}
	return out
}

func removeInt(s []int, v int) []int {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// pickRarest chooses among candidates by lowest rarity count, breaking ties uniformly at random.
// It walks s.rarity in ascending-priority order rather than rescanning candidates against a raw
// count slice, stopping as soon as priority climbs past the first match found.
func (s *Scheduler) pickRarest(candidates []int, peer *Connection) (int, bool) {
	if len(candidates) == 0 {
		return 0, false
	}
	inSet := make(map[int]bool, len(candidates))
	for _, c := range candidates {
		inSet[c] = true
	}
	bestPrio := -1
	var tied []int
	s.rarity.IterTyped(func(i int) bool {
		if !inSet[i] {
			return true
		}
		prio, _ := s.rarity.GetPriority(bitmap.BitIndex(i))
		switch {
		case bestPrio == -1:
			bestPrio = prio
			tied = append(tied, i)
		case prio == bestPrio:
			tied = append(tied, i)
		case prio > bestPrio:
			return false
		}
		return true
	})
	if len(tied) == 0 {
		return 0, false
	}
	if len(tied) == 1 {
		return tied[0], true
	}
	return tied[s.rng.Intn(len(tied))], true
}

// Received records one arrived block. If its piece is now complete, the buffer is verified against
// PieceHashes and onComplete is invoked; on success our bitfield gains the piece and onComplete's
// caller is expected to broadcast have(i). Returns the set of peers to send a Cancel to, for
// endgame-duplicated slots that this arrival makes redundant.
func (s *Scheduler) Received(peer *Connection, r types.Request, data []byte) []*Connection {
	s.mu.Lock()
	index := r.Index.Int()
	blockIndex := s.layout.BlockIndex(int64(r.Begin))
	p, ok := s.inProgress[index]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	others := p.otherRequesters(blockIndex, peer)
	wasInFlight := p.requestedByPeer(blockIndex, peer)
	if p.received[blockIndex] {
		if wasInFlight {
			s.peerInFlight[peer]--
		}
		s.mu.Unlock()
		return others
	}
	p.markReceived(peer, blockIndex, data)
	if wasInFlight {
		s.peerInFlight[peer]--
	}

	if !p.complete() {
		s.mu.Unlock()
		return others
	}

	delete(s.inProgress, index)
	buf := p.buf
	ok2 := sha1.Sum(buf) == s.hashes.PieceHash(index)
	contributors := p.contributorList()
	if ok2 {
		s.have.Set(index)
	} else {
		p.reset()
		s.inProgress[index] = p
	}
	s.mu.Unlock()

	for _, c := range contributors {
		if ok2 {
			c.stats.incrementPiecesDirtiedGood()
		} else {
			c.stats.incrementPiecesDirtiedBad()
		}
	}

	if s.onComplete != nil {
		s.onComplete(index, buf, ok2)
	}
	return others
}

// Dropped reverts every in-flight block held by peer, e.g. after a connection closes.
func (s *Scheduler) Dropped(peer *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.inProgress {
		p.revertPeer(peer)
	}
	delete(s.peerInFlight, peer)
}

// CheckTimeouts scans every piece-in-progress for blocks requested from peer longer ago than
// RequestTimeout, reverts them to pending, and marks peer unreliable. It reports whether peer has
// now crossed UnreliableDisconnectThreshold and should be disconnected.
func (s *Scheduler) CheckTimeouts(peer *Connection, now time.Time) (timedOut int, disconnect bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.inProgress {
		expired := p.timedOutBlocks(peer, s.cfg.RequestTimeout, now)
		timedOut += len(expired)
	}
	if timedOut > 0 {
		s.peerInFlight[peer] -= timedOut
		s.unreliable[peer] += timedOut
	}
	return timedOut, s.unreliable[peer] >= s.cfg.UnreliableDisconnectThreshold
}

// Interested reports whether we have anything left to request from peer.
func (s *Scheduler) Interested(peer *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candidatePieces(peer)) > 0
}

// Have returns a clone of our own verified-piece bitfield, for sending as a handshake bitfield or
// reporting progress.
func (s *Scheduler) Have() *bitfield.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.have.Clone()
}
