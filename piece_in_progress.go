package peerwire

import (
	"time"

	"github.com/quaylabs/peerwire/blocks"
)

// pieceInProgress is a partially-downloaded piece: which blocks are received, which are
// outstanding at which peer(s), and since when. Endgame allows more than one peer per block, so
// requestedBy holds a set rather than a single *Connection.
type pieceInProgress struct {
	index  int
	layout blocks.Layout
	buf    []byte

	received     map[int]bool
	requestedBy  map[int]map[*Connection]struct{}
	requestedAt  map[int]time.Time
	contributors map[*Connection]struct{}
}

func newPieceInProgress(index int, layout blocks.Layout) *pieceInProgress {
	return &pieceInProgress{
		index:        index,
		layout:       layout,
		buf:          make([]byte, layout.PieceLen(index)),
		received:     make(map[int]bool),
		requestedBy:  make(map[int]map[*Connection]struct{}),
		requestedAt:  make(map[int]time.Time),
		contributors: make(map[*Connection]struct{}),
	}
}

func (p *pieceInProgress) numBlocks() int {
	return p.layout.NumBlocks(p.index)
}

func (p *pieceInProgress) complete() bool {
	return len(p.received) == p.numBlocks()
}

// unassignedBlocks returns the blocks neither received nor currently outstanding at any peer.
func (p *pieceInProgress) unassignedBlocks() []int {
	var out []int
	for i := 0; i < p.numBlocks(); i++ {
		if p.received[i] {
			continue
		}
		if len(p.requestedBy[i]) > 0 {
			continue
		}
		out = append(out, i)
	}
	return out
}

// hasAssignment reports whether peer already holds at least one in-flight block of this piece,
// used to prefer letting a peer finish a piece it's already working on.
func (p *pieceInProgress) hasAssignment(peer *Connection) bool {
	for _, peers := range p.requestedBy {
		if _, ok := peers[peer]; ok {
			return true
		}
	}
	return false
}

// unrequestedByPeer returns blocks not yet received and not already requested from peer.
func (p *pieceInProgress) unrequestedByPeer(peer *Connection) []int {
	var out []int
	for i := 0; i < p.numBlocks(); i++ {
		if p.received[i] {
			continue
		}
		if _, ok := p.requestedBy[i][peer]; ok {
			continue
		}
		out = append(out, i)
	}
	return out
}

func (p *pieceInProgress) markRequested(blockIndex int, peer *Connection) {
	set, ok := p.requestedBy[blockIndex]
	if !ok {
		set = make(map[*Connection]struct{})
		p.requestedBy[blockIndex] = set
	}
	set[peer] = struct{}{}
	p.requestedAt[blockIndex] = time.Now()
}

// requestedByPeer reports whether peer currently holds an outstanding request for blockIndex, so
// a received block can be told apart from an unsolicited one before adjusting peer's in-flight
// count.
func (p *pieceInProgress) requestedByPeer(blockIndex int, peer *Connection) bool {
	_, ok := p.requestedBy[blockIndex][peer]
	return ok
}

// otherRequesters returns every peer with an outstanding request for blockIndex other than
// exclude, used to emit matching cancels once an endgame-duplicated block arrives.
func (p *pieceInProgress) otherRequesters(blockIndex int, exclude *Connection) []*Connection {
	var out []*Connection
	for peer := range p.requestedBy[blockIndex] {
		if peer != exclude {
			out = append(out, peer)
		}
	}
	return out
}

// markReceived records blockIndex's bytes as arrived from peer. peer is remembered in contributors
// even after requestedBy is cleared below, so a later hash mismatch can still penalize everyone who
// contributed a block to this piece.
func (p *pieceInProgress) markReceived(peer *Connection, blockIndex int, data []byte) {
	b := p.layout.BlockAt(p.index, blockIndex)
	copy(p.buf[b.Offset:], data)
	p.received[blockIndex] = true
	p.contributors[peer] = struct{}{}
	delete(p.requestedBy, blockIndex)
	delete(p.requestedAt, blockIndex)
}

// contributorList returns every peer that has delivered at least one block of this piece so far.
func (p *pieceInProgress) contributorList() []*Connection {
	out := make([]*Connection, 0, len(p.contributors))
	for c := range p.contributors {
		out = append(out, c)
	}
	return out
}

// revertPeer clears every outstanding assignment peer held on this piece, returning the affected
// block indices so the scheduler can re-offer them.
func (p *pieceInProgress) revertPeer(peer *Connection) []int {
	var reverted []int
	for blockIndex, peers := range p.requestedBy {
		if _, ok := peers[peer]; !ok {
			continue
		}
		delete(peers, peer)
		if len(peers) == 0 {
			delete(p.requestedBy, blockIndex)
			delete(p.requestedAt, blockIndex)
			reverted = append(reverted, blockIndex)
		}
	}
	return reverted
}

// timedOutBlocks returns blocks requested from peer longer ago than timeout, reverting them to
// unassigned as a side effect.
func (p *pieceInProgress) timedOutBlocks(peer *Connection, timeout time.Duration, now time.Time) []int {
	var timedOut []int
	for blockIndex, peers := range p.requestedBy {
		if _, ok := peers[peer]; !ok {
			continue
		}
		if now.Sub(p.requestedAt[blockIndex]) < timeout {
			continue
		}
		delete(peers, peer)
		if len(peers) == 0 {
			delete(p.requestedBy, blockIndex)
			delete(p.requestedAt, blockIndex)
		}
		timedOut = append(timedOut, blockIndex)
	}
	return timedOut
}

func (p *pieceInProgress) reset() {
	p.received = make(map[int]bool)
	p.requestedBy = make(map[int]map[*Connection]struct{})
	p.requestedAt = make(map[int]time.Time)
	p.contributors = make(map[*Connection]struct{})
}
