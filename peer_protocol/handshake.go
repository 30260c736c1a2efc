package peer_protocol

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"math/bits"
	"strings"
	"unsafe"
)

// Protocol is the conventional protocol name sent by this package. The wire layout allows any
// length-prefixed name up to 255 bytes; decoding accepts whatever the peer sent and leaves the
// equality check to the caller, since only the caller knows whether a mismatch is fatal
// (InvalidProtocol) or merely informational.
const Protocol = "BitTorrent protocol"

type ExtensionBit uint

// https://www.bittorrent.org/beps/bep_0004.html
// https://wiki.theory.org/BitTorrentSpecification.html#Reserved_Bytes
const (
	ExtensionBitDht  ExtensionBit = 0 // http://www.bittorrent.org/beps/bep_0005.html
	ExtensionBitFast ExtensionBit = 2 // http://www.bittorrent.org/beps/bep_0006.html
	// LibTorrent Extension Protocol, http://www.bittorrent.org/beps/bep_0010.html
	ExtensionBitLtep ExtensionBit = 20
)

// PeerExtensionBits is the 8-byte reserved field of the handshake, used as a capability set. Only
// the three bits this core negotiates have named accessors; any other bit set by a peer is
// preserved in the byte array and counted as "unknown" by String.
type PeerExtensionBits [8]byte

var bitTags = []struct {
	bit ExtensionBit
	tag string
}{
	{ExtensionBitLtep, "ltep"},
	{ExtensionBitFast, "fast"},
	{ExtensionBitDht, "dht"},
}

func (pex PeerExtensionBits) String() string {
	pexHex := hex.EncodeToString(pex[:])
	tags := make([]string, 0, len(bitTags)+1)
	remaining := pex
	for _, bitTag := range bitTags {
		if pex.GetBit(bitTag.bit) {
			tags = append(tags, bitTag.tag)
			remaining.SetBit(bitTag.bit, false)
		}
	}
	unknownCount := bits.OnesCount64(*(*uint64)(unsafe.Pointer(&remaining[0])))
	if unknownCount != 0 {
		tags = append(tags, fmt.Sprintf("%v unknown", unknownCount))
	}
	return fmt.Sprintf("%v (%s)", pexHex, strings.Join(tags, ", "))
}

func NewPeerExtensionBytes(bits ...ExtensionBit) (ret PeerExtensionBits) {
	for _, b := range bits {
		ret.SetBit(b, true)
	}
	return
}

func (pex *PeerExtensionBits) SetBit(bit ExtensionBit, on bool) {
	if on {
		pex[7-bit/8] |= 1 << (bit % 8)
	} else {
		pex[7-bit/8] &^= 1 << (bit % 8)
	}
}

func (pex PeerExtensionBits) GetBit(bit ExtensionBit) bool {
	return pex[7-bit/8]&(1<<(bit%8)) != 0
}

// And returns the effective capability set of a connection: the bitwise AND of both sides'
// advertised bits.
func (pex PeerExtensionBits) And(other PeerExtensionBits) (ret PeerExtensionBits) {
	for i := range pex {
		ret[i] = pex[i] & other[i]
	}
	return
}

func (pex PeerExtensionBits) SupportsExtended() bool { return pex.GetBit(ExtensionBitLtep) }
func (pex PeerExtensionBits) SupportsDHT() bool      { return pex.GetBit(ExtensionBitDht) }
func (pex PeerExtensionBits) SupportsFast() bool     { return pex.GetBit(ExtensionBitFast) }

// Handshake is the decoded form of the fixed 49+N byte handshake frame.
type Handshake struct {
	ProtocolName string
	Reserved     PeerExtensionBits
	InfoHash     [20]byte
	PeerID       [20]byte
}

func (h Handshake) MarshalBinary() ([]byte, error) {
	if len(h.ProtocolName) > 255 {
		return nil, fmt.Errorf("protocol name %q too long", h.ProtocolName)
	}
	b := make([]byte, 0, 49+len(h.ProtocolName))
	b = append(b, byte(len(h.ProtocolName)))
	b = append(b, h.ProtocolName...)
	b = append(b, h.Reserved[:]...)
	b = append(b, h.InfoHash[:]...)
	b = append(b, h.PeerID[:]...)
	return b, nil
}

func ReadHandshake(r io.Reader) (h Handshake, err error) {
	var n [1]byte
	if _, err = io.ReadFull(r, n[:]); err != nil {
		return h, fmt.Errorf("reading protocol name length: %w", err)
	}
	name := make([]byte, n[0])
	if _, err = io.ReadFull(r, name); err != nil {
		return h, fmt.Errorf("reading protocol name: %w", err)
	}
	h.ProtocolName = string(name)
	if _, err = io.ReadFull(r, h.Reserved[:]); err != nil {
		return h, fmt.Errorf("reading reserved bytes: %w", err)
	}
	if _, err = io.ReadFull(r, h.InfoHash[:]); err != nil {
		return h, fmt.Errorf("reading info-hash: %w", err)
	}
	if _, err = io.ReadFull(r, h.PeerID[:]); err != nil {
		return h, fmt.Errorf("reading peer id: %w", err)
	}
	return h, nil
}

// WriteHandshake writes h to w, respecting ctx cancellation if w also implements a deadline-based
// cancellation hook (net.Conn does, via SetWriteDeadline, set by the caller); this package stays
// agnostic of the concrete transport and simply performs the write.
func WriteHandshake(ctx context.Context, w io.Writer, h Handshake) error {
	b, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	_, err = w.Write(b)
	return err
}
