// Package bep6 computes the deterministic fast-extension allowed-fast set (BEP6): the piece
// indices a connection may request from its peer even while choked, derived from the peer's IP,
// the swarm's info-hash, and the piece count so that both sides compute the same set
// independently rather than negotiating it on the wire.
package bep6

import (
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/RoaringBitmap/roaring/v2"
)

// AllowedFastSet returns the k piece indices BEP6 assigns to a peer at ip for a numPieces-piece
// swarm named by infoHash. ip should be the peer's IPv4 address as seen on the wire.
func AllowedFastSet(ip netip.Addr, infoHash [20]byte, numPieces, k uint64) (*roaring.Bitmap, error) {
	allowed := roaring.New()
	if numPieces == 0 {
		return allowed, errors.New("numPieces cannot be zero")
	}
	if k > numPieces {
		return allowed, errors.New("k cannot be greater than numPieces")
	}
	if k == 0 {
		return allowed, nil
	}

	ipb := ip.As4()
	x := make([]byte, 0, len(ipb)+len(infoHash))
	x = append(x, ipb[0], ipb[1], ipb[2], 0)
	x = append(x, infoHash[:]...)

	for uint64(allowed.GetCardinality()) < k {
		sum := sha1.Sum(x)
		x = sum[:]
		for i := 0; i < 5 && uint64(allowed.GetCardinality()) < k; i++ {
			y := x[i*4 : i*4+4]
			index := binary.BigEndian.Uint32(y) % uint32(numPieces)
			allowed.Add(index)
		}
	}
	return allowed, nil
}
