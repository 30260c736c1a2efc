package peer_protocol

import (
	"testing"

	qt "github.com/go-quicktest/qt"
)

func TestExtensionBitRoundTrip(t *testing.T) {
	var bits PeerExtensionBits
	bits.SetBit(ExtensionBitLtep, true)
	qt.Assert(t, qt.Equals(bits[5], byte(0x10)))
	qt.Assert(t, qt.Equals(bits.SupportsExtended(), true))
	qt.Assert(t, qt.Equals(bits.SupportsDHT(), false))
}

func TestEffectiveCapabilities(t *testing.T) {
	a := NewPeerExtensionBytes(ExtensionBitLtep, ExtensionBitDht)
	b := NewPeerExtensionBytes(ExtensionBitLtep, ExtensionBitFast)
	eff := a.And(b)
	qt.Assert(t, qt.Equals(eff.SupportsExtended(), true))
	qt.Assert(t, qt.Equals(eff.SupportsDHT(), false))
	qt.Assert(t, qt.Equals(eff.SupportsFast(), false))
}
