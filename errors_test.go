package peerwire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnErrorIsKind(t *testing.T) {
	err := errInvalidProtocol("foo", "BitTorrent protocol")
	assert.True(t, errors.Is(err, InvalidProtocol))
	assert.False(t, errors.Is(err, UnexpectedTopic))
}

func TestDefaultPenalties(t *testing.T) {
	assert.Equal(t, 0, UnknownTopic.defaultPenalty())
	assert.Equal(t, 0, PeerDisconnected.defaultPenalty())
	assert.Equal(t, 1, BitfieldAlreadySent.defaultPenalty())
	assert.Equal(t, 1, FloodDetected.defaultPenalty())
}

func TestConnErrorUnwraps(t *testing.T) {
	cause := errors.New("eof")
	err := errPeerDisconnected(cause)
	assert.ErrorIs(t, err, cause)
}
