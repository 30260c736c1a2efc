package peerwire

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind names the category of a connection-local protocol error, so callers can branch on it with
// errors.Is without string matching.
type Kind int

const (
	InvalidProtocol Kind = iota
	UnexpectedTopic
	UnexpectedPeerId
	UnknownTopic
	HandshakeRefused
	BitfieldAlreadySent
	DisallowedMessage
	DecodingError
	PeerDisconnected
	FloodDetected
)

func (k Kind) String() string {
	switch k {
	case InvalidProtocol:
		return "invalid protocol"
	case UnexpectedTopic:
		return "unexpected topic"
	case UnexpectedPeerId:
		return "unexpected peer id"
	case UnknownTopic:
		return "unknown topic"
	case HandshakeRefused:
		return "handshake refused"
	case BitfieldAlreadySent:
		return "bitfield already sent"
	case DisallowedMessage:
		return "disallowed message"
	case DecodingError:
		return "decoding error"
	case PeerDisconnected:
		return "peer disconnected"
	case FloodDetected:
		return "flood detected"
	default:
		return fmt.Sprintf("unknown error kind %d", int(k))
	}
}

// Error lets a bare Kind stand in as the target of errors.Is(err, SomeKind), without requiring
// callers to wrap it in a ConnError of their own.
func (k Kind) Error() string { return k.String() }

// defaultPenalty is the reputation penalty a Kind carries absent an explicit override. Spec
// violations cost 1; UnknownTopic and graceful disconnects cost 0.
func (k Kind) defaultPenalty() int {
	switch k {
	case UnknownTopic, PeerDisconnected:
		return 0
	default:
		return 1
	}
}

// ConnError is the error type every connection-local failure is reported as. Kind lets callers
// branch without string matching; Penalty is the reputation cost the session applies to the
// remote peer before tearing the connection down.
type ConnError struct {
	Kind    Kind
	Penalty int
	cause   error
}

func newConnError(k Kind, cause error) *ConnError {
	return &ConnError{Kind: k, Penalty: k.defaultPenalty(), cause: cause}
}

func (e *ConnError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return e.Kind.String()
}

func (e *ConnError) Unwrap() error { return e.cause }

// Is lets errors.Is(err, InvalidProtocol) work directly against a Kind value, without requiring
// callers to build a *ConnError of their own to compare against.
func (e *ConnError) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && e.Kind == k
}

func errInvalidProtocol(got, want string) error {
	return newConnError(InvalidProtocol, errors.Errorf("protocol name %q, want %q", got, want))
}

func errUnexpectedTopic(got, want [20]byte) error {
	return newConnError(UnexpectedTopic, errors.Errorf("info-hash %x, want %x", got, want))
}

func errUnexpectedPeerId(got, want [20]byte) error {
	return newConnError(UnexpectedPeerId, errors.Errorf("peer id %x, want %x", got, want))
}

func errUnknownTopic(hash [20]byte) error {
	return newConnError(UnknownTopic, errors.Errorf("no session for info-hash %x", hash))
}

func errHandshakeRefused(reason string) error {
	return newConnError(HandshakeRefused, errors.New(reason))
}

func errBitfieldAlreadySent(remote string) error {
	return newConnError(BitfieldAlreadySent, errors.Errorf("remote %s", remote))
}

func errDisallowedMessage(remote, required string) error {
	return newConnError(DisallowedMessage, errors.Errorf("remote %s lacks capability %s", remote, required))
}

func errDecoding(cause error) error {
	return newConnError(DecodingError, cause)
}

func errPeerDisconnected(cause error) error {
	return newConnError(PeerDisconnected, cause)
}

func errFloodDetected(stats string) error {
	return newConnError(FloodDetected, errors.Errorf("stats: %s", stats))
}

// ErrNotImplemented is returned by the rehandshake and reconnect stubs: the core negotiates
// capabilities once at setup and has no code path that revisits them mid-connection.
var ErrNotImplemented = errors.New("not implemented")
