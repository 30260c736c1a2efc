package peerwire

import (
	"time"

	"github.com/anacrolix/log"
)

// SessionConfig holds the tunables for one Session (one swarm). Don't mutate a SessionConfig
// after handing it to NewSession; a Session is entitled to read its fields without locking.
type SessionConfig struct {
	// BlockLength is the fixed request unit size, conventionally 16 KiB.
	BlockLength int64
	// RequestWindow is the per-peer in-flight block request ceiling.
	RequestWindow int
	// RequestTimeout is how long an in-flight slot waits before Scheduler.CheckTimeouts reverts it
	// to pending and marks its peer unreliable. Session never calls CheckTimeouts, so a running
	// Session applies neither this timeout nor UnreliableDisconnectThreshold.
	RequestTimeout time.Duration
	// UnreliableDisconnectThreshold is how many accumulated request timeouts against one peer
	// make Scheduler.CheckTimeouts report that the connection should be dropped.
	UnreliableDisconnectThreshold int
	// EndgameRemainingBlocks is the remaining-unrequested-block count below which the
	// scheduler allows duplicate, multi-peer requests for the last few blocks.
	EndgameRemainingBlocks int

	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	HandshakeTimeout  time.Duration

	FloodThreshold int64
	FloodFactor    float64

	// FloodDetector, if set, overrides the default flood-detection predicate. See FloodDetector.
	FloodDetector FloodDetector
	// ChokePolicy, if set, overrides the default choke/unchoke decision. See ChokePolicy.
	ChokePolicy ChokePolicy

	Logger log.Logger
}

const (
	defaultBlockLength                   = 16 * 1024
	defaultRequestWindow                  = 16
	defaultRequestTimeout                 = 60 * time.Second
	defaultUnreliableDisconnectThreshold  = 3
	defaultEndgameRemainingBlocks         = 0 // resolved against connected-peer count at runtime
	defaultKeepaliveInterval              = 2 * time.Minute
	defaultKeepaliveTimeout               = 4 * time.Minute
	defaultHandshakeTimeout               = 10 * time.Second
	defaultFloodThreshold           int64 = 2 << 20
	defaultFloodFactor                    = 1.0
)

// NewDefaultSessionConfig returns a SessionConfig with the core's recommended defaults.
func NewDefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		BlockLength:                   defaultBlockLength,
		RequestWindow:                 defaultRequestWindow,
		RequestTimeout:                defaultRequestTimeout,
		UnreliableDisconnectThreshold: defaultUnreliableDisconnectThreshold,
		EndgameRemainingBlocks:        defaultEndgameRemainingBlocks,
		KeepaliveInterval:             defaultKeepaliveInterval,
		KeepaliveTimeout:              defaultKeepaliveTimeout,
		HandshakeTimeout:              defaultHandshakeTimeout,
		FloodThreshold:                defaultFloodThreshold,
		FloodFactor:                   defaultFloodFactor,
		FloodDetector:                 defaultFloodDetector{},
		ChokePolicy:                   defaultChokePolicy{},
		Logger:                        log.Default,
	}
}

// ManagerConfig holds the tunables for a Manager (the listener and outbound connector pool
// shared by every session it dispatches to).
type ManagerConfig struct {
	ListenAddr string

	AcceptWorkers          int
	MaxGlobalConnections   int
	MaxConnectionsPerTopic int

	Logger log.Logger
}

const (
	defaultAcceptWorkers          = 4
	defaultMaxGlobalConnections   = 500
	defaultMaxConnectionsPerTopic = 50
)

// NewDefaultManagerConfig returns a ManagerConfig with the core's recommended defaults.
func NewDefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		AcceptWorkers:          defaultAcceptWorkers,
		MaxGlobalConnections:   defaultMaxGlobalConnections,
		MaxConnectionsPerTopic: defaultMaxConnectionsPerTopic,
		Logger:                 log.Default,
	}
}

// SetListenAddr is a convenience setter mirroring the rest of this config's direct-field-mutation
// style; it exists because ListenAddr is almost always set immediately after construction.
func (cfg *ManagerConfig) SetListenAddr(addr string) *ManagerConfig {
	cfg.ListenAddr = addr
	return cfg
}
