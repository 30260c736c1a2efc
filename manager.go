package peerwire

import (
	"context"
	"net"
	"sync"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/multiless"

	pp "github.com/quaylabs/peerwire/peer_protocol"
)

// Manager is the listener and outbound-connector pool shared across every Session it dispatches
// to. A Session never listens on its own; it only ever Connects or is handed an already-accepted
// Connection via Accept.
type Manager struct {
	cfg      *ManagerConfig
	reserved pp.PeerExtensionBits

	mu       sync.Mutex
	sessions map[[20]byte]*Session

	ln        net.Listener
	acceptSem chan struct{}

	wg sync.WaitGroup
}

// NewManager builds a Manager. reserved is the extension-bit set offered on every inbound
// handshake this Manager completes, regardless of which Session ends up owning the connection.
func NewManager(cfg *ManagerConfig, reserved pp.PeerExtensionBits) *Manager {
	return &Manager{
		cfg:       cfg,
		reserved:  reserved,
		sessions:  make(map[[20]byte]*Session),
		acceptSem: make(chan struct{}, cfg.AcceptWorkers),
	}
}

// Register makes infoHash's swarm reachable to inbound connections dispatched by this Manager.
func (m *Manager) Register(infoHash [20]byte, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[infoHash] = s
}

// Unregister removes a swarm; inbound connections naming infoHash afterward are refused with
// UnknownTopic.
func (m *Manager) Unregister(infoHash [20]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, infoHash)
}

func (m *Manager) globalConnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, s := range m.sessions {
		total += s.ConnCount()
	}
	return total
}

// Listen opens cfg.ListenAddr and starts accepting inbound connections in the background until ctx
// is canceled. It must be called at most once.
func (m *Manager) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return err
	}
	m.ln = ln
	m.wg.Add(1)
	go m.acceptLoop(ctx)
	return nil
}

// Close stops accepting new connections and waits for in-flight accepts to finish being dispatched
// (not for the sessions they joined to finish - those outlive the listener).
func (m *Manager) Close() error {
	var err error
	if m.ln != nil {
		err = m.ln.Close()
	}
	m.wg.Wait()
	return err
}

func (m *Manager) acceptLoop(ctx context.Context) {
	defer m.wg.Done()
	go func() {
		<-ctx.Done()
		m.ln.Close()
	}()
	for {
		raw, err := m.ln.Accept()
		if err != nil {
			return
		}
		select {
		case m.acceptSem <- struct{}{}:
		case <-ctx.Done():
			raw.Close()
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer func() { <-m.acceptSem }()
			m.handleAccepted(ctx, raw)
		}()
	}
}

// handleAccepted completes the handshake for one newly accepted socket, demuxing to whichever
// registered Session claims the info-hash the peer sent, subject to the global and per-topic
// connection ceilings. If the global ceiling is already reached, it first tries to make room by
// evicting the single worst connection currently open across every session; a swarm at its
// per-topic ceiling refuses the peer without evicting anything.
func (m *Manager) handleAccepted(ctx context.Context, raw net.Conn) {
	if m.cfg.MaxGlobalConnections > 0 && m.globalConnCount() >= m.cfg.MaxGlobalConnections {
		if !m.evict() {
			raw.Close()
			return
		}
	}

	var matched g.Option[*Session]
	resolve := func(infoHash [20]byte) (ResolvedSwarm, bool) {
		m.mu.Lock()
		s, ok := m.sessions[infoHash]
		m.mu.Unlock()
		if !ok {
			return ResolvedSwarm{}, false
		}
		if m.cfg.MaxConnectionsPerTopic > 0 && s.ConnCount() >= m.cfg.MaxConnectionsPerTopic {
			return ResolvedSwarm{}, false
		}
		matched.Set(s)
		return ResolvedSwarm{
			Cfg:       s.cfg,
			LocalID:   s.localID,
			Reserved:  m.reserved,
			NumPieces: s.storage.NumPieces(),
			Events:    s.events,
		}, true
	}

	conn, err := AcceptInbound(ctx, raw, resolve)
	if err != nil || !matched.Ok {
		return
	}
	matched.Unwrap().adopt(ctx, conn)
}

// evict closes the single worst connection across every registered session, per worseConn's
// ordering, to make room under the global connection ceiling. It reports whether it found anything
// to close.
func (m *Manager) evict() bool {
	m.mu.Lock()
	var all []*Connection
	for _, s := range m.sessions {
		all = append(all, s.connList()...)
	}
	m.mu.Unlock()
	if len(all) == 0 {
		return false
	}
	worst := all[0]
	for _, c := range all[1:] {
		if worseConn(c, worst) {
			worst = c
		}
	}
	worst.close()
	return true
}

// worseConn orders two connections by how expendable they are under connection pressure: a
// connection that hasn't sent us any payload yet is worse than one that has, and among two
// connections that are equally useless in that sense, the one that has sent us less is worse.
// Mirrors the teacher's multiless-chained comparator, narrowed to the signals this core tracks per
// connection.
func worseConn(l, r *Connection) bool {
	ls, rs := l.Stats(), r.Stats()
	less, ok := multiless.New().Bool(
		ls.PayloadBytesRead.Int64() > 0, rs.PayloadBytesRead.Int64() > 0).CmpInt64(
		ls.PayloadBytesRead.Int64()-rs.PayloadBytesRead.Int64(),
	).LessOk()
	if !ok {
		return false
	}
	return less
}
