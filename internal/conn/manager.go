package conn

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nearwire/nearwire/internal/discovery"
	"github.com/nearwire/nearwire/internal/identity"
	"github.com/nearwire/nearwire/internal/transport"
	"github.com/nearwire/nearwire/internal/trust"
	"github.com/nearwire/nearwire/pkg/protocol"
)

const (
	defaultDialTimeout = 15 * time.Second

	// dialRetries per transport before falling back to the next one.
	dialRetries = 1

	retryBackoff = 500 * time.Millisecond
)

// ManagerConfig configures a connection manager.
type ManagerConfig struct {
	Identity    *identity.Identity
	Transports  *transport.Registry
	Trust       *trust.Manager
	Logger      *slog.Logger
	DialTimeout time.Duration
	Heartbeat   time.Duration

	// RequireAuth demands mutual authentication and encryption; when
	// false, sessions come up insecure.
	RequireAuth bool
}

// Manager owns connection establishment and the live session table.
// Concurrent Connect calls for the same peer coalesce into one attempt.
type Manager struct {
	id          *identity.Identity
	transports  *transport.Registry
	trust       *trust.Manager
	logger      *slog.Logger
	dialTimeout time.Duration
	heartbeat   time.Duration
	requireAuth bool

	mu          sync.Mutex
	attempts    map[string]*attempt
	sessions    map[string]*Session
	onSession   func(*Session, bool)
	serveCancel context.CancelFunc
	closed      bool

	wg sync.WaitGroup
}

type attempt struct {
	done    chan struct{}
	session *Session
	err     error
}

// NewManager creates a connection manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	return &Manager{
		id:          cfg.Identity,
		transports:  cfg.Transports,
		trust:       cfg.Trust,
		logger:      logger,
		dialTimeout: dialTimeout,
		heartbeat:   cfg.Heartbeat,
		requireAuth: cfg.RequireAuth,
		attempts:    make(map[string]*attempt),
		sessions:    make(map[string]*Session),
	}
}

// OnSession registers a callback invoked for every new session. inbound
// reports whether the remote side initiated it. Must be set before Serve.
func (m *Manager) OnSession(fn func(s *Session, inbound bool)) {
	m.mu.Lock()
	m.onSession = fn
	m.mu.Unlock()
}

// SessionFor returns the established session for a peer, if any.
func (m *Manager) SessionFor(peerID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peerID]
	if !ok || !s.Established() {
		return nil, false
	}
	return s, true
}

// Sessions returns all currently established sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Established() {
			out = append(out, s)
		}
	}
	return out
}

// Connect establishes a session to the peer, reusing an established one
// and coalescing with any attempt already in flight.
func (m *Manager) Connect(ctx context.Context, peer discovery.PeerRecord) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s, ok := m.sessions[peer.PeerID]; ok && s.Established() {
		m.mu.Unlock()
		return s, nil
	}
	att, inFlight := m.attempts[peer.PeerID]
	if !inFlight {
		att = &attempt{done: make(chan struct{})}
		m.attempts[peer.PeerID] = att
	}
	m.mu.Unlock()

	if !inFlight {
		// The attempt outlives this caller's ctx so that coalesced
		// waiters are not failed by one caller's cancellation
		go m.runAttempt(peer, att)
	}

	select {
	case <-att.done:
		return att.session, att.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) runAttempt(peer discovery.PeerRecord, att *attempt) {
	session, err := m.establish(peer)

	m.mu.Lock()
	delete(m.attempts, peer.PeerID)
	m.mu.Unlock()

	att.session = session
	att.err = err
	close(att.done)
}

// establish walks the connection state machine for one outbound attempt.
func (m *Manager) establish(peer discovery.PeerRecord) (*Session, error) {
	log := m.logger.With("peer_id", peer.PeerID)
	state := StateDiscovered

	advance := func(to State) {
		if err := checkTransition(state, to); err != nil {
			log.Error("connection state machine violated", "error", err)
		}
		log.Debug("connection state", "from", state, "to", to)
		state = to
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	defer cancel()

	advance(StateEvaluating)
	if m.trust.Evaluate(peer.PeerID) == trust.RequireApproval {
		advance(StateApproving)
	}
	if err := m.trust.Authorize(ctx, peer.PeerID, peer.DisplayName, peer.Fingerprint); err != nil {
		advance(StateRejected)
		return nil, err
	}

	advance(StateHandshaking)
	var lastErr error
	for _, tr := range m.transports.All() {
		if !peerSupports(peer, tr.Kind()) {
			continue
		}
		for try := 0; try <= dialRetries; try++ {
			if try > 0 {
				time.Sleep(retryBackoff)
			}
			session, err := m.dialOnce(ctx, tr, peer)
			if err == nil {
				advance(StateEstablished)
				log.Info("session established",
					"session_id", session.ID, "transport", session.Transport, "insecure", session.Insecure)
				return session, nil
			}
			lastErr = err
			log.Warn("dial attempt failed",
				"transport", tr.Kind(), "try", try+1, "error", err)

			// Trust and identity failures will not improve on retry
			if errors.Is(err, ErrHandshakeFailed) || errors.Is(err, trust.ErrTrustDenied) {
				advance(StateFailed)
				return nil, err
			}
			if ctx.Err() != nil {
				advance(StateFailed)
				return nil, ErrConnectionFailed
			}
		}
	}

	advance(StateFailed)
	if lastErr != nil {
		log.Warn("all transports exhausted", "error", lastErr)
	}
	return nil, ErrConnectionFailed
}

// peerSupports checks the peer's advertised capability tags. A peer that
// advertised nothing is assumed reachable on any transport.
func peerSupports(peer discovery.PeerRecord, kind protocol.Transport) bool {
	if len(peer.Capabilities) == 0 {
		return true
	}
	return peer.HasCapability(string(kind))
}

func (m *Manager) dialOnce(ctx context.Context, tr transport.Transport, peer discovery.PeerRecord) (*Session, error) {
	var lastErr error
	for _, addr := range peer.Addresses {
		tc, err := tr.Dial(ctx, addrFor(tr.Kind(), addr))
		if err != nil {
			lastErr = err
			continue
		}

		control, err := tc.OpenStream(ctx)
		if err != nil {
			tc.Close()
			lastErr = err
			continue
		}

		hs, err := initiateHandshake(ctx, control, m.id, peer.PeerID, m.requireAuth)
		if err != nil {
			tc.Close()
			return nil, err
		}

		session := newSession(m.id.PeerID, hs.PeerID, hs.PeerName, tr.Kind(),
			tc, control, hs.SendKey, hs.RecvKey, hs.Insecure, m.heartbeat, m.logger)
		m.register(session, false)
		return session, nil
	}
	if lastErr == nil {
		lastErr = errors.New("peer has no dialable address")
	}
	return nil, lastErr
}

// addrFor maps a peer's advertised base address to the per-transport
// listen address. QUIC shares the base port over UDP and WebSocket over
// TCP; WebRTC signaling and the raw UDP path sit one port above.
func addrFor(kind protocol.Transport, base string) string {
	host, portStr, err := net.SplitHostPort(base)
	if err != nil {
		return base
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return base
	}
	switch kind {
	case protocol.TransportWebRTC, protocol.TransportUDP:
		port++
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// register inserts a session into the table. With a session already
// established for the peer the new one is closed; first one wins.
func (m *Manager) register(session *Session, inbound bool) {
	m.mu.Lock()
	existing, ok := m.sessions[session.PeerID]
	if ok && existing.Established() {
		m.mu.Unlock()
		m.logger.Debug("duplicate session discarded",
			"peer_id", session.PeerID, "inbound", inbound)
		session.conn.Close()
		return
	}
	m.sessions[session.PeerID] = session
	onSession := m.onSession
	m.mu.Unlock()

	session.start()
	session.OnLost(func(error) {
		m.mu.Lock()
		if m.sessions[session.PeerID] == session {
			delete(m.sessions, session.PeerID)
		}
		m.mu.Unlock()
	})

	if onSession != nil {
		onSession(session, inbound)
	}
}

// Serve runs accept loops on every registered transport until ctx ends
// or the manager is closed.
func (m *Manager) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return
	}
	m.serveCancel = cancel
	m.mu.Unlock()

	for _, tr := range m.transports.All() {
		tr := tr
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.acceptLoop(ctx, tr)
		}()
	}
}

func (m *Manager) acceptLoop(ctx context.Context, tr transport.Transport) {
	for {
		tc, err := tr.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("accept failed", "transport", tr.Kind(), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleInbound(ctx, tr.Kind(), tc)
		}()
	}
}

func (m *Manager) handleInbound(ctx context.Context, kind protocol.Transport, tc transport.Conn) {
	hsCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()

	control, err := tc.AcceptStream(hsCtx)
	if err != nil {
		tc.Close()
		return
	}

	authorize := func(ctx context.Context, peerID, deviceName, fingerprint string) error {
		return m.trust.Authorize(ctx, peerID, deviceName, fingerprint)
	}

	hs, err := respondHandshake(hsCtx, control, m.id, authorize, m.requireAuth)
	if err != nil {
		m.logger.Warn("inbound handshake failed",
			"transport", kind, "remote_addr", tc.RemoteAddr(), "error", err)
		tc.Close()
		return
	}

	session := newSession(m.id.PeerID, hs.PeerID, hs.PeerName, kind,
		tc, control, hs.SendKey, hs.RecvKey, hs.Insecure, m.heartbeat, m.logger)
	m.logger.Info("inbound session established",
		"session_id", session.ID, "peer_id", session.PeerID, "transport", kind)
	m.register(session, true)
}

// Close tears down every session and rejects further connects.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	cancel := m.serveCancel
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	// Unblock the accept loops before waiting on them
	if cancel != nil {
		cancel()
	}
	for _, s := range sessions {
		s.Close(ctx)
	}
	m.wg.Wait()
}
