// Package engine assembles the device communication stack behind one
// facade: discovery, trust, connections, file transfer, and media
// streams. Engines are plain values; a process can run several side by
// side.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/nearwire/nearwire/internal/config"
	"github.com/nearwire/nearwire/internal/conn"
	"github.com/nearwire/nearwire/internal/discovery"
	"github.com/nearwire/nearwire/internal/identity"
	"github.com/nearwire/nearwire/internal/logging"
	"github.com/nearwire/nearwire/internal/quictransport"
	"github.com/nearwire/nearwire/internal/stream"
	"github.com/nearwire/nearwire/internal/transfer"
	"github.com/nearwire/nearwire/internal/transport"
	"github.com/nearwire/nearwire/internal/trust"
	"github.com/nearwire/nearwire/internal/udptransport"
	"github.com/nearwire/nearwire/internal/webrtctransport"
	"github.com/nearwire/nearwire/internal/wstransport"
	"github.com/nearwire/nearwire/pkg/protocol"
)

var (
	// ErrNotRunning is returned by every operation after Shutdown.
	ErrNotRunning = errors.New("engine not running")

	// ErrPeerNotFound means the peer ID is not in the discovery registry.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrSessionRequired means the operation needs an established session
	// to the peer; call ConnectToPeer first.
	ErrSessionRequired = errors.New("no established session to peer")
)

// Peer is the merged discovery view of one nearby device.
type Peer = discovery.PeerRecord

// Options carries the caller-injected hooks an Engine cannot read from
// configuration.
type Options struct {
	// Logger overrides the logger built from config.LogLevel.
	Logger *slog.Logger

	// Approver decides manual trust approvals. Required for trust mode
	// "manual" to approve anyone.
	Approver trust.Approver

	// OnFileReceived is called after an incoming file is verified and
	// moved into the download directory.
	OnFileReceived func(peerID, path string)

	// FrameSink receives frames of incoming media streams. Nil discards
	// them.
	FrameSink func(peerID string, frame stream.InboundFrame)
}

// Engine is the facade over the full stack.
type Engine struct {
	cfg    config.Config
	opts   Options
	logger *slog.Logger

	id         *identity.Identity
	trust      *trust.Manager
	trustStore io.Closer
	transports *transport.Registry
	disc       *discovery.Service
	registry   *discovery.Registry
	conns      *conn.Manager
	transfers  *transfer.Engine
	streams    *stream.Engine

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	running  bool
	shutdown sync.Once
}

// New builds and starts an engine from the configuration: identity,
// trust store, transport listeners, discovery, and the accept loops for
// inbound peers.
func New(cfg config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New("nearwire", cfg.LogLevel)
	}

	id, err := identity.Load(cfg.Identity.KeyDir, cfg.Identity.DeviceName, cfg.Identity.UserName)
	if err != nil {
		return nil, err
	}
	logger = logger.With("peer_id", id.PeerID)

	mode, err := trust.ParseMode(cfg.Security.TrustMode)
	if err != nil {
		return nil, err
	}
	var (
		store      trust.Store
		trustStore io.Closer
	)
	if cfg.Security.TrustStorePath != "" {
		sqlStore, err := trust.OpenSQLite(cfg.Security.TrustStorePath)
		if err != nil {
			return nil, fmt.Errorf("open trust store: %w", err)
		}
		store = sqlStore
		trustStore = sqlStore
	}
	trustMgr := trust.NewManager(trust.ManagerConfig{
		Mode:            mode,
		Store:           store,
		Approver:        opts.Approver,
		ApprovalTimeout: cfg.ApprovalTimeout(),
		Logger:          logger,
	})

	transports, err := buildTransports(cfg, logger)
	if err != nil {
		if trustStore != nil {
			trustStore.Close()
		}
		return nil, err
	}

	conns := conn.NewManager(conn.ManagerConfig{
		Identity:    id,
		Transports:  transports,
		Trust:       trustMgr,
		Logger:      logger,
		DialTimeout: cfg.ConnectionTimeout(),
		Heartbeat:   cfg.Heartbeat(),
		RequireAuth: cfg.Security.RequireAuthentication,
	})

	beacon := protocol.Beacon{
		PeerID:       id.PeerID,
		DeviceName:   id.DeviceName,
		Capabilities: transports.Kinds(),
		ListenPort:   cfg.Networking.ListenPort,
		Fingerprint:  id.PeerID,
	}
	registry := discovery.NewRegistry(cfg.SilenceTimeout())
	disc := discovery.NewService(buildAdapters(cfg), registry, beacon, logger)

	e := &Engine{
		cfg:        cfg,
		opts:       opts,
		logger:     logger,
		id:         id,
		trust:      trustMgr,
		trustStore: trustStore,
		transports: transports,
		disc:       disc,
		registry:   registry,
		conns:      conns,
		transfers: transfer.NewEngine(transfer.Config{
			ChunkSize: int(cfg.Transfer.ChunkSize),
			Window:    int(cfg.Transfer.WindowSize),
			Logger:    logger,
		}),
		streams: stream.NewEngine(stream.Config{Logger: logger}),
		running: true,
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	conns.OnSession(func(s *conn.Session, inbound bool) {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.serveSession(ctx, s)
		}()
	})
	disc.Start(ctx)
	conns.Serve(ctx)

	logger.Info("engine started",
		"device", id.DeviceName, "port", cfg.Networking.ListenPort,
		"transports", transports.Kinds(), "trust_mode", mode)
	return e, nil
}

// buildTransports creates the enabled transport listeners. QUIC and
// WebSocket share the base port over UDP and TCP; WebRTC signaling and
// the raw UDP fallback sit one port above.
func buildTransports(cfg config.Config, logger *slog.Logger) (*transport.Registry, error) {
	port := cfg.Networking.ListenPort

	// IPv4 only unless IPv6 is enabled; an empty host binds dual stack
	host := "0.0.0.0"
	udpNetwork := "udp4"
	if cfg.Networking.EnableIPv6 {
		host = ""
		udpNetwork = "udp"
	}
	bind := func(p int) string { return net.JoinHostPort(host, strconv.Itoa(p)) }

	var list []transport.Transport
	closeAll := func() {
		for _, tr := range list {
			tr.Close()
		}
	}

	if cfg.Networking.EnableQUIC {
		tr, err := quictransport.New(bind(port), logger)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("quic listener: %w", err)
		}
		list = append(list, tr)
	}
	if cfg.Networking.EnableWebSocket {
		tr, err := wstransport.New(bind(port), logger)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("websocket listener: %w", err)
		}
		list = append(list, tr)
	}
	if cfg.Networking.EnableWebRTC {
		tr, err := webrtctransport.New(bind(port+1), webrtctransport.Config{}, logger)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("webrtc listener: %w", err)
		}
		list = append(list, tr)
	}
	tr, err := udptransport.New(udpNetwork, bind(port+1), logger)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("udp listener: %w", err)
	}
	list = append(list, tr)

	return transport.NewRegistry(list...), nil
}

func buildAdapters(cfg config.Config) []discovery.Adapter {
	var adapters []discovery.Adapter
	if cfg.Discovery.EnableMDNS {
		adapters = append(adapters, &discovery.MDNSAdapter{
			ScanInterval: cfg.DiscoveryInterval(),
		})
	}
	if cfg.Discovery.EnableUDP {
		adapters = append(adapters, &discovery.UDPAdapter{
			Interval: cfg.DiscoveryInterval(),
		})
	}
	if cfg.Discovery.EnableBluetooth {
		adapters = append(adapters, &discovery.BluetoothAdapter{})
	}
	return adapters
}

// PeerID returns this engine's stable peer ID.
func (e *Engine) PeerID() string {
	return e.id.PeerID
}

// DeviceName returns the announced device name.
func (e *Engine) DeviceName() string {
	return e.id.DeviceName
}

// Trust exposes the trust manager for allowlist and approval management.
func (e *Engine) Trust() *trust.Manager {
	return e.trust
}

func (e *Engine) checkRunning() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	return nil
}

// DiscoverPeers collects sightings for the configured discovery window
// and returns the merged peer list.
func (e *Engine) DiscoverPeers(ctx context.Context) ([]Peer, error) {
	if err := e.checkRunning(); err != nil {
		return nil, err
	}
	peers, err := e.disc.Discover(ctx, e.cfg.DiscoveryTimeout())
	if err != nil {
		return nil, err
	}
	return e.annotate(peers), nil
}

// Peers returns the peers currently known without waiting.
func (e *Engine) Peers(ctx context.Context) ([]Peer, error) {
	if err := e.checkRunning(); err != nil {
		return nil, err
	}
	return e.annotate(e.disc.Peers(ctx)), nil
}

// annotate stamps each record with its current trust state.
func (e *Engine) annotate(peers []Peer) []Peer {
	for i := range peers {
		peers[i].TrustState = string(e.trust.StateOf(peers[i].PeerID))
	}
	return peers
}

// AddPeer seeds the registry with a peer known out of band, making it
// connectable without a discovery round.
func (e *Engine) AddPeer(ctx context.Context, peer Peer) error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	if peer.PeerID == "" || len(peer.Addresses) == 0 {
		return fmt.Errorf("peer needs an ID and at least one address")
	}
	for _, addr := range peer.Addresses {
		e.registry.Post(discovery.Sighting{
			PeerID:       peer.PeerID,
			DeviceName:   peer.DisplayName,
			Addr:         addr,
			Capabilities: peer.Capabilities,
			Fingerprint:  peer.Fingerprint,
			Method:       discovery.MethodUDP,
		})
	}
	return nil
}

// ConnectToPeer establishes (or reuses) a session to a discovered peer.
func (e *Engine) ConnectToPeer(ctx context.Context, peerID string) (*conn.Session, error) {
	if err := e.checkRunning(); err != nil {
		return nil, err
	}
	rec, ok := e.disc.Lookup(ctx, peerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	return e.conns.Connect(ctx, rec)
}

// TransferFile sends the file at path to the peer over its established
// session.
func (e *Engine) TransferFile(ctx context.Context, path, peerID string) (*transfer.Handle, error) {
	if err := e.checkRunning(); err != nil {
		return nil, err
	}
	session, err := e.sessionFor(ctx, peerID)
	if err != nil {
		return nil, err
	}
	return e.transfers.Send(ctx, session, path)
}

// StartStream streams media of the given kind to the peer at the given
// quality, pulling frames from source.
func (e *Engine) StartStream(ctx context.Context, kind protocol.StreamKind, peerID string, quality int, source stream.FrameSource) (*stream.Stream, error) {
	if err := e.checkRunning(); err != nil {
		return nil, err
	}
	session, err := e.sessionFor(ctx, peerID)
	if err != nil {
		return nil, err
	}
	return e.streams.Start(ctx, session, kind, quality, source)
}

// sessionFor resolves an established session, distinguishing unknown
// peers from known-but-unconnected ones.
func (e *Engine) sessionFor(ctx context.Context, peerID string) (*conn.Session, error) {
	if session, ok := e.conns.SessionFor(peerID); ok {
		return session, nil
	}
	if _, ok := e.disc.Lookup(ctx, peerID); ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionRequired, peerID)
	}
	return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
}

// Sessions returns the currently established sessions.
func (e *Engine) Sessions() []*conn.Session {
	return e.conns.Sessions()
}

// serveSession accepts channels the peer opens on a session and routes
// them by purpose until the session ends.
func (e *Engine) serveSession(ctx context.Context, session *conn.Session) {
	log := e.logger.With("session_id", session.ID, "remote_peer", session.PeerID)
	for {
		purpose, channel, err := session.AcceptChannel(ctx)
		if err != nil {
			select {
			case <-session.Done():
			case <-ctx.Done():
			default:
				log.Debug("accept channel failed", "error", err)
			}
			return
		}

		switch purpose {
		case protocol.ChannelTransfer:
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				path, err := e.transfers.Receive(ctx, channel, e.cfg.Transfer.DownloadDir)
				if err != nil {
					log.Warn("incoming transfer failed", "error", err)
					return
				}
				if e.opts.OnFileReceived != nil {
					e.opts.OnFileReceived(session.PeerID, path)
				}
			}()
		case protocol.ChannelMedia:
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				var sink func(stream.InboundFrame) error
				if e.opts.FrameSink != nil {
					sink = func(f stream.InboundFrame) error {
						e.opts.FrameSink(session.PeerID, f)
						return nil
					}
				}
				if _, err := e.streams.Receive(ctx, channel, sink); err != nil && ctx.Err() == nil {
					log.Warn("incoming stream failed", "error", err)
				}
			}()
		default:
			log.Warn("unknown channel purpose refused", "purpose", purpose)
			channel.Close()
		}
	}
}

// Shutdown stops the engine: discovery ends, streams stop, sessions
// close, listeners shut down. Idempotent; afterwards every operation
// returns ErrNotRunning.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdown.Do(func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()

		e.streams.StopAll()
		e.conns.Close(ctx)
		e.disc.Stop()
		e.cancel()
		e.transports.Close()
		if e.trustStore != nil {
			e.trustStore.Close()
		}
		e.wg.Wait()
		e.logger.Info("engine stopped")
	})
	return nil
}
