// Package webrtctransport carries peer connections over WebRTC data
// channels. Session descriptions are exchanged over a plain HTTP endpoint
// on the peer; ICE handles NAT traversal from there.
package webrtctransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/nearwire/nearwire/internal/transport"
	"github.com/nearwire/nearwire/pkg/protocol"
)

const (
	// sdpPath is the HTTP endpoint for offer/answer exchange.
	sdpPath = "/nearwire/v1/webrtc"

	openTimeout = 30 * time.Second
	maxSDPSize  = 1 << 20
)

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Conn      = (*conn)(nil)
	_ transport.Stream    = (*stream)(nil)
)

// Config holds WebRTC transport configuration.
type Config struct {
	// STUNServers lists STUN urls for NAT traversal. Empty means host
	// candidates only, which is enough on a LAN.
	STUNServers []string

	// Ordered specifies if data channels guarantee ordering.
	Ordered bool

	// Logger for debug output.
	Logger *slog.Logger
}

// DefaultConfig returns the default WebRTC transport configuration.
func DefaultConfig() Config {
	return Config{Ordered: true}
}

func (c Config) webrtcConfig() webrtc.Configuration {
	var servers []webrtc.ICEServer
	if len(c.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNServers})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// Transport signals and carries WebRTC peer connections.
type Transport struct {
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	accepts  chan *conn
	closed   bool
}

// New creates a WebRTC transport whose signaling endpoint listens on
// addr ("host:port"). An empty host binds all interfaces; port zero
// picks an ephemeral port.
func New(addr string, config Config, logger *slog.Logger) (*Transport, error) {
	if config.Logger == nil {
		config.Logger = logger
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: webrtc signaling listen: %v", transport.ErrUnavailable, err)
	}

	t := &Transport{
		config:   config,
		logger:   logger,
		listener: ln,
		accepts:  make(chan *conn, 8),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(sdpPath, t.handleOffer)
	t.server = &http.Server{Handler: mux}
	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("webrtc signaling server stopped", "error", err)
		}
	}()

	logger.Info("webrtc signaling started", "addr", ln.Addr().String())
	return t, nil
}

func (t *Transport) Kind() protocol.Transport { return protocol.TransportWebRTC }

func (t *Transport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// handleOffer answers one SDP offer, completing ICE gathering before
// replying so the exchange fits a single round trip.
func (t *Transport) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(io.LimitReader(r.Body, maxSDPSize)).Decode(&offer); err != nil {
		http.Error(w, "bad offer", http.StatusBadRequest)
		return
	}

	pc, err := webrtc.NewPeerConnection(t.config.webrtcConfig())
	if err != nil {
		t.logger.Warn("webrtc peer connection failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	c := newConn(pc, t.config, r.RemoteAddr)

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		http.Error(w, "bad offer", http.StatusBadRequest)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	select {
	case <-gathered:
	case <-r.Context().Done():
		pc.Close()
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(pc.LocalDescription()); err != nil {
		pc.Close()
		return
	}

	select {
	case t.accepts <- c:
	default:
		c.Close()
	}
}

func (t *Transport) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	t.mu.Unlock()

	pc, err := webrtc.NewPeerConnection(t.config.webrtcConfig())
	if err != nil {
		return nil, fmt.Errorf("webrtc peer connection: %w", err)
	}

	c := newConn(pc, t.config, addr)

	// A placeholder channel so the offer carries a data media section
	if _, err := pc.CreateDataChannel("nearwire-init", nil); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc init channel: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	body, err := json.Marshal(pc.LocalDescription())
	if err != nil {
		pc.Close()
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+sdpPath, bytes.NewReader(body))
	if err != nil {
		pc.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc signaling %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		pc.Close()
		return nil, fmt.Errorf("webrtc signaling %s: status %d", addr, resp.StatusCode)
	}

	var answer webrtc.SessionDescription
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSDPSize)).Decode(&answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc decode answer: %w", err)
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc set remote description: %w", err)
	}

	if err := c.waitConnected(ctx); err != nil {
		pc.Close()
		return nil, err
	}

	t.logger.Debug("webrtc connection established", "remote_addr", addr)
	return c, nil
}

func (t *Transport) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c := <-t.accepts:
		if c == nil {
			return nil, io.ErrClosedPipe
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	return t.server.Close()
}

// conn wraps one PeerConnection. Both sides may open data channels.
type conn struct {
	pc     *webrtc.PeerConnection
	config Config
	remote string

	nextID atomic.Uint64

	mu        sync.Mutex
	closed    bool
	connected chan struct{}
	incoming  chan *stream
}

func newConn(pc *webrtc.PeerConnection, config Config, remote string) *conn {
	c := &conn{
		pc:        pc,
		config:    config,
		remote:    remote,
		connected: make(chan struct{}),
		incoming:  make(chan *stream, 32),
	}

	var connectedOnce sync.Once
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateConnected {
			connectedOnce.Do(func() { close(c.connected) })
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() == "nearwire-init" {
			return
		}
		s := newStream(dc)
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			dc.Close()
			return
		}
		select {
		case c.incoming <- s:
		default:
			dc.Close()
		}
	})

	return c
}

func (c *conn) waitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(openTimeout):
		return errors.New("timeout waiting for webrtc connection")
	}
}

func (c *conn) Kind() protocol.Transport { return protocol.TransportWebRTC }

func (c *conn) RemoteAddr() net.Addr {
	if tcp, err := net.ResolveTCPAddr("tcp", c.remote); err == nil {
		return tcp
	}
	return &net.TCPAddr{}
}

func (c *conn) OpenStream(ctx context.Context) (transport.Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	c.mu.Unlock()

	label := fmt.Sprintf("stream-%d", c.nextID.Add(1))
	ordered := c.config.Ordered
	dc, err := c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("webrtc create data channel: %w", err)
	}

	s := newStream(dc)
	if err := s.waitOpen(ctx); err != nil {
		dc.Close()
		return nil, err
	}
	return s, nil
}

func (c *conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-c.incoming:
		if s == nil {
			return nil, io.ErrClosedPipe
		}
		if err := s.waitOpen(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.pc.Close()
}

// stream wraps one data channel into a byte stream.
type stream struct {
	dc *webrtc.DataChannel

	mu       sync.Mutex
	readBuf  []byte
	readCond *sync.Cond
	readErr  error
	closed   bool

	openCh   chan struct{}
	openOnce sync.Once
}

func newStream(dc *webrtc.DataChannel) *stream {
	s := &stream{
		dc:     dc,
		openCh: make(chan struct{}),
	}
	s.readCond = sync.NewCond(&s.mu)

	dc.OnOpen(func() {
		s.openOnce.Do(func() { close(s.openCh) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.mu.Lock()
		s.readBuf = append(s.readBuf, msg.Data...)
		s.mu.Unlock()
		s.readCond.Signal()
	})
	dc.OnError(func(err error) {
		s.fail(err)
	})
	dc.OnClose(func() {
		s.fail(io.EOF)
	})

	return s
}

func (s *stream) fail(err error) {
	s.mu.Lock()
	if s.readErr == nil {
		s.readErr = err
	}
	s.mu.Unlock()
	s.readCond.Signal()
}

func (s *stream) waitOpen(ctx context.Context) error {
	select {
	case <-s.openCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(openTimeout):
		return errors.New("timeout waiting for data channel to open")
	}
}

func (s *stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.readBuf) == 0 && s.readErr == nil {
		s.readCond.Wait()
	}
	if len(s.readBuf) > 0 {
		n := copy(p, s.readBuf)
		s.readBuf = s.readBuf[n:]
		return n, nil
	}
	return 0, s.readErr
}

func (s *stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	if err := s.dc.Send(p); err != nil {
		return 0, fmt.Errorf("webrtc send: %w", err)
	}
	return len(p), nil
}

func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.readErr == nil {
		s.readErr = io.ErrClosedPipe
	}
	s.mu.Unlock()
	s.readCond.Signal()

	return s.dc.Close()
}
