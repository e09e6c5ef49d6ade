// Package quictransport carries peer connections over QUIC. It is the
// preferred transport: multiplexed streams, connection migration and
// datagram-friendly congestion control for free.
package quictransport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/nearwire/nearwire/internal/transport"
	"github.com/nearwire/nearwire/pkg/protocol"
)

// ALPNProtocol is the Application-Layer Protocol Negotiation identifier.
const ALPNProtocol = "nearwire-quic-v1"

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Conn      = (*conn)(nil)
	_ transport.Stream    = (*stream)(nil)
)

// serverTLSConfig returns a TLS configuration with a fresh self-signed
// certificate. Channel security at this layer only has to defeat passive
// observers; peer authentication happens in the application handshake.
func serverTLSConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

func defaultQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		MaxIncomingStreams:             100,
		InitialConnectionReceiveWindow: 16 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     4 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"nearwire"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// Transport listens for and dials QUIC connections.
type Transport struct {
	mu       sync.Mutex
	listener *quic.Listener
	logger   *slog.Logger
	closed   bool
}

// New creates a QUIC transport listening on addr ("host:port"). An
// empty host binds all interfaces; port zero picks an ephemeral port.
func New(addr string, logger *slog.Logger) (*Transport, error) {
	tlsConfig, err := serverTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: generate certificate: %v", transport.ErrUnavailable, err)
	}

	listener, err := quic.ListenAddr(addr, tlsConfig, defaultQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: quic listen: %v", transport.ErrUnavailable, err)
	}

	logger.Info("quic listener started", "addr", listener.Addr().String())
	return &Transport{listener: listener, logger: logger}, nil
}

func (t *Transport) Kind() protocol.Transport { return protocol.TransportQUIC }

func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *Transport) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	t.mu.Unlock()

	qc, err := quic.DialAddr(ctx, addr, clientTLSConfig(), defaultQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}

	t.logger.Debug("quic connection established", "remote_addr", qc.RemoteAddr())
	return &conn{conn: qc}, nil
}

func (t *Transport) Accept(ctx context.Context) (transport.Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	listener := t.listener
	t.mu.Unlock()

	qc, err := listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("quic accept: %w", err)
	}

	t.logger.Debug("quic connection accepted", "remote_addr", qc.RemoteAddr())
	return &conn{conn: qc}, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

type conn struct {
	conn *quic.Conn
}

func (c *conn) Kind() protocol.Transport { return protocol.TransportQUIC }

func (c *conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *conn) OpenStream(ctx context.Context) (transport.Stream, error) {
	qs, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quic open stream: %w", err)
	}
	return &stream{stream: qs}, nil
}

func (c *conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	qs, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("quic accept stream: %w", err)
	}
	return &stream{stream: qs}, nil
}

func (c *conn) Close() error {
	return c.conn.CloseWithError(0, "closed")
}

type stream struct {
	stream *quic.Stream
}

func (s *stream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.stream.Write(p) }

func (s *stream) Close() error {
	// Close only closes the send side; cancel the read side too so the
	// peer's writes do not stall.
	s.stream.CancelRead(0)
	return s.stream.Close()
}
