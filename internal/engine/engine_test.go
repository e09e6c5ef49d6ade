package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nearwire/nearwire/internal/config"
	"github.com/nearwire/nearwire/internal/stream"
	"github.com/nearwire/nearwire/internal/trust"
	"github.com/nearwire/nearwire/pkg/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig builds a loopback-only config: no discovery adapters, QUIC
// plus the UDP fallback on the given port.
func testConfig(t *testing.T, port int) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Identity.DeviceName = "test-device"
	cfg.Discovery.EnableMDNS = false
	cfg.Discovery.EnableUDP = false
	cfg.Discovery.EnableBluetooth = false
	cfg.Discovery.TimeoutSecs = 0
	cfg.Networking.ListenPort = port
	cfg.Networking.EnableWebRTC = false
	cfg.Networking.EnableWebSocket = false
	cfg.Networking.HeartbeatSecs = 1
	cfg.Transfer.DownloadDir = t.TempDir()
	return cfg
}

func startEngine(t *testing.T, cfg config.Config, opts Options) *Engine {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	e, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return e
}

// record returns the out-of-band peer record pointing at an engine.
func record(e *Engine, port int) Peer {
	return Peer{
		PeerID:       e.PeerID(),
		DisplayName:  e.DeviceName(),
		Addresses:    []string{net.JoinHostPort("127.0.0.1", strconv.Itoa(port))},
		Capabilities: []string{string(protocol.TransportQUIC)},
		Fingerprint:  e.PeerID(),
	}
}

func TestEngineLifecycle(t *testing.T) {
	e := startEngine(t, testConfig(t, 47510), Options{})

	if e.PeerID() == "" {
		t.Error("engine has no peer ID")
	}
	ctx := context.Background()
	peers, err := e.DiscoverPeers(ctx)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(peers) != 0 {
		t.Errorf("found %d peers with no adapters", len(peers))
	}

	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}

	if _, err := e.DiscoverPeers(ctx); !errors.Is(err, ErrNotRunning) {
		t.Errorf("DiscoverPeers after shutdown err = %v", err)
	}
	if _, err := e.ConnectToPeer(ctx, "someone"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("ConnectToPeer after shutdown err = %v", err)
	}
	if _, err := e.TransferFile(ctx, "file", "someone"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("TransferFile after shutdown err = %v", err)
	}
}

func TestEngineUnknownPeer(t *testing.T) {
	e := startEngine(t, testConfig(t, 47520), Options{})
	ctx := context.Background()

	if _, err := e.ConnectToPeer(ctx, "nope"); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("ConnectToPeer err = %v, want ErrPeerNotFound", err)
	}
	if _, err := e.TransferFile(ctx, "file", "nope"); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("TransferFile err = %v, want ErrPeerNotFound", err)
	}
	if _, err := e.StartStream(ctx, protocol.StreamKindCamera, "nope", 50, nil); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("StartStream err = %v, want ErrPeerNotFound", err)
	}
}

func TestEngineSessionRequired(t *testing.T) {
	const portA, portB = 47530, 47540
	a := startEngine(t, testConfig(t, portA), Options{})
	b := startEngine(t, testConfig(t, portB), Options{})
	ctx := context.Background()

	if err := b.AddPeer(ctx, record(a, portA)); err != nil {
		t.Fatalf("add peer: %v", err)
	}
	// Known but not connected
	if _, err := b.TransferFile(ctx, "file", a.PeerID()); !errors.Is(err, ErrSessionRequired) {
		t.Errorf("TransferFile err = %v, want ErrSessionRequired", err)
	}

	peers, err := b.Peers(ctx)
	if err != nil {
		t.Fatalf("peers: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("peer count = %d, want 1", len(peers))
	}
	if peers[0].TrustState != string(trust.StateUnknown) {
		t.Errorf("TrustState = %q, want %q", peers[0].TrustState, trust.StateUnknown)
	}
}

// sourceOf emits the given frames then io.EOF.
type sourceOf struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *sourceOf) NextFrame(ctx context.Context, params stream.Params) (stream.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return stream.Frame{}, io.EOF
	}
	data := s.frames[0]
	s.frames = s.frames[1:]
	return stream.Frame{Data: data, Timestamp: time.Now()}, nil
}

func TestEngineEndToEnd(t *testing.T) {
	const portA, portB = 47550, 47560

	received := make(chan string, 1)
	frames := make(chan stream.InboundFrame, 16)

	a := startEngine(t, testConfig(t, portA), Options{
		OnFileReceived: func(peerID, path string) { received <- path },
		FrameSink:      func(peerID string, f stream.InboundFrame) { frames <- f },
	})
	b := startEngine(t, testConfig(t, portB), Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := b.AddPeer(ctx, record(a, portA)); err != nil {
		t.Fatalf("add peer: %v", err)
	}
	session, err := b.ConnectToPeer(ctx, a.PeerID())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if session.PeerID != a.PeerID() {
		t.Errorf("session peer = %s, want %s", session.PeerID, a.PeerID())
	}
	if session.Insecure {
		t.Error("session came up insecure with authentication required")
	}

	// Second connect reuses the session
	again, err := b.ConnectToPeer(ctx, a.PeerID())
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if again != session {
		t.Error("second connect built a new session")
	}

	// File transfer B -> A
	payload := make([]byte, 300*1024)
	rand.New(rand.NewSource(7)).Read(payload)
	path := filepath.Join(t.TempDir(), "report.pdf")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	handle, err := b.TransferFile(ctx, path, a.PeerID())
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := handle.Wait(ctx); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	select {
	case got := <-received:
		data, err := os.ReadFile(got)
		if err != nil {
			t.Fatalf("read delivered file: %v", err)
		}
		if !bytes.Equal(data, payload) {
			t.Fatal("delivered file differs")
		}
		if filepath.Base(got) != "report.pdf" {
			t.Errorf("delivered name = %s", filepath.Base(got))
		}
	case <-time.After(10 * time.Second):
		t.Fatal("file never delivered")
	}

	// Media stream B -> A
	source := &sourceOf{frames: [][]byte{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}}
	s, err := b.StartStream(ctx, protocol.StreamKindCamera, a.PeerID(), 50, source)
	if err != nil {
		t.Fatalf("start stream: %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("stream did not finish")
	}
	if err := s.Err(); err != nil {
		t.Fatalf("stream err = %v", err)
	}
	for i := 0; i < 3; i++ {
		select {
		case f := <-frames:
			if len(f.Data) != 3 {
				t.Errorf("frame %d size = %d", i, len(f.Data))
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("frame %d never arrived", i)
		}
	}
}

func TestEngineManualTrustDeniesWithoutApproval(t *testing.T) {
	const portA, portB = 47570, 47580

	cfgA := testConfig(t, portA)
	cfgA.Security.TrustMode = config.TrustManual
	cfgA.Security.ApprovalTimeoutSecs = 1

	denied := make(chan trust.Entry, 1)
	a := startEngine(t, cfgA, Options{
		Approver: func(ctx context.Context, entry trust.Entry) (bool, error) {
			denied <- entry
			return false, nil
		},
	})
	b := startEngine(t, testConfig(t, portB), Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := b.AddPeer(ctx, record(a, portA)); err != nil {
		t.Fatalf("add peer: %v", err)
	}
	if _, err := b.ConnectToPeer(ctx, a.PeerID()); err == nil {
		t.Fatal("connect succeeded against a denying approver")
	}
	select {
	case entry := <-denied:
		if entry.PeerID != b.PeerID() {
			t.Errorf("approver saw peer %s, want %s", entry.PeerID, b.PeerID())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("approver was never consulted")
	}
}

func TestEngineRejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Security.TrustMode = "paranoid"
	if _, err := New(cfg, Options{Logger: quietLogger()}); err == nil {
		t.Fatal("invalid trust mode accepted")
	}

	cfg = config.Default()
	cfg.Networking.ListenPort = -1
	if _, err := New(cfg, Options{Logger: quietLogger()}); err == nil {
		t.Fatal("invalid port accepted")
	}
}
