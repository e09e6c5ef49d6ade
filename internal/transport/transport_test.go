package transport

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/nearwire/nearwire/pkg/protocol"
)

func TestRegistryOrdersByPriority(t *testing.T) {
	mk := func(kind protocol.Transport) *MockTransport {
		m, _ := NewMockPair()
		m.SetKind(kind)
		return m
	}

	reg := NewRegistry(
		mk(protocol.TransportUDP),
		mk(protocol.TransportWebSocket),
		mk(protocol.TransportQUIC),
		mk(protocol.TransportWebRTC),
	)

	want := []protocol.Transport{
		protocol.TransportQUIC,
		protocol.TransportWebRTC,
		protocol.TransportWebSocket,
		protocol.TransportUDP,
	}
	all := reg.All()
	if len(all) != len(want) {
		t.Fatalf("transport count = %d, want %d", len(all), len(want))
	}
	for i, tr := range all {
		if tr.Kind() != want[i] {
			t.Errorf("position %d = %s, want %s", i, tr.Kind(), want[i])
		}
	}
}

func TestRegistryGetAndKinds(t *testing.T) {
	quic, _ := NewMockPair()
	ws, _ := NewMockPair()
	ws.SetKind(protocol.TransportWebSocket)

	reg := NewRegistry(ws, quic, nil)

	if _, ok := reg.Get(protocol.TransportQUIC); !ok {
		t.Fatalf("Get(quic) not found")
	}
	if _, ok := reg.Get(protocol.TransportWebRTC); ok {
		t.Fatalf("Get(webrtc) found, want missing")
	}

	kinds := reg.Kinds()
	if len(kinds) != 2 || kinds[0] != "quic" || kinds[1] != "websocket" {
		t.Fatalf("Kinds() = %v", kinds)
	}
}

func TestMockPairStreamRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	a, b := NewMockPair()
	defer a.Close()
	defer b.Close()

	dialed, err := a.Dial(ctx, "peer-b")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	accepted, err := b.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	payload := []byte("hello over mock transport")
	go func() {
		s, err := dialed.OpenStream(ctx)
		if err != nil {
			return
		}
		s.Write(payload)
		s.Close()
	}()

	s, err := accepted.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("AcceptStream: %v", err)
	}
	got, err := io.ReadAll(s)
	if err != nil && err != io.EOF {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
}

func TestMockTransportClosedDialFails(t *testing.T) {
	a, _ := NewMockPair()
	a.Close()
	if _, err := a.Dial(context.Background(), "peer-b"); err == nil {
		t.Fatalf("Dial on closed transport did not fail")
	}
}
