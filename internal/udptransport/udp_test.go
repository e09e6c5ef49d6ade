package udptransport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loopbackPair(t *testing.T, ctx context.Context) (dialed, accepted *conn) {
	t.Helper()

	lt, err := New("udp4", "127.0.0.1:0", quietLogger())
	if err != nil {
		t.Fatalf("listener: %v", err)
	}
	t.Cleanup(func() { lt.Close() })
	dt, err := New("udp4", "127.0.0.1:0", quietLogger())
	if err != nil {
		t.Fatalf("dialer: %v", err)
	}
	t.Cleanup(func() { dt.Close() })

	dc, err := dt.Dial(ctx, lt.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	ac, err := lt.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return dc.(*conn), ac.(*conn)
}

func TestStreamRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialed, accepted := loopbackPair(t, ctx)

	payload := []byte("datagram stream payload")
	sendErr := make(chan error, 1)
	go func() {
		s, err := dialed.OpenStream(ctx)
		if err != nil {
			sendErr <- err
			return
		}
		_, err = s.Write(payload)
		sendErr <- err
	}()

	rs, err := accepted.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("AcceptStream: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(rs, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("send side: %v", err)
	}
}

func TestCloseDuringIncomingOpens(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dialed, accepted := loopbackPair(t, ctx)

	// Flood stream opens while the receiving side closes underneath them
	opens := make(chan struct{})
	go func() {
		defer close(opens)
		for i := 0; i < 200; i++ {
			if _, err := dialed.OpenStream(ctx); err != nil {
				return
			}
		}
	}()

	accepted.Close()
	<-opens

	// Streams queued before the close drain out; then the closed
	// connection must surface as an error, not a hang or a panic
	for i := 0; ; i++ {
		_, err := accepted.AcceptStream(ctx)
		if errors.Is(err, errConnClosed) {
			break
		}
		if err != nil {
			t.Fatalf("AcceptStream after close err = %v, want errConnClosed", err)
		}
		if i > 200 {
			t.Fatalf("closed connection kept producing streams")
		}
	}
}
