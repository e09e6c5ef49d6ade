package discovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nearwire/nearwire/pkg/protocol"
)

// fakeAdapter feeds a fixed set of sightings, or fails, depending on how
// the test configures it.
type fakeAdapter struct {
	name      Method
	sightings []Sighting
	scanErr   error
}

func (f *fakeAdapter) Name() Method { return f.name }

func (f *fakeAdapter) Announce(ctx context.Context, beacon protocol.Beacon) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeAdapter) Scan(ctx context.Context, out chan<- Sighting) error {
	if f.scanErr != nil {
		return f.scanErr
	}
	for _, s := range f.sightings {
		select {
		case out <- s:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startService(t *testing.T, adapters []Adapter, beacon protocol.Beacon) *Service {
	t.Helper()
	svc := NewService(adapters, NewRegistry(0), beacon, quietLogger())
	svc.Start(context.Background())
	t.Cleanup(svc.Stop)
	return svc
}

func waitForPeers(t *testing.T, svc *Service, want int) []PeerRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		peers := svc.Peers(context.Background())
		if len(peers) >= want {
			return peers
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d peers, have %d", want, len(svc.Peers(context.Background())))
	return nil
}

func TestServiceMergesAcrossAdapters(t *testing.T) {
	adapters := []Adapter{
		&fakeAdapter{name: MethodMDNS, sightings: []Sighting{
			{PeerID: "peer1", DeviceName: "tablet", Addr: "192.168.1.20:47200", Capabilities: []string{"quic"}, Method: MethodMDNS},
		}},
		&fakeAdapter{name: MethodUDP, sightings: []Sighting{
			{PeerID: "peer1", Addr: "192.168.1.20:47200", Capabilities: []string{"websocket"}, Method: MethodUDP},
		}},
	}
	svc := startService(t, adapters, protocol.Beacon{PeerID: "self"})

	peers := waitForPeers(t, svc, 1)

	deadline := time.Now().Add(2 * time.Second)
	for {
		peers = svc.Peers(context.Background())
		if len(peers) == 1 && len(peers[0].Methods) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sightings not merged: %+v", peers)
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec := peers[0]
	if rec.PeerID != "peer1" || rec.DisplayName != "tablet" {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.Addresses) != 1 {
		t.Errorf("Addresses = %v, want de-duplicated single address", rec.Addresses)
	}
	if len(rec.Capabilities) != 2 {
		t.Errorf("Capabilities = %v, want union of 2", rec.Capabilities)
	}
}

func TestServiceSurvivesFailingAdapter(t *testing.T) {
	adapters := []Adapter{
		&fakeAdapter{name: MethodBluetooth, scanErr: fmt.Errorf("%w: no radio", ErrAdapterUnavailable)},
		&fakeAdapter{name: MethodMDNS, sightings: []Sighting{
			{PeerID: "survivor", Method: MethodMDNS},
		}},
	}
	svc := startService(t, adapters, protocol.Beacon{PeerID: "self"})

	peers := waitForPeers(t, svc, 1)
	if peers[0].PeerID != "survivor" {
		t.Fatalf("peers = %+v", peers)
	}
}

func TestServiceFiltersOwnBeacon(t *testing.T) {
	adapters := []Adapter{
		&fakeAdapter{name: MethodUDP, sightings: []Sighting{
			{PeerID: "self", Method: MethodUDP},
			{PeerID: "other", Method: MethodUDP},
		}},
	}
	svc := startService(t, adapters, protocol.Beacon{PeerID: "self"})

	peers := waitForPeers(t, svc, 1)
	for _, rec := range peers {
		if rec.PeerID == "self" {
			t.Fatalf("own beacon surfaced as a peer: %+v", peers)
		}
	}
}

func TestServiceDiscoverWaitsForWindow(t *testing.T) {
	adapters := []Adapter{
		&fakeAdapter{name: MethodMDNS, sightings: []Sighting{
			{PeerID: "peer1", Method: MethodMDNS},
		}},
	}
	svc := startService(t, adapters, protocol.Beacon{PeerID: "self"})

	peers, err := svc.Discover(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("peer count = %d, want 1", len(peers))
	}
}

func TestServiceDiscoverBeforeStart(t *testing.T) {
	svc := NewService(nil, NewRegistry(0), protocol.Beacon{PeerID: "self"}, quietLogger())
	if _, err := svc.Discover(context.Background(), 0); err == nil {
		t.Fatalf("Discover on stopped service did not fail")
	}
}

func TestServiceLookup(t *testing.T) {
	adapters := []Adapter{
		&fakeAdapter{name: MethodUDP, sightings: []Sighting{
			{PeerID: "known", DeviceName: "phone", Method: MethodUDP},
		}},
	}
	svc := startService(t, adapters, protocol.Beacon{PeerID: "self"})
	waitForPeers(t, svc, 1)

	rec, ok := svc.Lookup(context.Background(), "known")
	if !ok || rec.DisplayName != "phone" {
		t.Fatalf("Lookup(known) = %+v, %v", rec, ok)
	}
	if _, ok := svc.Lookup(context.Background(), "missing"); ok {
		t.Fatalf("Lookup(missing) = true")
	}
}
