package discovery

import (
	"context"
	"testing"
	"time"
)

func startRegistry(t *testing.T, silence time.Duration) (*Registry, context.CancelFunc) {
	t.Helper()
	reg := NewRegistry(silence)
	ctx, cancel := context.WithCancel(context.Background())
	go reg.Run(ctx)
	return reg, cancel
}

func TestRegistryMergesSightingsByPeerID(t *testing.T) {
	reg, cancel := startRegistry(t, 0)
	defer cancel()

	reg.Post(Sighting{
		PeerID:       "peer1",
		DeviceName:   "laptop",
		Addr:         "192.168.1.10:47200",
		Capabilities: []string{"quic"},
		Method:       MethodMDNS,
	})
	reg.Post(Sighting{
		PeerID:       "peer1",
		Addr:         "192.168.1.10:47200", // duplicate address
		Capabilities: []string{"quic", "websocket"},
		Method:       MethodUDP,
	})
	reg.Post(Sighting{
		PeerID:       "peer1",
		Addr:         "10.0.0.3:47200",
		Capabilities: []string{"webrtc"},
		Method:       MethodMDNS, // duplicate method
	})

	peers := reg.Snapshot(context.Background())
	if len(peers) != 1 {
		t.Fatalf("peer count = %d, want 1", len(peers))
	}

	rec := peers[0]
	if rec.DisplayName != "laptop" {
		t.Errorf("DisplayName = %q", rec.DisplayName)
	}
	if len(rec.Addresses) != 2 {
		t.Errorf("Addresses = %v, want union of 2", rec.Addresses)
	}
	if len(rec.Capabilities) != 3 {
		t.Errorf("Capabilities = %v, want union of 3", rec.Capabilities)
	}
	if len(rec.Methods) != 2 {
		t.Errorf("Methods = %v, want [mdns udp]", rec.Methods)
	}
	if rec.LastSeen.IsZero() {
		t.Errorf("LastSeen not set")
	}
}

func TestRegistryDistinctPeers(t *testing.T) {
	reg, cancel := startRegistry(t, 0)
	defer cancel()

	reg.Post(Sighting{PeerID: "a", Method: MethodMDNS})
	reg.Post(Sighting{PeerID: "b", Method: MethodUDP})
	reg.Post(Sighting{PeerID: "c", Method: MethodMDNS})

	peers := reg.Snapshot(context.Background())
	if len(peers) != 3 {
		t.Fatalf("peer count = %d, want 3", len(peers))
	}
	// Snapshot is sorted by peer ID
	if peers[0].PeerID != "a" || peers[2].PeerID != "c" {
		t.Fatalf("snapshot not sorted: %+v", peers)
	}
}

func TestRegistryIgnoresEmptyPeerID(t *testing.T) {
	reg, cancel := startRegistry(t, 0)
	defer cancel()

	reg.Post(Sighting{PeerID: "", Addr: "1.2.3.4:1", Method: MethodUDP})

	if peers := reg.Snapshot(context.Background()); len(peers) != 0 {
		t.Fatalf("peer count = %d, want 0", len(peers))
	}
}

func TestRegistryEvictsSilentPeers(t *testing.T) {
	reg, cancel := startRegistry(t, 40*time.Millisecond)
	defer cancel()

	reg.Post(Sighting{PeerID: "fading", Method: MethodMDNS})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(reg.Snapshot(context.Background())) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("silent peer was not evicted")
}

func TestRegistrySubscribeSeesUpdates(t *testing.T) {
	reg, cancel := startRegistry(t, 0)
	defer cancel()

	ctx := context.Background()
	updates, stop := reg.Subscribe(ctx)
	defer stop()

	reg.Post(Sighting{PeerID: "live", DeviceName: "phone", Method: MethodMDNS})
	select {
	case rec := <-updates:
		if rec.PeerID != "live" || rec.DisplayName != "phone" {
			t.Fatalf("update = %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}

	stop()
	reg.Post(Sighting{PeerID: "after", Method: MethodUDP})
	// The registry processes commands in order, so once a snapshot shows
	// the post, an update would already have been delivered
	if len(reg.Snapshot(ctx)) != 2 {
		t.Fatal("post after unsubscribe lost")
	}
	select {
	case rec := <-updates:
		t.Fatalf("update after unsubscribe: %+v", rec)
	default:
	}
}

func TestRegistryRemove(t *testing.T) {
	reg, cancel := startRegistry(t, 0)
	defer cancel()

	reg.Post(Sighting{PeerID: "gone", Method: MethodUDP})
	if !reg.Remove(context.Background(), "gone") {
		t.Fatalf("Remove(gone) = false, want true")
	}
	if reg.Remove(context.Background(), "gone") {
		t.Fatalf("second Remove(gone) = true, want false")
	}
}
