package trust

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestEvaluateOpenMode(t *testing.T) {
	m := NewManager(ManagerConfig{Mode: ModeOpen})

	if got := m.Evaluate("stranger"); got != Allow {
		t.Fatalf("Evaluate(stranger) = %v, want Allow", got)
	}
}

func TestEvaluateBlockedOverridesMode(t *testing.T) {
	for _, mode := range []Mode{ModeOpen, ModeManual, ModeAllowlistOnly} {
		m := NewManager(ManagerConfig{Mode: mode})
		if err := m.Block("badpeer"); err != nil {
			t.Fatalf("Block: %v", err)
		}
		if got := m.Evaluate("badpeer"); got != Deny {
			t.Fatalf("mode %s: Evaluate(blocked) = %v, want Deny", mode, got)
		}
	}
}

func TestEvaluateAllowlistOnly(t *testing.T) {
	m := NewManager(ManagerConfig{Mode: ModeAllowlistOnly})

	if got := m.Evaluate("stranger"); got != Deny {
		t.Fatalf("Evaluate(stranger) = %v, want Deny", got)
	}

	if err := m.Trust("friend", "laptop", "fp"); err != nil {
		t.Fatalf("Trust: %v", err)
	}
	if got := m.Evaluate("friend"); got != Allow {
		t.Fatalf("Evaluate(friend) = %v, want Allow", got)
	}
}

func TestAuthorizeAllowlistDenies(t *testing.T) {
	m := NewManager(ManagerConfig{Mode: ModeAllowlistOnly})

	err := m.Authorize(context.Background(), "stranger", "laptop", "fp")
	if !errors.Is(err, ErrTrustDenied) {
		t.Fatalf("Authorize = %v, want ErrTrustDenied", err)
	}
}

func TestManualApprovalFlow(t *testing.T) {
	approved := false
	m := NewManager(ManagerConfig{
		Mode: ModeManual,
		Approver: func(ctx context.Context, entry Entry) (bool, error) {
			approved = true
			if entry.PeerID != "newpeer" {
				t.Errorf("approver saw peer %q", entry.PeerID)
			}
			return true, nil
		},
	})

	if err := m.Authorize(context.Background(), "newpeer", "phone", "fp"); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !approved {
		t.Fatalf("approver was not invoked")
	}

	// Once approved, the peer is trusted and no further approval is needed
	if got := m.Evaluate("newpeer"); got != Allow {
		t.Fatalf("Evaluate after approval = %v, want Allow", got)
	}
}

func TestManualRejection(t *testing.T) {
	m := NewManager(ManagerConfig{
		Mode: ModeManual,
		Approver: func(ctx context.Context, entry Entry) (bool, error) {
			return false, nil
		},
	})

	err := m.Authorize(context.Background(), "newpeer", "phone", "fp")
	if !errors.Is(err, ErrTrustDenied) {
		t.Fatalf("Authorize = %v, want ErrTrustDenied", err)
	}
}

func TestManualApprovalTimeout(t *testing.T) {
	m := NewManager(ManagerConfig{
		Mode:            ModeManual,
		ApprovalTimeout: 20 * time.Millisecond,
		Approver: func(ctx context.Context, entry Entry) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		},
	})

	err := m.Authorize(context.Background(), "slowpeer", "phone", "fp")
	if !errors.Is(err, ErrApprovalTimeout) {
		t.Fatalf("Authorize = %v, want ErrApprovalTimeout", err)
	}
}

func TestManualWithoutApproverDenies(t *testing.T) {
	m := NewManager(ManagerConfig{Mode: ModeManual})

	err := m.Authorize(context.Background(), "peer", "phone", "fp")
	if !errors.Is(err, ErrTrustDenied) {
		t.Fatalf("Authorize = %v, want ErrTrustDenied", err)
	}
}

func TestParseMode(t *testing.T) {
	for _, valid := range []string{"open", "manual", "allowlist_only"} {
		if _, err := ParseMode(valid); err != nil {
			t.Errorf("ParseMode(%q) = %v", valid, err)
		}
	}
	if _, err := ParseMode("friendly"); err == nil {
		t.Errorf("ParseMode(friendly) should fail")
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trust.db")

	store, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}

	entry := Entry{
		PeerID:      "peer1",
		DeviceName:  "laptop",
		Fingerprint: "abcd",
		State:       StateTrusted,
		FirstSeen:   time.Now().Truncate(time.Millisecond),
		LastSeen:    time.Now().Truncate(time.Millisecond),
	}
	if err := store.Put(entry); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get("peer1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != StateTrusted || got.DeviceName != "laptop" {
		t.Fatalf("entry mismatch: %+v", got)
	}

	// Upsert keeps first_seen
	entry.DeviceName = "renamed"
	entry.LastSeen = entry.LastSeen.Add(time.Minute)
	if err := store.Put(entry); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	got2, err := store.Get("peer1")
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if got2.DeviceName != "renamed" {
		t.Fatalf("device name not updated: %+v", got2)
	}
	if !got2.FirstSeen.Equal(got.FirstSeen) {
		t.Fatalf("first_seen changed on upsert")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen and confirm persistence
	store2, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()

	entries, err := store2.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].PeerID != "peer1" {
		t.Fatalf("persisted entries = %+v", entries)
	}

	if _, err := store2.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}
}
