// Package trust decides which peers may connect and remembers past
// decisions. Policy evaluation is driven by the configured trust mode;
// a denylist entry overrides every mode.
package trust

import (
	"context"
	"errors"
	"time"
)

// State is a peer's trust state.
type State string

const (
	StateUnknown State = "unknown"
	StatePending State = "pending"
	StateTrusted State = "trusted"
	StateBlocked State = "blocked"
)

// Decision is the outcome of evaluating a peer against the trust policy.
type Decision int

const (
	// Deny rejects the peer outright.
	Deny Decision = iota
	// Allow admits the peer without interaction.
	Allow
	// RequireApproval admits the peer only after explicit user approval.
	RequireApproval
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case RequireApproval:
		return "require_approval"
	default:
		return "deny"
	}
}

// Entry is a remembered peer in the trust store.
type Entry struct {
	PeerID      string
	DeviceName  string
	Fingerprint string
	State       State
	FirstSeen   time.Time
	LastSeen    time.Time
}

// Store persists trust entries.
type Store interface {
	// Get returns the entry for a peer, or ErrNotFound.
	Get(peerID string) (Entry, error)
	// Put inserts or replaces an entry.
	Put(entry Entry) error
	// List returns all entries.
	List() ([]Entry, error)
	// Close releases store resources.
	Close() error
}

// Approver solicits a manual trust decision for a peer. Implementations are
// supplied by the caller (CLI prompt, UI dialog); the engine only awaits the
// answer. The context carries the approval deadline.
type Approver func(ctx context.Context, entry Entry) (bool, error)

var (
	// ErrNotFound indicates the peer has no trust entry.
	ErrNotFound = errors.New("trust: peer not found")
	// ErrTrustDenied indicates the peer is blocked or not allowlisted.
	ErrTrustDenied = errors.New("trust denied")
	// ErrApprovalTimeout indicates no manual approval arrived in time.
	ErrApprovalTimeout = errors.New("approval timed out")
)
