package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Mode selects the trust policy.
type Mode string

const (
	// ModeOpen allows every peer.
	ModeOpen Mode = "open"
	// ModeManual requires explicit approval before a peer's first connection.
	ModeManual Mode = "manual"
	// ModeAllowlistOnly allows only peers already marked trusted.
	ModeAllowlistOnly Mode = "allowlist_only"
)

// ParseMode validates a mode string from configuration.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeOpen, ModeManual, ModeAllowlistOnly:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown trust mode %q", s)
}

// ManagerConfig configures a trust Manager.
type ManagerConfig struct {
	Mode            Mode
	Store           Store
	Approver        Approver
	ApprovalTimeout time.Duration
	Logger          *slog.Logger
}

// Manager evaluates peers against the trust policy and records outcomes.
type Manager struct {
	mode            Mode
	store           Store
	approver        Approver
	approvalTimeout time.Duration
	logger          *slog.Logger
}

// NewManager creates a trust manager. A nil Store falls back to an
// in-memory store.
func NewManager(cfg ManagerConfig) *Manager {
	store := cfg.Store
	if store == nil {
		store = NewMemStore()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ApprovalTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeOpen
	}
	return &Manager{
		mode:            mode,
		store:           store,
		approver:        cfg.Approver,
		approvalTimeout: timeout,
		logger:          logger,
	}
}

// Mode returns the configured trust mode.
func (m *Manager) Mode() Mode {
	return m.mode
}

// Evaluate returns the policy decision for a peer. Blocked peers are denied
// regardless of mode.
func (m *Manager) Evaluate(peerID string) Decision {
	entry, err := m.store.Get(peerID)
	if err == nil && entry.State == StateBlocked {
		return Deny
	}

	switch m.mode {
	case ModeOpen:
		return Allow
	case ModeAllowlistOnly:
		if err == nil && entry.State == StateTrusted {
			return Allow
		}
		return Deny
	case ModeManual:
		if err == nil && entry.State == StateTrusted {
			return Allow
		}
		return RequireApproval
	}
	return Deny
}

// Authorize runs the full trust flow for a connecting peer: evaluate the
// policy, solicit approval when required, and record the outcome. Returns
// nil when the peer may proceed to handshake.
func (m *Manager) Authorize(ctx context.Context, peerID, deviceName, fingerprint string) error {
	entry := m.observed(peerID, deviceName, fingerprint)

	switch m.Evaluate(peerID) {
	case Allow:
		return nil
	case Deny:
		m.logger.Info("peer denied by trust policy", "peer_id", peerID, "mode", string(m.mode))
		return ErrTrustDenied
	case RequireApproval:
		return m.awaitApproval(ctx, entry)
	}
	return ErrTrustDenied
}

func (m *Manager) awaitApproval(ctx context.Context, entry Entry) error {
	if m.approver == nil {
		m.logger.Warn("manual trust mode without an approver, denying", "peer_id", entry.PeerID)
		return ErrTrustDenied
	}

	approveCtx, cancel := context.WithTimeout(ctx, m.approvalTimeout)
	defer cancel()

	approved, err := m.approver(approveCtx, entry)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrApprovalTimeout
		}
		return fmt.Errorf("trust approval: %w", err)
	}
	if approveCtx.Err() != nil && !approved {
		return ErrApprovalTimeout
	}
	if !approved {
		m.logger.Info("peer rejected by user", "peer_id", entry.PeerID)
		return ErrTrustDenied
	}

	entry.State = StateTrusted
	if err := m.store.Put(entry); err != nil {
		m.logger.Warn("failed to persist trust approval", "peer_id", entry.PeerID, "error", err)
	}
	return nil
}

// Trust marks a peer as trusted (allowlist entry).
func (m *Manager) Trust(peerID, deviceName, fingerprint string) error {
	entry := m.observed(peerID, deviceName, fingerprint)
	entry.State = StateTrusted
	return m.store.Put(entry)
}

// Block denylists a peer. Blocked peers are denied in every mode.
func (m *Manager) Block(peerID string) error {
	entry, err := m.store.Get(peerID)
	if errors.Is(err, ErrNotFound) {
		entry = Entry{PeerID: peerID, FirstSeen: time.Now(), LastSeen: time.Now()}
	} else if err != nil {
		return err
	}
	entry.State = StateBlocked
	return m.store.Put(entry)
}

// StateOf returns the stored trust state of a peer.
func (m *Manager) StateOf(peerID string) State {
	entry, err := m.store.Get(peerID)
	if err != nil {
		return StateUnknown
	}
	return entry.State
}

// observed refreshes the stored entry for a sighted peer without changing
// its trust state.
func (m *Manager) observed(peerID, deviceName, fingerprint string) Entry {
	now := time.Now()
	entry, err := m.store.Get(peerID)
	if errors.Is(err, ErrNotFound) {
		entry = Entry{
			PeerID:      peerID,
			DeviceName:  deviceName,
			Fingerprint: fingerprint,
			State:       StatePending,
			FirstSeen:   now,
		}
	}
	if deviceName != "" {
		entry.DeviceName = deviceName
	}
	if fingerprint != "" {
		entry.Fingerprint = fingerprint
	}
	entry.LastSeen = now
	if err := m.store.Put(entry); err != nil {
		m.logger.Warn("failed to record peer sighting", "peer_id", peerID, "error", err)
	}
	return entry
}
