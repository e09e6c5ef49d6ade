// Package conn establishes and maintains authenticated peer sessions.
// A connection walks an explicit state machine from first sighting to an
// established session; every transition is validated, so an illegal hop
// is a bug surfaced immediately rather than a silent inconsistency.
package conn

import (
	"errors"
	"fmt"
)

// State is a connection lifecycle state.
type State int

const (
	StateDiscovered State = iota
	StateEvaluating
	StateApproving
	StateHandshaking
	StateEstablished
	StateRejected
	StateFailed
	StateClosing
	StateClosed
)

var stateNames = map[State]string{
	StateDiscovered:  "discovered",
	StateEvaluating:  "evaluating",
	StateApproving:   "approving",
	StateHandshaking: "handshaking",
	StateEstablished: "established",
	StateRejected:    "rejected",
	StateFailed:      "failed",
	StateClosing:     "closing",
	StateClosed:      "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transitions can leave this state.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateFailed, StateClosed:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateDiscovered:  {StateEvaluating},
	StateEvaluating:  {StateApproving, StateHandshaking, StateRejected, StateFailed},
	StateApproving:   {StateHandshaking, StateRejected, StateFailed},
	StateHandshaking: {StateEstablished, StateFailed},
	StateEstablished: {StateClosing, StateFailed},
	StateClosing:     {StateClosed},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// checkTransition returns errBadTransition for an illegal lifecycle step.
func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", errBadTransition, from, to)
	}
	return nil
}

// Package errors surfaced by connection establishment and sessions.
var (
	// ErrConnectionFailed means every candidate transport was exhausted.
	ErrConnectionFailed = errors.New("connection failed on all transports")

	// ErrHandshakeFailed means key exchange or identity proof failed.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrSessionLost means the session dropped underneath an operation.
	ErrSessionLost = errors.New("session lost")

	// ErrSessionClosed means the session was shut down deliberately.
	ErrSessionClosed = errors.New("session closed")

	errBadTransition = errors.New("illegal state transition")
)
