// Package handshake mediates short-lived two-party negotiations (duel challenges,
// game invites) between connections.
package handshake

import (
	"fmt"
	"time"
)

// State is the lifecycle phase of a Session. Pending is the only non-terminal state.
type State int

const (
	StatePending State = iota
	StateAccepted
	StateCancelled
	StateTimedOut
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAccepted:
		return "accepted"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	return s != StatePending
}

// next validates the transition s → to.
//
// Postcondition: Returns to, or ErrInvalidState unless s is Pending and to is terminal.
func (s State) next(to State) (State, error) {
	if s != StatePending || !to.Terminal() {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidState, s, to)
	}
	return to, nil
}

// Reason explains why a session was cancelled.
type Reason string

const (
	ReasonCancelled    Reason = "cancelled"
	ReasonRefused      Reason = "refused"
	ReasonDisconnected Reason = "disconnected"
	ReasonTimeout      Reason = "timeout"
)

// Session is a point-in-time copy of one negotiation.
type Session struct {
	ID                   string
	Kind                 string
	InitiatorConnID      string
	ResponderConnID      string
	InitiatorIdentityRef string
	ResponderIdentityRef string
	State                State
	CreatedAt            time.Time
	Deadline             time.Time
}

// Involves reports whether connID is either party of s.
func (s Session) Involves(connID string) bool {
	return s.InitiatorConnID == connID || s.ResponderConnID == connID
}

// Other returns the counterpart of connID.
//
// Precondition: s.Involves(connID).
func (s Session) Other(connID string) string {
	if s.InitiatorConnID == connID {
		return s.ResponderConnID
	}
	return s.InitiatorConnID
}
