package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection wraps failures to open a downstream leg.
	ErrConnection = errors.New("bridge: connection failed")

	// ErrDuplicateSession is returned by Registry.Create when the call id
	// already maps to a session that has not reached Closed.
	ErrDuplicateSession = errors.New("bridge: duplicate session")

	// ErrNotFound is returned when no session is registered for a call id.
	ErrNotFound = errors.New("bridge: session not found")

	// ErrDraining is returned by Registry.Create once the server is shutting
	// down.
	ErrDraining = errors.New("bridge: registry draining")

	// ErrInvalidTransition is returned when a state change is not allowed
	// from the session's current state.
	ErrInvalidTransition = errors.New("bridge: invalid state transition")
)

// State is the lifecycle state of a call session.
type State int32

const (
	Idle State = iota
	Connecting
	Active
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// transitions lists the allowed successors of each state. Closed has none.
var transitions = map[State][]State{
	Idle:       {Connecting},
	Connecting: {Active, Closed},
	Active:     {Draining},
	Draining:   {Closed},
}

// CanTransition reports whether a session may move from one state to the
// other.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
