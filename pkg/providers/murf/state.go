package murf

import (
	"sync"
	"time"
)

// State is the lifecycle state of an upstream stream.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

var validTransitions = map[State][]State{
	StateConnecting: {StateOpen, StateClosed, StateErrored},
	StateOpen:       {StateClosed, StateErrored},
}

// StateChange represents a state transition event.
type StateChange struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

type stateMachine struct {
	mu       sync.RWMutex
	current  State
	onChange func(StateChange)
}

func newStateMachine(onChange func(StateChange)) *stateMachine {
	return &stateMachine{current: StateConnecting, onChange: onChange}
}

func (m *stateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation. Listeners run outside the lock.
func (m *stateMachine) Transition(to State, reason string) error {
	m.mu.Lock()
	from := m.current
	if !transitionValid(from, to) {
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	m.current = to
	onChange := m.onChange
	m.mu.Unlock()

	if onChange != nil {
		onChange(StateChange{From: from, To: to, Timestamp: time.Now(), Reason: reason})
	}
	return nil
}
