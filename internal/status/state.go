package status

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/foundxnet/chatkit/internal/bus"
)

// ErrInvalidTransition is wrapped by every Transition rejection. Callers can
// use it to tell "someone else owns this state" apart from real failures.
var ErrInvalidTransition = errors.New("invalid transition")

// State represents a connection lifecycle state.
type State string

const (
	Idle         State = "IDLE"
	Connecting   State = "CONNECTING"
	Joining      State = "JOINING"
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
	Closed       State = "CLOSED"
)

// validTransitions defines allowed state transitions. Joining sits between a
// successful dial and Ready: previously joined rooms are re-joined there
// before the channel is declared usable again. Closed is terminal.
var validTransitions = map[State][]State{
	Idle:         {Connecting, Closed},
	Connecting:   {Joining, Reconnecting, Closed},
	Joining:      {Ready, Reconnecting, Closed},
	Ready:        {Reconnecting, Closed},
	Reconnecting: {Connecting, Closed},
	Closed:       {},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("%w from %s to %s", ErrInvalidTransition, m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "conn.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
