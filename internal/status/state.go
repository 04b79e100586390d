package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/livesync/internal/bus"
)

// State is the realtime channel's connection state.
type State string

const (
	Disconnected  State = "DISCONNECTED"
	Connecting    State = "CONNECTING"
	Connected     State = "CONNECTED"
	Authenticated State = "AUTHENTICATED"
)

// EventStateChanged is published on the bus after every transition.
const EventStateChanged = "transport.state_changed"

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected:  {Connecting},
	Connecting:    {Connected, Disconnected},
	Connected:     {Authenticated, Disconnected},
	Authenticated: {Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
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
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	m.publish(from, to)
	return nil
}

// Reset forces the machine back to Disconnected from any state. It
// reports whether the state changed.
func (m *Machine) Reset() bool {
	m.mu.Lock()
	from := m.current
	m.current = Disconnected
	m.mu.Unlock()

	if from == Disconnected {
		return false
	}
	m.publish(from, Disconnected)
	return true
}

func (m *Machine) publish(from, to State) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(bus.Event{
		Kind:      EventStateChanged,
		Timestamp: time.Now(),
		Payload:   StatusChange{From: from, To: to},
	})
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
