package bus

import (
	"fmt"
	"time"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Listener handles one event synchronously. A returned error or a panic
// is recorded against the listener and does not stop delivery.
type Listener func(Event) error

// ListenerError reports the failure of a single listener.
type ListenerError struct {
	Kind string
	ID   int
	Err  error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener %d for %q: %v", e.ID, e.Kind, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }
