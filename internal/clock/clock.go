// Package clock abstracts wall time so that inactivity, heartbeat and
// reconnection timers can be driven deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package the sync components use.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc waits for d, then calls f. The returned Timer cancels
	// the pending call. Real clocks call f on its own goroutine; the
	// fake clock calls it synchronously from Advance.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a cancellable pending callback.
type Timer struct {
	stop func() bool
}

// Stop prevents the callback from firing. Returns false if it already
// fired or was already stopped. Safe on a nil Timer.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}
