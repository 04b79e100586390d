package tui

import (
	"sync"
	"time"

	"github.com/matheus3301/livesync/internal/clock"
)

// activityReporter forwards user input to the daemon at most once per
// interval. The daemon's inactivity window is much longer than interval,
// so dropped reports never let presence lapse.
type activityReporter struct {
	clock    clock.Clock
	interval time.Duration
	send     func(kind string)

	mu   sync.Mutex
	last time.Time
}

func newActivityReporter(c clock.Clock, interval time.Duration, send func(kind string)) *activityReporter {
	return &activityReporter{clock: c, interval: interval, send: send}
}

// Report records an interaction of the given kind.
func (r *activityReporter) Report(kind string) {
	now := r.clock.Now()
	r.mu.Lock()
	if !r.last.IsZero() && now.Sub(r.last) < r.interval {
		r.mu.Unlock()
		return
	}
	r.last = now
	r.mu.Unlock()
	r.send(kind)
}
