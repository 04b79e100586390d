// Package presence derives whether the local user is actively present
// from interaction, visibility and channel connectivity, keeps the
// server informed with heartbeats, and reports status transitions.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/livesync/internal/bus"
	"github.com/matheus3301/livesync/internal/clock"
	"github.com/matheus3301/livesync/internal/credential"
	"github.com/matheus3301/livesync/internal/model"
	"github.com/matheus3301/livesync/internal/status"
	"github.com/matheus3301/livesync/internal/transport"
	"go.uber.org/zap"
)

// Status is the local user's presence.
type Status string

const (
	Online  Status = "online"
	Offline Status = "offline"
)

// EventStatusChanged is published on the application bus with a Status
// payload.
const EventStatusChanged = "presence.status_changed"

const statusKind = "status"

// ErrConnectTimeout is returned by Connect when the channel does not
// authenticate in time.
var ErrConnectTimeout = errors.New("presence: connect timed out")

// Transport is the realtime channel the tracker rides on.
type Transport interface {
	Connect(ctx context.Context) error
	Emit(event string, data any) error
	On(event string, fn bus.Listener) func()
	State() status.State
}

// StatusAPI is the presence REST surface.
type StatusAPI interface {
	SetOnline(ctx context.Context) error
	SetOffline(ctx context.Context) error
	CheckStatus(ctx context.Context, userID model.ID) (*model.UserStatus, error)
}

// Options configures the tracker's timers.
type Options struct {
	Inactivity     time.Duration
	Heartbeat      time.Duration
	ConnectTimeout time.Duration
	NoticeTimeout  time.Duration
}

// DefaultOptions returns the standard presence timings.
func DefaultOptions() Options {
	return Options{
		Inactivity:     30 * time.Second,
		Heartbeat:      60 * time.Second,
		ConnectTimeout: 10 * time.Second,
		NoticeTimeout:  5 * time.Second,
	}
}

// Tracker owns the presence state machine. Initial status is Offline.
type Tracker struct {
	opts      Options
	transport Transport
	api       StatusAPI
	creds     credential.Source
	clock     clock.Clock
	log       *zap.Logger
	appBus    *bus.Bus
	listeners *bus.Bus

	mu           sync.Mutex
	status       Status
	visible      bool
	connected    bool
	lastActivity time.Time
	gen          uint64
	idle         *clock.Timer
	heartbeat    *clock.Timer
	unsubs       []func()

	notices    sync.WaitGroup
	noticeDone chan struct{}
}

// New creates an Offline tracker. appBus may be nil.
func New(opts Options, tr Transport, api StatusAPI, creds credential.Source, clk clock.Clock, appBus *bus.Bus, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	def := DefaultOptions()
	if opts.Inactivity <= 0 {
		opts.Inactivity = def.Inactivity
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = def.Heartbeat
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.NoticeTimeout <= 0 {
		opts.NoticeTimeout = def.NoticeTimeout
	}
	log = log.Named("presence")
	return &Tracker{
		opts:      opts,
		transport: tr,
		api:       api,
		creds:     creds,
		clock:     clk,
		log:       log,
		appBus:    appBus,
		listeners: bus.New(log),
		status:    Offline,
		visible:   true,
	}
}

// Status returns the current presence.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Connect subscribes to the channel's lifecycle, connects it and waits
// until it is authenticated. It fails on a missing credential, an
// authentication rejection, a connection error or after ConnectTimeout.
func (t *Tracker) Connect(ctx context.Context) error {
	if _, ok := t.creds.Current(); !ok {
		return credential.ErrInvalid
	}

	t.mu.Lock()
	if t.unsubs == nil {
		t.unsubs = []func(){
			t.transport.On(transport.EventAuthenticated, func(bus.Event) error {
				t.channelUp()
				return nil
			}),
			t.transport.On(transport.EventDisconnected, func(bus.Event) error {
				t.channelDown()
				return nil
			}),
		}
	}
	t.mu.Unlock()

	ready := make(chan struct{}, 1)
	failed := make(chan error, 1)
	fail := func(err error) {
		select {
		case failed <- err:
		default:
		}
	}
	offs := []func(){
		t.transport.On(transport.EventAuthenticated, func(bus.Event) error {
			select {
			case ready <- struct{}{}:
			default:
			}
			return nil
		}),
		t.transport.On(transport.EventAuthError, func(bus.Event) error {
			fail(transport.ErrAuthRejected)
			return nil
		}),
		t.transport.On(transport.EventConnectionError, func(e bus.Event) error {
			err, _ := e.Payload.(error)
			if err == nil {
				err = errors.New("connection error")
			}
			fail(err)
			return nil
		}),
	}
	defer func() {
		for _, off := range offs {
			off()
		}
	}()

	// Checked only once ready is registered, so an authentication in
	// between is not missed.
	if t.transport.State() == status.Authenticated {
		t.channelUp()
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	if err := t.transport.Connect(ctx); err != nil {
		return fmt.Errorf("presence: connect: %w", err)
	}
	select {
	case <-ready:
		return nil
	case err := <-failed:
		return fmt.Errorf("presence: connect: %w", err)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrConnectTimeout
		}
		return ctx.Err()
	}
}

// Disconnect forces Offline, drops the channel subscriptions and removes
// every status listener.
func (t *Tracker) Disconnect() {
	t.mu.Lock()
	unsubs := t.unsubs
	t.unsubs = nil
	t.connected = false
	changed := t.transition(Offline)
	t.mu.Unlock()

	for _, off := range unsubs {
		off()
	}
	if changed {
		t.announce(Offline)
	}
	t.listeners.Reset()
}

// Interact records a user interaction (pointer, key, scroll, touch,
// click). It brings the user Online when visible and connected.
func (t *Tracker) Interact(kind string) {
	t.mu.Lock()
	t.lastActivity = t.clock.Now()
	changed := false
	if t.visible && t.connected && t.status == Offline {
		changed = t.transition(Online)
	}
	t.mu.Unlock()

	if changed {
		t.log.Debug("active", zap.String("interaction", kind))
		t.announce(Online)
	}
}

// SetVisible reports document visibility. Hiding forces Offline; showing
// again waits for the next interaction.
func (t *Tracker) SetVisible(visible bool) {
	t.mu.Lock()
	t.visible = visible
	changed := false
	if !visible {
		changed = t.transition(Offline)
	}
	t.mu.Unlock()

	if changed {
		t.announce(Offline)
	}
}

// Unload forces Offline without waiting for the server.
func (t *Tracker) Unload() {
	t.mu.Lock()
	t.visible = false
	changed := t.transition(Offline)
	t.mu.Unlock()

	if changed {
		t.announce(Offline)
	}
}

// OnStatusChange registers fn for every transition. The returned
// function removes it.
func (t *Tracker) OnStatusChange(fn func(Status)) func() {
	return t.listeners.On(statusKind, func(e bus.Event) error {
		fn(e.Payload.(Status))
		return nil
	})
}

// CheckStatus asks the server for another user's last known presence.
func (t *Tracker) CheckStatus(ctx context.Context, userID model.ID) (*model.UserStatus, error) {
	if _, ok := t.creds.Current(); !ok {
		return nil, credential.ErrInvalid
	}
	return t.api.CheckStatus(ctx, userID)
}

func (t *Tracker) channelUp() {
	t.mu.Lock()
	t.connected = true
	changed := false
	if t.visible && t.status == Offline {
		t.lastActivity = t.clock.Now()
		changed = t.transition(Online)
	}
	t.mu.Unlock()

	if changed {
		t.announce(Online)
	}
}

func (t *Tracker) channelDown() {
	t.mu.Lock()
	t.connected = false
	changed := t.transition(Offline)
	t.mu.Unlock()

	if changed {
		t.announce(Offline)
	}
}

// transition moves to the given status, arming or cancelling the timers
// and queueing the server notice. Caller holds t.mu.
func (t *Tracker) transition(to Status) bool {
	if t.status == to {
		return false
	}
	t.status = to
	t.gen++
	t.idle.Stop()
	t.heartbeat.Stop()
	t.idle, t.heartbeat = nil, nil

	if to == Online {
		gen := t.gen
		t.idle = t.clock.AfterFunc(t.opts.Inactivity, func() { t.checkIdle(gen) })
		t.heartbeat = t.clock.AfterFunc(t.opts.Heartbeat, func() { t.beat(gen) })
	}
	t.queueNotice(to)
	return true
}

// announce runs outside t.mu: the first heartbeat, listeners and the bus.
func (t *Tracker) announce(to Status) {
	t.log.Info("status changed", zap.String("status", string(to)))
	if to == Online {
		t.sendHeartbeat()
	}
	_ = t.listeners.Publish(bus.Event{Kind: statusKind, Timestamp: t.clock.Now(), Payload: to})
	if t.appBus != nil {
		_ = t.appBus.Publish(bus.Event{Kind: EventStatusChanged, Timestamp: t.clock.Now(), Payload: to})
	}
}

func (t *Tracker) checkIdle(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.status != Online {
		t.mu.Unlock()
		return
	}
	if remaining := t.opts.Inactivity - t.clock.Now().Sub(t.lastActivity); remaining > 0 {
		t.idle = t.clock.AfterFunc(remaining, func() { t.checkIdle(gen) })
		t.mu.Unlock()
		return
	}
	changed := t.transition(Offline)
	t.mu.Unlock()

	if changed {
		t.log.Debug("inactive", zap.Duration("after", t.opts.Inactivity))
		t.announce(Offline)
	}
}

func (t *Tracker) beat(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.status != Online {
		t.mu.Unlock()
		return
	}
	t.heartbeat = t.clock.AfterFunc(t.opts.Heartbeat, func() { t.beat(gen) })
	t.mu.Unlock()

	t.sendHeartbeat()
}

func (t *Tracker) sendHeartbeat() {
	token, ok := t.creds.Current()
	if !ok {
		return
	}
	if err := t.transport.Emit(transport.EventHeartbeat, model.TokenPayload{Token: token}); err != nil {
		t.log.Debug("heartbeat not sent", zap.Error(err))
	}
}

// queueNotice sends the status to the server in the background, after
// any earlier notice. Failures are logged only. Caller holds t.mu.
func (t *Tracker) queueNotice(to Status) {
	if _, ok := t.creds.Current(); !ok {
		return
	}
	prev := t.noticeDone
	done := make(chan struct{})
	t.noticeDone = done

	t.notices.Add(1)
	go func() {
		defer t.notices.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), t.opts.NoticeTimeout)
		defer cancel()

		var err error
		if to == Online {
			err = t.api.SetOnline(ctx)
		} else {
			err = t.api.SetOffline(ctx)
		}
		if err != nil {
			t.log.Warn("status notice failed", zap.String("status", string(to)), zap.Error(err))
		}
	}()
}

// Wait blocks until every queued status notice has been sent or has
// timed out.
func (t *Tracker) Wait() {
	t.notices.Wait()
}
