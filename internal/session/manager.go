// Package session binds the realtime channel, the presence tracker, the
// inbox coordinator and the receipts outbox to one authenticated user.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/livesync/internal/bus"
	"github.com/matheus3301/livesync/internal/clock"
	"github.com/matheus3301/livesync/internal/credential"
	"github.com/matheus3301/livesync/internal/transport"
	"go.uber.org/zap"
)

// Session events published on the application bus.
const (
	EventLoggedIn  = "session.logged_in"
	EventLoggedOut = "session.logged_out"
)

// Logout reasons.
const (
	ReasonUser     = "user"
	ReasonExpired  = "credential expired"
	ReasonReplaced = "replaced by another user"
	ReasonShutdown = "shutdown"
)

// Channel is the realtime transport.
type Channel interface {
	On(event string, fn bus.Listener) func()
	Disconnect()
}

// Presence is the presence tracker.
type Presence interface {
	Connect(ctx context.Context) error
	Disconnect()
	Wait()
}

// Inbox is the notification and message coordinator.
type Inbox interface {
	StartSession(ctx context.Context) error
	EndSession()
	Wait()
}

// Receipts is the read-receipt outbox.
type Receipts interface {
	Bind(user string)
	Unbind()
	Purge(user string) error
	Flush(ctx context.Context) (int, error)
}

// Info describes the current session.
type Info struct {
	LoggedIn bool      `json:"logged_in"`
	User     string    `json:"user,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
}

// Deps wires a Manager.
type Deps struct {
	Store     *credential.Store
	Validator *credential.Validator
	Channel   Channel
	Presence  Presence
	Inbox     Inbox
	Receipts  Receipts
	Clock     clock.Clock
	Bus       *bus.Bus
	Logger    *zap.Logger
}

// Manager runs Login and Logout. Both are serialized.
type Manager struct {
	d   Deps
	log *zap.Logger

	op sync.Mutex

	mu      sync.Mutex
	info    Info
	gen     uint64
	expiry  *clock.Timer
	unsubs  []func()
	flushes sync.WaitGroup
}

// NewManager creates a logged-out Manager.
func NewManager(d Deps) *Manager {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	return &Manager{d: d, log: d.Logger.Named("session")}
}

// Info returns the current session.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// Login installs token and starts every component for its user. Logging
// in again as the same user only swaps the token. A realtime connect
// failure does not undo the login: REST keeps working and the error is
// returned for the caller to show.
func (m *Manager) Login(ctx context.Context, token string) error {
	m.op.Lock()
	defer m.op.Unlock()

	if !m.d.Validator.Valid(token) {
		return credential.ErrInvalid
	}
	user, err := m.d.Validator.Subject(token)
	if err != nil {
		return fmt.Errorf("%w: %v", credential.ErrInvalid, err)
	}
	exp, err := m.d.Validator.Expiry(token)
	if err != nil {
		return fmt.Errorf("%w: %v", credential.ErrInvalid, err)
	}

	current := m.Info()
	if current.LoggedIn && current.User == user {
		m.d.Store.Set(token)
		m.mu.Lock()
		m.info.Expires = exp
		m.armExpiryLocked(exp)
		m.mu.Unlock()
		m.log.Info("credential refreshed", zap.String("user", user), zap.Time("expires", exp))
		return nil
	}
	if current.LoggedIn {
		m.logoutLocked(ReasonReplaced)
	}

	m.d.Store.Set(token)
	m.d.Receipts.Bind(user)

	m.mu.Lock()
	m.info = Info{LoggedIn: true, User: user, Expires: exp}
	m.unsubs = []func(){
		m.d.Channel.On(transport.EventAuthError, func(bus.Event) error {
			m.log.Warn("credential rejected by server")
			m.d.Store.Reject()
			return nil
		}),
	}
	m.armExpiryLocked(exp)
	m.mu.Unlock()

	if err := m.d.Inbox.StartSession(ctx); err != nil {
		m.logoutLocked(ReasonUser)
		return fmt.Errorf("start inbox: %w", err)
	}

	m.log.Info("logged in", zap.String("user", user), zap.Time("expires", exp))
	m.publish(EventLoggedIn, m.Info())

	m.flushes.Add(1)
	go func() {
		defer m.flushes.Done()
		if n, err := m.d.Receipts.Flush(context.Background()); err != nil {
			m.log.Warn("receipt flush failed", zap.Error(err))
		} else if n > 0 {
			m.log.Info("receipts redelivered", zap.Int("count", n))
		}
	}()

	if err := m.d.Presence.Connect(ctx); err != nil {
		m.log.Warn("realtime connect failed", zap.Error(err))
		return fmt.Errorf("realtime: %w", err)
	}
	return nil
}

// Logout stops every component and forgets the credential. It is a no-op
// when logged out.
func (m *Manager) Logout(reason string) {
	m.op.Lock()
	defer m.op.Unlock()
	m.logoutLocked(reason)
}

// Wait blocks until background receipt flushes started by Login finish.
func (m *Manager) Wait() {
	m.flushes.Wait()
}

// logoutLocked requires m.op.
func (m *Manager) logoutLocked(reason string) {
	m.mu.Lock()
	if !m.info.LoggedIn {
		m.mu.Unlock()
		return
	}
	user := m.info.User
	m.info = Info{}
	m.gen++
	m.expiry.Stop()
	m.expiry = nil
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	for _, off := range unsubs {
		off()
	}

	// The offline notice still needs the credential.
	m.d.Presence.Disconnect()
	m.d.Presence.Wait()
	m.d.Inbox.EndSession()
	m.d.Inbox.Wait()
	m.d.Channel.Disconnect()

	m.d.Receipts.Unbind()
	if reason != ReasonShutdown {
		if err := m.d.Receipts.Purge(user); err != nil {
			m.log.Warn("purge receipts", zap.Error(err))
		}
	}
	m.d.Store.Clear()

	m.log.Info("logged out", zap.String("user", user), zap.String("reason", reason))
	m.publish(EventLoggedOut, reason)
}

// armExpiryLocked requires m.mu.
func (m *Manager) armExpiryLocked(exp time.Time) {
	m.expiry.Stop()
	m.gen++
	gen := m.gen
	m.expiry = m.d.Clock.AfterFunc(exp.Sub(m.d.Clock.Now()), func() { m.expire(gen) })
}

func (m *Manager) expire(gen uint64) {
	m.op.Lock()
	defer m.op.Unlock()
	m.mu.Lock()
	stale := gen != m.gen
	m.mu.Unlock()
	if stale {
		return
	}
	m.logoutLocked(ReasonExpired)
}

func (m *Manager) publish(kind string, payload any) {
	if m.d.Bus == nil {
		return
	}
	if err := m.d.Bus.Publish(bus.Event{Kind: kind, Timestamp: m.d.Clock.Now(), Payload: payload}); err != nil {
		m.log.Warn("session listener failed", zap.Error(err))
	}
}

// IsInvalid reports whether err means the supplied credential was unusable.
func IsInvalid(err error) bool {
	return errors.Is(err, credential.ErrInvalid)
}
