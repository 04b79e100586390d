// Package transport owns the realtime websocket channel: connect,
// authenticate, bounded reconnection, and fan-out of inbound events to
// listeners. It applies no business rules to the events it carries.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/livesync/internal/bus"
	"github.com/matheus3301/livesync/internal/clock"
	"github.com/matheus3301/livesync/internal/credential"
	"github.com/matheus3301/livesync/internal/model"
	"github.com/matheus3301/livesync/internal/status"
	"go.uber.org/zap"
)

var (
	ErrNotConnected       = errors.New("transport: not connected")
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")
	ErrAuthRejected       = errors.New("transport: authentication rejected")
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// Options configures a Transport.
type Options struct {
	URL               string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	HandshakeTimeout  time.Duration
}

// DefaultOptions returns the reconnect policy used when none is configured.
func DefaultOptions(url string) Options {
	return Options{
		URL:               url,
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		HandshakeTimeout:  10 * time.Second,
	}
}

// Transport is the single realtime channel of a session.
type Transport struct {
	opts   Options
	creds  credential.Source
	clock  clock.Clock
	log    *zap.Logger
	dialer *websocket.Dialer
	events *bus.Bus
	state  *status.Machine

	mu       sync.Mutex
	conn     *websocket.Conn
	dialing  bool
	gen      uint64
	closing  bool
	redial   bool
	rejected bool
	attempts int
	retry    *clock.Timer

	writeMu sync.Mutex
}

// New creates a disconnected Transport. appBus, when set, receives
// connection state changes.
func New(opts Options, creds credential.Source, clk clock.Clock, appBus *bus.Bus, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if opts.ReconnectAttempts < 0 {
		opts.ReconnectAttempts = 0
	}
	log = log.Named("transport")
	return &Transport{
		opts:   opts,
		creds:  creds,
		clock:  clk,
		log:    log,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		events: bus.New(log),
		state:  status.NewMachine(appBus),
	}
}

// State returns the current connection state.
func (t *Transport) State() status.State {
	return t.state.Current()
}

// On registers fn for the named inbound event. The returned function
// removes it.
func (t *Transport) On(event string, fn bus.Listener) func() {
	return t.events.On(event, fn)
}

// Connect opens the channel and sends the authentication request. It
// returns once the socket is open; readiness is signalled by the
// authenticated event. Calling Connect while a channel is open or being
// dialed does nothing, except that a dial abandoned by Disconnect is
// followed by a fresh one.
func (t *Transport) Connect(ctx context.Context) error {
	token, ok := t.creds.Current()
	if !ok {
		return credential.ErrInvalid
	}

	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	if t.dialing {
		if t.closing {
			t.redial = true
		}
		t.mu.Unlock()
		return nil
	}
	t.dialing = true
	t.closing = false
	t.rejected = false
	t.attempts = 0
	t.retry.Stop()
	t.retry = nil
	t.mu.Unlock()

	return t.dial(ctx, token)
}

// Disconnect closes the channel and cancels any pending reconnection.
// No reconnection happens until the next Connect.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.closing = true
	t.redial = false
	t.retry.Stop()
	t.retry = nil
	conn := t.conn
	t.conn = nil
	t.gen++
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		_ = conn.Close()
	}
	if t.state.Reset() {
		t.publish(EventDisconnected, nil)
	}
}

// Emit sends an outbound event. It fails with ErrNotConnected when no
// channel is open.
func (t *Transport) Emit(event string, data any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	if err := conn.WriteJSON(outFrame{Event: event, Data: data}); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (t *Transport) dial(ctx context.Context, token string) error {
	_ = t.state.Transition(status.Connecting)
	t.log.Debug("dialing", zap.String("url", t.opts.URL))

	conn, _, err := t.dialer.DialContext(ctx, t.opts.URL, nil)

	t.mu.Lock()
	t.dialing = false
	if t.closing && (err == nil || t.redial) {
		redial := t.redial
		if redial {
			t.redial = false
			t.closing = false
			t.rejected = false
			t.attempts = 0
			t.dialing = true
		}
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		t.state.Reset()
		if redial {
			return t.dialAgain()
		}
		return nil
	}
	if err != nil {
		t.mu.Unlock()
		t.state.Reset()
		t.log.Warn("dial failed", zap.Error(err))
		t.publish(EventConnectionError, err)
		return fmt.Errorf("dial %s: %w", t.opts.URL, err)
	}
	conn.SetReadLimit(maxMessageSize)
	t.conn = conn
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	_ = t.state.Transition(status.Connected)
	t.log.Info("connected", zap.String("url", t.opts.URL))
	t.publish(EventConnected, nil)

	go t.readLoop(conn, gen)

	if err := t.Emit(EventAuthenticate, model.TokenPayload{Token: token}); err != nil {
		t.log.Warn("send authenticate failed", zap.Error(err))
	}
	return nil
}

// dialAgain replaces a dial that was abandoned by Disconnect and then
// requested again by Connect. Caller has set dialing.
func (t *Transport) dialAgain() error {
	token, ok := t.creds.Current()
	if !ok {
		t.mu.Lock()
		t.dialing = false
		t.mu.Unlock()
		return credential.ErrInvalid
	}
	t.log.Debug("redialing after disconnect")
	ctx, cancel := context.WithTimeout(context.Background(), t.handshakeTimeout())
	defer cancel()
	return t.dial(ctx, token)
}

func (t *Transport) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.dropped(gen, err)
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
			t.log.Warn("invalid frame", zap.ByteString("raw", raw), zap.Error(err))
			continue
		}
		t.dispatch(f)
	}
}

func (t *Transport) dispatch(f Frame) {
	switch f.Event {
	case EventAuthenticated:
		if err := t.state.Transition(status.Authenticated); err != nil {
			t.log.Debug("authenticated ignored", zap.Error(err))
			return
		}
		t.mu.Lock()
		t.attempts = 0
		t.mu.Unlock()
		t.log.Info("authenticated")
		t.publish(EventAuthenticated, f.Data)

	case EventAuthError:
		t.mu.Lock()
		t.rejected = true
		conn := t.conn
		t.mu.Unlock()
		t.log.Warn("authentication rejected", zap.ByteString("data", f.Data))
		t.publish(EventAuthError, f.Data)
		if conn != nil {
			_ = conn.Close()
		}

	default:
		t.publish(f.Event, f.Data)
	}
}

// dropped handles the end of a read loop. Loops from a superseded
// connection are ignored.
func (t *Transport) dropped(gen uint64, cause error) {
	t.mu.Lock()
	if gen != t.gen || t.conn == nil {
		t.mu.Unlock()
		return
	}
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	_ = conn.Close()
	t.state.Reset()
	t.log.Info("disconnected", zap.Error(cause))
	t.publish(EventDisconnected, cause)
	t.scheduleRetry()
}

func (t *Transport) scheduleRetry() {
	t.mu.Lock()
	if t.closing || t.rejected {
		t.mu.Unlock()
		return
	}
	if t.attempts >= t.opts.ReconnectAttempts {
		t.mu.Unlock()
		t.log.Warn("giving up reconnecting", zap.Int("attempts", t.opts.ReconnectAttempts))
		t.publish(EventConnectionError, ErrReconnectExhausted)
		return
	}
	t.attempts++
	attempt := t.attempts
	t.retry = t.clock.AfterFunc(t.opts.ReconnectDelay, t.reconnect)
	t.mu.Unlock()
	t.log.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", t.opts.ReconnectDelay))
}

func (t *Transport) reconnect() {
	t.mu.Lock()
	t.retry = nil
	if t.closing || t.rejected || t.conn != nil || t.dialing {
		t.mu.Unlock()
		return
	}
	token, ok := t.creds.Current()
	if !ok {
		t.mu.Unlock()
		t.publish(EventConnectionError, credential.ErrInvalid)
		return
	}
	t.dialing = true
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.handshakeTimeout())
	defer cancel()
	if err := t.dial(ctx, token); err != nil {
		t.scheduleRetry()
	}
}

func (t *Transport) handshakeTimeout() time.Duration {
	if t.opts.HandshakeTimeout > 0 {
		return t.opts.HandshakeTimeout
	}
	return 10 * time.Second
}

func (t *Transport) publish(kind string, payload any) {
	_ = t.events.Publish(bus.Event{Kind: kind, Timestamp: t.clock.Now(), Payload: payload})
}
