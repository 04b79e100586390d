package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/livesync/internal/bus"
	"github.com/matheus3301/livesync/internal/clock"
	"github.com/matheus3301/livesync/internal/credential"
	"github.com/matheus3301/livesync/internal/status"
)

type staticSource struct {
	token string
	ok    bool
}

func (s staticSource) Current() (string, bool) { return s.token, s.ok }

var validToken = staticSource{token: "tok", ok: true}

// wsServer is a minimal realtime endpoint: it answers the authenticate
// frame and hands the server-side connection to the test.
type wsServer struct {
	ts       *httptest.Server
	accepted atomic.Int32
	refuse   atomic.Bool
	reject   atomic.Bool
	hold     atomic.Bool
	arrived  chan struct{}
	release  chan struct{}
	conns    chan *websocket.Conn
	frames   chan Frame
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		arrived: make(chan struct{}, 8),
		release: make(chan struct{}),
		conns:   make(chan *websocket.Conn, 8),
		frames:  make(chan Frame, 64),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.refuse.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		if s.hold.Load() {
			s.arrived <- struct{}{}
			<-s.release
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.accepted.Add(1)
		defer conn.Close()

		var first Frame
		if err := conn.ReadJSON(&first); err != nil {
			return
		}
		s.frames <- first
		reply := EventAuthenticated
		if s.reject.Load() {
			reply = EventAuthError
		}
		if err := conn.WriteJSON(Frame{Event: reply, Data: json.RawMessage(`{}`)}); err != nil {
			return
		}
		s.conns <- conn
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			s.frames <- f
		}
	}))
	t.Cleanup(s.ts.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http")
}

func (s *wsServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server connection")
		return nil
	}
}

func (s *wsServer) nextFrame(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for client frame")
		return Frame{}
	}
}

// recorder collects events of the given kinds in arrival order.
type recorder struct {
	mu     sync.Mutex
	events []bus.Event
	ch     chan bus.Event
}

func record(tr *Transport, kinds ...string) *recorder {
	r := &recorder{ch: make(chan bus.Event, 64)}
	for _, k := range kinds {
		tr.On(k, func(e bus.Event) error {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.mu.Unlock()
			r.ch <- e
			return nil
		})
	}
	return r
}

func (r *recorder) wait(t *testing.T, kind string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-r.ch:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", kind)
			return bus.Event{}
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTransport(s *wsServer, clk clock.Clock) *Transport {
	opts := DefaultOptions(s.url())
	opts.HandshakeTimeout = 2 * time.Second
	return New(opts, validToken, clk, nil, nil)
}

func TestConnectAuthenticates(t *testing.T) {
	s := newWSServer(t)
	tr := newTransport(s, clock.Fake(time.Now()))
	defer tr.Disconnect()
	rec := record(tr, EventConnected, EventAuthenticated)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	rec.wait(t, EventConnected)
	rec.wait(t, EventAuthenticated)

	auth := s.nextFrame(t)
	if auth.Event != EventAuthenticate || string(auth.Data) != `{"token":"tok"}` {
		t.Errorf("first frame = %s %s, want authenticate with token", auth.Event, auth.Data)
	}
	if tr.State() != status.Authenticated {
		t.Errorf("State() = %s, want AUTHENTICATED", tr.State())
	}
}

func TestConnectWithoutCredential(t *testing.T) {
	s := newWSServer(t)
	tr := New(DefaultOptions(s.url()), staticSource{}, clock.Fake(time.Now()), nil, nil)

	if err := tr.Connect(context.Background()); !errors.Is(err, credential.ErrInvalid) {
		t.Fatalf("Connect() error = %v, want ErrInvalid", err)
	}
	if n := s.accepted.Load(); n != 0 {
		t.Errorf("server accepted %d connections, want 0", n)
	}
}

func TestConnectIsNoOpWhenOpen(t *testing.T) {
	s := newWSServer(t)
	tr := newTransport(s, clock.Fake(time.Now()))
	defer tr.Disconnect()
	rec := record(tr, EventAuthenticated)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, EventAuthenticated)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if n := s.accepted.Load(); n != 1 {
		t.Errorf("server accepted %d connections, want 1", n)
	}
}

// TestConnectAfterDisconnectDuringDial: Disconnect abandons a dial still
// in progress and Connect asks for the channel again before it finishes.
func TestConnectAfterDisconnectDuringDial(t *testing.T) {
	s := newWSServer(t)
	s.hold.Store(true)
	tr := newTransport(s, clock.Fake(time.Now()))
	defer tr.Disconnect()
	rec := record(tr, EventAuthenticated)

	first := make(chan error, 1)
	go func() { first <- tr.Connect(context.Background()) }()
	select {
	case <-s.arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("dial never reached the server")
	}

	tr.Disconnect()
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() during dial error = %v", err)
	}
	s.hold.Store(false)
	close(s.release)

	if err := <-first; err != nil {
		t.Fatalf("first Connect() error = %v", err)
	}
	rec.wait(t, EventAuthenticated)
	if tr.State() != status.Authenticated {
		t.Errorf("State() = %s, want AUTHENTICATED", tr.State())
	}
	waitFor(t, "both connections accepted", func() bool { return s.accepted.Load() == 2 })
}

func TestInitialDialFailure(t *testing.T) {
	s := newWSServer(t)
	s.refuse.Store(true)
	clk := clock.Fake(time.Now())
	tr := newTransport(s, clk)
	rec := record(tr, EventConnectionError)

	if err := tr.Connect(context.Background()); err == nil {
		t.Fatal("Connect() should fail when the server refuses")
	}
	rec.wait(t, EventConnectionError)
	if tr.State() != status.Disconnected {
		t.Errorf("State() = %s, want DISCONNECTED", tr.State())
	}
	if clk.Pending() != 0 {
		t.Errorf("Pending() = %d, a failed Connect must not schedule retries", clk.Pending())
	}
}

func TestAuthErrorDoesNotReconnect(t *testing.T) {
	s := newWSServer(t)
	s.reject.Store(true)
	clk := clock.Fake(time.Now())
	tr := newTransport(s, clk)
	defer tr.Disconnect()
	rec := record(tr, EventAuthError, EventDisconnected)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, EventAuthError)
	rec.wait(t, EventDisconnected)

	if clk.Pending() != 0 {
		t.Fatalf("Pending() = %d, want no reconnect after auth_error", clk.Pending())
	}
	clk.Advance(time.Minute)
	if n := s.accepted.Load(); n != 1 {
		t.Errorf("server accepted %d connections, want 1", n)
	}
	if tr.State() != status.Disconnected {
		t.Errorf("State() = %s, want DISCONNECTED", tr.State())
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	s := newWSServer(t)
	clk := clock.Fake(time.Now())
	tr := newTransport(s, clk)
	defer tr.Disconnect()
	rec := record(tr, EventAuthenticated, EventDisconnected)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, EventAuthenticated)
	s.nextConn(t).Close()

	rec.wait(t, EventDisconnected)
	waitFor(t, "reconnect timer", func() bool { return clk.Pending() == 1 })
	clk.Advance(time.Second)

	rec.wait(t, EventAuthenticated)
	if n := s.accepted.Load(); n != 2 {
		t.Errorf("server accepted %d connections, want 2", n)
	}
}

func TestReconnectExhausted(t *testing.T) {
	s := newWSServer(t)
	clk := clock.Fake(time.Now())
	tr := newTransport(s, clk)
	defer tr.Disconnect()
	rec := record(tr, EventAuthenticated, EventDisconnected, EventConnectionError)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, EventAuthenticated)
	s.refuse.Store(true)
	s.nextConn(t).Close()
	rec.wait(t, EventDisconnected)

	waitFor(t, "first reconnect timer", func() bool { return clk.Pending() == 1 })
	for i := range 5 {
		if clk.Pending() != 1 {
			t.Fatalf("attempt %d: Pending() = %d, want 1", i+1, clk.Pending())
		}
		clk.Advance(time.Second)
	}

	if clk.Pending() != 0 {
		t.Fatalf("Pending() = %d after exhausting retries, want 0", clk.Pending())
	}
	var exhausted bool
	for {
		select {
		case e := <-rec.ch:
			if err, ok := e.Payload.(error); ok && errors.Is(err, ErrReconnectExhausted) {
				exhausted = true
			}
			continue
		default:
		}
		break
	}
	if !exhausted {
		t.Error("no connection_error with ErrReconnectExhausted")
	}
	if tr.State() != status.Disconnected {
		t.Errorf("State() = %s, want DISCONNECTED", tr.State())
	}

	// An explicit Connect resumes.
	s.refuse.Store(false)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() after exhaustion error = %v", err)
	}
	rec.wait(t, EventAuthenticated)
}

func TestDisconnectStopsReconnect(t *testing.T) {
	s := newWSServer(t)
	clk := clock.Fake(time.Now())
	tr := newTransport(s, clk)
	rec := record(tr, EventAuthenticated, EventDisconnected)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, EventAuthenticated)

	tr.Disconnect()
	rec.wait(t, EventDisconnected)
	if clk.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0 after Disconnect", clk.Pending())
	}
	if err := tr.Emit(EventHeartbeat, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Emit() error = %v, want ErrNotConnected", err)
	}
	clk.Advance(time.Minute)
	if n := s.accepted.Load(); n != 1 {
		t.Errorf("server accepted %d connections, want 1", n)
	}
}

func TestPushEventsReachListenersInOrder(t *testing.T) {
	s := newWSServer(t)
	tr := newTransport(s, clock.Fake(time.Now()))
	defer tr.Disconnect()

	tr.On(EventNewNotification, func(bus.Event) error { panic("broken listener") })
	rec := record(tr, EventAuthenticated, EventNewNotification, EventNotificationCountUpdate)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, EventAuthenticated)
	conn := s.nextConn(t)

	for _, f := range []string{
		`{"event":"new_notification","data":{"id":"n1"}}`,
		`not json`,
		`{"event":"new_notification","data":{"id":"n2"}}`,
		`{"event":"notification_count_update","data":{"count":2}}`,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatal(err)
		}
	}

	first := rec.wait(t, EventNewNotification)
	second := rec.wait(t, EventNewNotification)
	count := rec.wait(t, EventNotificationCountUpdate)
	if string(first.Payload.(json.RawMessage)) != `{"id":"n1"}` ||
		string(second.Payload.(json.RawMessage)) != `{"id":"n2"}` {
		t.Errorf("payloads out of order: %s, %s", first.Payload, second.Payload)
	}
	if string(count.Payload.(json.RawMessage)) != `{"count":2}` {
		t.Errorf("count payload = %s", count.Payload)
	}
	if tr.State() != status.Authenticated {
		t.Errorf("State() = %s, a panicking listener must not break the channel", tr.State())
	}
}

func TestEmit(t *testing.T) {
	s := newWSServer(t)
	tr := newTransport(s, clock.Fake(time.Now()))
	defer tr.Disconnect()
	rec := record(tr, EventAuthenticated)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, EventAuthenticated)
	s.nextFrame(t) // authenticate

	if err := tr.Emit(EventJoinMessages, map[string]string{"token": "tok"}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	f := s.nextFrame(t)
	if f.Event != EventJoinMessages || string(f.Data) != `{"token":"tok"}` {
		t.Errorf("frame = %s %s", f.Event, f.Data)
	}
}
