package api_test

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/livesync/internal/api"
	"github.com/matheus3301/livesync/internal/bus"
	"github.com/matheus3301/livesync/internal/credential"
	"github.com/matheus3301/livesync/internal/inbox"
	"github.com/matheus3301/livesync/internal/model"
	"github.com/matheus3301/livesync/internal/presence"
	"github.com/matheus3301/livesync/internal/session"
	"github.com/matheus3301/livesync/internal/status"
	"github.com/matheus3301/livesync/internal/tui/client"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

type fakeSessions struct {
	mu      sync.Mutex
	info    session.Info
	loginFn func(token string) error
	logouts []string
}

func (f *fakeSessions) Login(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if f.loginFn != nil {
		err = f.loginFn(token)
	}
	if errors.Is(err, credential.ErrInvalid) {
		return err
	}
	f.info = session.Info{LoggedIn: true, User: "u1", Expires: time.Now().Add(time.Hour)}
	return err
}

func (f *fakeSessions) onLogin(fn func(token string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginFn = fn
}

func (f *fakeSessions) loggedOut() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.logouts...)
}

func (f *fakeSessions) Logout(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts = append(f.logouts, reason)
	f.info = session.Info{}
}

func (f *fakeSessions) Info() session.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info
}

type fakeChannel struct{}

func (fakeChannel) State() status.State { return status.Authenticated }

type fakePresence struct {
	mu       sync.Mutex
	status   presence.Status
	kinds    []string
	visible  []bool
	unloaded bool
}

func (f *fakePresence) Status() presence.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakePresence) Interact(kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	f.status = presence.Online
}

func (f *fakePresence) SetVisible(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visible = append(f.visible, v)
}

func (f *fakePresence) Unload() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloaded = true
	f.status = presence.Offline
}

func (f *fakePresence) snapshot() (kinds []string, visible []bool, unloaded bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.kinds...), append([]bool(nil), f.visible...), f.unloaded
}

func (f *fakePresence) CheckStatus(_ context.Context, id model.ID) (*model.UserStatus, error) {
	if id == "ghost" {
		return nil, credential.ErrInvalid
	}
	return &model.UserStatus{Status: "offline"}, nil
}

type fakeInbox struct {
	mu       sync.Mutex
	notes    []model.Notification
	convs    []model.Conversation
	counters inbox.Counters
	syncErr  error
	calls    []string
}

func (f *fakeInbox) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeInbox) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeInbox) Notifications() []model.Notification { return f.notes }
func (f *fakeInbox) Conversations() []model.Conversation { return f.convs }
func (f *fakeInbox) Counters() inbox.Counters            { return f.counters }
func (f *fakeInbox) SyncError() error                    { return f.syncErr }

func (f *fakeInbox) Refresh(context.Context) error {
	f.record("refresh")
	return nil
}

func (f *fakeInbox) MarkNotificationRead(_ context.Context, id model.ID) {
	f.record("read:" + string(id))
}

func (f *fakeInbox) MarkAllNotificationsRead(context.Context) {
	f.record("read-all")
}

func (f *fakeInbox) ClearAllNotifications(context.Context) {
	f.record("clear")
}

func (f *fakeInbox) MarkMessageRead(_ context.Context, id model.ID) {
	f.record("read-message:" + string(id))
}

func (f *fakeInbox) MarkConversationRead(_ context.Context, partner model.ID) {
	f.record("read-conversation:" + string(partner))
}

func (f *fakeInbox) SendMessage(_ context.Context, recipient model.ID, content, messageType string, metadata map[string]any) (*model.Message, error) {
	if recipient == "" || content == "" {
		return nil, inbox.ErrInvalidInput
	}
	return &model.Message{
		ID:                    "m1",
		ConversationPartnerID: recipient,
		Content:               content,
		MessageType:           messageType,
		Metadata:              metadata,
		IsSent:                true,
		IsRead:                true,
	}, nil
}

type harness struct {
	sessions *fakeSessions
	presence *fakePresence
	inbox    *fakeInbox
	bus      *bus.Bus
	client   *client.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	// Short path for the Unix socket length limit.
	dir, err := os.MkdirTemp("/tmp", "livesync-api-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	h := &harness{
		sessions: &fakeSessions{},
		presence: &fakePresence{status: presence.Offline},
		inbox: &fakeInbox{
			notes:    []model.Notification{{ID: "n1", Title: "hello"}},
			convs:    []model.Conversation{{PartnerID: "u2", Unread: 1}},
			counters: inbox.Counters{Notifications: 1, Messages: 1},
		},
		bus: bus.New(nil),
	}

	srv := grpc.NewServer()
	api.RegisterSessionServer(srv, api.NewSessionService("test", h.sessions, fakeChannel{}, h.presence, h.inbox, h.bus))
	api.RegisterInboxServer(srv, api.NewInboxService(h.inbox, h.sessions))
	api.RegisterPresenceServer(srv, api.NewPresenceService(h.presence))

	socketPath := filepath.Join(dir, "d.sock")
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := client.New(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	h.client = c
	return h
}

func code(err error) codes.Code {
	return grpcstatus.Code(err)
}

func TestGetStatusLoggedOut(t *testing.T) {
	h := newHarness(t)
	st, err := h.client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Profile != "test" || st.LoggedIn {
		t.Errorf("status = %+v", st)
	}
	if st.Connection != string(status.Authenticated) {
		t.Errorf("connection = %q", st.Connection)
	}
}

func TestInboxRequiresLogin(t *testing.T) {
	h := newHarness(t)
	_, err := h.client.Notifications(context.Background())
	if code(err) != codes.FailedPrecondition {
		t.Errorf("Notifications() code = %v, want FailedPrecondition", code(err))
	}
}

func TestLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sessions.onLogin(func(string) error { return credential.ErrInvalid })
	if _, err := h.client.Login(ctx, "bad"); code(err) != codes.Unauthenticated {
		t.Fatalf("Login(bad) code = %v, want Unauthenticated", code(err))
	}

	h.sessions.onLogin(func(string) error { return errors.New("realtime: dial refused") })
	st, err := h.client.Login(ctx, "good")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if !st.LoggedIn || st.User != "u1" {
		t.Errorf("status = %+v", st)
	}
	if st.Warning != "realtime: dial refused" {
		t.Errorf("warning = %q", st.Warning)
	}
	if st.Notifications != 1 || st.Messages != 1 {
		t.Errorf("counters = %d/%d", st.Notifications, st.Messages)
	}

	if err := h.client.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.sessions.loggedOut(); len(got) != 1 || got[0] != session.ReasonUser {
		t.Errorf("logouts = %v", got)
	}
}

func TestInboxCalls(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.client.Login(ctx, "good"); err != nil {
		t.Fatal(err)
	}

	notes, err := h.client.Notifications(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes.Notifications) != 1 || notes.Notifications[0].ID != "n1" || notes.Unread != 1 {
		t.Errorf("notifications = %+v", notes)
	}
	convs, err := h.client.Conversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs.Conversations) != 1 || convs.Conversations[0].PartnerID != "u2" {
		t.Errorf("conversations = %+v", convs)
	}

	steps := []func() error{
		func() error { _, err := h.client.Refresh(ctx); return err },
		func() error { return h.client.MarkNotificationRead(ctx, "n1") },
		func() error { return h.client.MarkAllNotificationsRead(ctx) },
		func() error { return h.client.ClearNotifications(ctx) },
		func() error { return h.client.MarkMessageRead(ctx, "m1") },
		func() error { return h.client.MarkConversationRead(ctx, "u2") },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	want := []string{"refresh", "read:n1", "read-all", "clear", "read-message:m1", "read-conversation:u2"}
	calls := h.inbox.recorded()
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}

	if err := h.client.MarkNotificationRead(ctx, ""); code(err) != codes.InvalidArgument {
		t.Errorf("empty id code = %v, want InvalidArgument", code(err))
	}
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.client.Login(ctx, "good"); err != nil {
		t.Fatal(err)
	}

	msg, err := h.client.SendMessage(ctx, model.SendRequest{
		RecipientID: "u2",
		Content:     "hi",
		MessageType: "text",
		Metadata:    map[string]any{"reply_to": "m0"},
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if msg.ID != "m1" || msg.ConversationPartnerID != "u2" || !msg.IsSent {
		t.Errorf("message = %+v", msg)
	}
	if msg.Metadata["reply_to"] != "m0" {
		t.Errorf("metadata = %v", msg.Metadata)
	}

	_, err = h.client.SendMessage(ctx, model.SendRequest{RecipientID: "u2"})
	if code(err) != codes.InvalidArgument {
		t.Errorf("empty content code = %v, want InvalidArgument", code(err))
	}
}

func TestPresenceCalls(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.client.ReportActivity(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if err := h.client.SetVisible(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := h.client.Unload(ctx); err != nil {
		t.Fatal(err)
	}
	kinds, visible, unloaded := h.presence.snapshot()
	if len(kinds) != 1 || kinds[0] != "key" {
		t.Errorf("interactions = %v", kinds)
	}
	if len(visible) != 1 || visible[0] {
		t.Errorf("visibility = %v", visible)
	}
	if !unloaded {
		t.Error("Unload was not forwarded")
	}

	st, err := h.client.CheckStatus(ctx, "u2")
	if err != nil || st.Status != "offline" {
		t.Errorf("CheckStatus() = %+v, %v", st, err)
	}
	if _, err := h.client.CheckStatus(ctx, "ghost"); code(err) != codes.Unauthenticated {
		t.Errorf("CheckStatus(ghost) code = %v, want Unauthenticated", code(err))
	}
}

func TestWatchEvents(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, _, err := h.client.WatchEvents(ctx, "inbox.")
	if err != nil {
		t.Fatal(err)
	}

	// The subscription is registered asynchronously; publish until seen.
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = h.bus.Publish(bus.Event{Kind: "presence.status_changed", Timestamp: time.Now(), Payload: "online"})
			_ = h.bus.Publish(bus.Event{Kind: "inbox.counters_changed", Timestamp: time.Now(), Payload: inbox.Counters{Notifications: 3}})
		case evt := <-events:
			if evt.Kind != "inbox.counters_changed" {
				t.Fatalf("kind = %q, want inbox.counters_changed", evt.Kind)
			}
			if evt.Profile != "test" || evt.ID == "" {
				t.Errorf("event = %+v", evt)
			}
			payload, ok := evt.Payload.(map[string]any)
			if !ok || payload["notifications"] != float64(3) {
				t.Errorf("payload = %#v", evt.Payload)
			}
			return
		case <-ctx.Done():
			t.Fatal("no event received")
		}
	}
}
