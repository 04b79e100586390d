package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/livesync/internal/bus"
	"github.com/matheus3301/livesync/internal/clock"
	"github.com/matheus3301/livesync/internal/model"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(minutes int) time.Time { return epoch.Add(time.Duration(minutes) * time.Minute) }

type source struct {
	mu sync.Mutex
	ok bool
}

func (s *source) Current() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ok {
		return "", false
	}
	return "tok", true
}

func (s *source) set(ok bool) {
	s.mu.Lock()
	s.ok = ok
	s.mu.Unlock()
}

// fakeAPI serves both REST surfaces from memory. When gate is set, list
// fetches signal started and then block until gate is closed.
type fakeAPI struct {
	mu        sync.Mutex
	notes     []model.Notification
	msgs      []model.Message
	noteCount int
	msgCount  int
	listErr   error
	markErr   error
	sendErr   error
	gate      chan struct{}
	started   chan struct{}
	calls     []string
	nextID    int
}

func (a *fakeAPI) record(format string, args ...any) {
	a.mu.Lock()
	a.calls = append(a.calls, fmt.Sprintf(format, args...))
	a.mu.Unlock()
}

func (a *fakeAPI) count(call string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (a *fakeAPI) total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *fakeAPI) wait(ctx context.Context) error {
	a.mu.Lock()
	gate, started := a.gate, a.started
	a.mu.Unlock()
	if gate == nil {
		return nil
	}
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *fakeAPI) Notifications(ctx context.Context) ([]model.Notification, error) {
	a.record("Notifications")
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listErr != nil {
		return nil, a.listErr
	}
	return append([]model.Notification(nil), a.notes...), nil
}

func (a *fakeAPI) NotificationUnreadCount(context.Context) (int, error) {
	a.record("NotificationUnreadCount")
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.noteCount, nil
}

func (a *fakeAPI) MarkNotificationRead(_ context.Context, id model.ID) error {
	a.record("MarkNotificationRead:%s", id)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.markErr
}

func (a *fakeAPI) MarkAllNotificationsRead(context.Context) error {
	a.record("MarkAllNotificationsRead")
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.markErr
}

func (a *fakeAPI) ClearNotifications(context.Context) error {
	a.record("ClearNotifications")
	return nil
}

func (a *fakeAPI) Messages(ctx context.Context) ([]model.Message, error) {
	a.record("Messages")
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listErr != nil {
		return nil, a.listErr
	}
	return append([]model.Message(nil), a.msgs...), nil
}

func (a *fakeAPI) MessageUnreadCount(context.Context) (int, error) {
	a.record("MessageUnreadCount")
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.msgCount, nil
}

func (a *fakeAPI) MarkMessageRead(_ context.Context, id model.ID) error {
	a.record("MarkMessageRead:%s", id)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.markErr
}

func (a *fakeAPI) MarkConversationRead(_ context.Context, partner model.ID) error {
	a.record("MarkConversationRead:%s", partner)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.markErr
}

func (a *fakeAPI) SendMessage(_ context.Context, req model.SendRequest) (*model.Message, error) {
	a.record("SendMessage:%s", req.RecipientID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return nil, a.sendErr
	}
	a.nextID++
	return &model.Message{
		ID:                    model.ID(fmt.Sprintf("s%d", a.nextID)),
		ConversationPartnerID: req.RecipientID,
		Content:               req.Content,
		MessageType:           req.MessageType,
		IsSent:                true,
		CreatedAt:             at(100 + a.nextID),
	}, nil
}

type fakeChannel struct {
	events  *bus.Bus
	mu      sync.Mutex
	emitted []string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: bus.New(nil)}
}

func (f *fakeChannel) Emit(event string, _ any) error {
	f.mu.Lock()
	f.emitted = append(f.emitted, event)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) On(event string, fn bus.Listener) func() { return f.events.On(event, fn) }

func (f *fakeChannel) fire(t *testing.T, kind string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.events.Publish(bus.Event{Kind: kind, Payload: json.RawMessage(raw)}); err != nil {
		t.Fatalf("listener error: %v", err)
	}
}

type receipt struct {
	kind   string
	target model.ID
}

type fakeReceipts struct {
	mu    sync.Mutex
	queue []receipt
}

func (r *fakeReceipts) Enqueue(_ context.Context, kind string, target model.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, receipt{kind, target})
	return nil
}

type fixture struct {
	coord    *Coordinator
	api      *fakeAPI
	channel  *fakeChannel
	creds    *source
	receipts *fakeReceipts
	clock    *clock.FakeClock
	bus      *bus.Bus
}

func newFixture(t *testing.T, api *fakeAPI) *fixture {
	t.Helper()
	if api == nil {
		api = &fakeAPI{}
	}
	f := &fixture{
		api:      api,
		channel:  newFakeChannel(),
		creds:    &source{ok: true},
		receipts: &fakeReceipts{},
		clock:    clock.Fake(epoch),
		bus:      bus.New(nil),
	}
	f.coord = New(Options{
		Notifications: api,
		Messages:      api,
		Channel:       f.channel,
		Credentials:   f.creds,
		Receipts:      f.receipts,
		Clock:         f.clock,
		Bus:           f.bus,
	})
	t.Cleanup(f.coord.Wait)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.coord.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
}

func note(id string, read bool, minute int) model.Notification {
	return model.Notification{ID: model.ID(id), Title: "t-" + id, IsRead: read, CreatedAt: at(minute)}
}

func msg(id, partner string, read bool, minute int) model.Message {
	return model.Message{ID: model.ID(id), ConversationPartnerID: model.ID(partner), Content: "c-" + id, IsRead: read, CreatedAt: at(minute)}
}
