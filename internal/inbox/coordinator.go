// Package inbox merges pushed and fetched notifications and messages
// into one de-duplicated view with unread counters, and carries out the
// read, clear and send actions against the REST API.
package inbox

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/livesync/internal/bus"
	"github.com/matheus3301/livesync/internal/clock"
	"github.com/matheus3301/livesync/internal/credential"
	"github.com/matheus3301/livesync/internal/model"
	"github.com/matheus3301/livesync/internal/outbox"
	"github.com/matheus3301/livesync/internal/rest"
	"github.com/matheus3301/livesync/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EventChanged is published on the application bus after every change
// to the view. The payload is the new Counters.
const EventChanged = "inbox.changed"

var (
	ErrNoSession    = errors.New("inbox: no active session")
	ErrInvalidInput = errors.New("inbox: recipient and content are required")
)

// NotificationAPI is the notification REST surface.
type NotificationAPI interface {
	Notifications(ctx context.Context) ([]model.Notification, error)
	NotificationUnreadCount(ctx context.Context) (int, error)
	MarkNotificationRead(ctx context.Context, id model.ID) error
	MarkAllNotificationsRead(ctx context.Context) error
	ClearNotifications(ctx context.Context) error
}

// MessageAPI is the message REST surface.
type MessageAPI interface {
	Messages(ctx context.Context) ([]model.Message, error)
	MessageUnreadCount(ctx context.Context) (int, error)
	MarkMessageRead(ctx context.Context, id model.ID) error
	MarkConversationRead(ctx context.Context, partner model.ID) error
	SendMessage(ctx context.Context, req model.SendRequest) (*model.Message, error)
}

// Channel is the realtime transport as seen by the coordinator.
type Channel interface {
	Emit(event string, data any) error
	On(event string, fn bus.Listener) func()
}

// ReceiptQueue stores read receipts whose REST call failed.
type ReceiptQueue interface {
	Enqueue(ctx context.Context, kind string, target model.ID) error
}

// Counters are the two unread counts.
type Counters struct {
	Notifications int `json:"notifications"`
	Messages      int `json:"messages"`
}

// Options wires a Coordinator.
type Options struct {
	Notifications NotificationAPI
	Messages      MessageAPI
	Channel       Channel
	Credentials   credential.Source
	Receipts      ReceiptQueue
	Clock         clock.Clock
	Bus           *bus.Bus
	Logger        *zap.Logger
	// DriftGrace is how long a server count may disagree with the loaded
	// list before the snapshots are fetched again.
	DriftGrace   time.Duration
	FetchTimeout time.Duration
}

// Coordinator is the single writer of the notification and message view.
type Coordinator struct {
	notesAPI NotificationAPI
	msgAPI   MessageAPI
	channel  Channel
	creds    credential.Source
	receipts ReceiptQueue
	clock    clock.Clock
	bus      *bus.Bus
	log      *zap.Logger
	grace    time.Duration
	timeout  time.Duration

	mu            sync.Mutex
	active        bool
	gen           uint64
	unsubs        []func()
	notifications collection[model.Notification]
	messages      collection[model.Message]
	syncErr       error
	refreshing    bool
	driftTimer    *clock.Timer

	background sync.WaitGroup
}

// New creates an inactive Coordinator.
func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.DriftGrace <= 0 {
		opts.DriftGrace = 2 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	return &Coordinator{
		notesAPI:      opts.Notifications,
		msgAPI:        opts.Messages,
		channel:       opts.Channel,
		creds:         opts.Credentials,
		receipts:      opts.Receipts,
		clock:         opts.Clock,
		bus:           opts.Bus,
		log:           opts.Logger.Named("inbox"),
		grace:         opts.DriftGrace,
		timeout:       opts.FetchTimeout,
		notifications: newCollection(notificationOps),
		messages:      newCollection(messageOps),
	}
}

// StartSession subscribes to the channel and loads the initial
// snapshots. Fetch failures are recorded in SyncError, not returned.
func (c *Coordinator) StartSession(ctx context.Context) error {
	if _, ok := c.creds.Current(); !ok {
		return credential.ErrInvalid
	}

	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = true
	c.gen++
	gen := c.gen
	c.notifications.reset()
	c.messages.reset()
	c.syncErr = nil
	c.unsubs = []func(){
		c.channel.On(transport.EventAuthenticated, c.guard(gen, c.onAuthenticated)),
		c.channel.On(transport.EventNewNotification, c.guard(gen, c.onNewNotification)),
		c.channel.On(transport.EventNotificationCountUpdate, c.guard(gen, c.onNotificationCount)),
		c.channel.On(transport.EventNewMessage, c.guard(gen, c.onNewMessage)),
		c.channel.On(transport.EventMessageCountUpdate, c.guard(gen, c.onMessageCount)),
	}
	c.mu.Unlock()

	c.log.Info("session started")
	if err := c.Refresh(ctx); err != nil && !errors.Is(err, ErrNoSession) {
		c.log.Warn("initial fetch failed", zap.Error(err))
	}
	return nil
}

// EndSession drops the channel subscriptions and discards every record
// and counter. No REST call is made until the next StartSession.
func (c *Coordinator) EndSession() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.gen++
	unsubs := c.unsubs
	c.unsubs = nil
	c.notifications.reset()
	c.messages.reset()
	c.syncErr = nil
	c.driftTimer.Stop()
	c.driftTimer = nil
	for _, off := range unsubs {
		off()
	}
	c.mu.Unlock()

	c.log.Info("session ended")
	c.changed()
}

// Wait blocks until background refreshes started by the channel finish.
func (c *Coordinator) Wait() {
	c.background.Wait()
}

// Active reports whether a session is running.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Notifications returns the notifications, most recent first.
func (c *Coordinator) Notifications() []model.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifications.snapshot()
}

// Messages returns the messages, most recent first.
func (c *Coordinator) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages.snapshot()
}

// Conversations groups the messages by partner, most recently active
// first.
func (c *Coordinator) Conversations() []model.Conversation {
	msgs := c.Messages()
	index := make(map[model.ID]int)
	var convs []model.Conversation
	for _, m := range msgs {
		i, ok := index[m.ConversationPartnerID]
		if !ok {
			i = len(convs)
			index[m.ConversationPartnerID] = i
			convs = append(convs, model.Conversation{PartnerID: m.ConversationPartnerID, LastMessage: m})
		}
		conv := &convs[i]
		conv.Messages = append(conv.Messages, m)
		if m.Counts() {
			conv.Unread++
		}
	}
	slices.SortStableFunc(convs, func(a, b model.Conversation) int {
		return cmp.Compare(b.LastMessage.CreatedAt.UnixNano(), a.LastMessage.CreatedAt.UnixNano())
	})
	return convs
}

// Counters returns the unread counters.
func (c *Coordinator) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countersLocked()
}

func (c *Coordinator) countersLocked() Counters {
	return Counters{Notifications: c.notifications.unread, Messages: c.messages.unread}
}

// SyncError returns the last non-authentication REST failure, cleared by
// the next fully successful refresh.
func (c *Coordinator) SyncError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncErr
}

// Refresh fetches both snapshots and both counts concurrently and merges
// whatever succeeded. It does nothing without a usable credential.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrNoSession
	}
	gen := c.gen
	nEpoch, mEpoch := c.notifications.epoch, c.messages.epoch
	c.refreshing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.refreshing = false
		c.mu.Unlock()
	}()

	if _, ok := c.creds.Current(); !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		notes                 []model.Notification
		msgs                  []model.Message
		noteCount, msgCount   int
		notesErr, msgsErr     error
		noteCntErr, msgCntErr error
	)
	var g errgroup.Group
	g.Go(func() error { notes, notesErr = c.notesAPI.Notifications(ctx); return notesErr })
	g.Go(func() error { noteCount, noteCntErr = c.notesAPI.NotificationUnreadCount(ctx); return noteCntErr })
	g.Go(func() error { msgs, msgsErr = c.msgAPI.Messages(ctx); return msgsErr })
	g.Go(func() error { msgCount, msgCntErr = c.msgAPI.MessageUnreadCount(ctx); return msgCntErr })
	_ = g.Wait()

	now := c.clock.Now()
	c.mu.Lock()
	if !c.active || gen != c.gen {
		c.mu.Unlock()
		return ErrNoSession
	}
	if noteCntErr == nil && c.notifications.current(nEpoch) {
		c.notifications.setCount(noteCount)
	}
	if msgCntErr == nil && c.messages.current(mEpoch) {
		c.messages.setCount(msgCount)
	}
	if notesErr == nil {
		c.notifications.applySnapshot(notes, nEpoch, now)
	}
	if msgsErr == nil {
		c.messages.applySnapshot(msgs, mEpoch, now)
	}
	err := errors.Join(notesErr, noteCntErr, msgsErr, msgCntErr)
	c.recordLocked(err, err == nil)
	c.mu.Unlock()

	c.changed()
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	return nil
}

// MarkNotificationRead marks one notification read locally at once and
// then tells the server. A failed call keeps the local state and sets
// SyncError.
func (c *Coordinator) MarkNotificationRead(ctx context.Context, id model.ID) {
	if !c.usable() {
		return
	}
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	issue := c.notifications.markRead(id, c.clock.Now())
	c.mu.Unlock()
	c.changed()

	if issue {
		c.deliver(ctx, outbox.KindNotificationRead, id, func() error {
			return c.notesAPI.MarkNotificationRead(ctx, id)
		})
	}
}

// MarkAllNotificationsRead marks every notification read and zeroes the
// counter.
func (c *Coordinator) MarkAllNotificationsRead(ctx context.Context) {
	if !c.usable() {
		return
	}
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.notifications.markAll(c.clock.Now())
	c.mu.Unlock()
	c.changed()

	c.deliver(ctx, outbox.KindNotificationsAllRead, "", func() error {
		return c.notesAPI.MarkAllNotificationsRead(ctx)
	})
}

// ClearAllNotifications empties the notification list and zeroes the
// counter.
func (c *Coordinator) ClearAllNotifications(ctx context.Context) {
	if !c.usable() {
		return
	}
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.notifications.clearAll()
	c.mu.Unlock()
	c.changed()

	c.deliver(ctx, "", "", func() error {
		return c.notesAPI.ClearNotifications(ctx)
	})
}

// MarkMessageRead marks one message read, like MarkNotificationRead.
func (c *Coordinator) MarkMessageRead(ctx context.Context, id model.ID) {
	if !c.usable() {
		return
	}
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	issue := c.messages.markRead(id, c.clock.Now())
	c.mu.Unlock()
	c.changed()

	if issue {
		c.deliver(ctx, outbox.KindMessageRead, id, func() error {
			return c.msgAPI.MarkMessageRead(ctx, id)
		})
	}
}

// MarkConversationRead marks every message from partner read. Once the
// list is loaded, a conversation with nothing unread is left alone.
func (c *Coordinator) MarkConversationRead(ctx context.Context, partner model.ID) {
	if !c.usable() {
		return
	}
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	changed := c.messages.markMatching(func(m *model.Message) bool {
		return m.ConversationPartnerID == partner && !m.IsSent
	}, c.clock.Now())
	issue := changed > 0 || !c.messages.loaded
	c.mu.Unlock()
	c.changed()

	if issue {
		c.deliver(ctx, outbox.KindConversationRead, partner, func() error {
			return c.msgAPI.MarkConversationRead(ctx, partner)
		})
	}
}

// SendMessage sends a message and adds the server's record to the list.
// Nothing is added locally before the server accepts it; failures are
// returned.
func (c *Coordinator) SendMessage(ctx context.Context, recipient model.ID, content, messageType string, metadata map[string]any) (*model.Message, error) {
	if recipient == "" || content == "" {
		return nil, ErrInvalidInput
	}
	if !c.usable() {
		return nil, credential.ErrInvalid
	}
	if messageType == "" {
		messageType = "text"
	}

	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil, ErrNoSession
	}
	gen := c.gen
	c.mu.Unlock()

	msg, err := c.msgAPI.SendMessage(ctx, model.SendRequest{
		RecipientID: recipient,
		Content:     content,
		MessageType: messageType,
		Metadata:    metadata,
	})
	if err != nil {
		c.log.Warn("send failed", zap.String("recipient", string(recipient)), zap.Error(err))
		return nil, fmt.Errorf("send message: %w", err)
	}

	c.mu.Lock()
	if c.active && gen == c.gen {
		c.messages.push(*msg, c.clock.Now())
	}
	c.mu.Unlock()
	c.changed()
	return msg, nil
}

func (c *Coordinator) usable() bool {
	_, ok := c.creds.Current()
	return ok
}

// deliver runs a REST action. Authentication failures are silent; other
// failures set SyncError and, for read receipts, queue the receipt.
func (c *Coordinator) deliver(ctx context.Context, kind string, target model.ID, call func() error) {
	err := call()
	if err == nil {
		return
	}
	c.mu.Lock()
	c.recordLocked(err, false)
	c.mu.Unlock()
	c.changed()

	if kind == "" || c.receipts == nil || silent(err) {
		return
	}
	if qerr := c.receipts.Enqueue(ctx, kind, target); qerr != nil {
		c.log.Warn("queue receipt failed", zap.String("kind", kind), zap.Error(qerr))
	}
}

func silent(err error) bool {
	return errors.Is(err, credential.ErrInvalid) || rest.IsAuthFailure(err)
}

// recordLocked updates SyncError. Caller holds c.mu.
func (c *Coordinator) recordLocked(err error, success bool) {
	switch {
	case err == nil:
		if success {
			c.syncErr = nil
		}
	case silent(err):
		c.log.Debug("request rejected, session likely ending", zap.Error(err))
	default:
		c.log.Warn("sync request failed", zap.Error(err))
		c.syncErr = err
	}
}

// guard drops channel events delivered after the session they were
// registered for has ended.
func (c *Coordinator) guard(gen uint64, fn func(gen uint64, payload any) error) bus.Listener {
	return func(e bus.Event) error {
		c.mu.Lock()
		live := c.active && c.gen == gen
		c.mu.Unlock()
		if !live {
			return nil
		}
		return fn(gen, e.Payload)
	}
}

func (c *Coordinator) onAuthenticated(gen uint64, _ any) error {
	token, ok := c.creds.Current()
	if !ok {
		return nil
	}
	payload := model.TokenPayload{Token: token}
	if err := c.channel.Emit(transport.EventJoinNotifications, payload); err != nil {
		c.log.Warn("join notifications failed", zap.Error(err))
	}
	if err := c.channel.Emit(transport.EventJoinMessages, payload); err != nil {
		c.log.Warn("join messages failed", zap.Error(err))
	}

	c.background.Add(1)
	go func() {
		defer c.background.Done()
		if err := c.Refresh(context.Background()); err != nil && !errors.Is(err, ErrNoSession) {
			c.log.Warn("refresh after authentication failed", zap.Error(err))
		}
	}()
	return nil
}

func (c *Coordinator) onNewNotification(gen uint64, payload any) error {
	var n model.Notification
	if err := decode(payload, &n); err != nil {
		return err
	}
	c.mu.Lock()
	if c.gen == gen {
		c.notifications.push(n, c.clock.Now())
	}
	c.mu.Unlock()
	c.changed()
	return nil
}

func (c *Coordinator) onNewMessage(gen uint64, payload any) error {
	var m model.Message
	if err := decode(payload, &m); err != nil {
		return err
	}
	c.mu.Lock()
	if c.gen == gen {
		c.messages.push(m, c.clock.Now())
	}
	c.mu.Unlock()
	c.changed()
	return nil
}

func (c *Coordinator) onNotificationCount(gen uint64, payload any) error {
	var cnt model.Count
	if err := decode(payload, &cnt); err != nil {
		return err
	}
	c.mu.Lock()
	if c.gen == gen && c.notifications.setCount(cnt.Count) {
		c.armDriftLocked(gen)
	}
	c.mu.Unlock()
	c.changed()
	return nil
}

func (c *Coordinator) onMessageCount(gen uint64, payload any) error {
	var cnt model.Count
	if err := decode(payload, &cnt); err != nil {
		return err
	}
	c.mu.Lock()
	if c.gen == gen && c.messages.setCount(cnt.Count) {
		c.armDriftLocked(gen)
	}
	c.mu.Unlock()
	c.changed()
	return nil
}

// armDriftLocked schedules one snapshot re-fetch if a server count still
// disagrees with the loaded list after the grace period. Caller holds c.mu.
func (c *Coordinator) armDriftLocked(gen uint64) {
	if c.driftTimer != nil {
		return
	}
	c.driftTimer = c.clock.AfterFunc(c.grace, func() {
		c.mu.Lock()
		c.driftTimer = nil
		stale := !c.active || gen != c.gen
		needed := c.notifications.drifted() || c.messages.drifted()
		busy := c.refreshing
		c.mu.Unlock()
		if stale || !needed || busy {
			return
		}
		c.log.Info("unread count drift, refetching")
		if err := c.Refresh(context.Background()); err != nil && !errors.Is(err, ErrNoSession) {
			c.log.Warn("drift refresh failed", zap.Error(err))
		}
	})
}

func (c *Coordinator) changed() {
	if c.bus == nil {
		return
	}
	_ = c.bus.Publish(bus.Event{Kind: EventChanged, Timestamp: c.clock.Now(), Payload: c.Counters()})
}

func decode(payload any, v any) error {
	switch p := payload.(type) {
	case json.RawMessage:
		return json.Unmarshal(p, v)
	case []byte:
		return json.Unmarshal(p, v)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("decode push payload: %w", err)
		}
		return json.Unmarshal(b, v)
	}
}
