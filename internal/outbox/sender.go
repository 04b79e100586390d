// Package outbox redelivers read receipts whose REST call failed. Rows
// live in the profile database so they survive a daemon restart.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/livesync/internal/bus"
	"github.com/matheus3301/livesync/internal/credential"
	"github.com/matheus3301/livesync/internal/model"
	"github.com/matheus3301/livesync/internal/rest"
	"github.com/matheus3301/livesync/internal/store"
	"go.uber.org/zap"
)

// ErrUnbound is returned by Enqueue when no user is bound.
var ErrUnbound = errors.New("outbox: no user bound")

// Receipt kinds.
const (
	KindNotificationRead     = "notification_read"
	KindNotificationsAllRead = "notifications_all_read"
	KindMessageRead          = "message_read"
	KindConversationRead     = "conversation_read"
)

// Receipt events published on the bus.
const (
	EventDelivered = "receipt.delivered"
	EventFailed    = "receipt.failed"
)

const batchSize = 50

// ReadAPI is the subset of the REST client receipts are replayed against.
type ReadAPI interface {
	MarkNotificationRead(ctx context.Context, id model.ID) error
	MarkAllNotificationsRead(ctx context.Context) error
	MarkMessageRead(ctx context.Context, id model.ID) error
	MarkConversationRead(ctx context.Context, partner model.ID) error
}

// Options tunes the drain loop.
type Options struct {
	Interval    time.Duration
	MaxAttempts int
}

// Sender drains the receipts queue of the bound user.
type Sender struct {
	db     *store.DB
	api    ReadAPI
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	user string

	flushMu sync.Mutex
}

// NewSender creates a new receipts sender.
func NewSender(db *store.DB, api ReadAPI, b *bus.Bus, logger *zap.Logger, opts Options) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Sender{
		db:     db,
		api:    api,
		bus:    b,
		logger: logger.Named("outbox"),
		opts:   opts,
	}
}

// Bind selects the user whose receipts are queued and drained.
func (s *Sender) Bind(user string) {
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
}

// Unbind stops queuing and draining until the next Bind.
func (s *Sender) Unbind() {
	s.Bind("")
}

func (s *Sender) boundUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Enqueue stores a receipt for the bound user.
func (s *Sender) Enqueue(_ context.Context, kind string, target model.ID) error {
	user := s.boundUser()
	if user == "" {
		return ErrUnbound
	}
	if err := s.db.QueueReceipt(user, kind, string(target)); err != nil {
		return fmt.Errorf("queue receipt: %w", err)
	}
	s.logger.Info("receipt queued", zap.String("kind", kind), zap.String("target", string(target)))
	return nil
}

// Purge deletes every stored receipt of user.
func (s *Sender) Purge(user string) error {
	n, err := s.db.PurgeReceipts(user)
	if err != nil {
		return fmt.Errorf("purge receipts: %w", err)
	}
	if n > 0 {
		s.logger.Info("receipts purged", zap.Int64("count", n))
	}
	return nil
}

// Start begins polling the queue.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the loop and waits for it to exit.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Flush(ctx); err != nil {
				s.logger.Debug("flush stopped", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Flush delivers the bound user's pending receipts once and returns how
// many were delivered. It stops early when the credential is refused.
func (s *Sender) Flush(ctx context.Context) (int, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	user := s.boundUser()
	if user == "" {
		return 0, nil
	}
	pending, err := s.db.PendingReceipts(user, batchSize)
	if err != nil {
		s.logger.Error("failed to read receipts", zap.Error(err))
		return 0, err
	}

	delivered := 0
	for _, r := range pending {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		err := s.deliver(ctx, r)
		if err == nil {
			if derr := s.db.DeleteReceipt(r.ID); derr != nil {
				s.logger.Error("failed to delete receipt", zap.Error(derr), zap.Int64("id", r.ID))
			}
			delivered++
			s.publish(EventDelivered, r)
			continue
		}
		if errors.Is(err, credential.ErrInvalid) || rest.IsAuthFailure(err) {
			return delivered, err
		}

		failed, ferr := s.db.RecordReceiptFailure(r.ID, err.Error(), s.opts.MaxAttempts)
		if ferr != nil {
			s.logger.Error("failed to record attempt", zap.Error(ferr), zap.Int64("id", r.ID))
			continue
		}
		s.logger.Warn("receipt delivery failed",
			zap.String("kind", r.Kind),
			zap.String("target", r.TargetID),
			zap.Bool("gave_up", failed),
			zap.Error(err),
		)
		if failed {
			s.publish(EventFailed, r)
		}
	}
	if delivered > 0 {
		s.logger.Info("receipts delivered", zap.Int("count", delivered))
	}
	return delivered, nil
}

func (s *Sender) deliver(ctx context.Context, r store.Receipt) error {
	target := model.ID(r.TargetID)
	switch r.Kind {
	case KindNotificationRead:
		return s.api.MarkNotificationRead(ctx, target)
	case KindNotificationsAllRead:
		return s.api.MarkAllNotificationsRead(ctx)
	case KindMessageRead:
		return s.api.MarkMessageRead(ctx, target)
	case KindConversationRead:
		return s.api.MarkConversationRead(ctx, target)
	default:
		return fmt.Errorf("unknown receipt kind %q", r.Kind)
	}
}

func (s *Sender) publish(kind string, r store.Receipt) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   map[string]string{"kind": r.Kind, "target": r.TargetID},
	})
}
