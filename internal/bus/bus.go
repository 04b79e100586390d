package bus

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Bus is an in-process publish/subscribe event bus. Channel subscribers
// filter by namespace prefix and never block the publisher; listeners
// registered with On match the exact kind and run synchronously in
// registration order.
type Bus struct {
	mu        sync.RWMutex
	subs      map[int]*subscription
	listeners map[string][]*listener
	next      int
	log       *zap.Logger
}

type subscription struct {
	namespace string
	ch        chan Event
}

type listener struct {
	id     int
	fn     Listener
	active atomic.Bool
}

// New creates a new event bus.
func New(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		subs:      make(map[int]*subscription),
		listeners: make(map[string][]*listener),
		log:       log,
	}
}

// Publish delivers evt to every listener registered for evt.Kind, then to
// all subscribers whose namespace is a prefix of evt.Kind. Listener
// failures are logged and joined into the returned error.
func (b *Bus) Publish(evt Event) error {
	b.mu.RLock()
	ls := append([]*listener(nil), b.listeners[evt.Kind]...)
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
			}
		}
	}
	b.mu.RUnlock()

	var errs []error
	for _, l := range ls {
		if !l.active.Load() {
			continue
		}
		if err := l.call(evt); err != nil {
			b.log.Warn("listener failed",
				zap.String("kind", evt.Kind),
				zap.Int("listener", l.id),
				zap.Error(err),
			)
			errs = append(errs, &ListenerError{Kind: evt.Kind, ID: l.id, Err: err})
		}
	}
	return errors.Join(errs...)
}

func (l *listener) call(evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.fn(evt)
}

// On registers fn for events of exactly the given kind. The returned
// function removes it; once it returns, fn is not called again.
func (b *Bus) On(kind string, fn Listener) func() {
	b.mu.Lock()
	l := &listener{id: b.next, fn: fn}
	l.active.Store(true)
	b.next++
	b.listeners[kind] = append(b.listeners[kind], l)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			l.active.Store(false)
			ls := b.listeners[kind]
			for i, other := range ls {
				if other == l {
					b.listeners[kind] = append(ls[:i:i], ls[i+1:]...)
					break
				}
			}
			if len(b.listeners[kind]) == 0 {
				delete(b.listeners, kind)
			}
		})
	}
}

// Listeners reports how many listeners are registered for kind.
func (b *Bus) Listeners(kind string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[kind])
}

// Reset removes every listener. Channel subscriptions are kept.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ls := range b.listeners {
		for _, l := range ls {
			l.active.Store(false)
		}
	}
	b.listeners = make(map[string][]*listener)
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
