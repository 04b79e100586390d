package bus

import (
	"errors"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe("inbox.", 10)
	defer unsub()

	_ = b.Publish(Event{Kind: "inbox.changed", Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != "inbox.changed" {
			t.Errorf("got kind %q, want inbox.changed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe("presence.", 10)
	defer unsub()

	_ = b.Publish(Event{Kind: "inbox.changed"})
	_ = b.Publish(Event{Kind: "presence.status_changed"})

	select {
	case evt := <-ch:
		if evt.Kind != "presence.status_changed" {
			t.Errorf("got kind %q, want presence.status_changed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe("inbox.", 10)
	unsub()

	_ = b.Publish(Event{Kind: "inbox.changed"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	_ = b.Publish(Event{Kind: "test.one"})
	// Dropped, buffer is full.
	_ = b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

func TestListenersRunInOrder(t *testing.T) {
	b := New(nil)
	var got []int
	for i := range 3 {
		b.On("new_message", func(Event) error {
			got = append(got, i)
			return nil
		})
	}
	if err := b.Publish(Event{Kind: "new_message"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Errorf("call order = %v, want [0 1 2]", got)
	}
}

func TestListenerIsolation(t *testing.T) {
	b := New(nil)
	boom := errors.New("boom")
	calls := 0
	b.On("new_notification", func(Event) error { panic("listener bug") })
	b.On("new_notification", func(Event) error { return boom })
	b.On("new_notification", func(Event) error {
		calls++
		return nil
	})

	err := b.Publish(Event{Kind: "new_notification"})
	if calls != 1 {
		t.Fatalf("healthy listener called %d times, want 1", calls)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Publish() error = %v, want it to wrap boom", err)
	}
	var le *ListenerError
	if !errors.As(err, &le) || le.Kind != "new_notification" {
		t.Errorf("Publish() error = %v, want *ListenerError", err)
	}

	// Still usable after a panicking listener.
	if err := b.Publish(Event{Kind: "new_notification"}); err == nil {
		t.Error("second Publish() should report the same failing listeners")
	}
	if calls != 2 {
		t.Errorf("healthy listener called %d times, want 2", calls)
	}
}

func TestOffIsIndependent(t *testing.T) {
	b := New(nil)
	var a, c int
	offA := b.On("connected", func(Event) error { a++; return nil })
	b.On("connected", func(Event) error { c++; return nil })

	offA()
	offA()
	_ = b.Publish(Event{Kind: "connected"})
	if a != 0 || c != 1 {
		t.Errorf("a=%d c=%d, want a=0 c=1", a, c)
	}
	if n := b.Listeners("connected"); n != 1 {
		t.Errorf("Listeners() = %d, want 1", n)
	}
}

// TestOffDuringDispatch removes a later listener from inside an earlier
// one; the removed listener must not see the in-flight event.
func TestOffDuringDispatch(t *testing.T) {
	b := New(nil)
	called := false
	var offSecond func()
	b.On("disconnected", func(Event) error {
		offSecond()
		return nil
	})
	offSecond = b.On("disconnected", func(Event) error {
		called = true
		return nil
	})

	_ = b.Publish(Event{Kind: "disconnected"})
	if called {
		t.Fatal("listener removed mid-dispatch was still called")
	}
}

func TestReset(t *testing.T) {
	b := New(nil)
	called := false
	b.On("authenticated", func(Event) error { called = true; return nil })
	b.Reset()
	_ = b.Publish(Event{Kind: "authenticated"})
	if called {
		t.Fatal("listener called after Reset")
	}
	if n := b.Listeners("authenticated"); n != 0 {
		t.Errorf("Listeners() = %d, want 0", n)
	}
}
