package eventbus

import (
	"testing"
	"time"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe("tally", DropOldest)
	defer bus.Unsubscribe(sub)

	bus.Publish("tally", 5)

	select {
	case evt := <-sub.Events():
		if evt.Payload != 5 {
			t.Fatalf("expected payload 5, got %v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_DropOldest_NeverBlocksPublisher(t *testing.T) {
	bus := New(2)
	sub := bus.Subscribe("tally", DropOldest)
	defer bus.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish("tally", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked under a full, unread subscriber buffer")
	}

	select {
	case evt := <-sub.Events():
		if evt.Payload != 98 {
			t.Fatalf("expected the last two events to survive (98), got %v", evt.Payload)
		}
	default:
		t.Fatal("expected a buffered event to remain after eviction")
	}
}

func TestBus_CloseOnLag_SignalsLagged(t *testing.T) {
	bus := New(1)
	sub := bus.Subscribe("invalidate", CloseOnLag)
	defer bus.Unsubscribe(sub)

	bus.Publish("invalidate", "a")
	bus.Publish("invalidate", "b") // buffer full -> subscription closed under CloseOnLag

	select {
	case <-sub.Lagged():
	case <-time.After(time.Second):
		t.Fatal("expected Lagged() to fire once the buffer overflowed")
	}

	// The event buffered before the overflow is still delivered; the channel is
	// closed once it is drained.
	if evt, ok := <-sub.Events(); !ok || evt.Payload != "a" {
		t.Fatalf("expected the buffered event to survive, got %v (open=%v)", evt.Payload, ok)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected the events channel to be closed after lagging")
	}
}

func TestBus_Unsubscribe_IsIdempotentAndClosesChannel(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe("tally", DropOldest)

	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub) // must not panic

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected the events channel to be closed after unsubscribe")
	}
}

func TestBus_Publish_NoSubscribersIsNoop(t *testing.T) {
	bus := New(4)
	bus.Publish("nobody-listening", "x") // must not panic or block
}
