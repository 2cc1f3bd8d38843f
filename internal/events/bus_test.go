package events

import (
	"testing"
	"time"

	"github.com/dot1xd/dot1xd/internal/logging"
)

func TestBusDeliversToSubscriber(t *testing.T) {
	bus := NewBus(100, logging.Discard())
	go bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe(10)
	bus.Publish(Event{
		Type:      EventAuthSuccess,
		Timestamp: time.Now(),
		Auth: &AuthData{
			PortID: "00:00:00:00:00:10",
			MAC:    "aa:bb:cc:dd:ee:01",
			Method: MethodEAP,
		},
	})

	select {
	case evt := <-sub:
		if evt.Type != EventAuthSuccess {
			t.Errorf("event type = %s", evt.Type)
		}
		if evt.Auth == nil || evt.Auth.MAC != "aa:bb:cc:dd:ee:01" {
			t.Errorf("auth data = %+v", evt.Auth)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBusFansOut(t *testing.T) {
	bus := NewBus(100, logging.Discard())
	go bus.Start()
	defer bus.Stop()

	a := bus.Subscribe(10)
	b := bus.Subscribe(10)
	bus.Publish(Event{Type: EventPortUp, PortID: "p1"})

	for _, sub := range []chan Event{a, b} {
		select {
		case evt := <-sub:
			if evt.PortID != "p1" {
				t.Errorf("port id = %s", evt.PortID)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("fan-out delivery missing")
		}
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus(1, logging.Discard())
	// Not started: the buffer fills and further publishes must drop, not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: EventAuthFailure})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full bus")
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(100, logging.Discard())
	go bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe(10)
	bus.Unsubscribe(sub)
	bus.Publish(Event{Type: EventPortDown, PortID: "p1"})

	select {
	case evt := <-sub:
		t.Errorf("unsubscribed channel received %v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}
