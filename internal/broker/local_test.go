package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"ordersaga/internal/saga"
)

func TestBusDeliversIndependentCopies(t *testing.T) {
	bus := NewBus(nil)
	var got []saga.Event
	for i := 0; i < 2; i++ {
		bus.Handle(saga.TopicInventorySuccess, func(ctx context.Context, event saga.Event) error {
			event.History = append(event.History, saga.History{Message: "touched"})
			got = append(got, event)
			return nil
		})
	}

	in := saga.Event{ID: "e-1", OrderID: "o", TransactionID: "t", History: []saga.History{{Message: "first"}}}
	if err := bus.Publish(context.Background(), saga.TopicInventorySuccess, in); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	for _, e := range got {
		if len(e.History) != 2 {
			t.Fatalf("expected each copy to see its own append, got %d entries", len(e.History))
		}
	}
	if len(in.History) != 1 {
		t.Fatalf("publisher's event was mutated")
	}
}

func TestBusJoinsHandlerErrors(t *testing.T) {
	bus := NewBus(nil)
	boom := errors.New("boom")
	bus.Handle(saga.TopicPaymentFail, func(ctx context.Context, event saga.Event) error { return boom })

	if err := bus.Publish(context.Background(), saga.TopicPaymentFail, saga.Event{}); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if err := bus.Publish(context.Background(), saga.TopicFinishFail, saga.Event{}); err != nil {
		t.Fatalf("expected nil for topic without subscribers, got %v", err)
	}
}

func TestBusSubscribeUnregistersOnCancel(t *testing.T) {
	bus := NewBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	delivered := make(chan struct{}, 1)
	done := make(chan error, 1)

	go func() {
		done <- bus.Subscribe(ctx, saga.TopicFinishSuccess, func(ctx context.Context, event saga.Event) error {
			delivered <- struct{}{}
			return nil
		})
	}()

	deadline := time.Now().Add(time.Second)
	for {
		_ = bus.Publish(context.Background(), saga.TopicFinishSuccess, saga.Event{})
		select {
		case <-delivered:
		case <-time.After(5 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("subscriber never registered")
			}
			continue
		}
		break
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("subscribe returned %v", err)
	}
	bus.mu.RLock()
	n := len(bus.handlers[saga.TopicFinishSuccess])
	bus.mu.RUnlock()
	if n != 0 {
		t.Fatalf("expected handler removed, %d left", n)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("{not json")); !errors.Is(err, saga.ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
}
