package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ordersaga/internal/saga"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus/hooks/test"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestKafkaPublisherKeysByOrder(t *testing.T) {
	writer := &fakeWriter{}
	publisher := &KafkaPublisher{writer: writer}

	event := saga.Event{ID: "e-1", OrderID: "order-9", TransactionID: "tx"}
	if err := publisher.Publish(context.Background(), saga.TopicInventorySuccess, event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(writer.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(writer.msgs))
	}
	msg := writer.msgs[0]
	if msg.Topic != "inventory-success" || string(msg.Key) != "order-9" {
		t.Fatalf("unexpected message routing: topic=%s key=%s", msg.Topic, msg.Key)
	}
	decoded, err := Decode(msg.Value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != "e-1" {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func newTestSubscriber(reader *fakeReader, concurrency int) *KafkaSubscriber {
	log, _ := test.NewNullLogger()
	sub := NewKafkaSubscriber(nil, "group", concurrency, log)
	sub.newReader = func(saga.Topic) messageReader { return reader }
	sub.retry.Jitter = func(d time.Duration) time.Duration { return d }
	sub.retry.BaseDelay = time.Millisecond
	sub.retry.MaxDelay = 5 * time.Millisecond
	return sub
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestKafkaSubscriberRetriesFailedHandlerBeforeCommitting(t *testing.T) {
	first, _ := Encode(saga.Event{ID: "first", OrderID: "o"})
	second, _ := Encode(saga.Event{ID: "second", OrderID: "o"})
	reader := &fakeReader{pending: []kafka.Message{
		{Offset: 10, Value: first},
		{Offset: 11, Value: second},
		{Offset: 12, Value: []byte("{garbage")},
	}}
	sub := newTestSubscriber(reader, 2)

	var mu sync.Mutex
	calls := map[string]int{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sub.Subscribe(ctx, saga.TopicOrchestrator, func(ctx context.Context, event saga.Event) error {
			mu.Lock()
			calls[event.ID]++
			n := calls[event.ID]
			mu.Unlock()
			if event.ID == "first" && n == 1 {
				return errors.New("downstream failed")
			}
			return nil
		})
	}()

	waitFor(t, "all offsets committed", func() bool { return len(reader.commits()) == 3 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("subscribe returned %v", err)
	}

	commits := reader.commits()
	if commits[0] != 10 || commits[1] != 11 || commits[2] != 12 {
		t.Fatalf("expected offsets committed in order 10, 11, 12, got %v", commits)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls["first"] != 2 || calls["second"] != 1 {
		t.Fatalf("unexpected handler calls: %v", calls)
	}
	if !reader.closed {
		t.Fatalf("expected reader closed")
	}
}

func TestKafkaSubscriberHoldsOffsetsBehindFailingMessage(t *testing.T) {
	ok1, _ := Encode(saga.Event{ID: "ok-1", OrderID: "o"})
	stuck, _ := Encode(saga.Event{ID: "stuck", OrderID: "o"})
	ok3, _ := Encode(saga.Event{ID: "ok-3", OrderID: "o"})
	reader := &fakeReader{pending: []kafka.Message{
		{Offset: 1, Value: ok1},
		{Offset: 2, Value: stuck},
		{Offset: 3, Value: ok3},
	}}
	sub := newTestSubscriber(reader, 2)

	var mu sync.Mutex
	calls := map[string]int{}
	count := func(id string) int {
		mu.Lock()
		defer mu.Unlock()
		return calls[id]
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sub.Subscribe(ctx, saga.TopicOrchestrator, func(ctx context.Context, event saga.Event) error {
			mu.Lock()
			calls[event.ID]++
			mu.Unlock()
			if event.ID == "stuck" {
				return errors.New("downstream failed")
			}
			return nil
		})
	}()

	waitFor(t, "later message handled", func() bool { return count("ok-3") == 1 })
	waitFor(t, "failing message retried", func() bool { return count("stuck") >= 3 })
	waitFor(t, "first offset committed", func() bool { return len(reader.commits()) == 1 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("subscribe returned %v", err)
	}

	commits := reader.commits()
	if len(commits) != 1 || commits[0] != 1 {
		t.Fatalf("expected only offset 1 committed, got %v", commits)
	}
}

func TestOffsetTrackerKeepsPartitionsIndependent(t *testing.T) {
	tracker := newOffsetTracker()
	a0 := tracker.track(kafka.Message{Partition: 0, Offset: 5})
	a1 := tracker.track(kafka.Message{Partition: 0, Offset: 6})
	b0 := tracker.track(kafka.Message{Partition: 1, Offset: 40})

	var committed []int64
	commit := func(msgs []kafka.Message) {
		for _, m := range msgs {
			committed = append(committed, m.Offset)
		}
	}

	tracker.complete(a1, commit)
	if len(committed) != 0 {
		t.Fatalf("offset 6 committed ahead of 5: %v", committed)
	}
	tracker.complete(b0, commit)
	tracker.complete(a0, commit)
	if len(committed) != 3 || committed[0] != 40 || committed[1] != 5 || committed[2] != 6 {
		t.Fatalf("unexpected commit order: %v", committed)
	}
}
