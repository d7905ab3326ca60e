package broker

import (
	"context"
	"errors"
	"sync"

	"ordersaga/internal/saga"

	"github.com/sirupsen/logrus"
)

// Bus is a synchronous in-process broker. Publish runs every handler of the
// topic before returning, passing each its own decoded copy of the event.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[saga.Topic][]busHandler
	log      logrus.FieldLogger
}

type busHandler struct {
	id     int
	handle Handler
}

func NewBus(log logrus.FieldLogger) *Bus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bus{
		handlers: make(map[saga.Topic][]busHandler),
		log:      log,
	}
}

// Handle registers handle for topic and returns a function that removes it.
func (b *Bus) Handle(topic saga.Topic, handle Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[topic] = append(b.handlers[topic], busHandler{id: id, handle: handle})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.handlers[topic]
		for i, h := range list {
			if h.id == id {
				b.handlers[topic] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Subscribe registers handle and blocks until ctx ends.
func (b *Bus) Subscribe(ctx context.Context, topic saga.Topic, handle Handler) error {
	remove := b.Handle(topic, handle)
	defer remove()
	<-ctx.Done()
	return nil
}

func (b *Bus) Publish(ctx context.Context, topic saga.Topic, event saga.Event) error {
	data, err := Encode(event)
	if err != nil {
		return err
	}

	b.mu.RLock()
	list := append([]busHandler(nil), b.handlers[topic]...)
	b.mu.RUnlock()

	if len(list) == 0 {
		b.log.WithField("topic", topic).Debug("no subscribers, event discarded")
		return nil
	}

	var errs []error
	for _, h := range list {
		delivered, err := Decode(data)
		if err != nil {
			return err
		}
		if err := h.handle(ctx, delivered); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
