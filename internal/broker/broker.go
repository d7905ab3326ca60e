// Package broker moves saga events between the orchestrator and the
// participants, over Kafka or an in-process bus.
package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"ordersaga/internal/saga"
)

// Handler processes one delivered event. Returning an error leaves the
// delivery uncommitted.
type Handler = func(ctx context.Context, event saga.Event) error

// Publisher sends an event to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic saga.Topic, event saga.Event) error
}

// Subscriber delivers a topic's events to handle until ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, topic saga.Topic, handle Handler) error
}

// Encode renders an event in its wire form.
func Encode(event saga.Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	return data, nil
}

// Decode parses an event from its wire form.
func Decode(data []byte) (saga.Event, error) {
	var event saga.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return saga.Event{}, fmt.Errorf("%w: decode event: %v", saga.ErrInvalidPayload, err)
	}
	return event, nil
}
