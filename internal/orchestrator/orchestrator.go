// Package orchestrator routes every saga event to its next topic.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ordersaga/internal/observability"
	"ordersaga/internal/saga"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Publisher sends an event to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic saga.Topic, event saga.Event) error
}

// Subscriber delivers a topic's events to handle until ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, topic saga.Topic, handle func(context.Context, saga.Event) error) error
}

// Broadcaster pushes trace messages to live viewers.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// Orchestrator holds no per-saga state: each decision depends only on the
// event's source and status.
type Orchestrator struct {
	router    *saga.Router
	publisher Publisher
	log       logrus.FieldLogger
	metrics   *observability.Metrics
	traces    Broadcaster
	now       func() time.Time
}

type Option func(*Orchestrator)

func WithLogger(log logrus.FieldLogger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTraces broadcasts a JSON trace for every routed event.
func WithTraces(b Broadcaster) Option {
	return func(o *Orchestrator) { o.traces = b }
}

func New(router *saga.Router, publisher Publisher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		router:    router,
		publisher: publisher,
		log:       logrus.StandardLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle forwards event unchanged to the topic its routing rule names.
// Events with no rule are logged and dropped so they are not redelivered
// forever; only publish failures are returned.
func (o *Orchestrator) Handle(ctx context.Context, event saga.Event) error {
	span := o.metrics.Start("orchestrator.route")
	route, err := o.router.NextTopic(event)
	if err != nil {
		o.drop(event, err)
		span.End(true)
		return nil
	}

	o.log.WithFields(logrus.Fields{
		"order_id":       event.OrderID,
		"transaction_id": event.TransactionID,
		"transition":     route.Transition.String(),
		"topic":          route.Topic,
	}).Info(saga.TraceLine(event, route))
	o.metrics.AddTransition(route.Transition.String())
	o.broadcast(event, route)

	if err := o.publisher.Publish(ctx, route.Topic, event); err != nil {
		span.End(true)
		return fmt.Errorf("publish %s: %w", route.Topic, err)
	}
	span.End(false)
	return nil
}

func (o *Orchestrator) drop(event saga.Event, err error) {
	o.metrics.AddDropped()
	entry := o.log.WithError(err).WithFields(logrus.Fields{
		"order_id":       event.OrderID,
		"transaction_id": event.TransactionID,
		"source":         event.Source,
		"status":         event.Status,
	})
	var routing *saga.RoutingError
	if errors.As(err, &routing) {
		entry.Error("unroutable saga event dropped")
		return
	}
	entry.Error("saga event dropped")
}

func (o *Orchestrator) broadcast(event saga.Event, route saga.Route) {
	if o.traces == nil {
		return
	}
	data, err := json.Marshal(saga.NewTrace(event, route, o.now()))
	if err != nil {
		o.log.WithError(err).Warn("failed to encode saga trace")
		return
	}
	o.traces.Broadcast(data)
}

// Run consumes the start-saga and orchestrator topics until ctx ends.
func (o *Orchestrator) Run(ctx context.Context, sub Subscriber) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range []saga.Topic{saga.TopicStartSaga, saga.TopicOrchestrator} {
		topic := topic
		g.Go(func() error {
			return sub.Subscribe(gctx, topic, o.Handle)
		})
	}
	return g.Wait()
}
