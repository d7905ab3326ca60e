package participant

import (
	"context"
	"fmt"

	"ordersaga/internal/saga"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Publisher sends an event to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic saga.Topic, event saga.Event) error
}

// HandlerFunc processes one delivered event. A returned error leaves the
// delivery uncommitted so the transport may redeliver it.
type HandlerFunc = func(ctx context.Context, event saga.Event) error

// Subscriber delivers the events of a topic to a handler until ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, topic saga.Topic, handle HandlerFunc) error
}

// Service binds a Runner to its forward and compensation topics and reports
// every outcome back to the orchestrator.
type Service struct {
	runner    *Runner
	publisher Publisher
	topics    saga.ParticipantTopics
	log       logrus.FieldLogger
}

func NewService(runner *Runner, publisher Publisher, log logrus.FieldLogger) (*Service, error) {
	topics, ok := saga.TopicsFor(runner.Source())
	if !ok {
		return nil, fmt.Errorf("no topics bound to participant %s", runner.Source())
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		runner:    runner,
		publisher: publisher,
		topics:    topics,
		log:       log.WithField("participant", runner.Source()),
	}, nil
}

func (s *Service) Topics() saga.ParticipantTopics {
	return s.topics
}

// HandleForward runs the forward step and publishes the result.
func (s *Service) HandleForward(ctx context.Context, event saga.Event) error {
	out := s.runner.Handle(ctx, event)
	return s.report(ctx, out)
}

// HandleCompensation runs the compensation and publishes the result.
func (s *Service) HandleCompensation(ctx context.Context, event saga.Event) error {
	out := s.runner.Compensate(ctx, event)
	return s.report(ctx, out)
}

func (s *Service) report(ctx context.Context, event saga.Event) error {
	if err := s.publisher.Publish(ctx, saga.TopicOrchestrator, event); err != nil {
		s.log.WithError(err).WithField("event_id", event.ID).Error("failed to notify orchestrator")
		return fmt.Errorf("publish %s: %w", saga.TopicOrchestrator, err)
	}
	return nil
}

// Run consumes both topics until ctx is cancelled or a subscription fails.
func (s *Service) Run(ctx context.Context, sub Subscriber) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sub.Subscribe(gctx, s.topics.Forward, s.HandleForward)
	})
	g.Go(func() error {
		return sub.Subscribe(gctx, s.topics.Compensation, s.HandleCompensation)
	})
	return g.Wait()
}
