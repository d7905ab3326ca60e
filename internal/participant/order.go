package participant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ordersaga/internal/saga"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrEventNotFound signals no stored event matches the filters.
	ErrEventNotFound = errors.New("event not found")
	// ErrFiltersRequired signals a lookup without orderId or transactionId.
	ErrFiltersRequired = errors.New("orderId or transactionId must be informed")
)

// OrderRequest is the client input that starts a saga.
type OrderRequest struct {
	Products []saga.LineItem `json:"products"`
}

// EventFilters selects stored events. At least one field must be set.
type EventFilters struct {
	OrderID       string
	TransactionID string
}

// EventStore keeps the events the order service has seen.
type EventStore interface {
	Save(ctx context.Context, event saga.Event) error
	// FindByFilters returns the most recent event matching every set filter.
	FindByFilters(ctx context.Context, filters EventFilters) (saga.Event, error)
	// FindAll returns every stored event, newest first.
	FindAll(ctx context.Context) ([]saga.Event, error)
}

// OrderService creates orders, starts their sagas and records how they end.
type OrderService struct {
	events    EventStore
	publisher Publisher
	newID     func() string
	now       func() time.Time
	log       logrus.FieldLogger
}

func NewOrderService(events EventStore, publisher Publisher, log logrus.FieldLogger) *OrderService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &OrderService{
		events:    events,
		publisher: publisher,
		newID:     uuid.NewString,
		now:       time.Now,
		log:       log.WithField("participant", saga.SourceOrder),
	}
}

// CreateOrder validates the request, stores the initial PENDING event and
// publishes it to start the saga.
func (s *OrderService) CreateOrder(ctx context.Context, req OrderRequest) (saga.Order, error) {
	if len(req.Products) == 0 {
		return saga.Order{}, fmt.Errorf("%w: product list is empty", saga.ErrInvalidPayload)
	}
	now := s.now()
	products := make([]saga.LineItem, len(req.Products))
	copy(products, req.Products)

	order := saga.Order{
		ID:            s.newID(),
		TransactionID: fmt.Sprintf("%d_%s", now.UnixMilli(), s.newID()),
		Products:      products,
		CreatedAt:     now,
	}
	event := saga.Event{
		ID:            s.newID(),
		TransactionID: order.TransactionID,
		OrderID:       order.ID,
		Payload:       order,
		Source:        saga.SourceOrder,
		Status:        saga.StatusPending,
		CreatedAt:     now,
	}
	if err := ValidatePayload(event); err != nil {
		return saga.Order{}, err
	}
	if err := s.events.Save(ctx, event); err != nil {
		return saga.Order{}, fmt.Errorf("save initial event: %w", err)
	}
	if err := s.publisher.Publish(ctx, saga.TopicStartSaga, event); err != nil {
		return saga.Order{}, fmt.Errorf("publish %s: %w", saga.TopicStartSaga, err)
	}
	s.log.WithFields(logrus.Fields{
		"order_id":       order.ID,
		"transaction_id": order.TransactionID,
	}).Info("order created, saga started")
	return order, nil
}

// Finish stores the terminal event of a saga.
func (s *OrderService) Finish(ctx context.Context, event saga.Event) error {
	entry := s.log.WithFields(logrus.Fields{
		"order_id":       event.OrderID,
		"transaction_id": event.TransactionID,
		"status":         event.Status,
	})
	if err := s.events.Save(ctx, event); err != nil {
		entry.WithError(err).Error("failed to store finished saga")
		return err
	}
	if event.Status == saga.StatusSuccess {
		entry.Info("saga finished successfully")
	} else {
		entry.Warn("saga finished with failure")
	}
	return nil
}

// FindEvent returns the latest event matching filters.
func (s *OrderService) FindEvent(ctx context.Context, filters EventFilters) (saga.Event, error) {
	if filters.OrderID == "" && filters.TransactionID == "" {
		return saga.Event{}, ErrFiltersRequired
	}
	return s.events.FindByFilters(ctx, filters)
}

func (s *OrderService) FindAllEvents(ctx context.Context) ([]saga.Event, error) {
	return s.events.FindAll(ctx)
}

// Run consumes the finish topics until ctx is cancelled.
func (s *OrderService) Run(ctx context.Context, sub Subscriber) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range []saga.Topic{saga.TopicFinishSuccess, saga.TopicFinishFail} {
		topic := topic
		g.Go(func() error {
			return sub.Subscribe(gctx, topic, s.Finish)
		})
	}
	return g.Wait()
}
