// Package participant runs the idempotent saga steps of the order saga:
// product validation, inventory reservation and payment, plus the order
// step that starts every saga.
package participant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ordersaga/internal/observability"
	"ordersaga/internal/saga"

	"github.com/sirupsen/logrus"
)

// DefaultStepTimeout bounds one business action or compensation.
const DefaultStepTimeout = 5 * time.Second

// Action is the participant-specific part of a step.
type Action interface {
	Source() saga.Source
	// Name is the verb phrase used in history messages, e.g. "update inventory".
	Name() string
	// Execute applies the business action and returns the success message.
	// A failed Execute must leave no visible mutation behind.
	Execute(ctx context.Context, event *saga.Event) (string, error)
	// Compensate reverses what Execute committed for the event's key.
	// Repeating it after a successful reversal is a no-op.
	Compensate(ctx context.Context, event *saga.Event) error
}

// Ledger is a participant's write-once record of processed transactions.
type Ledger interface {
	Exists(ctx context.Context, key saga.Key) (bool, error)
	// Save records key as applied. It is an insert-if-absent and returns
	// saga.ErrDuplicateTransaction when key is already present.
	Save(ctx context.Context, key saga.Key) error
}

// Runner executes one participant's steps. Handle and Compensate never fail:
// every outcome is turned into the event to re-emit.
type Runner struct {
	action  Action
	ledger  Ledger
	locks   *KeyedMutex
	timeout time.Duration
	now     func() time.Time
	log     logrus.FieldLogger
	metrics *observability.Metrics
}

type Option func(*Runner)

// WithTimeout overrides DefaultStepTimeout. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner constructs a Runner for action guarded by ledger.
func NewRunner(action Action, ledger Ledger, opts ...Option) *Runner {
	r := &Runner{
		action:  action,
		ledger:  ledger,
		locks:   NewKeyedMutex(),
		timeout: DefaultStepTimeout,
		now:     time.Now,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Source returns the participant this runner acts for.
func (r *Runner) Source() saga.Source {
	return r.action.Source()
}

// Handle runs the forward step for event and returns the event to re-emit.
func (r *Runner) Handle(ctx context.Context, in saga.Event) saga.Event {
	event := in.Clone()
	span := r.metrics.Start(r.handlerName("handle"))

	unlock := r.locks.Lock(event.Key().String())
	defer unlock()

	stepCtx, cancel := r.stepContext(ctx)
	defer cancel()

	message, err := r.execute(stepCtx, &event)
	if err != nil {
		r.fail(&event, err)
		span.End(true)
		return event
	}

	if err := r.ledger.Save(stepCtx, event.Key()); err != nil {
		// The mutation is visible but unrecorded; have this participant undo it.
		r.rollbackPending(&event, classify(err))
		span.End(true)
		return event
	}

	event.Status = saga.StatusSuccess
	event.Source = r.action.Source()
	event.AddHistory(message, r.now())
	r.logFor(event).Info(message)
	span.End(false)
	return event
}

// Compensate reverses this participant's effect for event and returns the
// event to re-emit, which continues the unwind toward the previous participant.
func (r *Runner) Compensate(ctx context.Context, in saga.Event) saga.Event {
	event := in.Clone()
	span := r.metrics.Start(r.handlerName("compensate"))

	unlock := r.locks.Lock(event.Key().String())
	defer unlock()

	stepCtx, cancel := r.stepContext(ctx)
	defer cancel()

	err := r.action.Compensate(stepCtx, &event)
	event.Source = r.action.Source()
	event.Status = saga.StatusFail
	if err != nil {
		err = classify(err)
		event.AddHistory(fmt.Sprintf("Rollback failed on %s: %v", r.action.Source(), err), r.now())
		r.logFor(event).WithError(err).Error("CRITICAL: compensation failed, continuing rollback")
		span.End(true)
		return event
	}

	r.logFor(event).Infof("Rollback executed on %s", r.action.Source())
	span.End(false)
	return event
}

func (r *Runner) execute(ctx context.Context, event *saga.Event) (string, error) {
	exists, err := r.ledger.Exists(ctx, event.Key())
	if err != nil {
		return "", classify(err)
	}
	if exists {
		return "", fmt.Errorf("%w: there's another transactionID for this validation", saga.ErrDuplicateTransaction)
	}
	if err := ValidatePayload(*event); err != nil {
		return "", err
	}
	message, err := r.action.Execute(ctx, event)
	if err != nil {
		return "", classify(err)
	}
	return message, nil
}

func (r *Runner) fail(event *saga.Event, err error) {
	event.Status = saga.StatusFail
	event.Source = r.action.Source()
	event.AddHistory(fmt.Sprintf("Fail to %s: %v", r.action.Name(), err), r.now())
	entry := r.logFor(*event).WithError(err)
	if saga.IsBusinessFailure(err) {
		entry.Warnf("failed to %s", r.action.Name())
		return
	}
	entry.Errorf("failed to %s", r.action.Name())
}

func (r *Runner) rollbackPending(event *saga.Event, err error) {
	event.Status = saga.StatusRollbackPending
	event.Source = r.action.Source()
	event.AddHistory(fmt.Sprintf("Fail to record transaction after %s: %v", r.action.Name(), err), r.now())
	r.logFor(*event).WithError(err).Error("ledger write failed after commit, requesting rollback")
}

func (r *Runner) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Runner) handlerName(op string) string {
	return string(r.action.Source()) + "." + op
}

func (r *Runner) logFor(event saga.Event) *logrus.Entry {
	return r.log.WithFields(logrus.Fields{
		"participant":    r.action.Source(),
		"order_id":       event.OrderID,
		"transaction_id": event.TransactionID,
		"event_id":       event.ID,
	})
}

// classify folds timeouts and cancellations into saga.ErrStoreUnavailable so
// they surface as transient failures.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, saga.ErrStoreUnavailable) || saga.IsBusinessFailure(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", saga.ErrStoreUnavailable, err)
	}
	return err
}

// ValidatePayload checks the fields every participant relies on.
func ValidatePayload(event saga.Event) error {
	if event.OrderID == "" || event.TransactionID == "" {
		return fmt.Errorf("%w: orderID and transactionID must be informed", saga.ErrInvalidPayload)
	}
	if len(event.Payload.Products) == 0 {
		return fmt.Errorf("%w: product list is empty", saga.ErrInvalidPayload)
	}
	for i, item := range event.Payload.Products {
		if item.ProductCode == "" {
			return fmt.Errorf("%w: product must be informed (line %d)", saga.ErrInvalidPayload, i+1)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: quantity must be positive for product %s", saga.ErrInvalidPayload, item.ProductCode)
		}
	}
	return nil
}
