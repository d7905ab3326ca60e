package participant

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"ordersaga/internal/saga"
)

var (
	// ErrPaymentNotFound signals a refund for a saga key that was never charged.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrAlreadyRefunded signals the payment for a saga key was already refunded.
	ErrAlreadyRefunded = errors.New("payment already refunded")
)

type PaymentStatus string

const (
	PaymentStatusSuccess PaymentStatus = "SUCCESS"
	PaymentStatusRefund  PaymentStatus = "REFUND"
)

// Payment is the charge recorded for one saga attempt. TotalAmount is in cents.
type Payment struct {
	OrderID       string        `json:"orderId"`
	TransactionID string        `json:"transactionId"`
	TotalAmount   int64         `json:"totalAmount"`
	TotalItems    int           `json:"totalItems"`
	Status        PaymentStatus `json:"status"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

func (p Payment) Key() saga.Key {
	return saga.Key{OrderID: p.OrderID, TransactionID: p.TransactionID}
}

// PaymentStore persists charges and refunds.
type PaymentStore interface {
	// Save records the charge. Saving a key that is already charged is a
	// no-op; saving one that was refunded fails with saga.ErrDuplicateTransaction.
	Save(ctx context.Context, payment Payment) error
	// Refund flips the payment for key to REFUND. It returns ErrPaymentNotFound
	// or ErrAlreadyRefunded when there is nothing left to reverse.
	Refund(ctx context.Context, key saga.Key) error
}

// PaymentStep charges the order total and writes it back into the payload.
type PaymentStep struct {
	store PaymentStore
	now   func() time.Time
}

func NewPaymentStep(store PaymentStore) *PaymentStep {
	return &PaymentStep{store: store, now: time.Now}
}

func (p *PaymentStep) Source() saga.Source { return saga.SourcePayment }

func (p *PaymentStep) Name() string { return "realize payment" }

func (p *PaymentStep) Execute(ctx context.Context, event *saga.Event) (string, error) {
	amount, items, err := Totals(event.Payload.Products)
	if err != nil {
		return "", err
	}
	now := p.now()
	payment := Payment{
		OrderID:       event.OrderID,
		TransactionID: event.TransactionID,
		TotalAmount:   amount,
		TotalItems:    items,
		Status:        PaymentStatusSuccess,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := p.store.Save(ctx, payment); err != nil {
		return "", err
	}
	event.Payload.TotalAmount = amount
	event.Payload.TotalItems = items
	return "Payment realized successfully!", nil
}

func (p *PaymentStep) Compensate(ctx context.Context, event *saga.Event) error {
	err := p.store.Refund(ctx, event.Key())
	if errors.Is(err, ErrPaymentNotFound) || errors.Is(err, ErrAlreadyRefunded) {
		return nil
	}
	return err
}

// Totals sums unitPrice*quantity and quantity over the line items.
func Totals(products []saga.LineItem) (int64, int, error) {
	var amount int64
	items := 0
	for _, item := range products {
		if item.UnitPrice < 0 {
			return 0, 0, fmt.Errorf("%w: negative unit price for product %s", saga.ErrInvalidPayload, item.ProductCode)
		}
		if item.Quantity > 0 && item.UnitPrice > (math.MaxInt64-amount)/int64(item.Quantity) {
			return 0, 0, fmt.Errorf("%w: order total overflows", saga.ErrInvalidPayload)
		}
		amount += item.UnitPrice * int64(item.Quantity)
		items += item.Quantity
	}
	if amount <= 0 {
		return 0, 0, fmt.Errorf("%w: the minimum amount available is 1 cent", saga.ErrInvalidPayload)
	}
	return amount, items, nil
}
