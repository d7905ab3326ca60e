package saga

import (
	"fmt"
	"time"
)

// Status captures where a saga event stands after the last participant touched it.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusSuccess         Status = "SUCCESS"
	StatusFail            Status = "FAIL"
	StatusRollbackPending Status = "ROLLBACK_PENDING"
)

// Source names the participant that last produced an event.
type Source string

const (
	SourceOrder             Source = "ORDER_SERVICE"
	SourceProductValidation Source = "PRODUCT_VALIDATION_SERVICE"
	SourceInventory         Source = "INVENTORY_SERVICE"
	SourcePayment           Source = "PAYMENT_SERVICE"
)

// LineItem is one product line of an order. UnitPrice is expressed in minor
// currency units (cents).
type LineItem struct {
	ProductCode string `json:"productCode"`
	UnitPrice   int64  `json:"unitPrice"`
	Quantity    int    `json:"quantity"`
}

// Order is the snapshot carried by every saga event.
type Order struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transactionId"`
	Products      []LineItem `json:"products"`
	TotalAmount   int64      `json:"totalAmount"`
	TotalItems    int        `json:"totalItems"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// History is one audit entry. Entries are never modified once appended.
type History struct {
	Source    Source    `json:"source"`
	Status    Status    `json:"status"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Event is the envelope passed between the orchestrator and participants.
type Event struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	OrderID       string    `json:"orderId"`
	Payload       Order     `json:"payload"`
	Source        Source    `json:"source"`
	Status        Status    `json:"status"`
	History       []History `json:"eventHistory"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Key identifies one saga attempt for idempotency purposes.
type Key struct {
	OrderID       string
	TransactionID string
}

func (k Key) String() string {
	return k.OrderID + "/" + k.TransactionID
}

// Key returns the idempotency key of the event.
func (e Event) Key() Key {
	return Key{OrderID: e.OrderID, TransactionID: e.TransactionID}
}

// AddHistory appends an entry stamped with the event's current source and status.
func (e *Event) AddHistory(message string, at time.Time) {
	e.History = append(e.History, History{
		Source:    e.Source,
		Status:    e.Status,
		Message:   message,
		CreatedAt: at,
	})
}

// Clone returns a copy that shares no slices with e, so appending to the
// copy's history or editing its line items never leaks back.
func (e Event) Clone() Event {
	out := e
	if e.History != nil {
		out.History = make([]History, len(e.History))
		copy(out.History, e.History)
	}
	if e.Payload.Products != nil {
		out.Payload.Products = make([]LineItem, len(e.Payload.Products))
		copy(out.Payload.Products, e.Payload.Products)
	}
	return out
}

// LastHistory returns the most recent history entry, if any.
func (e Event) LastHistory() (History, bool) {
	if len(e.History) == 0 {
		return History{}, false
	}
	return e.History[len(e.History)-1], true
}

// LogID renders the identifiers used to correlate saga log lines.
func (e Event) LogID() string {
	return fmt.Sprintf("ORDER ID: %s | TRANSACTION ID: %s | EVENT ID: %s", e.OrderID, e.TransactionID, e.ID)
}
