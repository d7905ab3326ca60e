package participant

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ordersaga/internal/saga"
)

// NewMemoryLedger constructs an in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{keys: make(map[saga.Key]struct{})}
}

// MemoryLedger records processed keys in memory.
type MemoryLedger struct {
	mu   sync.Mutex
	keys map[saga.Key]struct{}
}

func (l *MemoryLedger) Exists(ctx context.Context, key saga.Key) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.keys[key]
	return ok, nil
}

func (l *MemoryLedger) Save(ctx context.Context, key saga.Key) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.keys[key]; ok {
		return fmt.Errorf("%w: %s", saga.ErrDuplicateTransaction, key)
	}
	l.keys[key] = struct{}{}
	return nil
}

// Len reports how many keys were recorded (for testing/inspection).
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// NewMemoryCatalog constructs a catalog holding codes.
func NewMemoryCatalog(codes ...string) *MemoryCatalog {
	c := &MemoryCatalog{codes: make(map[string]struct{}, len(codes))}
	for _, code := range codes {
		c.codes[code] = struct{}{}
	}
	return c
}

// MemoryCatalog is a fixed set of product codes.
type MemoryCatalog struct {
	mu    sync.RWMutex
	codes map[string]struct{}
}

func (c *MemoryCatalog) Exists(ctx context.Context, code string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.codes[code]
	return ok, nil
}

func (c *MemoryCatalog) Add(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes[code] = struct{}{}
}

// MemoryValidations keeps validation outcomes in memory.
type MemoryValidations struct {
	mu      sync.Mutex
	outcome map[saga.Key]bool
}

func NewMemoryValidations() *MemoryValidations {
	return &MemoryValidations{outcome: make(map[saga.Key]bool)}
}

func (m *MemoryValidations) Record(ctx context.Context, key saga.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success, ok := m.outcome[key]; ok {
		if !success {
			return fmt.Errorf("%w: validation for %s was rolled back", saga.ErrDuplicateTransaction, key)
		}
		return nil
	}
	m.outcome[key] = true
	return nil
}

func (m *MemoryValidations) Revoke(ctx context.Context, key saga.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcome[key] = false
	return nil
}

// Outcome returns the recorded outcome for key (for testing/inspection).
func (m *MemoryValidations) Outcome(key saga.Key) (success, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	success, ok = m.outcome[key]
	return success, ok
}

// NewMemoryInventory constructs an inventory seeded with stock per product code.
func NewMemoryInventory(stock map[string]int) *MemoryInventory {
	available := make(map[string]int, len(stock))
	for code, qty := range stock {
		available[code] = qty
	}
	return &MemoryInventory{
		available:   available,
		adjustments: make(map[saga.Key][]adjustmentRecord),
	}
}

type adjustmentRecord struct {
	Adjustment
	reversed bool
}

// MemoryInventory tracks stock and per-saga adjustments in memory.
type MemoryInventory struct {
	mu          sync.Mutex
	available   map[string]int
	adjustments map[saga.Key][]adjustmentRecord
}

func (m *MemoryInventory) Reserve(ctx context.Context, key saga.Key, items []saga.LineItem) ([]Adjustment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if records, ok := m.adjustments[key]; ok {
		out := make([]Adjustment, 0, len(records))
		for _, rec := range records {
			if rec.reversed {
				return nil, fmt.Errorf("%w: inventory for %s was already reserved and released", saga.ErrDuplicateTransaction, key)
			}
			out = append(out, rec.Adjustment)
		}
		return out, nil
	}

	codes, totals := AggregateQuantities(items)
	for _, code := range codes {
		have, ok := m.available[code]
		if !ok {
			return nil, fmt.Errorf("%w: %s", saga.ErrProductNotFound, code)
		}
		if totals[code] > have {
			return nil, fmt.Errorf("%w: product %s has %d, requested %d", saga.ErrInsufficientStock, code, have, totals[code])
		}
	}

	out := make([]Adjustment, 0, len(codes))
	for _, code := range codes {
		old := m.available[code]
		adj := Adjustment{
			ProductCode:   code,
			OldQuantity:   old,
			OrderQuantity: totals[code],
			NewQuantity:   old - totals[code],
		}
		m.available[code] = adj.NewQuantity
		m.adjustments[key] = append(m.adjustments[key], adjustmentRecord{Adjustment: adj})
		out = append(out, adj)
	}
	return out, nil
}

func (m *MemoryInventory) Release(ctx context.Context, key saga.Key) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.adjustments[key]
	released := 0
	for i := range records {
		if records[i].reversed {
			continue
		}
		m.available[records[i].ProductCode] += records[i].OrderQuantity
		records[i].reversed = true
		released++
	}
	return released, nil
}

// Available returns the current stock of code (for testing/inspection).
func (m *MemoryInventory) Available(code string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available[code]
}

// Adjustments returns the adjustments made for key (for testing/inspection).
func (m *MemoryInventory) Adjustments(key saga.Key) []Adjustment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Adjustment, 0, len(m.adjustments[key]))
	for _, rec := range m.adjustments[key] {
		out = append(out, rec.Adjustment)
	}
	return out
}

// NewMemoryPayments constructs an in-memory payment store.
func NewMemoryPayments() *MemoryPayments {
	return &MemoryPayments{payments: make(map[saga.Key]Payment)}
}

// MemoryPayments tracks charges and refunds in memory.
type MemoryPayments struct {
	mu       sync.Mutex
	payments map[saga.Key]Payment
}

func (m *MemoryPayments) Save(ctx context.Context, payment Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.payments[payment.Key()]; ok {
		if existing.Status == PaymentStatusRefund {
			return fmt.Errorf("%w: payment %s already refunded", saga.ErrDuplicateTransaction, payment.Key())
		}
		return nil
	}
	m.payments[payment.Key()] = payment
	return nil
}

func (m *MemoryPayments) Refund(ctx context.Context, key saga.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[key]
	if !ok {
		return ErrPaymentNotFound
	}
	if payment.Status == PaymentStatusRefund {
		return ErrAlreadyRefunded
	}
	payment.Status = PaymentStatusRefund
	m.payments[key] = payment
	return nil
}

// Payment returns the payment for key, if any (for testing/inspection).
func (m *MemoryPayments) Payment(key saga.Key) (Payment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[key]
	return p, ok
}

// NewMemoryEventStore constructs an in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

// MemoryEventStore keeps events in insertion order.
type MemoryEventStore struct {
	mu     sync.Mutex
	events []saga.Event
}

func (m *MemoryEventStore) Save(ctx context.Context, event saga.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event.Clone())
	return nil
}

func (m *MemoryEventStore) FindByFilters(ctx context.Context, filters EventFilters) (saga.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if filters.OrderID != "" && e.OrderID != filters.OrderID {
			continue
		}
		if filters.TransactionID != "" && e.TransactionID != filters.TransactionID {
			continue
		}
		return e.Clone(), nil
	}
	return saga.Event{}, ErrEventNotFound
}

func (m *MemoryEventStore) FindAll(ctx context.Context) ([]saga.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]saga.Event, 0, len(m.events))
	for i := len(m.events) - 1; i >= 0; i-- {
		out = append(out, m.events[i].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
