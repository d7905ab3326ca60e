package participant

import (
	"context"

	"ordersaga/internal/saga"
)

// Adjustment records one stock change made for a saga attempt.
type Adjustment struct {
	ProductCode   string `json:"productCode"`
	OldQuantity   int    `json:"oldQuantity"`
	OrderQuantity int    `json:"orderQuantity"`
	NewQuantity   int    `json:"newQuantity"`
}

// InventoryStore reserves and releases stock per saga key.
type InventoryStore interface {
	// Reserve checks every line against available stock and decrements all of
	// them atomically. Nothing changes when any line is short. A repeated
	// Reserve for key returns the recorded adjustments without touching stock,
	// and fails with saga.ErrDuplicateTransaction once they were released.
	Reserve(ctx context.Context, key saga.Key, items []saga.LineItem) ([]Adjustment, error)
	// Release adds back the quantities reserved for key and marks them
	// reversed. It returns how many adjustments were reversed; zero when
	// nothing was reserved or the release already happened.
	Release(ctx context.Context, key saga.Key) (int, error)
}

// Inventory reserves stock for each order line.
type Inventory struct {
	store InventoryStore
}

func NewInventory(store InventoryStore) *Inventory {
	return &Inventory{store: store}
}

func (i *Inventory) Source() saga.Source { return saga.SourceInventory }

func (i *Inventory) Name() string { return "update inventory" }

func (i *Inventory) Execute(ctx context.Context, event *saga.Event) (string, error) {
	if _, err := i.store.Reserve(ctx, event.Key(), event.Payload.Products); err != nil {
		return "", err
	}
	return "Inventory updated successfully!", nil
}

func (i *Inventory) Compensate(ctx context.Context, event *saga.Event) error {
	_, err := i.store.Release(ctx, event.Key())
	return err
}

// AggregateQuantities sums quantities per product code so repeated lines are
// checked against stock as one request. Codes are returned in first-seen order.
func AggregateQuantities(items []saga.LineItem) ([]string, map[string]int) {
	totals := make(map[string]int, len(items))
	codes := make([]string, 0, len(items))
	for _, item := range items {
		if _, seen := totals[item.ProductCode]; !seen {
			codes = append(codes, item.ProductCode)
		}
		totals[item.ProductCode] += item.Quantity
	}
	return codes, totals
}
