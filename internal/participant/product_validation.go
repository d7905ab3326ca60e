package participant

import (
	"context"
	"fmt"

	"ordersaga/internal/saga"
)

// ProductCatalog answers whether a product code is sellable.
type ProductCatalog interface {
	Exists(ctx context.Context, code string) (bool, error)
}

// ValidationStore keeps one validation outcome per saga key.
type ValidationStore interface {
	// Record marks key as validated. Recording an already validated key is a
	// no-op; recording a revoked key fails with ErrDuplicateTransaction.
	Record(ctx context.Context, key saga.Key) error
	// Revoke flips the outcome for key to failed, creating it if absent.
	Revoke(ctx context.Context, key saga.Key) error
}

// ProductValidation checks every line item against the catalog.
type ProductValidation struct {
	catalog     ProductCatalog
	validations ValidationStore
}

func NewProductValidation(catalog ProductCatalog, validations ValidationStore) *ProductValidation {
	return &ProductValidation{catalog: catalog, validations: validations}
}

func (p *ProductValidation) Source() saga.Source { return saga.SourceProductValidation }

func (p *ProductValidation) Name() string { return "validate products" }

func (p *ProductValidation) Execute(ctx context.Context, event *saga.Event) (string, error) {
	for _, item := range event.Payload.Products {
		ok, err := p.catalog.Exists(ctx, item.ProductCode)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%w: %s", saga.ErrProductNotFound, item.ProductCode)
		}
	}
	if err := p.validations.Record(ctx, event.Key()); err != nil {
		return "", err
	}
	return "Products are validated successfully!", nil
}

func (p *ProductValidation) Compensate(ctx context.Context, event *saga.Event) error {
	return p.validations.Revoke(ctx, event.Key())
}
