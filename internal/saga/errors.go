package saga

import (
	"errors"
	"fmt"
)

var (
	// ErrRouting is matched by every *RoutingError.
	ErrRouting = errors.New("saga routing error")

	// ErrDuplicateTransaction signals the (order, transaction) pair was already processed.
	ErrDuplicateTransaction = errors.New("transaction already processed")

	// ErrInvalidPayload signals a missing order id, transaction id or line item.
	ErrInvalidPayload = errors.New("invalid saga payload")

	// ErrProductNotFound signals a line item references an unknown product.
	ErrProductNotFound = errors.New("product not found")

	// ErrInsufficientStock signals a line item requests more than is available.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrStoreUnavailable signals a transient infrastructure failure, including timeouts.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// RoutingError reports an event that no routing rule can place.
type RoutingError struct {
	Source Source
	Status Status
	Reason string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("saga routing: %s (source=%q status=%q)", e.Reason, e.Source, e.Status)
}

func (e *RoutingError) Is(target error) bool {
	return target == ErrRouting
}

// IsBusinessFailure reports whether err is an expected business-rule failure
// rather than an infrastructure one.
func IsBusinessFailure(err error) bool {
	return errors.Is(err, ErrDuplicateTransaction) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrInsufficientStock)
}
