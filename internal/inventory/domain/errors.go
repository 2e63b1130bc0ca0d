package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrStockNotFound is returned when no stock row exists for a product.
	ErrStockNotFound = errors.New("stock not found")

	// ErrVersionConflict signals that a write lost the optimistic-version
	// race and should be retried from a fresh read.
	ErrVersionConflict = errors.New("stock version conflict")

	// ErrAlreadyTerminal signals an authentic new transition request
	// against a reservation that already reached a terminal status. This
	// points at a caller or ordering bug upstream and is never retried.
	ErrAlreadyTerminal = errors.New("reservation already terminal")

	ErrInvalidQuantity = errors.New("reservation quantity must be positive")
)

// InsufficientStockError names the product that could not cover a
// requested quantity. It is a business outcome, reported verbatim to the
// caller and never retried.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}
