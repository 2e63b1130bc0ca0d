package application

import (
	"context"

	"github.com/stockflow/inventory-coordinator/internal/catalog/domain"
)

type ProductRepository interface {
	// SaveWithOutbox upserts the product and appends the event row in one
	// transaction.
	SaveWithOutbox(ctx context.Context, p domain.Product, eventType string, eventID string, payload []byte, correlationID string) error
	Find(ctx context.Context, productID string) (domain.Product, error)
}
