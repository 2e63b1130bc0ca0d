package application

import (
	"context"
	"time"

	"github.com/stockflow/inventory-coordinator/internal/inventory/domain"
	"github.com/stockflow/inventory-coordinator/pkg/inbox"
)

// ReservationRef locates one reservation without loading its aggregate.
type ReservationRef struct {
	OrderID   string
	ProductID string
	ExpiresAt time.Time
}

// StockRepository is the transactional store for stock aggregates.
//
// Save writes every passed aggregate with an expected-version
// precondition and appends the given events to the outbox in the same
// transaction. When claim is non-nil the idempotency record joins that
// transaction too: Save returns inbox.ErrDuplicateMessage and applies
// nothing if the claim was already recorded, and returns
// domain.ErrVersionConflict if any aggregate lost the version race.
type StockRepository interface {
	Create(ctx context.Context, stock *domain.Stock) error
	FindByProduct(ctx context.Context, productID string) (*domain.Stock, error)
	FindForOrder(ctx context.Context, orderID string) ([]*domain.Stock, error)
	Save(ctx context.Context, claim *inbox.Claim, stocks []*domain.Stock, events []domain.Event) error

	// DueForExpiry returns refs of Active reservations with ExpiresAt <=
	// now, most overdue first, bounded by limit.
	DueForExpiry(ctx context.Context, now time.Time, limit int) ([]ReservationRef, error)
}
