package application

import (
	"context"

	"github.com/stockflow/inventory-coordinator/internal/order/domain"
	"github.com/stockflow/inventory-coordinator/pkg/inbox"
)

type SnapshotRepository interface {
	// Apply upserts the snapshot only when the update's timestamp is newer
	// than the stored row, recording the inbox claim in the same
	// transaction when one is given. Returns false when the update was
	// discarded as stale.
	Apply(ctx context.Context, claim *inbox.Claim, update domain.ProductUpdate) (bool, error)
	Find(ctx context.Context, productID string) (domain.ProductSnapshot, error)
}
