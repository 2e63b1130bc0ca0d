package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/stockflow/inventory-coordinator/internal/order/domain"
	"github.com/stockflow/inventory-coordinator/pkg/inbox"
)

// Reconciler keeps the order side's product snapshots converged with
// catalog events. Kafka does not guarantee cross-partition ordering, so
// an older update can arrive after a newer one already landed; the
// timestamp guard makes applying them in any order safe.
type Reconciler struct {
	log   *slog.Logger
	repo  SnapshotRepository
	stale atomic.Int64
}

func NewReconciler(log *slog.Logger, repo SnapshotRepository) *Reconciler {
	return &Reconciler{log: log, repo: repo}
}

// ApplyUpdate upserts the snapshot unless a newer row is already stored.
// A duplicate delivery (claim already recorded) is a success.
func (r *Reconciler) ApplyUpdate(ctx context.Context, claim *inbox.Claim, update domain.ProductUpdate) error {
	applied, err := r.repo.Apply(ctx, claim, update)
	if errors.Is(err, inbox.ErrDuplicateMessage) {
		r.log.Debug("snapshot update already processed",
			"product_id", update.ProductID, "message_id", claimID(claim))
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply snapshot for product %s: %w", update.ProductID, err)
	}
	if !applied {
		r.stale.Add(1)
		r.log.Info("discarded stale snapshot update",
			"product_id", update.ProductID,
			"occurred_at", update.OccurredAt)
	}
	return nil
}

func (r *Reconciler) Snapshot(ctx context.Context, productID string) (domain.ProductSnapshot, error) {
	return r.repo.Find(ctx, productID)
}

// StaleDiscards reports how many out-of-order updates were dropped since
// startup.
func (r *Reconciler) StaleDiscards() int64 {
	return r.stale.Load()
}

func claimID(c *inbox.Claim) string {
	if c == nil {
		return ""
	}
	return c.MessageID
}
