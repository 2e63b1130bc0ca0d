package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Sweeper periodically expires overdue Active reservations in bounded
// batches. Batching caps the work of one cycle and the ascending-expiry
// scan order reclaims the most overdue holds first under backlog. A
// failure on one reservation never aborts the rest of the batch.
type Sweeper struct {
	log       *slog.Logger
	svc       *Service
	repo      StockRepository
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

func NewSweeper(log *slog.Logger, svc *Service, repo StockRepository, interval time.Duration, batchSize int) *Sweeper {
	return &Sweeper{
		log:       log,
		svc:       svc,
		repo:      repo,
		interval:  interval,
		batchSize: batchSize,
		now:       time.Now,
	}
}

func (w *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("sweeper stopping")
			return nil
		case <-t.C:
			w.sweepOnce(ctx)
		}
	}
}

func (w *Sweeper) sweepOnce(ctx context.Context) int {
	refs, err := w.repo.DueForExpiry(ctx, w.now(), w.batchSize)
	if err != nil {
		w.log.Error("expiry scan failed", "err", err)
		return 0
	}
	if len(refs) == 0 {
		return 0
	}

	correlationID := uuid.NewString()
	expired := 0
	for _, ref := range refs {
		if err := w.svc.ExpireReservation(ctx, ref, correlationID); err != nil {
			w.log.Error("expire failed",
				"order_id", ref.OrderID, "product_id", ref.ProductID, "err", err)
			continue
		}
		expired++
	}
	w.log.Info("sweep cycle done", "scanned", len(refs), "expired", expired)
	return expired
}
