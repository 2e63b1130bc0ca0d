package inbox

import (
	"context"
	"log/slog"
	"time"
)

type CleanupStore interface {
	PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

// Cleaner deletes processed-message rows past the retention horizon on a
// low-priority schedule.
type Cleaner struct {
	log       *slog.Logger
	store     CleanupStore
	interval  time.Duration
	retention time.Duration
}

func NewCleaner(log *slog.Logger, store CleanupStore, interval, retention time.Duration) *Cleaner {
	return &Cleaner{log: log, store: store, interval: interval, retention: retention}
}

func (c *Cleaner) Run(ctx context.Context) error {
	t := time.NewTicker(c.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("inbox cleaner stopping")
			return nil
		case <-t.C:
			n, err := c.store.PurgeOlderThan(ctx, c.retention)
			if err != nil {
				c.log.Error("inbox cleanup failed", "err", err)
				continue
			}
			if n > 0 {
				c.log.Info("inbox rows purged", "count", n)
			}
		}
	}
}
