package outbox

import (
	"context"
	"log/slog"
	"time"
)

type Store interface {
	// LockBatch claims up to batchSize publishable rows for relayID and
	// leases them, reclaiming rows whose previous lease expired.
	LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]Event, error)
	MarkSent(ctx context.Context, ids []int64) error
	// MarkFailed counts one failed publish attempt and returns the row to
	// the publishable set, parking it as failed once attempts are
	// exhausted.
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	// Requeue returns claimed rows to the publishable set without
	// counting an attempt.
	Requeue(ctx context.Context, ids []int64) error
}

// Relay polls the outbox and hands rows to the dispatcher. It runs after
// the writing transaction has committed, which is what keeps events of a
// rolled-back mutation from ever reaching the broker.
type Relay struct {
	log       *slog.Logger
	store     Store
	dispatch  *Dispatcher
	relayID   string
	batchSize int
	interval  time.Duration
	lease     time.Duration
}

func NewRelay(log *slog.Logger, store Store, dispatch *Dispatcher, relayID string) *Relay {
	return &Relay{
		log:       log,
		store:     store,
		dispatch:  dispatch,
		relayID:   relayID,
		batchSize: 100,
		interval:  500 * time.Millisecond,
		lease:     5 * time.Second,
	}
}

func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay stopping", "relay_id", r.relayID)
			return nil
		case <-t.C:
			r.cycle(ctx)
		}
	}
}

func (r *Relay) cycle(ctx context.Context) {
	events, err := r.store.LockBatch(ctx, r.relayID, r.batchSize, r.lease)
	if err != nil {
		r.log.Error("relay lock batch failed", "err", err)
		return
	}
	if len(events) == 0 {
		return
	}

	// Once an event of an aggregate fails to publish, its later events in
	// the batch must wait: publishing them would reorder the aggregate's
	// stream. They go back untouched; the failed row returns too and is
	// retried first since LockBatch scans in id order.
	sent := make([]int64, 0, len(events))
	var held []int64
	failed := make(map[string]bool)
	for _, e := range events {
		if failed[e.AggregateID] {
			held = append(held, e.ID)
			continue
		}
		if err := r.dispatch.Dispatch(ctx, e); err != nil {
			failed[e.AggregateID] = true
			if err := r.store.MarkFailed(ctx, e.ID, err.Error()); err != nil {
				r.log.Error("relay mark failed failed", "event_id", e.ID, "err", err)
			}
			continue
		}
		sent = append(sent, e.ID)
	}
	if len(sent) > 0 {
		if err := r.store.MarkSent(ctx, sent); err != nil {
			r.log.Error("relay mark sent failed", "err", err)
		}
	}
	if len(held) > 0 {
		if err := r.store.Requeue(ctx, held); err != nil {
			r.log.Error("relay requeue failed", "err", err)
		}
	}
}
