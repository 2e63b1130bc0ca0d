package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockflow/inventory-coordinator/internal/order/domain"
	"github.com/stockflow/inventory-coordinator/pkg/inbox"
)

type SnapshotRepository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewSnapshotRepository(log *slog.Logger, pool *pgxpool.Pool) *SnapshotRepository {
	return &SnapshotRepository{log: log, pool: pool}
}

func (r *SnapshotRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS product_snapshots (
		product_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		price_cents BIGINT NOT NULL,
		last_updated TIMESTAMPTZ NOT NULL
	)`)
	return err
}

// Apply records the inbox claim and upserts the snapshot in one
// transaction. The WHERE clause on the upsert enforces the timestamp
// guard in the database itself, so concurrent consumers cannot race an
// older row over a newer one.
func (r *SnapshotRepository) Apply(ctx context.Context, claim *inbox.Claim, u domain.ProductUpdate) (bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if claim != nil {
		fresh, err := inbox.TryBeginProcessing(ctx, tx, *claim)
		if err != nil {
			return false, fmt.Errorf("claim message: %w", err)
		}
		if !fresh {
			return false, inbox.ErrDuplicateMessage
		}
	}

	tag, err := tx.Exec(ctx, `INSERT INTO product_snapshots (product_id, name, price_cents, last_updated)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (product_id) DO UPDATE SET
			name = EXCLUDED.name,
			price_cents = EXCLUDED.price_cents,
			last_updated = EXCLUDED.last_updated
		WHERE product_snapshots.last_updated < EXCLUDED.last_updated`,
		u.ProductID, u.Name, u.PriceCents, u.OccurredAt)
	if err != nil {
		return false, fmt.Errorf("upsert snapshot: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *SnapshotRepository) Find(ctx context.Context, productID string) (domain.ProductSnapshot, error) {
	var s domain.ProductSnapshot
	err := r.pool.QueryRow(ctx, `SELECT product_id, name, price_cents, last_updated
		FROM product_snapshots WHERE product_id=$1`, productID).
		Scan(&s.ProductID, &s.Name, &s.PriceCents, &s.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ProductSnapshot{}, domain.ErrSnapshotNotFound
	}
	if err != nil {
		return domain.ProductSnapshot{}, fmt.Errorf("query snapshot: %w", err)
	}
	return s, nil
}
