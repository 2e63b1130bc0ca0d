package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockflow/inventory-coordinator/internal/catalog/domain"
	"github.com/stockflow/inventory-coordinator/pkg/outbox"
	"github.com/stockflow/inventory-coordinator/pkg/tracing"
)

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS products (
		product_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		price_cents BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	return err
}

func (r *Repository) SaveWithOutbox(ctx context.Context, p domain.Product, eventType string, eventID string, payload []byte, correlationID string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `INSERT INTO products (product_id, name, price_cents, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (product_id) DO UPDATE SET name=$2, price_cents=$3, updated_at=$5`,
		p.ProductID, p.Name, p.PriceCents, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}

	err = outbox.Enqueue(ctx, tx, outbox.Event{
		AggregateType: "product",
		AggregateID:   p.ProductID,
		Type:          eventType,
		Payload:       payload,
		Headers: map[string]string{
			"event_id":       eventID,
			"occurred_at":    p.UpdatedAt.Format(time.RFC3339Nano),
			"correlation_id": correlationID,
		},
		Traceparent: tracing.Traceparent(ctx),
	})
	if err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *Repository) Find(ctx context.Context, productID string) (domain.Product, error) {
	var p domain.Product
	err := r.pool.QueryRow(ctx, `SELECT product_id, name, price_cents, created_at, updated_at
		FROM products WHERE product_id=$1`, productID).
		Scan(&p.ProductID, &p.Name, &p.PriceCents, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, domain.ErrProductNotFound
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("query product: %w", err)
	}
	return p, nil
}
