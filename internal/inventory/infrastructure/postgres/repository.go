package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockflow/inventory-coordinator/internal/inventory/application"
	"github.com/stockflow/inventory-coordinator/internal/inventory/domain"
	"github.com/stockflow/inventory-coordinator/pkg/inbox"
	"github.com/stockflow/inventory-coordinator/pkg/outbox"
	"github.com/stockflow/inventory-coordinator/pkg/tracing"
)

// Repository persists stock aggregates with optimistic-version writes.
// Save is the single transactional unit that carries the aggregate
// mutation, the outbox rows and, for message-driven commands, the
// idempotency claim.
type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stocks (
			product_id TEXT PRIMARY KEY,
			total_quantity INT NOT NULL CHECK (total_quantity >= 0),
			low_stock_warned BOOLEAN NOT NULL DEFAULT false,
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS stock_reservations (
			order_id TEXT NOT NULL,
			product_id TEXT NOT NULL REFERENCES stocks (product_id),
			quantity INT NOT NULL CHECK (quantity > 0),
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (order_id, product_id)
		)`,
		`CREATE INDEX IF NOT EXISTS stock_reservations_expiry_idx
			ON stock_reservations (status, expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) Create(ctx context.Context, stock *domain.Stock) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO stocks (product_id, total_quantity, version)
		VALUES ($1,$2,1)
		ON CONFLICT (product_id) DO NOTHING`,
		stock.ProductID, stock.TotalQuantity)
	return err
}

func (r *Repository) FindByProduct(ctx context.Context, productID string) (*domain.Stock, error) {
	var total int
	var version int64
	var warned bool
	err := r.pool.QueryRow(ctx, `SELECT total_quantity, version, low_stock_warned
		FROM stocks WHERE product_id=$1`, productID).
		Scan(&total, &version, &warned)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrStockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query stock %s: %w", productID, err)
	}

	rows, err := r.pool.Query(ctx, `SELECT order_id, quantity, status, created_at, expires_at
		FROM stock_reservations WHERE product_id=$1 ORDER BY created_at`, productID)
	if err != nil {
		return nil, fmt.Errorf("query reservations for %s: %w", productID, err)
	}
	defer rows.Close()

	var reservations []domain.StockReservation
	for rows.Next() {
		res := domain.StockReservation{ProductID: productID}
		var status string
		if err := rows.Scan(&res.OrderID, &res.Quantity, &status, &res.CreatedAt, &res.ExpiresAt); err != nil {
			return nil, err
		}
		res.Status = domain.ReservationStatus(status)
		reservations = append(reservations, res)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return domain.Rehydrate(productID, total, version, warned, reservations), nil
}

func (r *Repository) FindForOrder(ctx context.Context, orderID string) ([]*domain.Stock, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT product_id
		FROM stock_reservations WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order reservations: %w", err)
	}
	defer rows.Close()

	var productIDs []string
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return nil, err
		}
		productIDs = append(productIDs, pid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stocks := make([]*domain.Stock, 0, len(productIDs))
	for _, pid := range productIDs {
		st, err := r.FindByProduct(ctx, pid)
		if err != nil {
			return nil, err
		}
		stocks = append(stocks, st)
	}
	return stocks, nil
}

func (r *Repository) Save(ctx context.Context, claim *inbox.Claim, stocks []*domain.Stock, events []domain.Event) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if claim != nil {
		fresh, err := inbox.TryBeginProcessing(ctx, tx, *claim)
		if err != nil {
			return fmt.Errorf("inbox claim: %w", err)
		}
		if !fresh {
			return inbox.ErrDuplicateMessage
		}
	}

	for _, st := range stocks {
		ct, err := tx.Exec(ctx, `UPDATE stocks
			SET total_quantity=$2, low_stock_warned=$3, version=$4, updated_at=now()
			WHERE product_id=$1 AND version=$5`,
			st.ProductID, st.TotalQuantity, st.LowStockWarned, st.Version, st.BaseVersion())
		if err != nil {
			return fmt.Errorf("update stock %s: %w", st.ProductID, err)
		}
		if ct.RowsAffected() == 0 {
			return domain.ErrVersionConflict
		}

		batch := &pgx.Batch{}
		for _, res := range st.Reservations {
			batch.Queue(`INSERT INTO stock_reservations
				(order_id, product_id, quantity, status, created_at, expires_at)
				VALUES ($1,$2,$3,$4,$5,$6)
				ON CONFLICT (order_id, product_id)
				DO UPDATE SET status=EXCLUDED.status, updated_at=now()`,
				res.OrderID, res.ProductID, res.Quantity, string(res.Status), res.CreatedAt, res.ExpiresAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert reservations for %s: %w", st.ProductID, err)
		}
	}

	rows, err := toOutboxRows(ctx, events)
	if err != nil {
		return err
	}
	if err := outbox.Enqueue(ctx, tx, rows...); err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *Repository) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]application.ReservationRef, error) {
	rows, err := r.pool.Query(ctx, `SELECT order_id, product_id, expires_at
		FROM stock_reservations
		WHERE status='active' AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("scan due reservations: %w", err)
	}
	defer rows.Close()

	var refs []application.ReservationRef
	for rows.Next() {
		var ref application.ReservationRef
		if err := rows.Scan(&ref.OrderID, &ref.ProductID, &ref.ExpiresAt); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func toOutboxRows(ctx context.Context, events []domain.Event) ([]outbox.Event, error) {
	rows := make([]outbox.Event, 0, len(events))
	for _, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", e.Type, err)
		}
		rows = append(rows, outbox.Event{
			AggregateType: "stock",
			AggregateID:   e.AggregateID,
			Type:          e.Type,
			Payload:       payload,
			Headers: map[string]string{
				"event_id":       e.ID,
				"occurred_at":    e.OccurredAt.Format(time.RFC3339Nano),
				"correlation_id": e.CorrelationID,
			},
			Traceparent: tracing.Traceparent(ctx),
		})
	}
	return rows, nil
}
