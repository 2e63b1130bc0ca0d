// Package inbox implements the idempotent-consumption guard: a
// processed_messages table whose rows prove that a given consumer has
// already applied a given message. The claim insert shares the business
// transaction, so the guard row and the state mutation commit or roll
// back as one unit.
package inbox

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateMessage reports that the (message, consumer) pair was
// already recorded. Callers treat it as a success path and skip all side
// effects for the delivery.
var ErrDuplicateMessage = errors.New("message already processed")

// Claim identifies one delivery for one consumer. The consumer type is
// part of the key because independent consumers each get their own
// idempotency window over the same message stream.
type Claim struct {
	MessageID    string
	ConsumerType string
}

// TryBeginProcessing records the claim inside tx. It returns false when a
// row already exists, in which case the caller must apply no effects.
func TryBeginProcessing(ctx context.Context, tx pgx.Tx, c Claim) (bool, error) {
	ct, err := tx.Exec(ctx, `INSERT INTO processed_messages (message_id, consumer_type, processed_at)
		VALUES ($1,$2,now())
		ON CONFLICT (message_id, consumer_type) DO NOTHING`,
		c.MessageID, c.ConsumerType)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS processed_messages (
		message_id TEXT NOT NULL,
		consumer_type TEXT NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (message_id, consumer_type)
	)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS processed_messages_processed_at_idx
		ON processed_messages (processed_at)`)
	return err
}

// PurgeOlderThan deletes rows processed before the retention horizon.
// Retention must stay longer than the broker's redelivery window; this is
// storage hygiene, not a correctness mechanism.
func (s *Store) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	ct, err := s.pool.Exec(ctx, `DELETE FROM processed_messages WHERE processed_at < now() - $1::interval`,
		retention.String())
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}
