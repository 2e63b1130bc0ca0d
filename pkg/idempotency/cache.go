// Package idempotency provides a Redis hint that lets consumers skip
// deliveries they have already committed, without opening a database
// transaction. The cache is advisory only: it is written after a
// successful commit and read before processing. The processed_messages
// table remains the authoritative guard.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

func (c *Cache) Key(consumerType, messageID string) string {
	return fmt.Sprintf("idem:%s:%s", consumerType, messageID)
}

// Seen reports whether the key was marked processed. Errors degrade to
// "not seen" so a Redis outage never blocks consumption.
func (c *Cache) Seen(ctx context.Context, key string) bool {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// MarkProcessed records the key after the business transaction committed.
func (c *Cache) MarkProcessed(ctx context.Context, key string) error {
	return c.rdb.Set(ctx, key, "1", c.ttl).Err()
}
