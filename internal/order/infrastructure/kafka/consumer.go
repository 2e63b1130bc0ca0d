package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/stockflow/inventory-coordinator/internal/order/application"
	"github.com/stockflow/inventory-coordinator/internal/order/domain"
	"github.com/stockflow/inventory-coordinator/pkg/idempotency"
	"github.com/stockflow/inventory-coordinator/pkg/inbox"
	"github.com/stockflow/inventory-coordinator/pkg/tracing"
)

// ConsumerType names this consumer in the idempotency guard.
const ConsumerType = "order-product-snapshots"

const (
	kindProductCreated = "ProductCreated"
	kindProductUpdated = "ProductUpdated"
)

type productEvent struct {
	ProductID  string    `json:"product_id"`
	Name       string    `json:"name"`
	PriceCents int64     `json:"price_cents"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Consumer feeds catalog product events into the snapshot reconciler.
type Consumer struct {
	log    *slog.Logger
	reader *kafka.Reader
	rec    *application.Reconciler
	cache  *idempotency.Cache
	tracer trace.Tracer
}

func NewConsumer(log *slog.Logger, brokers []string, topic, group string, rec *application.Reconciler, cache *idempotency.Cache) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
	return &Consumer{
		log:    log,
		reader: r,
		rec:    rec,
		cache:  cache,
		tracer: otel.Tracer("order-consumer"),
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}
		if err := c.handle(ctx, msg); err != nil {
			return fmt.Errorf("handle %s at %d/%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	messageID := headerValue(msg.Headers, "event_id")
	if messageID == "" {
		messageID = fmt.Sprintf("%s:%d:%d", msg.Topic, msg.Partition, msg.Offset)
	}
	cacheKey := c.cache.Key(ConsumerType, messageID)
	if c.cache.Seen(ctx, cacheKey) {
		c.log.Debug("duplicate delivery skipped via cache", "message_id", messageID)
		return nil
	}

	kind := headerValue(msg.Headers, "event_type")
	switch kind {
	case kindProductCreated, kindProductUpdated:
	default:
		c.log.Debug("ignoring unknown event kind", "event_type", kind, "message_id", messageID)
		return nil
	}

	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "Consume"+kind)
	defer span.End()

	var ev productEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.log.Error("unmarshal product event failed", "event_type", kind, "message_id", messageID, "err", err)
		return nil
	}

	claim := &inbox.Claim{MessageID: messageID, ConsumerType: ConsumerType}
	err := c.rec.ApplyUpdate(msgCtx, claim, domain.ProductUpdate{
		ProductID:  ev.ProductID,
		Name:       ev.Name,
		PriceCents: ev.PriceCents,
		OccurredAt: ev.OccurredAt,
	})
	if err != nil {
		return err
	}

	if err := c.cache.MarkProcessed(ctx, cacheKey); err != nil {
		c.log.Debug("idempotency cache write failed", "err", err)
	}
	return nil
}

func headerValue(h []kafka.Header, key string) string {
	for _, hh := range h {
		if hh.Key == key {
			return string(hh.Value)
		}
	}
	return ""
}
