package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/stockflow/inventory-coordinator/internal/inventory/application"
	"github.com/stockflow/inventory-coordinator/internal/inventory/domain"
	"github.com/stockflow/inventory-coordinator/pkg/idempotency"
	"github.com/stockflow/inventory-coordinator/pkg/inbox"
	"github.com/stockflow/inventory-coordinator/pkg/tracing"
)

// ConsumerType names this consumer in the idempotency guard. Other
// consumers of the same topic carry their own type and their own window.
const ConsumerType = "inventory-order-events"

// The closed set of order-lifecycle events this consumer understands.
const (
	kindOrderPlaced    = "OrderPlaced"
	kindOrderPaid      = "OrderPaid"
	kindOrderCancelled = "OrderCancelled"
)

type orderPlaced struct {
	OrderID string `json:"order_id"`
	Items   []struct {
		ProductID string `json:"product_id"`
		Quantity  int    `json:"quantity"`
	} `json:"items"`
}

type orderRef struct {
	OrderID string `json:"order_id"`
}

// Consumer applies order-lifecycle events to the reservation engine.
// Duplicates are filtered twice: a Redis hint avoids opening a
// transaction for deliveries already committed, and the processed_messages
// row inside the business transaction is the authoritative guard.
type Consumer struct {
	log    *slog.Logger
	reader *kafka.Reader
	svc    *application.Service
	cache  *idempotency.Cache
	tracer trace.Tracer
}

func NewConsumer(log *slog.Logger, brokers []string, topic, group string, svc *application.Service, cache *idempotency.Cache) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
	return &Consumer{
		log:    log,
		reader: r,
		svc:    svc,
		cache:  cache,
		tracer: otel.Tracer("inventory-consumer"),
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
			// Retries inside the service are exhausted: stop without
			// committing so the broker redelivers instead of the message
			// being dropped.
			return fmt.Errorf("handle %s at %d/%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	// The producer-assigned event ID keys the idempotency guard; fall
	// back to delivery coordinates for messages from producers that do
	// not set one.
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
	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "Consume"+kind)
	defer span.End()

	claim := &inbox.Claim{MessageID: messageID, ConsumerType: ConsumerType}
	correlationID := headerValue(msg.Headers, "correlation_id")

	var err error
	switch kind {
	case kindOrderPlaced:
		var ev orderPlaced
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			c.log.Error("unmarshal OrderPlaced failed", "message_id", messageID, "err", err)
			return nil
		}
		items := make([]application.ReserveItem, 0, len(ev.Items))
		for _, it := range ev.Items {
			items = append(items, application.ReserveItem{ProductID: it.ProductID, Quantity: it.Quantity})
		}
		err = c.svc.Reserve(msgCtx, claim, ev.OrderID, items, correlationID)

	case kindOrderPaid:
		var ev orderRef
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			c.log.Error("unmarshal OrderPaid failed", "message_id", messageID, "err", err)
			return nil
		}
		err = c.svc.Confirm(msgCtx, claim, ev.OrderID, correlationID)

	case kindOrderCancelled:
		var ev orderRef
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			c.log.Error("unmarshal OrderCancelled failed", "message_id", messageID, "err", err)
			return nil
		}
		err = c.svc.Release(msgCtx, claim, ev.OrderID, correlationID)

	default:
		c.log.Debug("ignoring unknown event kind", "event_type", kind, "message_id", messageID)
		return nil
	}

	if err != nil {
		if businessOutcome(err) {
			// Expected outcomes are final: log, commit, move on.
			c.log.Warn("event rejected by reservation engine",
				"event_type", kind, "message_id", messageID, "err", err)
		} else {
			return err
		}
	}

	if err := c.cache.MarkProcessed(ctx, cacheKey); err != nil {
		c.log.Debug("idempotency cache write failed", "err", err)
	}
	return nil
}

// businessOutcome separates final domain answers from transient
// infrastructure failures that warrant redelivery.
func businessOutcome(err error) bool {
	var ins *domain.InsufficientStockError
	return errors.As(err, &ins) ||
		errors.Is(err, domain.ErrAlreadyTerminal) ||
		errors.Is(err, domain.ErrStockNotFound) ||
		errors.Is(err, domain.ErrInvalidQuantity)
}

func headerValue(h []kafka.Header, key string) string {
	for _, hh := range h {
		if hh.Key == key {
			return string(hh.Value)
		}
	}
	return ""
}
