package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event is a domain event collected on the aggregate during a mutation.
// The aggregate never publishes; the caller persists collected events to
// the outbox inside the same transaction and the relay publishes them
// after commit.
type Event struct {
	ID            string
	Type          string
	AggregateID   string
	OccurredAt    time.Time
	CorrelationID string
	Payload       any
}

const (
	EventStockReserved           = "StockReserved"
	EventStockReleased           = "StockReleased"
	EventStockReservationExpired = "StockReservationExpired"
	EventLowStockWarning         = "LowStockWarning"
)

type StockReserved struct {
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type StockReleased struct {
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type StockReservationExpired struct {
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type LowStockWarning struct {
	ProductID string `json:"product_id"`
	Available int    `json:"available"`
	Threshold int    `json:"threshold"`
}

func newEvent(typ string, payload any, at time.Time, correlationID string) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          typ,
		OccurredAt:    at.UTC(),
		CorrelationID: correlationID,
		Payload:       payload,
	}
}
