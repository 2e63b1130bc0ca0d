package domain

import (
	"errors"
	"time"
)

var ErrProductNotFound = errors.New("product not found")

type Product struct {
	ProductID  string
	Name       string
	PriceCents int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type ProductCreated struct {
	ProductID  string    `json:"product_id"`
	Name       string    `json:"name"`
	PriceCents int64     `json:"price_cents"`
	OccurredAt time.Time `json:"occurred_at"`
}

type ProductUpdated struct {
	ProductID  string    `json:"product_id"`
	Name       string    `json:"name"`
	PriceCents int64     `json:"price_cents"`
	OccurredAt time.Time `json:"occurred_at"`
}
