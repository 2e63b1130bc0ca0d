package domain

import (
	"errors"
	"time"
)

var ErrSnapshotNotFound = errors.New("product snapshot not found")

// ProductSnapshot is the order side's local copy of product master data,
// kept fresh from catalog events. LastUpdated is the source timestamp,
// not the time we applied the row.
type ProductSnapshot struct {
	ProductID   string
	Name        string
	PriceCents  int64
	LastUpdated time.Time
}

// ProductUpdate carries one observed catalog mutation toward the
// snapshot table.
type ProductUpdate struct {
	ProductID  string
	Name       string
	PriceCents int64
	OccurredAt time.Time
}
