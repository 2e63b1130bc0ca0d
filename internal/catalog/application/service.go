package application

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stockflow/inventory-coordinator/internal/catalog/domain"
)

// Service owns product master data. Every mutation leaves through the
// outbox so downstream snapshots converge after commit.
type Service struct {
	repo ProductRepository
	now  func() time.Time
}

func NewService(repo ProductRepository) *Service {
	return &Service{repo: repo, now: time.Now}
}

func (s *Service) Create(ctx context.Context, productID, name string, priceCents int64, correlationID string) error {
	now := s.now().UTC()
	p := domain.Product{
		ProductID:  productID,
		Name:       name,
		PriceCents: priceCents,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	payload, err := json.Marshal(domain.ProductCreated{
		ProductID:  productID,
		Name:       name,
		PriceCents: priceCents,
		OccurredAt: now,
	})
	if err != nil {
		return fmt.Errorf("marshal ProductCreated: %w", err)
	}
	return s.repo.SaveWithOutbox(ctx, p, "ProductCreated", uuid.NewString(), payload, correlationID)
}

func (s *Service) Update(ctx context.Context, productID, name string, priceCents int64, correlationID string) error {
	now := s.now().UTC()
	p := domain.Product{
		ProductID:  productID,
		Name:       name,
		PriceCents: priceCents,
		UpdatedAt:  now,
	}
	payload, err := json.Marshal(domain.ProductUpdated{
		ProductID:  productID,
		Name:       name,
		PriceCents: priceCents,
		OccurredAt: now,
	})
	if err != nil {
		return fmt.Errorf("marshal ProductUpdated: %w", err)
	}
	return s.repo.SaveWithOutbox(ctx, p, "ProductUpdated", uuid.NewString(), payload, correlationID)
}

func (s *Service) Get(ctx context.Context, productID string) (domain.Product, error) {
	return s.repo.Find(ctx, productID)
}
