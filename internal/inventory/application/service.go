package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stockflow/inventory-coordinator/internal/inventory/domain"
	"github.com/stockflow/inventory-coordinator/pkg/inbox"
)

type ReserveItem struct {
	ProductID string
	Quantity  int
}

type Config struct {
	ReservationTTL    time.Duration
	LowStockThreshold int
	// MaxRetries bounds how often a lost version race is retried from a
	// fresh read before the conflict surfaces as transient failure.
	MaxRetries uint64
}

// Service drives the reservation state machine. Every command runs as:
// read aggregates, mutate in memory, save with expected-version check,
// retry from a fresh read on conflict. When a command originates from a
// message delivery the caller passes an inbox claim and the save becomes
// the atomic insert-then-mutate unit of the idempotency guard.
type Service struct {
	log        *slog.Logger
	repo       StockRepository
	policy     domain.Policy
	maxRetries uint64
	now        func() time.Time
}

func NewService(log *slog.Logger, repo StockRepository, cfg Config) *Service {
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = 4
	}
	return &Service{
		log:  log,
		repo: repo,
		policy: domain.Policy{
			ReservationTTL:    cfg.ReservationTTL,
			LowStockThreshold: cfg.LowStockThreshold,
		},
		maxRetries: retries,
		now:        time.Now,
	}
}

// CreateStock provisions inventory for a product entering the catalog.
func (s *Service) CreateStock(ctx context.Context, productID string, total int) error {
	if total < 0 {
		return fmt.Errorf("total quantity must not be negative, got %d", total)
	}
	return s.repo.Create(ctx, domain.NewStock(productID, total))
}

// Availability reads the current aggregate for a product.
func (s *Service) Availability(ctx context.Context, productID string) (*domain.Stock, error) {
	return s.repo.FindByProduct(ctx, productID)
}

// Reserve places holds for every item of the order or for none of them.
// The whole batch is validated against fresh availability before a single
// hold is created, so one insufficient product fails the order without
// touching the others.
func (s *Service) Reserve(ctx context.Context, claim *inbox.Claim, orderID string, items []ReserveItem, correlationID string) error {
	if len(items) == 0 {
		return errors.New("reserve requires at least one item")
	}
	items = mergeItems(items)
	op := func() error {
		stocks := make([]*domain.Stock, 0, len(items))
		for _, it := range items {
			st, err := s.repo.FindByProduct(ctx, it.ProductID)
			if err != nil {
				if errors.Is(err, domain.ErrStockNotFound) {
					return backoff.Permanent(fmt.Errorf("product %s: %w", it.ProductID, err))
				}
				return err
			}
			stocks = append(stocks, st)
		}
		for i, it := range items {
			if err := stocks[i].CheckReserve(orderID, it.Quantity); err != nil {
				return backoff.Permanent(err)
			}
		}
		for i, it := range items {
			if err := stocks[i].Reserve(s.policy, orderID, it.Quantity, s.now(), correlationID); err != nil {
				return backoff.Permanent(err)
			}
		}
		return s.save(ctx, claim, stocks)
	}
	return s.run(ctx, op)
}

// Release frees every Active hold of the order. Orders without Active
// holds release successfully with no effect, so upstream compensation can
// retry this indefinitely.
func (s *Service) Release(ctx context.Context, claim *inbox.Claim, orderID string, correlationID string) error {
	op := func() error {
		stocks, err := s.repo.FindForOrder(ctx, orderID)
		if err != nil {
			return err
		}
		for _, st := range stocks {
			st.Release(s.policy, orderID, s.now(), correlationID)
		}
		return s.save(ctx, claim, stocks)
	}
	return s.run(ctx, op)
}

// Confirm turns the order's holds into permanent deductions. Confirming
// an already-confirmed order is a no-op success; confirming after a
// release or expiry surfaces domain.ErrAlreadyTerminal.
func (s *Service) Confirm(ctx context.Context, claim *inbox.Claim, orderID string, correlationID string) error {
	op := func() error {
		stocks, err := s.repo.FindForOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if len(stocks) == 0 {
			// No hold ever existed for this order; confirming it must not
			// silently succeed with nothing deducted.
			return backoff.Permanent(domain.ErrAlreadyTerminal)
		}
		for _, st := range stocks {
			if err := st.Confirm(orderID, s.now(), correlationID); err != nil {
				return backoff.Permanent(err)
			}
		}
		return s.save(ctx, claim, stocks)
	}
	return s.run(ctx, op)
}

// ExpireReservation reclaims one overdue hold on behalf of the sweeper.
// A reservation that stopped being Active, or is not yet due, is left
// untouched.
func (s *Service) ExpireReservation(ctx context.Context, ref ReservationRef, correlationID string) error {
	op := func() error {
		st, err := s.repo.FindByProduct(ctx, ref.ProductID)
		if err != nil {
			if errors.Is(err, domain.ErrStockNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		if !st.Expire(s.policy, ref.OrderID, s.now(), correlationID) {
			return nil
		}
		return s.save(ctx, nil, []*domain.Stock{st})
	}
	return s.run(ctx, op)
}

// mergeItems collapses repeated product lines into one. Loading the same
// aggregate twice would make the second version-checked write conflict
// against the first on every attempt.
func mergeItems(items []ReserveItem) []ReserveItem {
	merged := make([]ReserveItem, 0, len(items))
	index := make(map[string]int, len(items))
	for _, it := range items {
		if i, ok := index[it.ProductID]; ok {
			merged[i].Quantity += it.Quantity
			continue
		}
		index[it.ProductID] = len(merged)
		merged = append(merged, it)
	}
	return merged
}

func (s *Service) save(ctx context.Context, claim *inbox.Claim, stocks []*domain.Stock) error {
	dirty := make([]*domain.Stock, 0, len(stocks))
	var events []domain.Event
	for _, st := range stocks {
		if !st.Dirty() {
			continue
		}
		dirty = append(dirty, st)
		events = append(events, st.PopEvents()...)
	}
	if claim == nil && len(dirty) == 0 {
		return nil
	}
	if err := s.repo.Save(ctx, claim, dirty, events); err != nil {
		if errors.Is(err, inbox.ErrDuplicateMessage) {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}

// run executes op under bounded exponential backoff with jitter. Version
// conflicts and transient store failures retry; duplicate deliveries and
// business outcomes pass through as permanent results.
func (s *Service) run(ctx context.Context, op backoff.Operation) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, inbox.ErrDuplicateMessage):
		s.log.Debug("duplicate delivery skipped")
		return nil
	case errors.Is(err, domain.ErrVersionConflict):
		return fmt.Errorf("conflict persisted past %d retries: %w", s.maxRetries, err)
	default:
		return err
	}
}
