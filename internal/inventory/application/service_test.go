package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stockflow/inventory-coordinator/internal/inventory/domain"
	"github.com/stockflow/inventory-coordinator/pkg/inbox"
)

type persistedStock struct {
	total        int
	version      int64
	warned       bool
	reservations []domain.StockReservation
}

// fakeRepo mimics the Postgres repository's contract: expected-version
// writes, claim rows sharing the save, everything atomic under one lock.
type fakeRepo struct {
	mu            sync.Mutex
	stocks        map[string]*persistedStock
	claims        map[string]bool
	published     []domain.Event
	conflictsLeft int
	alwaysFail    map[string]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		stocks:     make(map[string]*persistedStock),
		claims:     make(map[string]bool),
		alwaysFail: make(map[string]bool),
	}
}

func (r *fakeRepo) seed(productID string, total int) {
	r.stocks[productID] = &persistedStock{total: total, version: 1}
}

func (r *fakeRepo) Create(ctx context.Context, stock *domain.Stock) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stocks[stock.ProductID] = &persistedStock{total: stock.TotalQuantity, version: 1}
	return nil
}

func (r *fakeRepo) FindByProduct(ctx context.Context, productID string) (*domain.Stock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.stocks[productID]
	if !ok {
		return nil, domain.ErrStockNotFound
	}
	return domain.Rehydrate(productID, p.total, p.version, p.warned,
		append([]domain.StockReservation(nil), p.reservations...)), nil
}

func (r *fakeRepo) FindForOrder(ctx context.Context, orderID string) ([]*domain.Stock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Stock
	for pid, p := range r.stocks {
		for _, res := range p.reservations {
			if res.OrderID == orderID {
				out = append(out, domain.Rehydrate(pid, p.total, p.version, p.warned,
					append([]domain.StockReservation(nil), p.reservations...)))
				break
			}
		}
	}
	return out, nil
}

func (r *fakeRepo) Save(ctx context.Context, claim *inbox.Claim, stocks []*domain.Stock, events []domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if claim != nil && r.claims[claim.MessageID+"|"+claim.ConsumerType] {
		return inbox.ErrDuplicateMessage
	}
	if r.conflictsLeft > 0 {
		r.conflictsLeft--
		return domain.ErrVersionConflict
	}
	for _, st := range stocks {
		if r.alwaysFail[st.ProductID] {
			return domain.ErrVersionConflict
		}
		p, ok := r.stocks[st.ProductID]
		if !ok || p.version != st.BaseVersion() {
			return domain.ErrVersionConflict
		}
	}
	for _, st := range stocks {
		r.stocks[st.ProductID] = &persistedStock{
			total:        st.TotalQuantity,
			version:      st.Version,
			warned:       st.LowStockWarned,
			reservations: append([]domain.StockReservation(nil), st.Reservations...),
		}
	}
	if claim != nil {
		r.claims[claim.MessageID+"|"+claim.ConsumerType] = true
	}
	r.published = append(r.published, events...)
	return nil
}

func (r *fakeRepo) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]ReservationRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var refs []ReservationRef
	for pid, p := range r.stocks {
		for _, res := range p.reservations {
			if res.Status == domain.ReservationActive && !res.ExpiresAt.After(now) {
				refs = append(refs, ReservationRef{OrderID: res.OrderID, ProductID: pid, ExpiresAt: res.ExpiresAt})
			}
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ExpiresAt.Before(refs[j].ExpiresAt) })
	if len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

func (r *fakeRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.published))
	for _, e := range r.published {
		types = append(types, e.Type)
	}
	return types
}

func newTestService(repo *fakeRepo) *Service {
	return NewService(slog.Default(), repo, Config{
		ReservationTTL:    15 * time.Minute,
		LowStockThreshold: 2,
		MaxRetries:        6,
	})
}

func TestReserve_PersistsHoldAndEvent(t *testing.T) {
	repo := newFakeRepo()
	repo.seed("P-1", 10)
	svc := newTestService(repo)

	err := svc.Reserve(context.Background(), nil, "O-1", []ReserveItem{{ProductID: "P-1", Quantity: 7}}, "corr")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	st, _ := repo.FindByProduct(context.Background(), "P-1")
	if got := st.AvailableQuantity(); got != 3 {
		t.Errorf("available = %d, want 3", got)
	}
	if types := repo.eventTypes(); len(types) != 1 || types[0] != domain.EventStockReserved {
		t.Errorf("events = %v, want one StockReserved", types)
	}
}

func TestReserve_MultiItemAllOrNothing(t *testing.T) {
	repo := newFakeRepo()
	repo.seed("P-A", 10)
	repo.seed("P-B", 1)
	svc := newTestService(repo)

	err := svc.Reserve(context.Background(), nil, "O-1", []ReserveItem{
		{ProductID: "P-A", Quantity: 5},
		{ProductID: "P-B", Quantity: 3},
	}, "corr")

	var ins *domain.InsufficientStockError
	if !errors.As(err, &ins) || ins.ProductID != "P-B" {
		t.Fatalf("expected InsufficientStockError for P-B, got %v", err)
	}
	for _, pid := range []string{"P-A", "P-B"} {
		st, _ := repo.FindByProduct(context.Background(), pid)
		if len(st.Reservations) != 0 {
			t.Errorf("%s: reservation created despite failed batch", pid)
		}
	}
	if len(repo.eventTypes()) != 0 {
		t.Error("events emitted for a failed batch")
	}
}

func TestReserve_RepeatedProductLinesMergeIntoOneHold(t *testing.T) {
	repo := newFakeRepo()
	repo.seed("P-1", 10)
	svc := newTestService(repo)

	err := svc.Reserve(context.Background(), nil, "O-1", []ReserveItem{
		{ProductID: "P-1", Quantity: 3},
		{ProductID: "P-1", Quantity: 4},
	}, "corr")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	st, _ := repo.FindByProduct(context.Background(), "P-1")
	if got := st.AvailableQuantity(); got != 3 {
		t.Errorf("available = %d, want 3", got)
	}
	if len(st.Reservations) != 1 || st.Reservations[0].Quantity != 7 {
		t.Fatalf("reservations = %+v, want one hold of 7", st.Reservations)
	}
}

func TestRelease_SafeToRetryForever(t *testing.T) {
	repo := newFakeRepo()
	repo.seed("P-1", 10)
	svc := newTestService(repo)
	ctx := context.Background()

	if err := svc.Reserve(ctx, nil, "O-1", []ReserveItem{{ProductID: "P-1", Quantity: 4}}, "corr"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := svc.Release(ctx, nil, "O-1", "corr"); err != nil {
			t.Fatalf("release #%d: %v", i+1, err)
		}
	}
	// Releasing an order that never reserved is also success.
	if err := svc.Release(ctx, nil, "O-unknown", "corr"); err != nil {
		t.Fatalf("release of unknown order: %v", err)
	}

	st, _ := repo.FindByProduct(ctx, "P-1")
	if got := st.AvailableQuantity(); got != 10 {
		t.Errorf("available = %d, want 10", got)
	}
	released := 0
	for _, typ := range repo.eventTypes() {
		if typ == domain.EventStockReleased {
			released++
		}
	}
	if released != 1 {
		t.Errorf("StockReleased emitted %d times, want 1", released)
	}
}

func TestConfirm_AfterReleaseIsTerminal(t *testing.T) {
	repo := newFakeRepo()
	repo.seed("P-1", 10)
	svc := newTestService(repo)
	ctx := context.Background()

	_ = svc.Reserve(ctx, nil, "O-1", []ReserveItem{{ProductID: "P-1", Quantity: 7}}, "corr")
	_ = svc.Release(ctx, nil, "O-1", "corr")

	err := svc.Confirm(ctx, nil, "O-1", "corr")
	if !errors.Is(err, domain.ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestConfirm_UnknownOrderIsTerminal(t *testing.T) {
	repo := newFakeRepo()
	repo.seed("P-1", 10)
	svc := newTestService(repo)

	err := svc.Confirm(context.Background(), nil, "O-never-reserved", "corr")
	if !errors.Is(err, domain.ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
	st, _ := repo.FindByProduct(context.Background(), "P-1")
	if st.TotalQuantity != 10 {
		t.Errorf("total = %d, want untouched 10", st.TotalQuantity)
	}
}

func TestConfirm_RetriesAreNoOps(t *testing.T) {
	repo := newFakeRepo()
	repo.seed("P-1", 10)
	svc := newTestService(repo)
	ctx := context.Background()

	_ = svc.Reserve(ctx, nil, "O-1", []ReserveItem{{ProductID: "P-1", Quantity: 4}}, "corr")
	for i := 0; i < 3; i++ {
		if err := svc.Confirm(ctx, nil, "O-1", "corr"); err != nil {
			t.Fatalf("confirm #%d: %v", i+1, err)
		}
	}

	st, _ := repo.FindByProduct(ctx, "P-1")
	if st.TotalQuantity != 6 {
		t.Errorf("total = %d, want 6 after a single deduction", st.TotalQuantity)
	}
}

func TestDuplicateDelivery_MutatesOnce(t *testing.T) {
	repo := newFakeRepo()
	repo.seed("P-1", 10)
	svc := newTestService(repo)
	ctx := context.Background()
	claim := &inbox.Claim{MessageID: "msg-1", ConsumerType: "inventory-order-events"}
	items := []ReserveItem{{ProductID: "P-1", Quantity: 3}}

	if err := svc.Reserve(ctx, claim, "O-1", items, "corr"); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	// Redelivery of the same message: success path, zero new effects.
	if err := svc.Reserve(ctx, claim, "O-1", items, "corr"); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	st, _ := repo.FindByProduct(ctx, "P-1")
	if got := st.AvailableQuantity(); got != 7 {
		t.Errorf("available = %d, want 7 (one mutation)", got)
	}
	if got := len(repo.eventTypes()); got != 1 {
		t.Errorf("events = %d, want 1", got)
	}
}

func TestDuplicateMessageID_DifferentConsumersProcessIndependently(t *testing.T) {
	repo := newFakeRepo()
	repo.seed("P-1", 10)
	svc := newTestService(repo)
	ctx := context.Background()

	a := &inbox.Claim{MessageID: "msg-1", ConsumerType: "consumer-a"}
	b := &inbox.Claim{MessageID: "msg-1", ConsumerType: "consumer-b"}

	if err := svc.Reserve(ctx, a, "O-1", []ReserveItem{{ProductID: "P-1", Quantity: 2}}, "corr"); err != nil {
		t.Fatalf("consumer a: %v", err)
	}
	if err := svc.Reserve(ctx, b, "O-2", []ReserveItem{{ProductID: "P-1", Quantity: 2}}, "corr"); err != nil {
		t.Fatalf("consumer b: %v", err)
	}

	st, _ := repo.FindByProduct(ctx, "P-1")
	if got := st.AvailableQuantity(); got != 6 {
		t.Errorf("available = %d, want 6 (both consumers applied)", got)
	}
}

func TestReserve_RecoversFromVersionConflict(t *testing.T) {
	repo := newFakeRepo()
	repo.seed("P-1", 10)
	repo.conflictsLeft = 2
	svc := newTestService(repo)

	err := svc.Reserve(context.Background(), nil, "O-1", []ReserveItem{{ProductID: "P-1", Quantity: 3}}, "corr")
	if err != nil {
		t.Fatalf("expected recovery after injected conflicts, got %v", err)
	}
}

func TestReserve_ConflictPastCapSurfaces(t *testing.T) {
	repo := newFakeRepo()
	repo.seed("P-1", 10)
	repo.alwaysFail["P-1"] = true
	svc := newTestService(repo)

	err := svc.Reserve(context.Background(), nil, "O-1", []ReserveItem{{ProductID: "P-1", Quantity: 3}}, "corr")
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected surfaced version conflict, got %v", err)
	}
}

func TestConcurrentReserves_NoOversell(t *testing.T) {
	repo := newFakeRepo()
	repo.seed("P-1", 10)
	svc := newTestService(repo)

	const workers = 5
	results := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order := fmt.Sprintf("O-%d", i)
			results[i] = svc.Reserve(context.Background(), nil, order,
				[]ReserveItem{{ProductID: "P-1", Quantity: 7}}, "corr")
		}(i)
	}
	wg.Wait()

	won, lost := 0, 0
	for _, err := range results {
		var ins *domain.InsufficientStockError
		switch {
		case err == nil:
			won++
		case errors.As(err, &ins):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != workers-1 {
		t.Fatalf("won=%d lost=%d, want exactly one winner", won, lost)
	}

	st, _ := repo.FindByProduct(context.Background(), "P-1")
	if got := st.AvailableQuantity(); got != 3 {
		t.Errorf("available = %d, want 3", got)
	}
}
