package application

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stockflow/inventory-coordinator/internal/inventory/domain"
)

func seedReservation(repo *fakeRepo, productID, orderID string, qty int, status domain.ReservationStatus, expiresAt time.Time) {
	p := repo.stocks[productID]
	p.reservations = append(p.reservations, domain.StockReservation{
		OrderID:   orderID,
		ProductID: productID,
		Quantity:  qty,
		Status:    status,
		CreatedAt: expiresAt.Add(-15 * time.Minute),
		ExpiresAt: expiresAt,
	})
}

func newTestSweeper(repo *fakeRepo, batchSize int, now time.Time) *Sweeper {
	svc := newTestService(repo)
	svc.now = func() time.Time { return now }
	w := NewSweeper(slog.Default(), svc, repo, time.Second, batchSize)
	w.now = svc.now
	return w
}

func TestSweep_ExpiresOnlyDueActiveReservations(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	repo.seed("P-1", 20)
	seedReservation(repo, "P-1", "O-due", 5, domain.ReservationActive, now.Add(-time.Minute))
	seedReservation(repo, "P-1", "O-fresh", 5, domain.ReservationActive, now.Add(time.Hour))
	seedReservation(repo, "P-1", "O-done", 5, domain.ReservationConfirmed, now.Add(-time.Hour))

	w := newTestSweeper(repo, 10, now)
	if got := w.sweepOnce(context.Background()); got != 1 {
		t.Fatalf("expired %d, want 1", got)
	}

	st, _ := repo.FindByProduct(context.Background(), "P-1")
	statuses := map[string]domain.ReservationStatus{}
	for _, r := range st.Reservations {
		statuses[r.OrderID] = r.Status
	}
	if statuses["O-due"] != domain.ReservationExpired {
		t.Errorf("O-due = %s, want expired", statuses["O-due"])
	}
	if statuses["O-fresh"] != domain.ReservationActive {
		t.Errorf("O-fresh = %s, want untouched", statuses["O-fresh"])
	}
	if statuses["O-done"] != domain.ReservationConfirmed {
		t.Errorf("O-done = %s, want untouched", statuses["O-done"])
	}
}

func TestSweep_BatchBoundMostOverdueFirst(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	repo.seed("P-1", 50)
	for i, age := range []time.Duration{5, 1, 4, 2, 3} {
		seedReservation(repo, "P-1", orderName(i), 2, domain.ReservationActive, now.Add(-age*time.Minute))
	}

	w := newTestSweeper(repo, 2, now)
	if got := w.sweepOnce(context.Background()); got != 2 {
		t.Fatalf("expired %d, want batch of 2", got)
	}

	st, _ := repo.FindByProduct(context.Background(), "P-1")
	expired := map[string]bool{}
	for _, r := range st.Reservations {
		if r.Status == domain.ReservationExpired {
			expired[r.OrderID] = true
		}
	}
	// Ages 5m and 4m are the most overdue.
	if !expired[orderName(0)] || !expired[orderName(2)] {
		t.Errorf("expected most overdue reservations first, got %v", expired)
	}
}

func TestSweep_FailureIsolatedPerReservation(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	repo.seed("P-ok", 10)
	repo.seed("P-bad", 10)
	seedReservation(repo, "P-ok", "O-1", 2, domain.ReservationActive, now.Add(-time.Minute))
	seedReservation(repo, "P-bad", "O-2", 2, domain.ReservationActive, now.Add(-2*time.Minute))
	repo.alwaysFail["P-bad"] = true

	w := newTestSweeper(repo, 10, now)
	if got := w.sweepOnce(context.Background()); got != 1 {
		t.Fatalf("expired %d, want the healthy reservation despite the failing one", got)
	}

	st, _ := repo.FindByProduct(context.Background(), "P-ok")
	if st.Reservations[0].Status != domain.ReservationExpired {
		t.Error("healthy reservation not expired")
	}
}

func orderName(i int) string {
	return string(rune('A' + i))
}
