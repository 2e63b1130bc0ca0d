package domain

import "time"

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpired   ReservationStatus = "expired"
	ReservationConfirmed ReservationStatus = "confirmed"
)

// Terminal reports whether the status permits no further transitions.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationReleased || s == ReservationExpired || s == ReservationConfirmed
}

// StockReservation is a hold on stock quantity, identified by the
// (OrderID, ProductID) pair. Quantity is immutable once created and at
// most one reservation per pair may be Active at a time.
type StockReservation struct {
	OrderID   string
	ProductID string
	Quantity  int
	Status    ReservationStatus
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Policy carries the tunables applied during mutations.
type Policy struct {
	ReservationTTL    time.Duration
	LowStockThreshold int
}

// Stock is the aggregate root for one product's inventory. TotalQuantity
// is the physical on-hand count; active reservations hold a share of it
// without changing it. Version backs the optimistic-concurrency check:
// every mutation bumps it, and a save whose base version no longer
// matches the stored one is rejected.
type Stock struct {
	ProductID      string
	TotalQuantity  int
	Version        int64
	LowStockWarned bool
	Reservations   []StockReservation

	baseVersion int64
	events      []Event
}

func NewStock(productID string, total int) *Stock {
	return &Stock{ProductID: productID, TotalQuantity: total}
}

// Rehydrate restores an aggregate loaded from the store and pins the
// version the optimistic write will be checked against.
func Rehydrate(productID string, total int, version int64, lowStockWarned bool, reservations []StockReservation) *Stock {
	return &Stock{
		ProductID:      productID,
		TotalQuantity:  total,
		Version:        version,
		LowStockWarned: lowStockWarned,
		Reservations:   reservations,
		baseVersion:    version,
	}
}

// BaseVersion is the version this aggregate was loaded at.
func (s *Stock) BaseVersion() int64 { return s.baseVersion }

// Dirty reports whether any mutation happened since load.
func (s *Stock) Dirty() bool { return s.Version != s.baseVersion }

// AvailableQuantity is the on-hand count minus all active holds.
func (s *Stock) AvailableQuantity() int {
	held := 0
	for _, r := range s.Reservations {
		if r.Status == ReservationActive {
			held += r.Quantity
		}
	}
	return s.TotalQuantity - held
}

// PopEvents drains the events collected since load.
func (s *Stock) PopEvents() []Event {
	ev := s.events
	s.events = nil
	return ev
}

func (s *Stock) reservationFor(orderID string) *StockReservation {
	for i := range s.Reservations {
		if s.Reservations[i].OrderID == orderID {
			return &s.Reservations[i]
		}
	}
	return nil
}

// CheckReserve validates a reservation request without applying it, so a
// multi-product batch can be checked in full before any hold is created.
func (s *Stock) CheckReserve(orderID string, quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if res := s.reservationFor(orderID); res != nil {
		if res.Status.Terminal() {
			return ErrAlreadyTerminal
		}
		// Active duplicate: re-applying is a no-op, nothing to check.
		return nil
	}
	if avail := s.AvailableQuantity(); avail < quantity {
		return &InsufficientStockError{ProductID: s.ProductID, Requested: quantity, Available: avail}
	}
	return nil
}

// Reserve creates an Active hold for the order. Re-reserving while an
// Active hold exists for the same pair is a no-op so that redelivered
// reserve commands cannot double-hold.
func (s *Stock) Reserve(p Policy, orderID string, quantity int, now time.Time, correlationID string) error {
	if err := s.CheckReserve(orderID, quantity); err != nil {
		return err
	}
	if res := s.reservationFor(orderID); res != nil && res.Status == ReservationActive {
		return nil
	}

	now = now.UTC()
	s.Reservations = append(s.Reservations, StockReservation{
		OrderID:   orderID,
		ProductID: s.ProductID,
		Quantity:  quantity,
		Status:    ReservationActive,
		CreatedAt: now,
		ExpiresAt: now.Add(p.ReservationTTL),
	})
	s.touch()
	s.record(EventStockReserved, StockReserved{OrderID: orderID, ProductID: s.ProductID, Quantity: quantity}, now, correlationID)
	s.noteAvailability(p, now, correlationID)
	return nil
}

// Release removes the order's hold if it is still Active. Releasing an
// absent or terminal reservation changes nothing and reports false;
// release must be safe to retry indefinitely.
func (s *Stock) Release(p Policy, orderID string, now time.Time, correlationID string) bool {
	res := s.reservationFor(orderID)
	if res == nil || res.Status != ReservationActive {
		return false
	}
	now = now.UTC()
	res.Status = ReservationReleased
	s.touch()
	s.record(EventStockReleased, StockReleased{OrderID: orderID, ProductID: s.ProductID, Quantity: res.Quantity}, now, correlationID)
	s.noteAvailability(p, now, correlationID)
	return true
}

// Confirm converts the order's Active hold into a permanent deduction
// from TotalQuantity. A reservation already Confirmed is a no-op success;
// Released or Expired means the confirm arrived after the hold was
// undone, which is a conflict the caller must see.
func (s *Stock) Confirm(orderID string, now time.Time, correlationID string) error {
	res := s.reservationFor(orderID)
	if res == nil {
		return ErrAlreadyTerminal
	}
	switch res.Status {
	case ReservationConfirmed:
		return nil
	case ReservationReleased, ReservationExpired:
		return ErrAlreadyTerminal
	}
	res.Status = ReservationConfirmed
	s.TotalQuantity -= res.Quantity
	s.touch()
	return nil
}

// Expire reclaims an overdue Active hold. It refuses reservations that
// are not Active or not yet past their deadline and reports whether
// anything changed.
func (s *Stock) Expire(p Policy, orderID string, now time.Time, correlationID string) bool {
	res := s.reservationFor(orderID)
	if res == nil || res.Status != ReservationActive || now.Before(res.ExpiresAt) {
		return false
	}
	now = now.UTC()
	res.Status = ReservationExpired
	s.touch()
	s.record(EventStockReservationExpired, StockReservationExpired{OrderID: orderID, ProductID: s.ProductID, Quantity: res.Quantity}, now, correlationID)
	s.noteAvailability(p, now, correlationID)
	return true
}

func (s *Stock) touch() { s.Version++ }

func (s *Stock) record(typ string, payload any, at time.Time, correlationID string) {
	ev := newEvent(typ, payload, at, correlationID)
	ev.AggregateID = s.ProductID
	s.events = append(s.events, ev)
}

// noteAvailability maintains the low-stock latch: exactly one warning per
// downward crossing of the threshold, re-armed once availability
// recovers above it.
func (s *Stock) noteAvailability(p Policy, now time.Time, correlationID string) {
	avail := s.AvailableQuantity()
	switch {
	case avail <= p.LowStockThreshold && !s.LowStockWarned:
		s.LowStockWarned = true
		s.record(EventLowStockWarning, LowStockWarning{ProductID: s.ProductID, Available: avail, Threshold: p.LowStockThreshold}, now, correlationID)
	case avail > p.LowStockThreshold && s.LowStockWarned:
		s.LowStockWarned = false
	}
}
