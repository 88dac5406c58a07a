package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func item(pid string, qty int64, price string) LineItem {
	return LineItem{ProductID: pid, Quantity: qty, UnitPrice: decimal.RequireFromString(price)}
}

func TestNewSagaMergesAndPrices(t *testing.T) {
	s, err := NewSaga("ORD-1", "C1", []LineItem{
		item("B", 1, "3.00"),
		item("A", 2, "1.25"),
		item("B", 2, "3.00"),
	}, Address{Line1: "1 Main St", Country: "US"}, "card", "USD", t0)
	if err != nil {
		t.Fatalf("new saga: %v", err)
	}
	if len(s.Items) != 2 || s.Items[0].ProductID != "A" || s.Items[1].Quantity != 3 {
		t.Fatalf("unexpected items %+v", s.Items)
	}
	if !s.Amount.Equal(decimal.RequireFromString("11.50")) {
		t.Errorf("expected amount 11.50, got %s", s.Amount)
	}
	if s.State != StateStarted || s.Version != 0 {
		t.Errorf("unexpected initial state %s v%d", s.State, s.Version)
	}
}

func TestNewSagaValidation(t *testing.T) {
	cases := []struct {
		name     string
		customer string
		items    []LineItem
	}{
		{"no customer", "", []LineItem{item("A", 1, "1")}},
		{"no items", "C1", nil},
		{"zero quantity", "C1", []LineItem{item("A", 0, "1")}},
		{"blank product", "C1", []LineItem{item(" ", 1, "1")}},
		{"negative price", "C1", []LineItem{item("A", 1, "-1")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSaga("ORD-1", tc.customer, tc.items, Address{}, "card", "USD", t0)
			if !errors.Is(err, ErrInvalidOrder) {
				t.Errorf("expected ErrInvalidOrder, got %v", err)
			}
		})
	}
}

func TestApplyRejectsIllegalEventWithoutMutation(t *testing.T) {
	s, _ := NewSaga("ORD-1", "C1", []LineItem{item("A", 1, "1")}, Address{}, "card", "USD", t0)

	if _, err := s.Apply(EventCharge, t0.Add(time.Minute)); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
	if s.State != StateStarted || !s.UpdatedAt.Equal(t0) {
		t.Errorf("saga mutated by rejected event: %s %s", s.State, s.UpdatedAt)
	}

	from, err := s.Apply(EventBegin, t0.Add(time.Minute))
	if err != nil || from != StateStarted || s.State != StateReserving {
		t.Errorf("unexpected apply result from=%s state=%s err=%v", from, s.State, err)
	}
}

func TestFailAccumulatesReasons(t *testing.T) {
	s := &Saga{}
	s.Fail("ship: timeout")
	s.Fail("refund: declined")
	if s.FailureReason != "ship: timeout; refund: declined" {
		t.Errorf("unexpected reason %q", s.FailureReason)
	}
}

func TestDeferCountsPerState(t *testing.T) {
	s := &Saga{State: StateCharging}
	if n := s.Defer("charge: outcome unknown"); n != 1 {
		t.Fatalf("first defer = %d", n)
	}
	if n := s.Defer("charge: outcome unknown"); n != 2 {
		t.Fatalf("second defer = %d", n)
	}
	s.State = StateShipping
	if n := s.Defer("ship: outcome unknown"); n != 1 {
		t.Fatalf("shipping defer = %d", n)
	}
	if s.Attempts["unresolved:charging"] != 2 || s.Attempts["unresolved:shipping"] != 1 {
		t.Errorf("unexpected counters %v", s.Attempts)
	}
	if s.FailureReason == "" {
		t.Error("defer should keep the reason")
	}
}

func TestIdempotencyKeysAreStable(t *testing.T) {
	s := &Saga{ID: "ORD-1"}
	if got := s.IdempotencyKey(StepCharge); got != "ORD-1:charge" {
		t.Errorf("unexpected charge key %s", got)
	}
	if got := s.ReservationKey("P9"); got != "ORD-1:reserve:P9" {
		t.Errorf("unexpected reservation key %s", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	s, _ := NewSaga("ORD-1", "C1", []LineItem{item("A", 1, "1")}, Address{}, "card", "USD", t0)
	s.Reservations["A"] = "RSV-1"
	s.AddAttempts(StepReserve, 1)

	c := s.Clone()
	c.Reservations["A"] = "RSV-2"
	c.Attempts[StepReserve] = 9
	c.Items[0].Quantity = 5

	if s.Reservations["A"] != "RSV-1" || s.Attempts[StepReserve] != 1 || s.Items[0].Quantity != 1 {
		t.Error("clone shares state with the original")
	}
}

func TestFactOf(t *testing.T) {
	s, _ := NewSaga("ORD-1", "C1", []LineItem{item("A", 2, "1.50"), item("B", 1, "4")},
		Address{Country: "DE"}, "card", "EUR", t0)
	f := FactOf(s)
	if f.Amount != 7 || f.ItemCount != 2 || f.TotalQuantity != 3 || f.Country != "DE" || len(f.ProductIDs) != 2 {
		t.Errorf("unexpected fact %+v", f)
	}
}
