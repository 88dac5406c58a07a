package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace/noop"

	"fulfillment/internal/pkg/apperrors"
	"fulfillment/internal/service/inventory/domain"
	"fulfillment/internal/service/inventory/infrastructure"
	"fulfillment/internal/zookeeper"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newEngine(t *testing.T, opts ...Option) (*Engine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)}
	var seq int64
	base := []Option{
		WithClock(clock.Now),
		WithIDGenerator(func() string { return fmt.Sprintf("RSV-%d", atomic.AddInt64(&seq, 1)) }),
	}
	e := NewEngine(infrastructure.NewMemoryLedger(), noop.NewTracerProvider().Tracer("test"), append(base, opts...)...)
	return e, clock
}

func mustRegister(t *testing.T, e *Engine, id string, total int64) {
	t.Helper()
	_, err := e.RegisterProduct(context.Background(), RegisterProductRequest{
		ProductID: id, ProductName: id, TotalQuantity: total, UnitPrice: decimal.RequireFromString("9.50"), Currency: "USD",
	})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func counters(t *testing.T, e *Engine, id string) (total, reserved int64) {
	t.Helper()
	p, err := e.GetProduct(context.Background(), id)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	return p.TotalQuantity, p.ReservedQuantity
}

// total=50：预占 10 成功，再预占 45 失败，确认后 total=40 reserved=0
func TestReserveConfirmLifecycle(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	mustRegister(t, e, "P", 50)

	r1, err := e.Reserve(ctx, ReserveRequest{ProductID: "P", CustomerID: "C1", Quantity: 10})
	if err != nil {
		t.Fatalf("reserve C1: %v", err)
	}
	av, _ := e.Availability(ctx, "P")
	if av.AvailableQuantity != 40 || !av.Available {
		t.Errorf("expected 40 available, got %+v", av)
	}

	if _, err := e.Reserve(ctx, ReserveRequest{ProductID: "P", CustomerID: "C2", Quantity: 45}); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	if _, err := e.Confirm(ctx, r1.ReservationID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if total, reserved := counters(t, e, "P"); total != 40 || reserved != 0 {
		t.Errorf("expected total=40 reserved=0, got %d/%d", total, reserved)
	}
}

// ttl=1s，2 秒后扫描，预占过期，确认失败
func TestSweepExpiresThenConfirmFails(t *testing.T) {
	ctx := context.Background()
	e, clock := newEngine(t)
	mustRegister(t, e, "P", 50)

	r, err := e.Reserve(ctx, ReserveRequest{ProductID: "P", CustomerID: "C1", Quantity: 10, TTL: time.Second})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clock.Advance(2 * time.Second)

	n, err := e.ExpireSweep(ctx, clock.Now())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 expired, got %d (%v)", n, err)
	}
	got, _ := e.GetReservation(ctx, r.ReservationID)
	if got.Status != domain.ReservationExpired {
		t.Errorf("expected EXPIRED, got %s", got.Status)
	}
	if _, err := e.Confirm(ctx, r.ReservationID); !errors.Is(err, domain.ErrInvalidStatus) {
		t.Errorf("expected InvalidStatus, got %v", err)
	}
	if total, reserved := counters(t, e, "P"); total != 50 || reserved != 0 {
		t.Errorf("expected stock restored, got %d/%d", total, reserved)
	}
}

func TestConfirmAfterExpiryWithoutSweepReleasesHold(t *testing.T) {
	ctx := context.Background()
	e, clock := newEngine(t)
	mustRegister(t, e, "P", 5)

	r, _ := e.Reserve(ctx, ReserveRequest{ProductID: "P", CustomerID: "C1", Quantity: 5, TTL: time.Minute})
	clock.Advance(time.Minute + time.Millisecond)

	_, err := e.Confirm(ctx, r.ReservationID)
	if !errors.Is(err, domain.ErrInvalidStatus) {
		t.Fatalf("expected InvalidStatus, got %v", err)
	}
	got, _ := e.GetReservation(ctx, r.ReservationID)
	if got.Status != domain.ReservationExpired {
		t.Errorf("expected EXPIRED, got %s", got.Status)
	}
	if _, reserved := counters(t, e, "P"); reserved != 0 {
		t.Errorf("hold should be released, reserved=%d", reserved)
	}
	// 之后的扫描不会再次释放
	if n, _ := e.ExpireSweep(ctx, clock.Now()); n != 0 {
		t.Errorf("expected nothing left to sweep, got %d", n)
	}
}

// 对同一预占取消两次，两次都成功，库存只释放一次
func TestCancelTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	mustRegister(t, e, "P", 10)

	r, _ := e.Reserve(ctx, ReserveRequest{ProductID: "P", CustomerID: "C1", Quantity: 4})
	_, _ = e.Reserve(ctx, ReserveRequest{ProductID: "P", CustomerID: "C2", Quantity: 3})

	for i := 0; i < 2; i++ {
		got, err := e.Cancel(ctx, r.ReservationID)
		if err != nil || got.Status != domain.ReservationCancelled {
			t.Fatalf("cancel #%d: %+v %v", i+1, got, err)
		}
	}
	if _, reserved := counters(t, e, "P"); reserved != 3 {
		t.Errorf("expected only C1's hold released (reserved=3), got %d", reserved)
	}
}

func TestConfirmTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	mustRegister(t, e, "P", 10)

	r, _ := e.Reserve(ctx, ReserveRequest{ProductID: "P", CustomerID: "C1", Quantity: 4})
	for i := 0; i < 2; i++ {
		if _, err := e.Confirm(ctx, r.ReservationID); err != nil {
			t.Fatalf("confirm #%d: %v", i+1, err)
		}
	}
	if total, reserved := counters(t, e, "P"); total != 6 || reserved != 0 {
		t.Errorf("expected total=6 reserved=0, got %d/%d", total, reserved)
	}
	if _, err := e.Cancel(ctx, r.ReservationID); !errors.Is(err, domain.ErrInvalidStatus) {
		t.Errorf("cancel after confirm should be InvalidStatus, got %v", err)
	}
}

func TestReserveValidationAndNotFound(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	mustRegister(t, e, "P", 10)

	_, err := e.Reserve(ctx, ReserveRequest{ProductID: "P", CustomerID: "C1", Quantity: 0})
	if apperrors.KindOf(err) != apperrors.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := e.Reserve(ctx, ReserveRequest{ProductID: "NOPE", CustomerID: "C1", Quantity: 1}); !errors.Is(err, domain.ErrProductNotFound) {
		t.Errorf("expected ErrProductNotFound, got %v", err)
	}
	if _, err := e.Confirm(ctx, "RSV-missing"); !errors.Is(err, domain.ErrReservationNotFound) {
		t.Errorf("expected ErrReservationNotFound, got %v", err)
	}
	if _, err := e.Cancel(ctx, "RSV-missing"); apperrors.KindOf(err) != apperrors.KindNotFound {
		t.Errorf("expected not found kind, got %v", err)
	}
}

func TestReserveWithIdempotencyKeyDoesNotDoubleReserve(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	mustRegister(t, e, "P", 10)

	req := ReserveRequest{ProductID: "P", CustomerID: "C1", Quantity: 4, IdempotencyKey: "ORD-1:P"}
	first, err := e.Reserve(ctx, req)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	second, err := e.Reserve(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first.ReservationID != second.ReservationID {
		t.Errorf("expected same reservation, got %s and %s", first.ReservationID, second.ReservationID)
	}
	if _, reserved := counters(t, e, "P"); reserved != 4 {
		t.Errorf("expected reserved=4, got %d", reserved)
	}
}

// 过期或取消后，同一幂等 key 的重放不能再报告成功
func TestReplayOfReleasedReservationConflicts(t *testing.T) {
	ctx := context.Background()
	e, clock := newEngine(t)
	mustRegister(t, e, "P", 10)

	expiring := ReserveRequest{ProductID: "P", CustomerID: "C1", Quantity: 4, IdempotencyKey: "ORD-1:P", TTL: time.Second}
	if _, err := e.Reserve(ctx, expiring); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clock.Advance(2 * time.Second)
	// 尚未被扫描，但已经过了 expiresAt
	if _, err := e.Reserve(ctx, expiring); !errors.Is(err, domain.ErrReservationNotActive) || apperrors.KindOf(err) != apperrors.KindConflict {
		t.Fatalf("replay after expiry = %v", err)
	}
	if _, err := e.ExpireSweep(ctx, clock.Now()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := e.Reserve(ctx, expiring); !errors.Is(err, domain.ErrInvalidStatus) {
		t.Fatalf("replay after sweep = %v", err)
	}

	cancelled := ReserveRequest{ProductID: "P", CustomerID: "C1", Quantity: 2, IdempotencyKey: "ORD-2:P"}
	r, err := e.Reserve(ctx, cancelled)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := e.Cancel(ctx, r.ReservationID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := e.Reserve(ctx, cancelled); !errors.Is(err, domain.ErrReservationNotActive) {
		t.Fatalf("replay after cancel = %v", err)
	}
	if _, reserved := counters(t, e, "P"); reserved != 0 {
		t.Errorf("expected nothing held, got reserved=%d", reserved)
	}
}

func TestFindReservationByKey(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	mustRegister(t, e, "P", 10)

	r, err := e.Reserve(ctx, ReserveRequest{ProductID: "P", CustomerID: "C1", Quantity: 1, IdempotencyKey: "ORD-1:reserve:P"})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	got, err := e.FindReservationByKey(ctx, "ORD-1:reserve:P")
	if err != nil || got.ReservationID != r.ReservationID {
		t.Fatalf("find = %+v, %v", got, err)
	}
	if _, err := e.FindReservationByKey(ctx, "ORD-2:reserve:P"); !errors.Is(err, domain.ErrReservationNotFound) {
		t.Errorf("unknown key = %v", err)
	}
	if _, err := e.FindReservationByKey(ctx, ""); apperrors.KindOf(err) != apperrors.KindValidation {
		t.Errorf("empty key kind = %v", apperrors.KindOf(err))
	}
}

func TestRegisterDuplicateAndDiscontinued(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	mustRegister(t, e, "P", 10)

	_, err := e.RegisterProduct(ctx, RegisterProductRequest{ProductID: "P", TotalQuantity: 1})
	if !errors.Is(err, domain.ErrProductExists) {
		t.Errorf("expected ErrProductExists, got %v", err)
	}

	ledger := infrastructure.NewMemoryLedger()
	_ = ledger.CreateProduct(ctx, &domain.ProductStock{ProductID: "OLD", TotalQuantity: 5, Status: domain.ProductDiscontinued})
	e2 := NewEngine(ledger, noop.NewTracerProvider().Tracer("test"))
	if _, err := e2.Reserve(ctx, ReserveRequest{ProductID: "OLD", CustomerID: "C1", Quantity: 1}); !errors.Is(err, domain.ErrProductDiscontinued) {
		t.Errorf("expected ErrProductDiscontinued, got %v", err)
	}
	av, _ := e2.CheckInventory(ctx, "OLD", 1)
	if av.Available {
		t.Error("discontinued product should not be available")
	}
}

func TestCheckInventory(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	mustRegister(t, e, "P", 10)

	av, err := e.CheckInventory(ctx, "P", 10)
	if err != nil || !av.Available {
		t.Errorf("expected 10 to be available, got %+v %v", av, err)
	}
	av, _ = e.CheckInventory(ctx, "P", 11)
	if av.Available || av.AvailableQuantity != 10 {
		t.Errorf("expected 11 unavailable with 10 left, got %+v", av)
	}
	av, err = e.CheckInventory(ctx, "UNKNOWN", 1)
	if err != nil || av.Available || av.AvailableQuantity != 0 {
		t.Errorf("unknown product should report 0/false without error, got %+v %v", av, err)
	}
}

// 并发预占永远不会超卖
func TestConcurrentReservesNeverOversell(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	mustRegister(t, e, "HOT", 100)
	mustRegister(t, e, "COLD", 100)

	var ok, rejected int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Reserve(ctx, ReserveRequest{ProductID: "HOT", CustomerID: fmt.Sprintf("C%d", i), Quantity: 3})
			switch {
			case err == nil:
				atomic.AddInt64(&ok, 1)
			case errors.Is(err, domain.ErrInsufficientStock):
				atomic.AddInt64(&rejected, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
			// 不同商品同时进行
			_, _ = e.Reserve(ctx, ReserveRequest{ProductID: "COLD", CustomerID: "X", Quantity: 1})
		}(i)
	}
	wg.Wait()

	total, reserved := counters(t, e, "HOT")
	if reserved > total {
		t.Fatalf("oversold: reserved=%d total=%d", reserved, total)
	}
	if ok != 33 || reserved != 99 {
		t.Errorf("expected 33 successful reserves holding 99 units, got %d holding %d", ok, reserved)
	}
	if ok+rejected != 200 {
		t.Errorf("lost results: ok=%d rejected=%d", ok, rejected)
	}
}

// 过期扫描与确认竞争：每个预占恰好落在一个终态，计数器一致
func TestSweepRacesWithConfirm(t *testing.T) {
	ctx := context.Background()
	e, clock := newEngine(t)
	mustRegister(t, e, "P", 1000)

	var ids []string
	for i := 0; i < 50; i++ {
		r, err := e.Reserve(ctx, ReserveRequest{ProductID: "P", CustomerID: "C", Quantity: 2, TTL: time.Second})
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		ids = append(ids, r.ReservationID)
	}
	clock.Advance(time.Second)
	sweepAt := clock.Now().Add(time.Second)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = e.ExpireSweep(ctx, sweepAt)
	}()
	go func() {
		defer wg.Done()
		for _, id := range ids {
			_, _ = e.Confirm(ctx, id)
		}
	}()
	wg.Wait()

	var confirmed int64
	for _, id := range ids {
		r, _ := e.GetReservation(ctx, id)
		switch r.Status {
		case domain.ReservationConfirmed:
			confirmed += r.Quantity
		case domain.ReservationExpired:
		default:
			t.Errorf("reservation %s left in %s", id, r.Status)
		}
	}
	total, reserved := counters(t, e, "P")
	if reserved != 0 || total != 1000-confirmed {
		t.Errorf("inconsistent counters: total=%d reserved=%d confirmed=%d", total, reserved, confirmed)
	}
}

func TestSweeperTakesLock(t *testing.T) {
	ctx := context.Background()
	e, clock := newEngine(t)
	mustRegister(t, e, "P", 10)
	_, _ = e.Reserve(ctx, ReserveRequest{ProductID: "P", CustomerID: "C", Quantity: 1, TTL: time.Second})
	clock.Advance(2 * time.Second)

	locker := zookeeper.NewLocalLocker()
	s := NewSweeper(e, locker, time.Hour)

	// 锁被其他实例持有时，本轮等待直到 ctx 结束
	unlock, _ := locker.Lock(ctx, sweepLockResource)
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := s.SweepOnce(short); err == nil {
		t.Fatal("expected sweep to wait for the lock")
	}
	_ = unlock()

	n, err := s.SweepOnce(ctx)
	if err != nil || n != 1 {
		t.Errorf("expected 1 expired, got %d (%v)", n, err)
	}
}
