package application

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/trace/noop"

	"fulfillment/internal/pkg/apperrors"
	"fulfillment/internal/pkg/retry"
	invapp "fulfillment/internal/service/inventory/application"
	invinfra "fulfillment/internal/service/inventory/infrastructure"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
	"fulfillment/internal/service/order/infrastructure"
	"fulfillment/internal/service/order/infrastructure/adapter"
	"fulfillment/internal/service/order/infrastructure/rule"
	"fulfillment/internal/zookeeper"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu          sync.Mutex
	transitions []domain.SagaTransitioned
	alerts      []domain.Alert
}

func (p *recordingPublisher) PublishTransition(_ context.Context, ev domain.SagaTransitioned) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitions = append(p.transitions, ev)
	return nil
}

func (p *recordingPublisher) RaiseAlert(_ context.Context, a domain.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, a)
	return nil
}

func (p *recordingPublisher) states(sagaID string) []domain.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.State
	for _, ev := range p.transitions {
		if ev.SagaID == sagaID {
			out = append(out, ev.To)
		}
	}
	return out
}

func (p *recordingPublisher) alertKinds() []domain.AlertKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.AlertKind
	for _, a := range p.alerts {
		out = append(out, a.Kind)
	}
	return out
}

// expiringInventory 在确认前把库存时钟拨过预占有效期
type expiringInventory struct {
	port.InventoryService
	clock *fakeClock
}

func (e *expiringInventory) Confirm(ctx context.Context, reservationID string) error {
	e.clock.Advance(48 * time.Hour)
	return e.InventoryService.Confirm(ctx, reservationID)
}

// lossyInventory 让某个商品的预占在服务端生效后超时，并可让按 key 的查询失败
type lossyInventory struct {
	port.InventoryService
	hangOn string

	mu             sync.Mutex
	lookupFailures int
}

func (i *lossyInventory) Reserve(ctx context.Context, productID, customerID string, quantity int64, key string) (string, error) {
	id, err := i.InventoryService.Reserve(ctx, productID, customerID, quantity, key)
	if err != nil || productID != i.hangOn {
		return id, err
	}
	<-ctx.Done()
	return "", apperrors.Wrap(apperrors.KindProvider, ctx.Err(), "reserve "+productID+" timed out")
}

func (i *lossyInventory) LookupReservation(ctx context.Context, key string) (string, bool, error) {
	i.mu.Lock()
	fail := i.lookupFailures > 0
	if fail {
		i.lookupFailures--
	}
	i.mu.Unlock()
	if fail {
		return "", false, apperrors.New(apperrors.KindProvider, "inventory unavailable")
	}
	return i.InventoryService.LookupReservation(ctx, key)
}

type fixture struct {
	o         *SagaOrchestrator
	engine    *invapp.Engine
	repo      *infrastructure.MemorySagaRepository
	payment   *adapter.SimulatedPayment
	shipping  *adapter.SimulatedShipping
	events    *recordingPublisher
	clock     *fakeClock
	invClock  *fakeClock
	inventory port.InventoryService
}

func testPolicies() (retry.Policy, retry.Policy) {
	forward := retry.Policy{MaxAttempts: 3, AttemptTimeout: 50 * time.Millisecond}
	compensation := retry.Policy{MaxAttempts: 3, AttemptTimeout: 50 * time.Millisecond}
	return forward, compensation
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	tracer := noop.NewTracerProvider().Tracer("test")

	f := &fixture{
		repo:     infrastructure.NewMemorySagaRepository(),
		payment:  adapter.NewSimulatedPayment(),
		shipping: adapter.NewSimulatedShipping(),
		events:   &recordingPublisher{},
		clock:    newFakeClock(),
		invClock: newFakeClock(),
	}
	f.engine = invapp.NewEngine(invinfra.NewMemoryLedger(), tracer, invapp.WithClock(f.invClock.Now))
	products := []invapp.RegisterProductRequest{
		{ProductID: "P1", ProductName: "Widget", TotalQuantity: 10, UnitPrice: decimal.RequireFromString("2.50"), Currency: "USD"},
		{ProductID: "P2", ProductName: "Gadget", TotalQuantity: 5, UnitPrice: decimal.RequireFromString("1.00"), Currency: "USD"},
		{ProductID: "P3", ProductName: "Import", TotalQuantity: 5, UnitPrice: decimal.RequireFromString("9.00"), Currency: "EUR"},
	}
	for _, p := range products {
		if _, err := f.engine.RegisterProduct(ctx, p); err != nil {
			t.Fatalf("register %s: %v", p.ProductID, err)
		}
	}
	f.inventory = adapter.NewInventoryLocalAdapter(f.engine)

	forward, compensation := testPolicies()
	base := []Option{
		WithClock(f.clock.Now),
		WithRetryPolicies(forward, compensation),
		WithPublisher(f.events),
	}
	f.o = NewSagaOrchestrator(f.repo, f.inventory, f.payment, f.shipping, tracer, append(base, opts...)...)
	t.Cleanup(func() { _ = f.o.Shutdown(context.Background()) })
	return f
}

func orderRequest(items ...OrderItemRequest) *StartSagaRequest {
	if len(items) == 0 {
		items = []OrderItemRequest{{ProductID: "P1", Quantity: 2}, {ProductID: "P2", Quantity: 1}}
	}
	return &StartSagaRequest{
		CustomerID:    "C1",
		Items:         items,
		Address:       domain.Address{Recipient: "Ann", Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"},
		PaymentMethod: "card-1",
	}
}

func (f *fixture) stock(t *testing.T, productID string) (total, reserved int64) {
	t.Helper()
	p, err := f.engine.GetProduct(context.Background(), productID)
	if err != nil {
		t.Fatalf("get product %s: %v", productID, err)
	}
	return p.TotalQuantity, p.ReservedQuantity
}

// SagaSuite 覆盖编排器的端到端场景，每个用例使用全新的内存库存、仓储和模拟外部服务
type SagaSuite struct {
	suite.Suite
	f   *fixture
	ctx context.Context
}

func TestSagaSuite(t *testing.T) {
	suite.Run(t, new(SagaSuite))
}

func (s *SagaSuite) SetupTest() {
	s.f = newFixture(s.T())
	s.ctx = context.Background()
}

// rebuild 用额外选项重建编排器
func (s *SagaSuite) rebuild(opts ...Option) {
	s.f = newFixture(s.T(), opts...)
}

func (s *SagaSuite) reserved(productID string) int64 {
	_, reserved := s.f.stock(s.T(), productID)
	return reserved
}

func (s *SagaSuite) start(req *StartSagaRequest) *SagaStatus {
	status, err := s.f.o.StartSaga(s.ctx, req)
	s.Require().NoError(err)
	s.Require().NotNil(status)
	return status
}

func (s *SagaSuite) TestHappyPath() {
	status := s.start(orderRequest())

	s.Require().Equal(domain.StateCompleted, status.State)
	s.False(status.RequiresReconciliation)
	s.False(status.Fatal)
	s.True(strings.HasPrefix(status.SagaID, "ORD-"))
	s.Len(status.SagaID, 12)
	s.True(status.Amount.Equal(decimal.RequireFromString("6.00")), "amount %s", status.Amount)
	s.Equal("USD", status.Currency)
	s.NotEmpty(status.PaymentID)
	s.NotEmpty(status.ShipmentID)
	s.Len(status.Reservations, 2)

	total, reserved := s.f.stock(s.T(), "P1")
	s.Equal(int64(8), total)
	s.Equal(int64(0), reserved)

	want := []domain.State{
		domain.StateStarted, domain.StateReserving, domain.StateReserved, domain.StateCharging,
		domain.StateCharged, domain.StateShipping, domain.StateShipped, domain.StateConfirming, domain.StateCompleted,
	}
	s.Equal(want, s.f.events.states(status.SagaID))

	stored, err := s.f.o.GetSagaStatus(s.ctx, status.SagaID)
	s.Require().NoError(err)
	s.Equal(int64(len(want)-1), stored.Version)
}

func (s *SagaSuite) TestShipmentFailureCompensatesInReverse() {
	req := orderRequest()
	req.Address = domain.Address{Recipient: "Ann"}
	status := s.start(req)

	s.Require().Equal(domain.StateFailed, status.State)
	s.False(status.Fatal)
	s.True(s.f.payment.Refunded(status.PaymentID), "payment %s was not refunded", status.PaymentID)
	s.NotEmpty(status.RefundID)
	s.Contains(status.FailureReason, "ship")
	s.Zero(s.reserved("P1"))
	s.Zero(s.reserved("P2"))

	states := s.f.events.states(status.SagaID)
	tail := []domain.State{
		domain.StateShipmentFailed, domain.StateCompensatingPayment, domain.StateCompensatingReservation,
		domain.StateCompensated, domain.StateFailed,
	}
	s.Require().GreaterOrEqual(len(states), len(tail))
	s.Equal(tail, states[len(states)-len(tail):])
}

func (s *SagaSuite) TestChargeFailureReleasesWithoutRefund() {
	s.f.payment.FailNext("charge", 10, nil)
	status := s.start(orderRequest())

	s.Require().Equal(domain.StateFailed, status.State)
	s.Equal(3, status.Attempts[domain.StepCharge])
	s.Zero(s.f.payment.ChargeCount())
	s.Empty(status.PaymentID)
	s.Empty(status.RefundID)
	s.Zero(s.f.payment.Calls("refund"), "refund must not be attempted when nothing was charged")
	s.Zero(s.reserved("P1"))
}

func (s *SagaSuite) TestReservationFailureReleasesPartialReservations() {
	status := s.start(orderRequest(
		OrderItemRequest{ProductID: "P1", Quantity: 2},
		OrderItemRequest{ProductID: "P2", Quantity: 99},
	))

	s.Require().Equal(domain.StateFailed, status.State)
	s.Zero(s.reserved("P1"), "partial reservation on P1 not released")
	s.Zero(s.f.payment.Calls("charge"), "charge must not run after a failed reservation")
	s.Contains(status.FailureReason, "P2")
}

// 预占在库存侧已生效但响应超时，补偿按幂等 key 找回并释放
func (s *SagaSuite) TestTimedOutReservationIsFoundAndReleased() {
	s.f.o.inventory = &lossyInventory{InventoryService: s.f.inventory, hangOn: "P1"}

	status := s.start(orderRequest())

	s.Require().Equal(domain.StateFailed, status.State)
	s.False(status.Fatal)
	s.Contains(status.FailureReason, "reserve P1")
	s.Equal(3, status.Attempts[domain.StepReserve])
	s.NotEmpty(status.Reservations["P1"], "found reservation should be recorded")
	s.Zero(s.reserved("P1"))
	s.Zero(s.reserved("P2"))
	s.Empty(s.f.events.alertKinds())
}

func (s *SagaSuite) TestUnknownReleaseOutcomeEndsFatal() {
	s.rebuild(WithMaxUnresolved(2))
	s.f.o.inventory = &lossyInventory{InventoryService: s.f.inventory, hangOn: "P1", lookupFailures: 100}

	status := s.start(orderRequest())
	s.Require().Equal(domain.StateReservationFailed, status.State)
	s.False(status.Terminal)
	s.Equal(1, status.Attempts["unresolved:reservation_failed"])

	final, err := s.f.o.Resume(s.ctx, status.SagaID)
	s.Require().NoError(err)
	s.Equal(domain.StateFailed, final.State)
	s.True(final.Fatal)
	s.Equal([]domain.AlertKind{domain.AlertFatalInconsistency}, s.f.events.alertKinds())
	// 无法确认的预占留给 TTL 回收
	s.Equal(int64(2), s.reserved("P1"))
}

func (s *SagaSuite) TestConfirmFailureCompletesWithReconciliation() {
	s.f.o.inventory = &expiringInventory{InventoryService: s.f.inventory, clock: s.f.invClock}
	status := s.start(orderRequest(OrderItemRequest{ProductID: "P1", Quantity: 2}))

	s.Require().Equal(domain.StateCompleted, status.State)
	s.True(status.RequiresReconciliation)
	s.False(s.f.payment.Refunded(status.PaymentID), "confirm failure must not refund")
	s.Equal([]domain.AlertKind{domain.AlertReconciliationRequired}, s.f.events.alertKinds())
}

func (s *SagaSuite) TestTransientChargeFailureIsRetried() {
	s.f.payment.FailNext("charge", 2, nil)
	status := s.start(orderRequest())

	s.Require().Equal(domain.StateCompleted, status.State, status.FailureReason)
	s.Equal(3, status.Attempts[domain.StepCharge])
	s.Equal(1, s.f.payment.ChargeCount())
}

func (s *SagaSuite) TestLostChargeResponseIsRecoveredByLookup() {
	s.f.payment.HangAfterApply("charge", 3)
	status := s.start(orderRequest())

	s.Require().Equal(domain.StateCompleted, status.State)
	s.NotEmpty(status.PaymentID)
	s.Equal(1, s.f.payment.ChargeCount())
	s.Equal(1, s.f.payment.Calls("lookup_charge"))
}

func (s *SagaSuite) TestUnknownOutcomeParksThenResumes() {
	s.f.payment.HangAfterApply("charge", 3)
	s.f.payment.FailNext("lookup_charge", 3, nil)

	status := s.start(orderRequest())
	s.Require().Equal(domain.StateCharging, status.State)
	s.False(status.Terminal)

	// 暂停本身是一次持久化的流转，尝试次数和原因都已落库
	stored, err := s.f.o.GetSagaStatus(s.ctx, status.SagaID)
	s.Require().NoError(err)
	s.Equal(3, stored.Attempts[domain.StepCharge])
	s.Equal(1, stored.Attempts["unresolved:charging"])
	s.Contains(stored.FailureReason, "outcome unknown")

	resumed, err := s.f.o.Resume(s.ctx, status.SagaID)
	s.Require().NoError(err)
	s.Equal(domain.StateCompleted, resumed.State)
	s.Equal(1, s.f.payment.ChargeCount())
}

// 扣款结果始终未知：暂停次数用尽后放弃，补偿时仍无法确认扣款则报警
func (s *SagaSuite) TestPersistentlyUnknownChargeGivesUp() {
	s.rebuild(WithMaxUnresolved(3))
	s.f.payment.HangAfterApply("charge", 100)
	s.f.payment.FailNext("lookup_charge", 100, nil)

	status := s.start(orderRequest())
	for i := 0; i < 5 && !status.Terminal; i++ {
		next, err := s.f.o.Resume(s.ctx, status.SagaID)
		s.Require().NoError(err)
		status = next
	}

	s.Require().True(status.Terminal, "saga should stop retrying, still in %s", status.State)
	s.Equal(domain.StateFailed, status.State)
	s.True(status.Fatal)
	s.Equal(9, status.Attempts[domain.StepCharge])
	s.Equal(9, s.f.payment.Calls("charge"))
	s.Equal(3, status.Attempts["unresolved:charging"])
	s.Equal([]domain.AlertKind{domain.AlertFatalInconsistency}, s.f.events.alertKinds())
	s.Contains(s.f.events.states(status.SagaID), domain.StateCompensatingPayment)
}

// 放弃等待后，补偿阶段查到了扣款，就正常退款并释放库存
func (s *SagaSuite) TestGivingUpOnChargeRefundsFoundPayment() {
	s.rebuild(WithMaxUnresolved(3))
	s.f.payment.HangAfterApply("charge", 100)
	s.f.payment.FailNext("lookup_charge", 9, nil)

	status := s.start(orderRequest())
	for i := 0; i < 5 && !status.Terminal; i++ {
		next, err := s.f.o.Resume(s.ctx, status.SagaID)
		s.Require().NoError(err)
		status = next
	}

	s.Require().Equal(domain.StateFailed, status.State)
	s.False(status.Fatal)
	s.NotEmpty(status.PaymentID)
	s.True(s.f.payment.Refunded(status.PaymentID))
	s.Equal(1, s.f.payment.ChargeCount())
	s.Zero(s.reserved("P1"))
	s.Zero(s.reserved("P2"))
	s.Empty(s.f.events.alertKinds())
}

func (s *SagaSuite) TestResumeAfterInterruption() {
	s.f.o.forward = retry.Policy{MaxAttempts: 3, AttemptTimeout: 5 * time.Second}
	s.f.shipping.HangAfterApply("ship", 1)

	ctx, cancel := context.WithTimeout(s.ctx, 200*time.Millisecond)
	defer cancel()
	status, err := s.f.o.StartSaga(ctx, orderRequest())
	s.Require().ErrorIs(err, context.DeadlineExceeded)
	s.Require().NotNil(status)
	s.Require().Equal(domain.StateShipping, status.State)

	resumed, err := s.f.o.Resume(s.ctx, status.SagaID)
	s.Require().NoError(err)
	s.Require().Equal(domain.StateCompleted, resumed.State)
	s.Equal(1, s.f.shipping.ShipmentCount(), "shipment duplicated")
	s.Equal(1, s.f.payment.ChargeCount(), "charge duplicated")

	again, err := s.f.o.Resume(s.ctx, status.SagaID)
	s.Require().NoError(err)
	s.Equal(resumed.Version, again.Version, "resuming a terminal saga must be a no-op")
}

func (s *SagaSuite) TestCompensationExhaustionIsFatal() {
	req := orderRequest()
	req.Address = domain.Address{}
	s.f.payment.FailNext("refund", 10, nil)

	status := s.start(req)

	s.Require().Equal(domain.StateFailed, status.State)
	s.True(status.Fatal)
	s.Equal(3, status.Attempts[domain.StepRefund])
	s.Equal([]domain.AlertKind{domain.AlertFatalInconsistency}, s.f.events.alertKinds())
	// 库存留给 TTL 回收
	s.Equal(int64(2), s.reserved("P1"))
}

func (s *SagaSuite) TestCancelParkedChargeRefundsAndReleases() {
	s.f.payment.HangAfterApply("charge", 3)
	s.f.payment.FailNext("lookup_charge", 3, nil)

	status := s.start(orderRequest())
	s.Require().Equal(domain.StateCharging, status.State)

	cancelled, err := s.f.o.CancelSaga(s.ctx, status.SagaID)
	s.Require().NoError(err)
	s.Equal(domain.StateFailed, cancelled.State)
	s.False(cancelled.Fatal)
	s.Contains(cancelled.FailureReason, "cancelled by request")
	s.NotEmpty(cancelled.PaymentID)
	s.True(s.f.payment.Refunded(cancelled.PaymentID))
	s.Zero(s.reserved("P1"))
	s.Zero(s.reserved("P2"))
	s.Zero(s.f.shipping.Calls("ship"))

	states := s.f.events.states(status.SagaID)
	s.Equal([]domain.State{
		domain.StateCompensatingPayment, domain.StateCompensatingReservation, domain.StateCompensated, domain.StateFailed,
	}, states[len(states)-4:])
}

func (s *SagaSuite) TestCancelBeforeAnySideEffect() {
	created, err := s.f.o.prepare(s.ctx, orderRequest())
	s.Require().NoError(err)

	cancelled, err := s.f.o.CancelSaga(s.ctx, created.ID)
	s.Require().NoError(err)
	s.Equal(domain.StateFailed, cancelled.State)
	s.Empty(cancelled.Reservations)
	s.Zero(s.f.payment.Calls("charge"))
	s.Zero(s.reserved("P1"))
}

func (s *SagaSuite) TestCancelRejectsFinishedSaga() {
	status := s.start(orderRequest())
	s.Require().Equal(domain.StateCompleted, status.State)

	_, err := s.f.o.CancelSaga(s.ctx, status.SagaID)
	s.ErrorIs(err, domain.ErrSagaNotCancellable)
	s.Equal(apperrors.KindConflict, apperrors.KindOf(err))

	_, err = s.f.o.CancelSaga(s.ctx, "ORD-NOPE")
	s.ErrorIs(err, domain.ErrSagaNotFound)
}

func (s *SagaSuite) TestWatchdogResumesStalledSagas() {
	created, err := s.f.o.prepare(s.ctx, orderRequest())
	s.Require().NoError(err)
	w := NewWatchdog(s.f.o, zookeeper.NewLocalLocker(), time.Second, time.Minute)

	n, err := w.CheckOnce(s.ctx)
	s.Require().NoError(err)
	s.Zero(n, "fresh saga must not be resumed")

	s.f.clock.Advance(5 * time.Minute)
	n, err = w.CheckOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	status, err := s.f.o.GetSagaStatus(s.ctx, created.ID)
	s.Require().NoError(err)
	s.Equal(domain.StateCompleted, status.State)
}

func (s *SagaSuite) TestAdmissionRuleRejectsOrder() {
	engine, err := rule.NewCELRuleEngine(`order.amount <= 5.0`)
	s.Require().NoError(err)
	s.rebuild(WithAdmission(engine))

	_, err = s.f.o.StartSaga(s.ctx, orderRequest())
	s.Require().ErrorIs(err, domain.ErrOrderRejected)
	s.Equal(apperrors.KindValidation, apperrors.KindOf(err))

	sagas, _ := s.f.o.ListSagasByCustomer(s.ctx, "C1")
	s.Empty(sagas, "rejected order must not be persisted")

	status, err := s.f.o.StartSaga(s.ctx, orderRequest(OrderItemRequest{ProductID: "P1", Quantity: 2}))
	s.Require().NoError(err)
	s.Equal(domain.StateCompleted, status.State)
}

func (s *SagaSuite) TestStartSagaValidation() {
	cases := []struct {
		name string
		req  *StartSagaRequest
		kind apperrors.Kind
	}{
		{"no items", &StartSagaRequest{CustomerID: "C1"}, apperrors.KindValidation},
		{"unknown product", orderRequest(OrderItemRequest{ProductID: "NOPE", Quantity: 1}), apperrors.KindNotFound},
		{"mixed currency", orderRequest(OrderItemRequest{ProductID: "P1", Quantity: 1}, OrderItemRequest{ProductID: "P3", Quantity: 1}), apperrors.KindValidation},
		{"bad quantity", orderRequest(OrderItemRequest{ProductID: "P1", Quantity: 0}), apperrors.KindValidation},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			_, err := s.f.o.StartSaga(s.ctx, tc.req)
			s.Equal(tc.kind, apperrors.KindOf(err), "%v", err)
		})
	}

	_, err := s.f.o.ListSagasByCustomer(s.ctx, " ")
	s.Equal(apperrors.KindValidation, apperrors.KindOf(err))
	_, err = s.f.o.GetSagaStatus(s.ctx, "ORD-NOPE")
	s.ErrorIs(err, domain.ErrSagaNotFound)
}

func (s *SagaSuite) TestDuplicateAsyncSubmissionRunsOnce() {
	req := orderRequest()
	req.OrderID = "ORD-DUP"

	first, err := s.f.o.StartSagaAsync(s.ctx, req)
	s.Require().NoError(err)
	second, err := s.f.o.StartSagaAsync(s.ctx, req)
	s.Require().NoError(err)
	s.Equal("ORD-DUP", first.SagaID)
	s.Equal("ORD-DUP", second.SagaID)

	shutdownCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	s.Require().NoError(s.f.o.Shutdown(shutdownCtx))

	status, err := s.f.o.GetSagaStatus(s.ctx, "ORD-DUP")
	s.Require().NoError(err)
	s.Equal(domain.StateCompleted, status.State)
	s.Equal(1, s.f.payment.ChargeCount(), "duplicate submission charged twice")
	s.Equal(1, s.f.shipping.ShipmentCount(), "duplicate submission shipped twice")
	s.Zero(s.reserved("P1"))
}
