// internal/service/order/application/service.go
package application

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"fulfillment/internal/pkg/apperrors"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/metrics"
	"fulfillment/internal/pkg/retry"
	"fulfillment/internal/service/order/application/saga"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
)

const (
	persistTimeout    = 5 * time.Second
	resumeConcurrency = 8

	defaultMaxUnresolved = 5
)

// SagaOrchestrator 负责订单 Saga 的编排：reserve -> charge -> ship -> confirm，失败时按相反顺序补偿。
// 每次状态流转都先持久化再继续，进程崩溃后可以从最后一次持久化的状态恢复。
type SagaOrchestrator struct {
	repo      domain.SagaRepository
	tracer    trace.Tracer
	inventory port.InventoryService
	payment   port.PaymentService
	shipping  port.ShippingService
	publisher port.SagaEventPublisher
	admission domain.RuleEngine

	forward      retry.Policy
	compensation retry.Policy
	handlers     map[domain.State]saga.Handler

	// 同一个 Saga 在进程内同一时刻只有一个驱动者
	flights  singleflight.Group
	inflight sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc

	// 同一状态下结果未知的次数上限，超过后放弃等待
	maxUnresolved int

	now      func() time.Time
	newID    func() string
	currency string
}

type Option func(*SagaOrchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *SagaOrchestrator) { o.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(o *SagaOrchestrator) { o.newID = newID }
}

// WithRetryPolicies 设置正向步骤和补偿步骤的重试策略
func WithRetryPolicies(forward, compensation retry.Policy) Option {
	return func(o *SagaOrchestrator) {
		if compensation.Retryable == nil {
			compensation.Retryable = saga.CompensationRetryable
		}
		o.forward, o.compensation = forward, compensation
	}
}

func WithPublisher(p port.SagaEventPublisher) Option {
	return func(o *SagaOrchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

func WithAdmission(r domain.RuleEngine) Option {
	return func(o *SagaOrchestrator) { o.admission = r }
}

func WithDefaultCurrency(currency string) Option {
	return func(o *SagaOrchestrator) {
		if currency != "" {
			o.currency = currency
		}
	}
}

// WithMaxUnresolved 设置同一状态下允许暂停等待的次数
func WithMaxUnresolved(n int) Option {
	return func(o *SagaOrchestrator) {
		if n > 0 {
			o.maxUnresolved = n
		}
	}
}

func NewSagaOrchestrator(repo domain.SagaRepository, inventory port.InventoryService, payment port.PaymentService, shipping port.ShippingService, tracer trace.Tracer, opts ...Option) *SagaOrchestrator {
	bgCtx, cancel := context.WithCancel(context.Background())
	o := &SagaOrchestrator{
		repo:      repo,
		tracer:    tracer,
		inventory: inventory,
		payment:   payment,
		shipping:  shipping,
		publisher: noopPublisher{},
		forward: retry.Policy{
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			AttemptTimeout: 5 * time.Second,
		},
		compensation: retry.Policy{
			MaxAttempts:    5,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			AttemptTimeout: 5 * time.Second,
			Retryable:      saga.CompensationRetryable,
		},
		handlers:      saga.Handlers(),
		maxUnresolved: defaultMaxUnresolved,
		bgCtx:         bgCtx,
		bgCancel:      cancel,
		now:           time.Now,
		newID: func() string {
			return "ORD-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
		},
		currency: "USD",
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartSaga 创建 Saga 并同步驱动到终态（或因结果未知而暂停），返回最终视图。
// 参数错误、商品不存在、准入拒绝直接返回错误；业务失败体现在返回的状态和 failureReason 中。
func (o *SagaOrchestrator) StartSaga(ctx context.Context, req *StartSagaRequest) (*SagaStatus, error) {
	ctx, span := o.tracer.Start(ctx, "saga.StartSaga")
	defer span.End()

	s, err := o.prepare(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start saga")
		return nil, err
	}
	span.SetAttributes(attribute.String("saga.id", s.ID))

	final, err := o.drive(ctx, s.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "saga interrupted")
	}
	if final == nil {
		return nil, err
	}
	return ToSagaStatus(final), err
}

// StartSagaAsync 同步完成校验和创建，然后在后台驱动。
// 重复投递的订单（ID 已存在）不会重新创建，而是恢复已有的 Saga。
func (o *SagaOrchestrator) StartSagaAsync(ctx context.Context, req *StartSagaRequest) (*SagaStatus, error) {
	ctx, span := o.tracer.Start(ctx, "saga.StartSagaAsync")
	defer span.End()

	s, err := o.prepare(ctx, req)
	if err != nil {
		if errors.Is(err, domain.ErrSagaExists) && req.OrderID != "" {
			logger.Ctx(ctx).Warn().Msgf("WARN: [Saga: %s] Duplicate order submission, resuming existing saga.", req.OrderID)
			existing, ferr := o.repo.FindByID(ctx, req.OrderID)
			if ferr != nil {
				return nil, ferr
			}
			o.ResumeAsync(ctx, existing.ID)
			return ToSagaStatus(existing), nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start saga")
		return nil, err
	}
	status := ToSagaStatus(s)
	o.ResumeAsync(ctx, s.ID)
	return status, nil
}

// ResumeAsync 在后台驱动一个 Saga。后台上下文只继承链路信息，不继承调用方的超时。
func (o *SagaOrchestrator) ResumeAsync(ctx context.Context, sagaID string) {
	bgCtx := trace.ContextWithRemoteSpanContext(o.bgCtx, trace.SpanContextFromContext(ctx))
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		if _, err := o.drive(bgCtx, sagaID); err != nil {
			logger.Ctx(bgCtx).Error().Err(err).Msgf("ERROR: [Saga: %s] Background drive stopped.", sagaID)
		}
	}()
}

// Resume 从最后一次持久化的状态继续驱动，终态 Saga 原样返回。
func (o *SagaOrchestrator) Resume(ctx context.Context, sagaID string) (*SagaStatus, error) {
	ctx, span := o.tracer.Start(ctx, "saga.Resume")
	defer span.End()
	span.SetAttributes(attribute.String("saga.id", sagaID))

	final, err := o.drive(ctx, sagaID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resume failed")
	}
	if final == nil {
		return nil, err
	}
	return ToSagaStatus(final), err
}

// ResumeStalled 恢复超过 olderThan 没有进展的非终态 Saga，返回成功推进到终态的数量。
func (o *SagaOrchestrator) ResumeStalled(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	stalled, err := o.repo.ListStalled(ctx, o.now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	if len(stalled) == 0 {
		return 0, nil
	}
	logger.Ctx(ctx).Warn().Int("count", len(stalled)).Msg("Resuming stalled sagas")

	var finished atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resumeConcurrency)
	for _, s := range stalled {
		id := s.ID
		g.Go(func() error {
			final, err := o.drive(gctx, id)
			if err != nil {
				logger.Ctx(gctx).Error().Err(err).Msgf("ERROR: [Saga: %s] Resume by watchdog failed.", id)
				return nil
			}
			if final != nil && final.State.IsTerminal() {
				finished.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(finished.Load()), ctx.Err()
}

// NewOrderID 为经由消息队列提交的订单预先分配 ID，重复投递时据此去重
func (o *SagaOrchestrator) NewOrderID() string {
	return o.newID()
}

func (o *SagaOrchestrator) GetSagaStatus(ctx context.Context, sagaID string) (*SagaStatus, error) {
	s, err := o.repo.FindByID(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	return ToSagaStatus(s), nil
}

func (o *SagaOrchestrator) ListSagasByCustomer(ctx context.Context, customerID string) ([]*SagaStatus, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, pkgerrors.Wrap(domain.ErrInvalidOrder, "customer id is required")
	}
	sagas, err := o.repo.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	out := make([]*SagaStatus, 0, len(sagas))
	for _, s := range sagas {
		out = append(out, ToSagaStatus(s))
	}
	return out, nil
}

// Shutdown 等待后台驱动的 Saga 结束，超时后取消它们（状态保留，重启后由 watchdog 恢复）
func (o *SagaOrchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.bgCancel()
		return nil
	case <-ctx.Done():
		o.bgCancel()
		return ctx.Err()
	}
}

// prepare 定价、校验、准入、持久化初始状态
func (o *SagaOrchestrator) prepare(ctx context.Context, req *StartSagaRequest) (*domain.Saga, error) {
	if req == nil || len(req.Items) == 0 {
		return nil, pkgerrors.Wrap(domain.ErrInvalidOrder, "order has no line items")
	}

	// 1. 从库存服务获取单价
	currency := req.Currency
	items := make([]domain.LineItem, 0, len(req.Items))
	for _, it := range req.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return nil, pkgerrors.Wrap(domain.ErrInvalidOrder, "line item without product id")
		}
		price, priceCurrency, err := o.inventory.UnitPrice(ctx, it.ProductID)
		if err != nil {
			return nil, err
		}
		if currency == "" {
			currency = priceCurrency
		} else if priceCurrency != "" && priceCurrency != currency {
			return nil, pkgerrors.Wrapf(domain.ErrInvalidOrder, "product %s is priced in %s, order is in %s", it.ProductID, priceCurrency, currency)
		}
		items = append(items, domain.LineItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: price})
	}
	if currency == "" {
		currency = o.currency
	}

	// 2. 创建聚合
	id := req.OrderID
	if id == "" {
		id = o.newID()
	}
	s, err := domain.NewSaga(id, req.CustomerID, items, req.Address, req.PaymentMethod, currency, o.now())
	if err != nil {
		return nil, err
	}

	// 3. 准入规则
	if o.admission != nil {
		admitted, err := o.admission.Evaluate(domain.FactOf(s))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindUnknown, err, "admission rule evaluation failed")
		}
		if !admitted {
			logger.Ctx(ctx).Warn().Msgf("WARN: [Saga: %s] Order rejected by admission policy.", s.ID)
			return nil, pkgerrors.Wrapf(domain.ErrOrderRejected, "order %s", s.ID)
		}
	}

	// 4. 初始持久化
	if err := o.repo.Create(ctx, s); err != nil {
		return nil, err
	}
	metrics.SagaTransitions.WithLabelValues(string(s.State)).Inc()
	o.publish(ctx, s, "", "")
	logger.Ctx(ctx).Info().Msgf("INFO: [Saga: %s] Created for customer %s, %d line items, amount %s %s.",
		s.ID, s.CustomerID, len(s.Items), s.Amount.StringFixed(2), s.Currency)
	return s, nil
}

// drive 以 sagaID 为 key 合并并发驱动请求，保证同一个 Saga 的步骤不会并发执行。
func (o *SagaOrchestrator) drive(ctx context.Context, sagaID string) (*domain.Saga, error) {
	v, err, _ := o.flights.Do(sagaID, func() (interface{}, error) {
		return o.execute(ctx, sagaID)
	})
	s, _ := v.(*domain.Saga)
	if s == nil {
		return nil, err
	}
	return s.Clone(), err
}

func (o *SagaOrchestrator) execute(ctx context.Context, sagaID string) (*domain.Saga, error) {
	ctx, span := o.tracer.Start(ctx, "saga.Drive")
	defer span.End()
	span.SetAttributes(attribute.String("saga.id", sagaID))

	s, err := o.repo.FindByID(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	sc := &saga.SagaContext{
		Saga:         s,
		Tracer:       o.tracer,
		Now:          o.now,
		Inventory:    o.inventory,
		Payment:      o.payment,
		Shipping:     o.shipping,
		Forward:      o.forward,
		Compensation: o.compensation,
	}

	for !s.State.IsTerminal() {
		h, ok := o.handlers[s.State]
		if !ok {
			err := apperrors.Wrap(apperrors.KindFatal, fmt.Errorf("no handler for state %s", s.State), "saga cannot advance")
			span.RecordError(err)
			return s, err
		}

		// 1. 执行当前状态的动作
		ev, err := h.Handle(ctx, sc)
		if err != nil {
			if ctx.Err() != nil {
				logger.Ctx(ctx).Warn().Err(err).Msgf("WARN: [Saga: %s] Interrupted in %s, will resume from there.", s.ID, s.State)
				return s, ctx.Err()
			}
			ev = o.unresolved(ctx, s, err)
		}

		// 2. 查表流转
		from, err := s.Apply(ev, o.now())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "illegal transition")
			return s, err
		}

		// 3. 持久化之后才能继续下一步
		if err := o.persist(ctx, s); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				logger.Ctx(ctx).Warn().Msgf("WARN: [Saga: %s] Advanced by another worker, stopping this drive.", s.ID)
				latest, ferr := o.repo.FindByID(ctx, s.ID)
				if ferr == nil {
					return latest, nil
				}
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to persist saga")
			logger.Ctx(ctx).Error().Err(err).Msgf("CRITICAL: [Saga: %s] Failed to persist transition %s -> %s.", s.ID, from, s.State)
			return s, err
		}
		o.afterTransition(ctx, s, from, ev)

		if ev == domain.EventRetryLater {
			// 尝试次数和原因已落库，watchdog 稍后从同一状态重新发起幂等调用
			span.AddEvent("saga parked", trace.WithAttributes(attribute.String("saga.state", string(s.State))))
			return s, nil
		}
	}
	return s, nil
}

// unresolved 处理外部结果未知的情况：次数未满时暂停，满了之后放弃等待
func (o *SagaOrchestrator) unresolved(ctx context.Context, s *domain.Saga, err error) domain.Event {
	n := s.Defer(fmt.Sprintf("%s: %v", strings.ToLower(string(s.State)), err))
	metrics.SagaParked.WithLabelValues(string(s.State)).Inc()
	if n < o.maxUnresolved {
		logger.Ctx(ctx).Warn().Err(err).Msgf("WARN: [Saga: %s] Parked in %s until the provider outcome is known (%d/%d).",
			s.ID, s.State, n, o.maxUnresolved)
		return domain.EventRetryLater
	}
	logger.Ctx(ctx).Error().Err(err).Msgf("ERROR: [Saga: %s] Outcome in %s still unknown after %d attempts, giving up.", s.ID, s.State, n)
	return saga.GiveUp(s)
}

// CancelSaga 取消一个尚未确认库存的 Saga，并同步驱动补偿到终态。
// 已在补偿中的 Saga 只继续驱动；正在确认库存或已结束的返回 ErrSagaNotCancellable。
func (o *SagaOrchestrator) CancelSaga(ctx context.Context, sagaID string) (*SagaStatus, error) {
	ctx, span := o.tracer.Start(ctx, "saga.CancelSaga")
	defer span.End()
	span.SetAttributes(attribute.String("saga.id", sagaID))

	for {
		// 与正在进行的驱动串行：加入已有的 flight 时等它结束后再取消
		ran := false
		v, err, _ := o.flights.Do(sagaID, func() (interface{}, error) {
			ran = true
			return o.cancel(ctx, sagaID)
		})
		if !ran {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancel failed")
		}
		s, _ := v.(*domain.Saga)
		if s == nil {
			return nil, err
		}
		return ToSagaStatus(s.Clone()), err
	}
}

func (o *SagaOrchestrator) cancel(ctx context.Context, sagaID string) (*domain.Saga, error) {
	s, err := o.repo.FindByID(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	switch {
	case domain.Cancellable(s.State):
		s.Fail("cancelled by request")
		from, err := s.Apply(domain.EventCancel, o.now())
		if err != nil {
			return nil, err
		}
		if err := o.persist(ctx, s); err != nil {
			return nil, err
		}
		logger.Ctx(ctx).Warn().Msgf("WARN: [Saga: %s] Cancelled in %s, compensating.", s.ID, from)
		o.afterTransition(ctx, s, from, domain.EventCancel)
	case s.State.IsTerminal(), s.State == domain.StateConfirming:
		return nil, pkgerrors.Wrapf(domain.ErrSagaNotCancellable, "saga %s is %s", s.ID, s.State)
	}
	return o.execute(ctx, sagaID)
}

// persist 即使调用方已取消也要把已确认的外部结果落库
func (o *SagaOrchestrator) persist(ctx context.Context, s *domain.Saga) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	return o.repo.Save(saveCtx, s)
}

func (o *SagaOrchestrator) afterTransition(ctx context.Context, s *domain.Saga, from domain.State, ev domain.Event) {
	metrics.SagaTransitions.WithLabelValues(string(s.State)).Inc()
	logger.Ctx(ctx).Info().Str("event", string(ev)).Int64("version", s.Version).
		Msgf("INFO: [Saga: %s] %s -> %s", s.ID, from, s.State)
	o.publish(ctx, s, from, ev)

	switch ev {
	case domain.EventConfirmFailed:
		o.alert(ctx, s, domain.AlertReconciliationRequired)
	case domain.EventCompensationFailed:
		o.alert(ctx, s, domain.AlertFatalInconsistency)
	}

	if s.State.IsTerminal() {
		metrics.SagaOutcomes.WithLabelValues(string(s.State), strconv.FormatBool(s.RequiresReconciliation)).Inc()
		if s.State == domain.StateCompleted {
			logger.Ctx(ctx).Info().Msgf("SUCCESS: [Saga: %s] Order fulfilled.", s.ID)
		} else {
			logger.Ctx(ctx).Warn().Msgf("FAILED: [Saga: %s] Order failed: %s", s.ID, s.FailureReason)
		}
	}
}

func (o *SagaOrchestrator) publish(ctx context.Context, s *domain.Saga, from domain.State, ev domain.Event) {
	err := o.publisher.PublishTransition(ctx, domain.SagaTransitioned{
		SagaID:                 s.ID,
		CustomerID:             s.CustomerID,
		From:                   from,
		To:                     s.State,
		Event:                  ev,
		Amount:                 s.Amount,
		FailureReason:          s.FailureReason,
		RequiresReconciliation: s.RequiresReconciliation,
		Version:                s.Version,
		At:                     s.UpdatedAt,
	})
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msgf("WARN: [Saga: %s] Failed to publish transition event.", s.ID)
	}
}

func (o *SagaOrchestrator) alert(ctx context.Context, s *domain.Saga, kind domain.AlertKind) {
	metrics.Alerts.WithLabelValues(string(kind)).Inc()
	logger.Ctx(ctx).Error().Str("alert", string(kind)).Msgf("ALERT: [Saga: %s] %s", s.ID, s.FailureReason)
	err := o.publisher.RaiseAlert(ctx, domain.Alert{
		SagaID:  s.ID,
		Kind:    kind,
		State:   s.State,
		Message: s.FailureReason,
		At:      o.now(),
	})
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msgf("CRITICAL: [Saga: %s] Failed to raise %s alert.", s.ID, kind)
	}
}

type noopPublisher struct{}

func (noopPublisher) PublishTransition(context.Context, domain.SagaTransitioned) error { return nil }
func (noopPublisher) RaiseAlert(context.Context, domain.Alert) error { return nil }
