package saga

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/pkg/apperrors"
	"fulfillment/internal/pkg/metrics"
	"fulfillment/internal/pkg/retry"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
)

// SagaContext 在 Saga 步骤之间传递上下文数据。
// 步骤只修改 Saga 上的业务字段，状态流转和持久化由编排器负责。
type SagaContext struct {
	Saga   *domain.Saga
	Tracer trace.Tracer
	Now    func() time.Time

	// 依赖出站端口
	Inventory port.InventoryService
	Payment   port.PaymentService
	Shipping  port.ShippingService

	// Forward 用于正向步骤，Compensation 用于补偿步骤
	Forward      retry.Policy
	Compensation retry.Policy
}

// Handler 执行 Saga 在某个状态上的动作，返回要施加到状态表上的事件。
// 业务失败通过失败事件表达；只有 ctx 被取消或外部结果未知时才返回 error，
// 此时由编排器决定是停在原状态等待恢复，还是在多次未知后放弃。
type Handler interface {
	Handle(ctx context.Context, sc *SagaContext) (domain.Event, error)
}

// HandlerFunc 让普通函数实现 Handler
type HandlerFunc func(ctx context.Context, sc *SagaContext) (domain.Event, error)

func (f HandlerFunc) Handle(ctx context.Context, sc *SagaContext) (domain.Event, error) {
	return f(ctx, sc)
}

// advance 不需要外部调用的中间状态，直接推进
func advance(ev domain.Event) Handler {
	return HandlerFunc(func(context.Context, *SagaContext) (domain.Event, error) {
		return ev, nil
	})
}

// Handlers 返回每个非终态对应的动作，与 domain 中的状态表一一对应。
func Handlers() map[domain.State]Handler {
	return map[domain.State]Handler{
		domain.StateStarted:                 advance(domain.EventBegin),
		domain.StateReserving:               new(ReserveHandler),
		domain.StateReserved:                advance(domain.EventCharge),
		domain.StateCharging:                new(ChargeHandler),
		domain.StateCharged:                 advance(domain.EventShip),
		domain.StateShipping:                new(ShipHandler),
		domain.StateShipped:                 advance(domain.EventConfirm),
		domain.StateConfirming:              new(ConfirmHandler),
		domain.StateReservationFailed:       &ReleaseHandler{Done: domain.EventFinish},
		domain.StateChargeFailed:            advance(domain.EventCompensate),
		domain.StateShipmentFailed:          new(ShipmentFailedHandler),
		domain.StateCompensatingPayment:     new(RefundHandler),
		domain.StateCompensatingReservation: &ReleaseHandler{Done: domain.EventReleased},
		domain.StateCompensated:             advance(domain.EventFinish),
	}
}

// run 按策略执行一次带重试的外部调用，并记录尝试次数、耗时和 span。
func run(ctx context.Context, sc *SagaContext, spanName, step string, policy retry.Policy, fn func(ctx context.Context) error) error {
	ctx, span := sc.Tracer.Start(ctx, spanName)
	defer span.End()
	span.SetAttributes(attribute.String("saga.id", sc.Saga.ID), attribute.String("saga.step", step))

	start := time.Now()
	attempts, err := policy.Do(ctx, fn)
	sc.Saga.AddAttempts(step, attempts)
	metrics.StepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = apperrors.KindOf(err).String()
	}
	metrics.StepAttempts.WithLabelValues(step, result).Add(float64(attempts))
	span.SetAttributes(attribute.Int("saga.attempts", attempts))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, step+" failed")
	}
	return err
}

// interrupted 判断调用是否因为 ctx 被取消而中断，这种情况下不能把结果当作失败处理。
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

// CompensationRetryable 补偿步骤除取消外的错误都重试，直到次数耗尽。
func CompensationRetryable(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && apperrors.KindOf(err) != apperrors.KindValidation
}

// GiveUp 返回结果多次未知后要施加的事件。
// 正向步骤按失败走补偿，补偿步骤本身无法确认时标记为需要人工介入。
func GiveUp(s *domain.Saga) domain.Event {
	switch s.State {
	case domain.StateCharging, domain.StateShipping:
		return domain.EventGiveUp
	default:
		s.Fatal = true
		return domain.EventCompensationFailed
	}
}
