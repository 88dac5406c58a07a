// internal/service/inventory/application/engine.go
package application

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/pkg/apperrors"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/metrics"
	"fulfillment/internal/service/inventory/domain"
)

// Engine 是库存预占引擎。它只负责编排和观测，原子性由 Ledger 保证。
// 失败直接返回调用方，引擎内部不做重试。
type Engine struct {
	ledger     domain.Ledger
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string
	defaultTTL time.Duration
	sweepBatch int
}

type Option func(*Engine)

// WithClock 注入时钟，测试时用于控制过期
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithDefaultTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.defaultTTL = ttl
		}
	}
}

func WithSweepBatch(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sweepBatch = n
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

func NewEngine(ledger domain.Ledger, tracer trace.Tracer, opts ...Option) *Engine {
	e := &Engine{
		ledger:     ledger,
		tracer:     tracer,
		now:        time.Now,
		newID:      func() string { return "RSV-" + uuid.NewString() },
		defaultTTL: domain.DefaultReservationTTL,
		sweepBatch: 500,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now 返回引擎使用的时钟
func (e *Engine) Now() time.Time {
	return e.now()
}

func observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = apperrors.KindOf(err).String()
	}
	metrics.ReservationOps.WithLabelValues(op, result).Inc()
}

func fail(span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}

// Reserve 原子地检查并占用库存
func (e *Engine) Reserve(ctx context.Context, req ReserveRequest) (_ *domain.Reservation, err error) {
	ctx, span := e.tracer.Start(ctx, "inventory.Reserve")
	defer span.End()
	defer func() { observe("reserve", err) }()
	span.SetAttributes(
		attribute.String("product.id", req.ProductID),
		attribute.String("customer.id", req.CustomerID),
		attribute.Int64("quantity", req.Quantity),
	)

	ttl := req.TTL
	if ttl <= 0 {
		ttl = e.defaultTTL
	}
	r, err := domain.NewReservation(e.newID(), req.ProductID, req.CustomerID, req.Quantity, ttl, req.IdempotencyKey, e.now())
	if err != nil {
		fail(span, err, "invalid reservation request")
		return nil, err
	}

	stored, err := e.ledger.Reserve(ctx, r)
	if err != nil {
		fail(span, err, "reserve failed")
		logger.Ctx(ctx).Warn().Err(err).Str("product_id", req.ProductID).Int64("quantity", req.Quantity).Msg("Reservation rejected")
		return nil, err
	}
	span.SetAttributes(attribute.String("reservation.id", stored.ReservationID))
	if stored.ReservationID != r.ReservationID && (stored.Status != domain.ReservationActive || stored.IsExpired(r.CreatedAt)) {
		// 幂等重放命中了已释放的预占，库存早已归还
		err = pkgerrors.Wrapf(domain.ErrReservationNotActive, "reservation %s is %s", stored.ReservationID, stored.Status)
		fail(span, err, "replayed reservation not active")
		logger.Ctx(ctx).Warn().Msgf("WARN: [Reservation: %s] Replay of key %s hit a %s reservation.",
			stored.ReservationID, req.IdempotencyKey, stored.Status)
		return nil, err
	}
	logger.Ctx(ctx).Info().Msgf("INFO: [Reservation: %s] Reserved %d of %s for customer %s, expires at %s",
		stored.ReservationID, stored.Quantity, stored.ProductID, stored.CustomerID, stored.ExpiresAt.Format(time.RFC3339))
	return stored, nil
}

// Confirm 把预占转为真实扣减；已过期的预占会在这里被转为 EXPIRED 并返回 ErrInvalidStatus
func (e *Engine) Confirm(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	return e.transition(ctx, "confirm", reservationID, domain.ReservationConfirmed)
}

// Cancel 释放预占
func (e *Engine) Cancel(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	return e.transition(ctx, "cancel", reservationID, domain.ReservationCancelled)
}

func (e *Engine) transition(ctx context.Context, op, reservationID string, to domain.ReservationStatus) (_ *domain.Reservation, err error) {
	ctx, span := e.tracer.Start(ctx, "inventory."+op)
	defer span.End()
	defer func() { observe(op, err) }()
	span.SetAttributes(attribute.String("reservation.id", reservationID))

	if reservationID == "" {
		err = apperrors.New(apperrors.KindValidation, "reservation id is required")
		fail(span, err, "invalid request")
		return nil, err
	}

	r, err := e.ledger.Transition(ctx, reservationID, to, e.now())
	if err != nil {
		if errors.Is(err, domain.ErrReservationExpired) {
			metrics.ReservationsExpired.Inc()
			logger.Ctx(ctx).Warn().Msgf("WARN: [Reservation: %s] Confirm arrived after expiry, reservation released.", reservationID)
		}
		fail(span, err, op+" failed")
		return nil, err
	}
	logger.Ctx(ctx).Info().Msgf("INFO: [Reservation: %s] Now %s.", reservationID, r.Status)
	return r, nil
}

// ExpireSweep 把所有 expiresAt 早于 now 的 ACTIVE 预占转为 EXPIRED，返回本次过期的数量。
// 与 confirm / cancel 的竞争由 Ledger 的原子流转裁决，输掉的一方跳过。
func (e *Engine) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	ctx, span := e.tracer.Start(ctx, "inventory.ExpireSweep")
	defer span.End()

	expired := 0
	for {
		ids, err := e.ledger.ListExpired(ctx, now, e.sweepBatch)
		if err != nil {
			fail(span, err, "list expired failed")
			return expired, err
		}
		progressed := 0
		for _, id := range ids {
			_, err := e.ledger.Transition(ctx, id, domain.ReservationExpired, now)
			switch {
			case err == nil:
				expired++
				progressed++
			case errors.Is(err, domain.ErrInvalidStatus), errors.Is(err, domain.ErrReservationNotFound):
				// 已被确认或取消
				progressed++
			default:
				fail(span, err, "expire failed")
				return expired, err
			}
		}
		if len(ids) < e.sweepBatch || progressed == 0 {
			break
		}
	}

	span.SetAttributes(attribute.Int("expired.count", expired))
	if expired > 0 {
		metrics.ReservationsExpired.Add(float64(expired))
		logger.Ctx(ctx).Info().Int("count", expired).Msg("Expired reservations released")
	}
	return expired, nil
}

// Availability 查询可售数量
func (e *Engine) Availability(ctx context.Context, productID string) (*Availability, error) {
	p, err := e.ledger.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	return &Availability{ProductID: productID, AvailableQuantity: p.Available(), Available: p.Available() > 0}, nil
}

// CheckInventory 判断能否满足 quantity 件，商品不存在时视为不可售而不是错误
func (e *Engine) CheckInventory(ctx context.Context, productID string, quantity int64) (*Availability, error) {
	if quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}
	p, err := e.ledger.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, domain.ErrProductNotFound) {
			return &Availability{ProductID: productID}, nil
		}
		return nil, err
	}
	available := p.Available()
	return &Availability{
		ProductID:         productID,
		AvailableQuantity: available,
		Available:         p.Status == domain.ProductActive && available >= quantity,
	}, nil
}

// RegisterProduct 上架商品
func (e *Engine) RegisterProduct(ctx context.Context, req RegisterProductRequest) (*domain.ProductStock, error) {
	ctx, span := e.tracer.Start(ctx, "inventory.RegisterProduct")
	defer span.End()

	p, err := domain.NewProductStock(req.ProductID, req.ProductName, req.TotalQuantity, req.UnitPrice, req.Currency, e.now())
	if err != nil {
		fail(span, err, "invalid product")
		return nil, err
	}
	if err := e.ledger.CreateProduct(ctx, p); err != nil {
		fail(span, err, "create product failed")
		return nil, err
	}
	logger.Ctx(ctx).Info().Str("product_id", p.ProductID).Int64("total", p.TotalQuantity).Msg("Product registered")
	return p, nil
}

func (e *Engine) GetProduct(ctx context.Context, productID string) (*domain.ProductStock, error) {
	return e.ledger.GetProduct(ctx, productID)
}

func (e *Engine) ListProducts(ctx context.Context) ([]*domain.ProductStock, error) {
	return e.ledger.ListProducts(ctx)
}

func (e *Engine) GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	return e.ledger.GetReservation(ctx, reservationID)
}

// FindReservationByKey 按幂等 key 查询预占，不存在时返回 ErrReservationNotFound
func (e *Engine) FindReservationByKey(ctx context.Context, idempotencyKey string) (*domain.Reservation, error) {
	if idempotencyKey == "" {
		return nil, apperrors.New(apperrors.KindValidation, "idempotency key is required")
	}
	return e.ledger.FindByIdempotencyKey(ctx, idempotencyKey)
}

func (e *Engine) ListReservationsByCustomer(ctx context.Context, customerID string) ([]*domain.Reservation, error) {
	return e.ledger.ListReservationsByCustomer(ctx, customerID)
}
