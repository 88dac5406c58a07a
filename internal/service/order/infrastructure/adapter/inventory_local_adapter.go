package adapter

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	invapp "fulfillment/internal/service/inventory/application"
	invdomain "fulfillment/internal/service/inventory/domain"
)

// InventoryLocalAdapter 实现了 port.InventoryService 接口，直接调用同进程内的预占引擎。
type InventoryLocalAdapter struct {
	engine *invapp.Engine
}

func NewInventoryLocalAdapter(engine *invapp.Engine) *InventoryLocalAdapter {
	return &InventoryLocalAdapter{engine: engine}
}

func (a *InventoryLocalAdapter) UnitPrice(ctx context.Context, productID string) (decimal.Decimal, string, error) {
	p, err := a.engine.GetProduct(ctx, productID)
	if err != nil {
		return decimal.Zero, "", err
	}
	return p.UnitPrice, p.Currency, nil
}

func (a *InventoryLocalAdapter) Reserve(ctx context.Context, productID, customerID string, quantity int64, idempotencyKey string) (string, error) {
	r, err := a.engine.Reserve(ctx, invapp.ReserveRequest{
		ProductID:      productID,
		CustomerID:     customerID,
		Quantity:       quantity,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return "", err
	}
	return r.ReservationID, nil
}

func (a *InventoryLocalAdapter) LookupReservation(ctx context.Context, idempotencyKey string) (string, bool, error) {
	r, err := a.engine.FindReservationByKey(ctx, idempotencyKey)
	if errors.Is(err, invdomain.ErrReservationNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return r.ReservationID, true, nil
}

func (a *InventoryLocalAdapter) Confirm(ctx context.Context, reservationID string) error {
	_, err := a.engine.Confirm(ctx, reservationID)
	return err
}

// Cancel 预占已经被取消或已过期时，库存已释放，补偿视为完成。
func (a *InventoryLocalAdapter) Cancel(ctx context.Context, reservationID string) error {
	_, err := a.engine.Cancel(ctx, reservationID)
	if err == nil || !errors.Is(err, invdomain.ErrInvalidStatus) {
		return err
	}
	r, getErr := a.engine.GetReservation(ctx, reservationID)
	if getErr == nil && (r.Status == invdomain.ReservationCancelled || r.Status == invdomain.ReservationExpired) {
		return nil
	}
	return err
}
