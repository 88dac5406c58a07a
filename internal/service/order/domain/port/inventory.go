package port

import (
	"context"

	"github.com/shopspring/decimal"
)

// InventoryService 是库存预占引擎的出站端口。
type InventoryService interface {
	// UnitPrice 查询商品单价，用于计算订单金额。
	UnitPrice(ctx context.Context, productID string) (price decimal.Decimal, currency string, err error)

	// Reserve 为订单中的一个商品预占库存。同一个 idempotencyKey 重复调用返回同一个预占 ID。
	Reserve(ctx context.Context, productID, customerID string, quantity int64, idempotencyKey string) (reservationID string, err error)

	// LookupReservation 按幂等 key 查询预占。请求超时后用于找回服务端已经生效的预占。
	LookupReservation(ctx context.Context, idempotencyKey string) (reservationID string, found bool, err error)

	// Confirm 把预占转为实际扣减，已确认时视为成功。
	Confirm(ctx context.Context, reservationID string) error

	// Cancel 是 Reserve 的补偿操作。预占已取消或已过期时视为成功。
	Cancel(ctx context.Context, reservationID string) error
}
