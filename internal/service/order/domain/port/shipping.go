package port

import (
	"context"

	"fulfillment/internal/service/order/domain"
)

// ShippingService 是物流服务的出站端口。
type ShippingService interface {
	// CreateShipment 创建物流单，同一个 idempotencyKey 只会创建一次。
	CreateShipment(ctx context.Context, idempotencyKey string, address domain.Address, items []domain.LineItem) (shipmentID string, err error)

	// CancelShipment 是 CreateShipment 的补偿操作。
	CancelShipment(ctx context.Context, shipmentID string) error

	// LookupShipment 按幂等 key 查询物流单是否已经创建。
	LookupShipment(ctx context.Context, idempotencyKey string) (shipmentID string, found bool, err error)
}
