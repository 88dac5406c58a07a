package port

import (
	"context"

	"github.com/shopspring/decimal"
)

// PaymentService 是支付网关的出站端口。所有调用都必须是幂等的。
type PaymentService interface {
	// Charge 扣款。同一个 idempotencyKey 只会扣一次，重复调用返回同一个 paymentID。
	Charge(ctx context.Context, idempotencyKey string, amount decimal.Decimal, currency, methodRef string) (paymentID string, err error)

	// Refund 是 Charge 的补偿操作。对同一笔支付重复退款返回同一个 refundID。
	Refund(ctx context.Context, paymentID string, amount decimal.Decimal) (refundID string, err error)

	// LookupCharge 按幂等 key 查询扣款是否已经生效，用于超时后判断是否需要补偿。
	LookupCharge(ctx context.Context, idempotencyKey string) (paymentID string, found bool, err error)
}
