package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"fulfillment/internal/pkg/apperrors"
)

var (
	ErrPaymentNotFound = apperrors.New(apperrors.KindNotFound, "payment not found")
	ErrInvalidAmount   = apperrors.New(apperrors.KindValidation, "invalid payment amount")
)

// SimulatedPayment 是进程内的支付网关模拟，按幂等 key 去重。
type SimulatedPayment struct {
	faults

	mu      sync.Mutex
	seq     int
	charges map[string]string          // idempotencyKey -> paymentID
	amounts map[string]decimal.Decimal // paymentID -> amount
	refunds map[string]string          // paymentID -> refundID
}

func NewSimulatedPayment() *SimulatedPayment {
	return &SimulatedPayment{
		charges: map[string]string{},
		amounts: map[string]decimal.Decimal{},
		refunds: map[string]string{},
	}
}

func (p *SimulatedPayment) Charge(ctx context.Context, idempotencyKey string, amount decimal.Decimal, currency, methodRef string) (string, error) {
	if err := p.take("charge"); err != nil {
		return "", err
	}
	if !amount.IsPositive() {
		return "", errors.Wrapf(ErrInvalidAmount, "amount %s", amount)
	}

	p.mu.Lock()
	id, ok := p.charges[idempotencyKey]
	if !ok {
		p.seq++
		id = fmt.Sprintf("PAY-%06d", p.seq)
		p.charges[idempotencyKey] = id
		p.amounts[id] = amount
	}
	p.mu.Unlock()

	if err := p.hang(ctx, "charge"); err != nil {
		return "", err
	}
	return id, nil
}

func (p *SimulatedPayment) Refund(ctx context.Context, paymentID string, amount decimal.Decimal) (string, error) {
	if err := p.take("refund"); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	charged, ok := p.amounts[paymentID]
	if !ok {
		return "", errors.Wrapf(ErrPaymentNotFound, "payment %s", paymentID)
	}
	if amount.GreaterThan(charged) {
		return "", errors.Wrapf(ErrInvalidAmount, "refund %s exceeds charge %s", amount, charged)
	}
	if id, ok := p.refunds[paymentID]; ok {
		return id, nil
	}
	p.seq++
	id := fmt.Sprintf("REF-%06d", p.seq)
	p.refunds[paymentID] = id
	return id, nil
}

func (p *SimulatedPayment) LookupCharge(ctx context.Context, idempotencyKey string) (string, bool, error) {
	if err := p.take("lookup_charge"); err != nil {
		return "", false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.charges[idempotencyKey]
	return id, ok, nil
}

// Refunded 返回支付是否已退款
func (p *SimulatedPayment) Refunded(paymentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.refunds[paymentID]
	return ok
}

// ChargeCount 返回实际生效的扣款笔数
func (p *SimulatedPayment) ChargeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.charges)
}
