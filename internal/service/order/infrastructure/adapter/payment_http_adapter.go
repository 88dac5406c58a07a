package adapter

import (
	"context"
	"net/url"

	"github.com/shopspring/decimal"

	"fulfillment/internal/pkg/httpclient"
)

// PaymentHTTPAdapter 实现了 port.PaymentService 接口，调用外部支付网关。
type PaymentHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
}

func NewPaymentHTTPAdapter(client *httpclient.Client, baseURL string) *PaymentHTTPAdapter {
	return &PaymentHTTPAdapter{client: client, baseURL: baseURL}
}

type chargeRequest struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	MethodRef      string          `json:"methodRef"`
}

type paymentResponse struct {
	PaymentID string `json:"paymentId"`
	RefundID  string `json:"refundId,omitempty"`
}

func (a *PaymentHTTPAdapter) Charge(ctx context.Context, idempotencyKey string, amount decimal.Decimal, currency, methodRef string) (string, error) {
	var out paymentResponse
	err := a.client.PostJSON(ctx, a.baseURL+"/api/v1/payments", chargeRequest{
		IdempotencyKey: idempotencyKey,
		Amount:         amount,
		Currency:       currency,
		MethodRef:      methodRef,
	}, &out)
	if err != nil {
		return "", classify(err, "charge "+idempotencyKey)
	}
	return out.PaymentID, nil
}

func (a *PaymentHTTPAdapter) Refund(ctx context.Context, paymentID string, amount decimal.Decimal) (string, error) {
	var out paymentResponse
	err := a.client.PostJSON(ctx, a.baseURL+"/api/v1/payments/"+paymentID+"/refunds", map[string]interface{}{"amount": amount}, &out)
	if err != nil {
		return "", classify(err, "refund "+paymentID)
	}
	return out.RefundID, nil
}

// LookupCharge 404 表示该幂等 key 下没有扣款
func (a *PaymentHTTPAdapter) LookupCharge(ctx context.Context, idempotencyKey string) (string, bool, error) {
	var out paymentResponse
	params := url.Values{}
	params.Set("idempotencyKey", idempotencyKey)
	if err := a.client.GetJSON(ctx, a.baseURL+"/api/v1/payments", params, &out); err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, classify(err, "lookup charge "+idempotencyKey)
	}
	return out.PaymentID, out.PaymentID != "", nil
}
