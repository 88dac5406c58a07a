package adapter

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"fulfillment/internal/pkg/httpclient"
)

// InventoryHTTPAdapter 实现了 port.InventoryService 接口，调用独立部署的库存服务。
type InventoryHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
}

// NewInventoryHTTPAdapter 创建一个新的库存服务适配器。baseURL 可以是 http://<nacos 服务名>。
func NewInventoryHTTPAdapter(client *httpclient.Client, baseURL string) *InventoryHTTPAdapter {
	return &InventoryHTTPAdapter{client: client, baseURL: baseURL}
}

type inventoryProduct struct {
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Currency  string          `json:"currency"`
}

type inventoryReservation struct {
	ReservationID string `json:"reservationId"`
	Status        string `json:"status"`
}

func (a *InventoryHTTPAdapter) UnitPrice(ctx context.Context, productID string) (decimal.Decimal, string, error) {
	var p inventoryProduct
	if err := a.client.GetJSON(ctx, a.baseURL+"/api/v1/inventory/items/"+productID, nil, &p); err != nil {
		return decimal.Zero, "", classify(err, "get product "+productID)
	}
	return p.UnitPrice, p.Currency, nil
}

func (a *InventoryHTTPAdapter) Reserve(ctx context.Context, productID, customerID string, quantity int64, idempotencyKey string) (string, error) {
	in := map[string]interface{}{
		"productId":      productID,
		"customerId":     customerID,
		"quantity":       quantity,
		"idempotencyKey": idempotencyKey,
	}
	var out inventoryReservation
	if err := a.client.PostJSON(ctx, a.baseURL+"/api/v1/inventory/reservations", in, &out); err != nil {
		return "", classify(err, "reserve "+productID)
	}
	return out.ReservationID, nil
}

// LookupReservation 404 表示该幂等 key 下没有预占
func (a *InventoryHTTPAdapter) LookupReservation(ctx context.Context, idempotencyKey string) (string, bool, error) {
	var out inventoryReservation
	params := url.Values{}
	params.Set("idempotencyKey", idempotencyKey)
	if err := a.client.GetJSON(ctx, a.baseURL+"/api/v1/inventory/reservations", params, &out); err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, classify(err, "lookup reservation "+idempotencyKey)
	}
	return out.ReservationID, out.ReservationID != "", nil
}

func (a *InventoryHTTPAdapter) Confirm(ctx context.Context, reservationID string) error {
	err := a.client.PostJSON(ctx, a.baseURL+"/api/v1/inventory/reservations/"+reservationID+"/confirm", struct{}{}, nil)
	return classify(err, "confirm "+reservationID)
}

func (a *InventoryHTTPAdapter) Cancel(ctx context.Context, reservationID string) error {
	err := a.client.PostJSON(ctx, a.baseURL+"/api/v1/inventory/reservations/"+reservationID+"/cancel", struct{}{}, nil)
	if err == nil {
		return nil
	}
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict {
		// 已取消或已过期的预占不需要再释放
		var r inventoryReservation
		if getErr := a.client.GetJSON(ctx, a.baseURL+"/api/v1/inventory/reservations/"+reservationID, nil, &r); getErr == nil &&
			(r.Status == "CANCELLED" || r.Status == "EXPIRED") {
			return nil
		}
	}
	return classify(err, "cancel "+reservationID)
}
