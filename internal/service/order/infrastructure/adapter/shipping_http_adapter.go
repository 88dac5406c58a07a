package adapter

import (
	"context"
	"net/url"

	"fulfillment/internal/pkg/httpclient"
	"fulfillment/internal/service/order/domain"
)

// ShippingHTTPAdapter 实现了 port.ShippingService 接口。
type ShippingHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
}

func NewShippingHTTPAdapter(client *httpclient.Client, baseURL string) *ShippingHTTPAdapter {
	return &ShippingHTTPAdapter{client: client, baseURL: baseURL}
}

type shipmentRequest struct {
	IdempotencyKey string            `json:"idempotencyKey"`
	Address        domain.Address    `json:"address"`
	Items          []domain.LineItem `json:"items"`
}

type shipmentResponse struct {
	ShipmentID string `json:"shipmentId"`
}

func (a *ShippingHTTPAdapter) CreateShipment(ctx context.Context, idempotencyKey string, address domain.Address, items []domain.LineItem) (string, error) {
	var out shipmentResponse
	err := a.client.PostJSON(ctx, a.baseURL+"/api/v1/shipments", shipmentRequest{
		IdempotencyKey: idempotencyKey,
		Address:        address,
		Items:          items,
	}, &out)
	if err != nil {
		return "", classify(err, "create shipment "+idempotencyKey)
	}
	return out.ShipmentID, nil
}

func (a *ShippingHTTPAdapter) CancelShipment(ctx context.Context, shipmentID string) error {
	err := a.client.PostJSON(ctx, a.baseURL+"/api/v1/shipments/"+shipmentID+"/cancel", struct{}{}, nil)
	return classify(err, "cancel shipment "+shipmentID)
}

func (a *ShippingHTTPAdapter) LookupShipment(ctx context.Context, idempotencyKey string) (string, bool, error) {
	var out shipmentResponse
	params := url.Values{}
	params.Set("idempotencyKey", idempotencyKey)
	if err := a.client.GetJSON(ctx, a.baseURL+"/api/v1/shipments", params, &out); err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, classify(err, "lookup shipment "+idempotencyKey)
	}
	return out.ShipmentID, out.ShipmentID != "", nil
}
