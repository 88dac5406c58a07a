// internal/service/order/application/dto.go
package application

import (
	"time"

	"github.com/shopspring/decimal"

	"fulfillment/internal/service/order/domain"
)

// OrderItemRequest 下单时的一行商品，单价由库存服务给出
type OrderItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

// StartSagaRequest 是启动订单 Saga 用例的输入数据
type StartSagaRequest struct {
	OrderID       string             `json:"orderId,omitempty"`
	CustomerID    string             `json:"customerId"`
	Items         []OrderItemRequest `json:"items"`
	Address       domain.Address     `json:"address"`
	PaymentMethod string             `json:"paymentMethod"`
	Currency      string             `json:"currency,omitempty"`
}

// ToStartSagaRequest 从 Kafka 下单消息转换为应用层请求
func ToStartSagaRequest(ev *domain.OrderSubmitted) *StartSagaRequest {
	req := &StartSagaRequest{
		OrderID:       ev.OrderID,
		CustomerID:    ev.CustomerID,
		Address:       ev.Address,
		PaymentMethod: ev.PaymentMethod,
		Currency:      ev.Currency,
	}
	for _, it := range ev.Items {
		req.Items = append(req.Items, OrderItemRequest{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return req
}

// SagaStatus 是对外暴露的 Saga 视图
type SagaStatus struct {
	SagaID                 string            `json:"sagaId"`
	CustomerID             string            `json:"customerId"`
	State                  domain.State      `json:"state"`
	Terminal               bool              `json:"terminal"`
	Amount                 decimal.Decimal   `json:"amount"`
	Currency               string            `json:"currency"`
	Items                  []domain.LineItem `json:"items"`
	Reservations           map[string]string `json:"reservations,omitempty"`
	PaymentID              string            `json:"paymentId,omitempty"`
	RefundID               string            `json:"refundId,omitempty"`
	ShipmentID             string            `json:"shipmentId,omitempty"`
	FailureReason          string            `json:"failureReason,omitempty"`
	Attempts               map[string]int    `json:"attempts,omitempty"`
	Fatal                  bool              `json:"fatal,omitempty"`
	RequiresReconciliation bool              `json:"requiresReconciliation,omitempty"`
	Version                int64             `json:"version"`
	CreatedAt              time.Time         `json:"createdAt"`
	UpdatedAt              time.Time         `json:"updatedAt"`
}

func ToSagaStatus(s *domain.Saga) *SagaStatus {
	return &SagaStatus{
		SagaID:                 s.ID,
		CustomerID:             s.CustomerID,
		State:                  s.State,
		Terminal:               s.State.IsTerminal(),
		Amount:                 s.Amount,
		Currency:               s.Currency,
		Items:                  s.Items,
		Reservations:           s.Reservations,
		PaymentID:              s.PaymentID,
		RefundID:               s.RefundID,
		ShipmentID:             s.ShipmentID,
		FailureReason:          s.FailureReason,
		Attempts:               s.Attempts,
		Fatal:                  s.Fatal,
		RequiresReconciliation: s.RequiresReconciliation,
		Version:                s.Version,
		CreatedAt:              s.CreatedAt,
		UpdatedAt:              s.UpdatedAt,
	}
}
