// internal/service/order/domain/event.go
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSubmitted 是订单入口（HTTP 或 Kafka）携带的下单命令
type OrderSubmitted struct {
	TraceID       string     `json:"traceId,omitempty"`
	OrderID       string     `json:"orderId,omitempty"` // 为空时自动生成
	CustomerID    string     `json:"customerId"`
	Items         []LineItem `json:"items"`
	Address       Address    `json:"address"`
	PaymentMethod string     `json:"paymentMethod"`
	Currency      string     `json:"currency,omitempty"`
}

// SagaTransitioned 是每次状态流转并持久化后发布的领域事件
type SagaTransitioned struct {
	SagaID                 string          `json:"sagaId"`
	CustomerID             string          `json:"customerId"`
	From                   State           `json:"from"`
	To                     State           `json:"to"`
	Event                  Event           `json:"event"`
	Amount                 decimal.Decimal `json:"amount"`
	FailureReason          string          `json:"failureReason,omitempty"`
	RequiresReconciliation bool            `json:"requiresReconciliation,omitempty"`
	Version                int64           `json:"version"`
	At                     time.Time       `json:"at"`
}

// AlertKind 运维告警类型
type AlertKind string

const (
	AlertFatalInconsistency     AlertKind = "FATAL_INCONSISTENCY"
	AlertReconciliationRequired AlertKind = "RECONCILIATION_REQUIRED"
)

// Alert 是需要人工处理的告警
type Alert struct {
	SagaID  string    `json:"sagaId"`
	Kind    AlertKind `json:"kind"`
	State   State     `json:"state"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}
