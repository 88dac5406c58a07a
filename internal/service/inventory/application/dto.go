package application

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReserveRequest 是预占库存的入参
type ReserveRequest struct {
	ProductID      string        `json:"productId"`
	CustomerID     string        `json:"customerId"`
	Quantity       int64         `json:"quantity"`
	TTL            time.Duration `json:"-"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
}

// RegisterProductRequest 是商品上架的入参
type RegisterProductRequest struct {
	ProductID     string          `json:"productId"`
	ProductName   string          `json:"productName"`
	TotalQuantity int64           `json:"totalQuantity"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
	Currency      string          `json:"currency"`
}

// Availability 是可售量查询结果
type Availability struct {
	ProductID         string `json:"productId"`
	AvailableQuantity int64  `json:"availableQuantity"`
	Available         bool   `json:"available"`
}
