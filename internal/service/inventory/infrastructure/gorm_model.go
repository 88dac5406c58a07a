package infrastructure

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductStockModel 对应数据库中的 product_stock 表
type ProductStockModel struct {
	ProductID        string          `gorm:"column:product_id;size:64;primaryKey"`
	ProductName      string          `gorm:"column:product_name;size:255"`
	TotalQuantity    int64           `gorm:"column:total_quantity;not null;default:0"`
	ReservedQuantity int64           `gorm:"column:reserved_quantity;not null;default:0"`
	UnitPrice        decimal.Decimal `gorm:"column:unit_price;type:decimal(12,2)"`
	Currency         string          `gorm:"column:currency;size:8"`
	Status           string          `gorm:"column:status;size:16;not null"`
	CreatedAt        time.Time       `gorm:"column:created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at"`
}

func (ProductStockModel) TableName() string {
	return "product_stock"
}

// ReservationModel 对应数据库中的 stock_reservation 表
type ReservationModel struct {
	ReservationID string `gorm:"column:reservation_id;size:64;primaryKey"`
	ProductID     string `gorm:"column:product_id;size:64;not null;index"`
	CustomerID    string `gorm:"column:customer_id;size:64;not null;index"`
	Quantity      int64  `gorm:"column:quantity;not null"`
	Status        string `gorm:"column:status;size:16;not null;index:idx_status_expires,priority:1"`
	// NULL 不参与唯一索引，没有幂等 key 的预占可以有任意多条
	IdempotencyKey *string   `gorm:"column:idempotency_key;size:128;uniqueIndex"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	ExpiresAt      time.Time `gorm:"column:expires_at;index:idx_status_expires,priority:2"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (ReservationModel) TableName() string {
	return "stock_reservation"
}
