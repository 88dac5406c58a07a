package infrastructure

import (
	"time"

	"github.com/shopspring/decimal"
)

// SagaModel 对应数据库中的 order_saga 表。
// 明细、地址、预占映射和重试计数以 JSON 文本保存，不参与查询。
type SagaModel struct {
	ID                     string          `gorm:"column:id;size:32;primaryKey"`
	CustomerID             string          `gorm:"column:customer_id;size:64;not null;index"`
	State                  string          `gorm:"column:state;size:32;not null;index:idx_state_updated,priority:1"`
	Amount                 decimal.Decimal `gorm:"column:amount;type:decimal(14,2)"`
	Currency               string          `gorm:"column:currency;size:8"`
	PaymentMethod          string          `gorm:"column:payment_method;size:128"`
	Items                  string          `gorm:"column:items;type:text"`
	Address                string          `gorm:"column:address;type:text"`
	Reservations           string          `gorm:"column:reservations;type:text"`
	PaymentID              string          `gorm:"column:payment_id;size:64"`
	RefundID               string          `gorm:"column:refund_id;size:64"`
	ShipmentID             string          `gorm:"column:shipment_id;size:64"`
	FailureReason          string          `gorm:"column:failure_reason;type:text"`
	Attempts               string          `gorm:"column:attempts;type:text"`
	Fatal                  bool            `gorm:"column:fatal;not null;default:false"`
	RequiresReconciliation bool            `gorm:"column:requires_reconciliation;not null;default:false"`
	Version                int64           `gorm:"column:version;not null;default:0"`
	CreatedAt              time.Time       `gorm:"column:created_at"`
	UpdatedAt              time.Time       `gorm:"column:updated_at;index:idx_state_updated,priority:2"`
}

func (SagaModel) TableName() string {
	return "order_saga"
}
