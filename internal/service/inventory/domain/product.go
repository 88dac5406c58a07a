// internal/service/inventory/domain/product.go
package domain

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ProductStatus 商品状态，下架的商品不再接受预占
type ProductStatus string

const (
	ProductActive       ProductStatus = "ACTIVE"
	ProductDiscontinued ProductStatus = "DISCONTINUED"
)

// ProductStock 是单个商品的库存计数器。
// 不变量：0 <= ReservedQuantity <= TotalQuantity。
type ProductStock struct {
	ProductID        string
	ProductName      string
	TotalQuantity    int64
	ReservedQuantity int64
	UnitPrice        decimal.Decimal
	Currency         string
	Status           ProductStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewProductStock 工厂函数，创建一个新上架的商品
func NewProductStock(productID, name string, total int64, unitPrice decimal.Decimal, currency string, now time.Time) (*ProductStock, error) {
	if strings.TrimSpace(productID) == "" {
		return nil, errors.Wrap(ErrInvalidProduct, "product id is required")
	}
	if total < 0 {
		return nil, errors.Wrap(ErrInvalidProduct, "total quantity must not be negative")
	}
	if unitPrice.IsNegative() {
		return nil, errors.Wrap(ErrInvalidProduct, "unit price must not be negative")
	}
	return &ProductStock{
		ProductID:     productID,
		ProductName:   name,
		TotalQuantity: total,
		UnitPrice:     unitPrice,
		Currency:      currency,
		Status:        ProductActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Available 可售数量
func (p *ProductStock) Available() int64 {
	return p.TotalQuantity - p.ReservedQuantity
}

// CheckReservable 判断能否预占 quantity 件
func (p *ProductStock) CheckReservable(quantity int64) error {
	if p.Status == ProductDiscontinued {
		return errors.Wrapf(ErrProductDiscontinued, "product %s", p.ProductID)
	}
	if p.Available() < quantity {
		return errors.Wrapf(ErrInsufficientStock, "product %s: requested %d, available %d", p.ProductID, quantity, p.Available())
	}
	return nil
}

// Apply 把一次预占状态变化带来的计数变化写回商品，并校验不变量
func (p *ProductStock) Apply(d StockDelta, now time.Time) error {
	reserved := p.ReservedQuantity + d.Reserved
	total := p.TotalQuantity + d.Total
	if reserved < 0 || total < 0 || reserved > total {
		return errors.Errorf("stock invariant violated for %s: total=%d reserved=%d", p.ProductID, total, reserved)
	}
	p.ReservedQuantity = reserved
	p.TotalQuantity = total
	p.UpdatedAt = now
	return nil
}
