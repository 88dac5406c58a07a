package infrastructure

import "fulfillment/internal/service/inventory/domain"

// ToDomainProduct 将数据库模型转换为领域模型
func ToDomainProduct(m *ProductStockModel) *domain.ProductStock {
	if m == nil {
		return nil
	}
	return &domain.ProductStock{
		ProductID:        m.ProductID,
		ProductName:      m.ProductName,
		TotalQuantity:    m.TotalQuantity,
		ReservedQuantity: m.ReservedQuantity,
		UnitPrice:        m.UnitPrice,
		Currency:         m.Currency,
		Status:           domain.ProductStatus(m.Status),
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

// FromDomainProduct 将领域模型转换为数据库模型
func FromDomainProduct(p *domain.ProductStock) *ProductStockModel {
	if p == nil {
		return nil
	}
	return &ProductStockModel{
		ProductID:        p.ProductID,
		ProductName:      p.ProductName,
		TotalQuantity:    p.TotalQuantity,
		ReservedQuantity: p.ReservedQuantity,
		UnitPrice:        p.UnitPrice,
		Currency:         p.Currency,
		Status:           string(p.Status),
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func ToDomainReservation(m *ReservationModel) *domain.Reservation {
	if m == nil {
		return nil
	}
	r := &domain.Reservation{
		ReservationID: m.ReservationID,
		ProductID:     m.ProductID,
		CustomerID:    m.CustomerID,
		Quantity:      m.Quantity,
		Status:        domain.ReservationStatus(m.Status),
		CreatedAt:     m.CreatedAt,
		ExpiresAt:     m.ExpiresAt,
		UpdatedAt:     m.UpdatedAt,
	}
	if m.IdempotencyKey != nil {
		r.IdempotencyKey = *m.IdempotencyKey
	}
	return r
}

func FromDomainReservation(r *domain.Reservation) *ReservationModel {
	if r == nil {
		return nil
	}
	m := &ReservationModel{
		ReservationID: r.ReservationID,
		ProductID:     r.ProductID,
		CustomerID:    r.CustomerID,
		Quantity:      r.Quantity,
		Status:        string(r.Status),
		CreatedAt:     r.CreatedAt,
		ExpiresAt:     r.ExpiresAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.IdempotencyKey != "" {
		key := r.IdempotencyKey
		m.IdempotencyKey = &key
	}
	return m
}
