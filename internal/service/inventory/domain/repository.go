package domain

import (
	"context"
	"time"
)

// Ledger 是库存计数器和预占记录的存储接口。
// 每个方法都是一个原子操作：同一商品的修改串行化，不同商品互不阻塞。
type Ledger interface {
	CreateProduct(ctx context.Context, p *ProductStock) error
	GetProduct(ctx context.Context, productID string) (*ProductStock, error)
	ListProducts(ctx context.Context) ([]*ProductStock, error)

	// Reserve 原子地检查可售数量并占用。
	// 带 IdempotencyKey 且已存在记录时，返回已有记录，不再重复占用。
	Reserve(ctx context.Context, r *Reservation) (*Reservation, error)

	// Transition 在原子区内加载预占并调用 Reservation.Transition，同时写回商品计数器。
	// 返回 ErrReservationExpired 时，返回的预占已是 EXPIRED 且已持久化。
	Transition(ctx context.Context, reservationID string, to ReservationStatus, now time.Time) (*Reservation, error)

	GetReservation(ctx context.Context, reservationID string) (*Reservation, error)

	// FindByIdempotencyKey 不存在时返回 ErrReservationNotFound
	FindByIdempotencyKey(ctx context.Context, key string) (*Reservation, error)
	ListReservationsByCustomer(ctx context.Context, customerID string) ([]*Reservation, error)

	// ListExpired 返回至多 limit 个 ExpiresAt 早于 now 的 ACTIVE 预占 ID
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
}
