// internal/service/inventory/domain/reservation.go
package domain

import (
	"time"

	"github.com/pkg/errors"
)

// ReservationStatus 预占的生命周期状态，只有 ACTIVE 可以继续流转
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationConfirmed ReservationStatus = "CONFIRMED" // 已扣减
	ReservationCancelled ReservationStatus = "CANCELLED" // 已释放
	ReservationExpired   ReservationStatus = "EXPIRED"   // 超时释放
)

func (s ReservationStatus) IsTerminal() bool {
	return s == ReservationConfirmed || s == ReservationCancelled || s == ReservationExpired
}

// DefaultReservationTTL 预占默认保留时长
const DefaultReservationTTL = 24 * time.Hour

// Reservation 是对某个商品一定数量库存的临时占用
type Reservation struct {
	ReservationID  string
	ProductID      string
	CustomerID     string
	Quantity       int64
	Status         ReservationStatus
	IdempotencyKey string // 可选，同一个 key 重复预占返回同一条记录
	CreatedAt      time.Time
	ExpiresAt      time.Time
	UpdatedAt      time.Time
}

// StockDelta 是一次状态流转对商品计数器的影响
type StockDelta struct {
	Reserved int64
	Total    int64
}

// NewReservation 工厂函数，ttl <= 0 时使用默认值
func NewReservation(id, productID, customerID string, quantity int64, ttl time.Duration, idempotencyKey string, now time.Time) (*Reservation, error) {
	if quantity <= 0 {
		return nil, errors.Wrapf(ErrInvalidQuantity, "got %d", quantity)
	}
	if productID == "" || customerID == "" {
		return nil, errors.Wrap(ErrInvalidProduct, "product id and customer id are required")
	}
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &Reservation{
		ReservationID:  id,
		ProductID:      productID,
		CustomerID:     customerID,
		Quantity:       quantity,
		Status:         ReservationActive,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		UpdatedAt:      now,
	}, nil
}

// IsExpired 严格晚于 ExpiresAt 才算过期
func (r *Reservation) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Transition 是预占状态机的唯一入口，所有存储实现都在各自的原子区内调用它。
//
//   - 目标状态与当前状态相同：幂等成功，noop=true，不产生计数变化。
//   - 当前状态不是 ACTIVE：ErrInvalidStatus。
//   - 确认时发现已过期：转为 EXPIRED 并释放占用，返回 ErrReservationExpired，调用方必须持久化这次变化。
func (r *Reservation) Transition(to ReservationStatus, now time.Time) (delta StockDelta, noop bool, err error) {
	if !to.IsTerminal() {
		return StockDelta{}, false, errors.Wrapf(ErrInvalidStatus, "cannot move reservation to %s", to)
	}
	if r.Status == to {
		return StockDelta{}, true, nil
	}
	if r.Status != ReservationActive {
		return StockDelta{}, false, errors.Wrapf(ErrInvalidStatus, "reservation %s is %s", r.ReservationID, r.Status)
	}

	switch to {
	case ReservationConfirmed:
		if r.IsExpired(now) {
			r.Status = ReservationExpired
			r.UpdatedAt = now
			return StockDelta{Reserved: -r.Quantity}, false, errors.Wrapf(ErrReservationExpired, "reservation %s expired at %s", r.ReservationID, r.ExpiresAt.Format(time.RFC3339))
		}
		delta = StockDelta{Reserved: -r.Quantity, Total: -r.Quantity}
	case ReservationCancelled:
		delta = StockDelta{Reserved: -r.Quantity}
	case ReservationExpired:
		if !r.IsExpired(now) {
			return StockDelta{}, false, errors.Wrapf(ErrInvalidStatus, "reservation %s not due until %s", r.ReservationID, r.ExpiresAt.Format(time.RFC3339))
		}
		delta = StockDelta{Reserved: -r.Quantity}
	}
	r.Status = to
	r.UpdatedAt = now
	return delta, false, nil
}
