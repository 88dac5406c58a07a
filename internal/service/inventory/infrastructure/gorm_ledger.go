// internal/service/inventory/infrastructure/gorm_ledger.go
package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fulfillment/internal/pkg/database"
	"fulfillment/internal/service/inventory/domain"
)

// GormLedger 是 domain.Ledger 的 MySQL 实现。
// 每个操作是一个本地事务：预占用条件 UPDATE 做原子的检查并占用，状态流转用 SELECT ... FOR UPDATE 锁行。
type GormLedger struct {
	db *gorm.DB
}

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

// Migrate 建表
func (l *GormLedger) Migrate(ctx context.Context) error {
	return l.db.WithContext(ctx).AutoMigrate(&ProductStockModel{}, &ReservationModel{})
}

func (l *GormLedger) CreateProduct(ctx context.Context, p *domain.ProductStock) error {
	err := l.db.WithContext(ctx).Create(FromDomainProduct(p)).Error
	if database.IsDuplicateKey(err) {
		return errors.Wrapf(domain.ErrProductExists, "product %s", p.ProductID)
	}
	return errors.Wrap(err, "create product")
}

func (l *GormLedger) GetProduct(ctx context.Context, productID string) (*domain.ProductStock, error) {
	var model ProductStockModel
	err := l.db.WithContext(ctx).Where("product_id = ?", productID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(domain.ErrProductNotFound, "product %s", productID)
		}
		return nil, errors.Wrap(err, "get product")
	}
	return ToDomainProduct(&model), nil
}

func (l *GormLedger) ListProducts(ctx context.Context) ([]*domain.ProductStock, error) {
	var models []*ProductStockModel
	if err := l.db.WithContext(ctx).Order("product_id").Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	out := make([]*domain.ProductStock, len(models))
	for i, m := range models {
		out[i] = ToDomainProduct(m)
	}
	return out, nil
}

func (l *GormLedger) Reserve(ctx context.Context, r *domain.Reservation) (*domain.Reservation, error) {
	if r.IdempotencyKey != "" {
		if existing, err := l.FindByIdempotencyKey(ctx, r.IdempotencyKey); err == nil {
			return existing, nil
		} else if !errors.Is(err, domain.ErrReservationNotFound) {
			return nil, err
		}
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. 条件更新：只有可售数量足够且商品在售时才会命中
		res := tx.Model(&ProductStockModel{}).
			Where("product_id = ? AND status = ? AND total_quantity - reserved_quantity >= ?",
				r.ProductID, string(domain.ProductActive), r.Quantity).
			Updates(map[string]interface{}{
				"reserved_quantity": gorm.Expr("reserved_quantity + ?", r.Quantity),
				"updated_at":        r.CreatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 2. 没有命中，区分不存在 / 下架 / 库存不足
			var model ProductStockModel
			if err := tx.Where("product_id = ?", r.ProductID).First(&model).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return errors.Wrapf(domain.ErrProductNotFound, "product %s", r.ProductID)
				}
				return err
			}
			if err := ToDomainProduct(&model).CheckReservable(r.Quantity); err != nil {
				return err
			}
			return errors.Wrapf(domain.ErrInsufficientStock, "product %s", r.ProductID)
		}
		// 3. 写入预占记录
		return tx.Create(FromDomainReservation(r)).Error
	})
	if err != nil {
		// 并发的同 key 请求输给了另一方，事务已回滚，返回胜者的记录
		if r.IdempotencyKey != "" && database.IsDuplicateKey(err) {
			return l.FindByIdempotencyKey(ctx, r.IdempotencyKey)
		}
		return nil, err
	}
	out := *r
	return &out, nil
}

func (l *GormLedger) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Reservation, error) {
	var model ReservationModel
	err := l.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(domain.ErrReservationNotFound, "idempotency key %s", key)
		}
		return nil, errors.Wrap(err, "find reservation by key")
	}
	return ToDomainReservation(&model), nil
}

func (l *GormLedger) Transition(ctx context.Context, reservationID string, to domain.ReservationStatus, now time.Time) (*domain.Reservation, error) {
	var (
		out        *domain.Reservation
		expiredErr error
	)
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. 锁住预占行，后到的并发流转在这里排队
		var model ReservationModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("reservation_id = ?", reservationID).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Wrapf(domain.ErrReservationNotFound, "reservation %s", reservationID)
			}
			return err
		}
		r := ToDomainReservation(&model)

		// 2. 状态机
		delta, noop, terr := r.Transition(to, now)
		if noop {
			out = r
			return nil
		}
		if terr != nil && !errors.Is(terr, domain.ErrReservationExpired) {
			return terr
		}

		// 3. 锁住商品行并写回计数器
		var pm ProductStockModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("product_id = ?", r.ProductID).First(&pm).Error; err != nil {
			return err
		}
		stock := ToDomainProduct(&pm)
		if err := stock.Apply(delta, now); err != nil {
			return err
		}
		if err := tx.Model(&ProductStockModel{}).Where("product_id = ?", r.ProductID).
			Updates(map[string]interface{}{
				"total_quantity":    stock.TotalQuantity,
				"reserved_quantity": stock.ReservedQuantity,
				"updated_at":        now,
			}).Error; err != nil {
			return err
		}

		// 4. 写回预占状态，带上原状态做 CAS
		res := tx.Model(&ReservationModel{}).
			Where("reservation_id = ? AND status = ?", reservationID, string(domain.ReservationActive)).
			Updates(map[string]interface{}{"status": string(r.Status), "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return errors.Wrapf(domain.ErrInvalidStatus, "reservation %s changed concurrently", reservationID)
		}
		out = r
		expiredErr = terr
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, expiredErr
}

func (l *GormLedger) GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	var model ReservationModel
	err := l.db.WithContext(ctx).Where("reservation_id = ?", reservationID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(domain.ErrReservationNotFound, "reservation %s", reservationID)
		}
		return nil, errors.Wrap(err, "get reservation")
	}
	return ToDomainReservation(&model), nil
}

func (l *GormLedger) ListReservationsByCustomer(ctx context.Context, customerID string) ([]*domain.Reservation, error) {
	var models []*ReservationModel
	if err := l.db.WithContext(ctx).Where("customer_id = ?", customerID).Order("created_at").Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "list reservations")
	}
	out := make([]*domain.Reservation, len(models))
	for i, m := range models {
		out[i] = ToDomainReservation(m)
	}
	return out, nil
}

func (l *GormLedger) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	q := l.db.WithContext(ctx).Model(&ReservationModel{}).
		Where("status = ? AND expires_at < ?", string(domain.ReservationActive), now).
		Order("expires_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("reservation_id", &ids).Error; err != nil {
		return nil, errors.Wrap(err, "list expired reservations")
	}
	return ids, nil
}
