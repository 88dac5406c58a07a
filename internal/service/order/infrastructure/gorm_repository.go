package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"fulfillment/internal/pkg/database"
	"fulfillment/internal/service/order/domain"
)

// GormSagaRepository 是 domain.SagaRepository 的 MySQL 实现。
// Save 是带版本号条件的单条 UPDATE，同一个 Saga 的并发写入只有一个能成功。
type GormSagaRepository struct {
	db *gorm.DB
}

func NewGormSagaRepository(db *gorm.DB) *GormSagaRepository {
	return &GormSagaRepository{db: db}
}

// Migrate 建表
func (r *GormSagaRepository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&SagaModel{})
}

func (r *GormSagaRepository) Create(ctx context.Context, s *domain.Saga) error {
	model, err := FromDomainSaga(s)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).Create(model).Error
	if database.IsDuplicateKey(err) {
		return errors.Wrapf(domain.ErrSagaExists, "saga %s", s.ID)
	}
	return errors.Wrap(err, "create saga")
}

func (r *GormSagaRepository) Save(ctx context.Context, s *domain.Saga) error {
	model, err := FromDomainSaga(s)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&SagaModel{}).
		Where("id = ? AND version = ?", s.ID, s.Version).
		Updates(map[string]interface{}{
			"state":                   model.State,
			"reservations":            model.Reservations,
			"payment_id":              model.PaymentID,
			"refund_id":               model.RefundID,
			"shipment_id":             model.ShipmentID,
			"failure_reason":          model.FailureReason,
			"attempts":                model.Attempts,
			"fatal":                   model.Fatal,
			"requires_reconciliation": model.RequiresReconciliation,
			"version":                 s.Version + 1,
			"updated_at":              model.UpdatedAt,
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "save saga")
	}
	if res.RowsAffected == 0 {
		// 区分不存在和版本冲突
		if _, err := r.FindByID(ctx, s.ID); err != nil {
			return err
		}
		return errors.Wrapf(domain.ErrVersionConflict, "saga %s at version %d", s.ID, s.Version)
	}
	s.Version++
	return nil
}

func (r *GormSagaRepository) FindByID(ctx context.Context, id string) (*domain.Saga, error) {
	var model SagaModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(domain.ErrSagaNotFound, "saga %s", id)
		}
		return nil, errors.Wrap(err, "find saga")
	}
	return ToDomainSaga(&model)
}

func (r *GormSagaRepository) ListByCustomer(ctx context.Context, customerID string) ([]*domain.Saga, error) {
	var models []*SagaModel
	if err := r.db.WithContext(ctx).Where("customer_id = ?", customerID).Order("created_at").Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "list sagas by customer")
	}
	return toDomainSagas(models)
}

func (r *GormSagaRepository) ListStalled(ctx context.Context, before time.Time, limit int) ([]*domain.Saga, error) {
	var models []*SagaModel
	q := r.db.WithContext(ctx).
		Where("state NOT IN ? AND updated_at < ?", []string{string(domain.StateCompleted), string(domain.StateFailed)}, before).
		Order("updated_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "list stalled sagas")
	}
	return toDomainSagas(models)
}

func toDomainSagas(models []*SagaModel) ([]*domain.Saga, error) {
	out := make([]*domain.Saga, 0, len(models))
	for _, m := range models {
		s, err := ToDomainSaga(m)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
