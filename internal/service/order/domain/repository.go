// internal/service/order/domain/repository.go
package domain

import (
	"context"
	"time"
)

// SagaRepository 定义了 Saga 聚合的持久化接口。
// 它位于领域层，但由基础设施层实现。
type SagaRepository interface {
	// Create 保存一个新的 Saga，ID 已存在时返回 ErrSagaExists。
	Create(ctx context.Context, saga *Saga) error

	// Save 乐观锁更新：存储中的版本必须等于 saga.Version，成功后 saga.Version 加一。
	Save(ctx context.Context, saga *Saga) error

	FindByID(ctx context.Context, id string) (*Saga, error)
	ListByCustomer(ctx context.Context, customerID string) ([]*Saga, error)

	// ListStalled 返回非终态且 UpdatedAt 早于 before 的 Saga，供 watchdog 恢复。
	ListStalled(ctx context.Context, before time.Time, limit int) ([]*Saga, error)
}
