package infrastructure

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"fulfillment/internal/service/order/domain"
)

// MemorySagaRepository 是 domain.SagaRepository 的进程内实现，存取都做深拷贝。
type MemorySagaRepository struct {
	mu    sync.RWMutex
	sagas map[string]*domain.Saga
}

func NewMemorySagaRepository() *MemorySagaRepository {
	return &MemorySagaRepository{sagas: make(map[string]*domain.Saga)}
}

func (r *MemorySagaRepository) Create(ctx context.Context, s *domain.Saga) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sagas[s.ID]; ok {
		return errors.Wrapf(domain.ErrSagaExists, "saga %s", s.ID)
	}
	r.sagas[s.ID] = s.Clone()
	return nil
}

func (r *MemorySagaRepository) Save(ctx context.Context, s *domain.Saga) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.sagas[s.ID]
	if !ok {
		return errors.Wrapf(domain.ErrSagaNotFound, "saga %s", s.ID)
	}
	if stored.Version != s.Version {
		return errors.Wrapf(domain.ErrVersionConflict, "saga %s: stored version %d, got %d", s.ID, stored.Version, s.Version)
	}
	s.Version++
	r.sagas[s.ID] = s.Clone()
	return nil
}

func (r *MemorySagaRepository) FindByID(ctx context.Context, id string) (*domain.Saga, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sagas[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrSagaNotFound, "saga %s", id)
	}
	return s.Clone(), nil
}

func (r *MemorySagaRepository) ListByCustomer(ctx context.Context, customerID string) ([]*domain.Saga, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Saga
	for _, s := range r.sagas {
		if s.CustomerID == customerID {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemorySagaRepository) ListStalled(ctx context.Context, before time.Time, limit int) ([]*domain.Saga, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Saga
	for _, s := range r.sagas {
		if !s.State.IsTerminal() && s.UpdatedAt.Before(before) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
