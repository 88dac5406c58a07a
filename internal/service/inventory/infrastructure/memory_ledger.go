// internal/service/inventory/infrastructure/memory_ledger.go
package infrastructure

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"fulfillment/internal/service/inventory/domain"
)

// productEntry 每个商品一把锁，同一商品的写操作串行，不同商品互不阻塞
type productEntry struct {
	mu    sync.Mutex
	stock domain.ProductStock
}

// MemoryLedger 是 domain.Ledger 的进程内实现，用于开发环境和测试
type MemoryLedger struct {
	productsMu sync.RWMutex
	products   map[string]*productEntry

	resMu        sync.RWMutex
	reservations map[string]domain.Reservation
	byKey        map[string]string // idempotencyKey -> reservationID
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		products:     make(map[string]*productEntry),
		reservations: make(map[string]domain.Reservation),
		byKey:        make(map[string]string),
	}
}

func (l *MemoryLedger) entry(productID string) (*productEntry, bool) {
	l.productsMu.RLock()
	defer l.productsMu.RUnlock()
	e, ok := l.products[productID]
	return e, ok
}

func (l *MemoryLedger) CreateProduct(_ context.Context, p *domain.ProductStock) error {
	l.productsMu.Lock()
	defer l.productsMu.Unlock()
	if _, ok := l.products[p.ProductID]; ok {
		return errors.Wrapf(domain.ErrProductExists, "product %s", p.ProductID)
	}
	l.products[p.ProductID] = &productEntry{stock: *p}
	return nil
}

func (l *MemoryLedger) GetProduct(_ context.Context, productID string) (*domain.ProductStock, error) {
	e, ok := l.entry(productID)
	if !ok {
		return nil, errors.Wrapf(domain.ErrProductNotFound, "product %s", productID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.stock
	return &p, nil
}

func (l *MemoryLedger) ListProducts(ctx context.Context) ([]*domain.ProductStock, error) {
	l.productsMu.RLock()
	ids := make([]string, 0, len(l.products))
	for id := range l.products {
		ids = append(ids, id)
	}
	l.productsMu.RUnlock()
	sort.Strings(ids)

	out := make([]*domain.ProductStock, 0, len(ids))
	for _, id := range ids {
		p, err := l.GetProduct(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (l *MemoryLedger) Reserve(_ context.Context, r *domain.Reservation) (*domain.Reservation, error) {
	if existing, ok := l.lookupKey(r.IdempotencyKey); ok {
		return existing, nil
	}

	e, ok := l.entry(r.ProductID)
	if !ok {
		return nil, errors.Wrapf(domain.ErrProductNotFound, "product %s", r.ProductID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	// 1. 检查可售数量（此时持有商品锁）
	if err := e.stock.CheckReservable(r.Quantity); err != nil {
		return nil, err
	}

	// 2. 登记预占；幂等 key 在写锁内再确认一次
	l.resMu.Lock()
	if r.IdempotencyKey != "" {
		if id, ok := l.byKey[r.IdempotencyKey]; ok {
			existing := l.reservations[id]
			l.resMu.Unlock()
			return &existing, nil
		}
		l.byKey[r.IdempotencyKey] = r.ReservationID
	}
	l.reservations[r.ReservationID] = *r
	l.resMu.Unlock()

	// 3. 占用库存
	if err := e.stock.Apply(domain.StockDelta{Reserved: r.Quantity}, r.CreatedAt); err != nil {
		return nil, err
	}
	out := *r
	return &out, nil
}

func (l *MemoryLedger) lookupKey(key string) (*domain.Reservation, bool) {
	if key == "" {
		return nil, false
	}
	l.resMu.RLock()
	defer l.resMu.RUnlock()
	id, ok := l.byKey[key]
	if !ok {
		return nil, false
	}
	r := l.reservations[id]
	return &r, true
}

func (l *MemoryLedger) Transition(ctx context.Context, reservationID string, to domain.ReservationStatus, now time.Time) (*domain.Reservation, error) {
	current, err := l.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	e, ok := l.entry(current.ProductID)
	if !ok {
		return nil, errors.Wrapf(domain.ErrProductNotFound, "product %s", current.ProductID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	// 持锁后重新读取，输掉竞争的一方会看到新状态
	l.resMu.RLock()
	r := l.reservations[reservationID]
	l.resMu.RUnlock()

	delta, noop, terr := r.Transition(to, now)
	if noop {
		return &r, nil
	}
	if terr != nil && !errors.Is(terr, domain.ErrReservationExpired) {
		return nil, terr
	}
	if err := e.stock.Apply(delta, now); err != nil {
		return nil, err
	}
	l.resMu.Lock()
	l.reservations[reservationID] = r
	l.resMu.Unlock()
	return &r, terr
}

func (l *MemoryLedger) GetReservation(_ context.Context, reservationID string) (*domain.Reservation, error) {
	l.resMu.RLock()
	defer l.resMu.RUnlock()
	r, ok := l.reservations[reservationID]
	if !ok {
		return nil, errors.Wrapf(domain.ErrReservationNotFound, "reservation %s", reservationID)
	}
	return &r, nil
}

func (l *MemoryLedger) FindByIdempotencyKey(_ context.Context, key string) (*domain.Reservation, error) {
	r, ok := l.lookupKey(key)
	if !ok {
		return nil, errors.Wrapf(domain.ErrReservationNotFound, "idempotency key %s", key)
	}
	return r, nil
}

func (l *MemoryLedger) ListReservationsByCustomer(_ context.Context, customerID string) ([]*domain.Reservation, error) {
	l.resMu.RLock()
	defer l.resMu.RUnlock()
	var out []*domain.Reservation
	for _, r := range l.reservations {
		if r.CustomerID == customerID {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (l *MemoryLedger) ListExpired(_ context.Context, now time.Time, limit int) ([]string, error) {
	l.resMu.RLock()
	var due []domain.Reservation
	for _, r := range l.reservations {
		if r.Status == domain.ReservationActive && r.IsExpired(now) {
			due = append(due, r)
		}
	}
	l.resMu.RUnlock()

	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, len(due))
	for i, r := range due {
		ids[i] = r.ReservationID
	}
	return ids, nil
}
