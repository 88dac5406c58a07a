package adapter

import (
	"context"
	"errors"
	"sync"

	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
)

// AllSagas 订阅全部 Saga 的事件
const AllSagas = "*"

const subscriberBuffer = 32

// SagaEventHub 是进程内的事件分发器，供 websocket 推送订阅单个 Saga 的状态变化。
// 订阅者消费过慢时丢弃事件，不阻塞 Saga 推进。
type SagaEventHub struct {
	mu   sync.RWMutex
	subs map[string]map[chan domain.SagaTransitioned]struct{}
}

func NewSagaEventHub() *SagaEventHub {
	return &SagaEventHub{subs: map[string]map[chan domain.SagaTransitioned]struct{}{}}
}

// Subscribe 返回事件通道和取消订阅函数
func (h *SagaEventHub) Subscribe(sagaID string) (<-chan domain.SagaTransitioned, func()) {
	ch := make(chan domain.SagaTransitioned, subscriberBuffer)
	h.mu.Lock()
	if h.subs[sagaID] == nil {
		h.subs[sagaID] = map[chan domain.SagaTransitioned]struct{}{}
	}
	h.subs[sagaID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[sagaID], ch)
			if len(h.subs[sagaID]) == 0 {
				delete(h.subs, sagaID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *SagaEventHub) PublishTransition(_ context.Context, ev domain.SagaTransitioned) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, key := range []string{ev.SagaID, AllSagas} {
		for ch := range h.subs[key] {
			select {
			case ch <- ev:
			default:
			}
		}
	}
	return nil
}

// RaiseAlert 告警不通过 websocket 推送
func (h *SagaEventHub) RaiseAlert(context.Context, domain.Alert) error {
	return nil
}

// FanoutPublisher 把事件依次交给多个发布者，任何一个失败都不影响其它发布者。
type FanoutPublisher []port.SagaEventPublisher

func (f FanoutPublisher) PublishTransition(ctx context.Context, ev domain.SagaTransitioned) error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.PublishTransition(ctx, ev))
	}
	return errors.Join(errs...)
}

func (f FanoutPublisher) RaiseAlert(ctx context.Context, alert domain.Alert) error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.RaiseAlert(ctx, alert))
	}
	return errors.Join(errs...)
}
