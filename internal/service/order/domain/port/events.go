package port

import (
	"context"

	"fulfillment/internal/service/order/domain"
)

// SagaEventPublisher 是 Saga 事件的出站端口。
// 发布失败不影响 Saga 推进，状态以仓储为准。
type SagaEventPublisher interface {
	// PublishTransition 在每次状态流转持久化之后调用。
	PublishTransition(ctx context.Context, ev domain.SagaTransitioned) error

	// RaiseAlert 发出需要人工处理的告警。
	RaiseAlert(ctx context.Context, alert domain.Alert) error
}
