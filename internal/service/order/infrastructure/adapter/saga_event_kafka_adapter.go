package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/service/order/domain"
)

// SagaEventKafkaAdapter 实现了 port.SagaEventPublisher 接口。
// 状态流转写入 saga-events 主题，告警写入独立的告警主题，均以 sagaId 为 key 保证单个 Saga 内有序。
type SagaEventKafkaAdapter struct {
	events mq.MessageWriter
	alerts mq.MessageWriter
}

func NewSagaEventKafkaAdapter(events, alerts mq.MessageWriter) *SagaEventKafkaAdapter {
	return &SagaEventKafkaAdapter{events: events, alerts: alerts}
}

func (a *SagaEventKafkaAdapter) PublishTransition(ctx context.Context, ev domain.SagaTransitioned) error {
	eventBytes, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal saga event: %w", err)
	}
	// 调用通用的 mq.ProduceMessage，它会自动处理追踪上下文注入
	return mq.ProduceMessage(ctx, a.events, []byte(ev.SagaID), eventBytes)
}

func (a *SagaEventKafkaAdapter) RaiseAlert(ctx context.Context, alert domain.Alert) error {
	alertBytes, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	return mq.ProduceMessage(ctx, a.alerts, []byte(alert.SagaID), alertBytes)
}

// Close 关闭底层的 Kafka writer
func (a *SagaEventKafkaAdapter) Close() error {
	return errors.Join(a.events.Close(), a.alerts.Close())
}
