package infrastructure

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/service/order/domain"
)

// OrderSubmissionProducer 把下单命令写入 order-creation 主题，由消费者异步启动 Saga。
type OrderSubmissionProducer struct {
	writer mq.MessageWriter
}

func NewOrderSubmissionProducer(writer mq.MessageWriter) *OrderSubmissionProducer {
	return &OrderSubmissionProducer{writer: writer}
}

// Submit 以订单 ID 为 key 发送，重复投递由消费端按订单 ID 去重
func (p *OrderSubmissionProducer) Submit(ctx context.Context, ev *domain.OrderSubmitted) error {
	eventBytes, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal order submission")
	}
	if err := mq.ProduceMessage(ctx, p.writer, []byte(ev.OrderID), eventBytes); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msgf("ERROR: [Saga: %s] Failed to enqueue order submission.", ev.OrderID)
		return errors.Wrap(err, "produce order submission")
	}
	return nil
}

func (p *OrderSubmissionProducer) Close() error {
	return p.writer.Close()
}
