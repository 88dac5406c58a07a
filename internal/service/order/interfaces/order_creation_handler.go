package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"fulfillment/internal/pkg/apperrors"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/pkg/retry"
	"fulfillment/internal/service/order/application"
	"fulfillment/internal/service/order/domain"
)

// SagaStarter 是消费者依赖的应用服务能力
type SagaStarter interface {
	StartSagaAsync(ctx context.Context, req *application.StartSagaRequest) (*application.SagaStatus, error)
}

// OrderConsumerAdapter 是一个驱动适配器，它监听下单主题并启动订单 Saga。
type OrderConsumerAdapter struct {
	reader     mq.MessageReader
	starter    SagaStarter
	deadLetter mq.MessageWriter
	policy     retry.Policy
	backoff    time.Duration
}

// NewOrderConsumerAdapter 创建一个新的Kafka消费者适配器。deadLetter 为空时失败消息只记录日志。
func NewOrderConsumerAdapter(reader mq.MessageReader, starter SagaStarter, deadLetter mq.MessageWriter) *OrderConsumerAdapter {
	return &OrderConsumerAdapter{
		reader:     reader,
		starter:    starter,
		deadLetter: deadLetter,
		policy: retry.Policy{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			AttemptTimeout: 10 * time.Second,
			Retryable:      transient,
		},
		backoff: time.Second,
	}
}

// transient 存储或库存服务暂时不可用时值得重试，校验类错误直接进死信
func transient(err error) bool {
	switch apperrors.KindOf(err) {
	case apperrors.KindProvider, apperrors.KindUnknown:
		return !errors.Is(err, context.Canceled)
	default:
		return false
	}
}

// Run 阻塞消费直到 ctx 取消。
func (a *OrderConsumerAdapter) Run(ctx context.Context) error {
	defer a.reader.Close()
	logger.Ctx(ctx).Info().Msg("✅ Order submission consumer started.")
	for {
		// 使用FetchMessage而不是ReadMessage，处理完成后再显式提交
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Ctx(ctx).Info().Msg("🛑 Order submission consumer shutting down.")
				return nil
			}
			logger.Ctx(ctx).Error().Err(err).Msg("Could not read message, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(a.backoff):
			}
			continue
		}

		msgCtx := mq.ExtractTraceContext(ctx, msg.Headers)
		if err := a.processMessage(msgCtx, msg); err != nil {
			a.handleFailure(msgCtx, msg, err)
		}

		// 无论成功或失败（已移交死信），都提交Offset
		if err := a.reader.CommitMessages(ctx, msg); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("Failed to commit messages")
		}
	}
}

// processMessage 反序列化消息并调用应用服务。
func (a *OrderConsumerAdapter) processMessage(ctx context.Context, msg kafka.Message) error {
	var event domain.OrderSubmitted
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "malformed order submission")
	}
	// 消息 key 就是订单 ID，重复投递时据此去重
	if event.OrderID == "" {
		event.OrderID = string(msg.Key)
	}

	_, err := a.policy.Do(ctx, func(ctx context.Context) error {
		status, err := a.starter.StartSagaAsync(ctx, application.ToStartSagaRequest(&event))
		if err == nil {
			logger.Ctx(ctx).Info().Msgf("INFO: [Saga: %s] Accepted from topic %s.", status.SagaID, msg.Topic)
		}
		return err
	})
	return err
}

func (a *OrderConsumerAdapter) handleFailure(ctx context.Context, msg kafka.Message, cause error) {
	logger.Ctx(ctx).Error().Err(cause).Str("key", string(msg.Key)).Msg("Order submission could not be processed")
	if a.deadLetter == nil {
		return
	}
	if err := mq.SendToDeadLetter(ctx, a.deadLetter, msg, cause); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("key", string(msg.Key)).Msg("🚨 CRITICAL: Failed to write dead letter")
	}
}
