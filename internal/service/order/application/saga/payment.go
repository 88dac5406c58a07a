package saga

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"fulfillment/internal/pkg/apperrors"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/order/domain"
)

const stepChargeLookup = domain.StepCharge + "_lookup"

// ErrOutcomeUnknown 表示调用超时且状态查询也失败，无法判断外部副作用是否已生效。
// Saga 先停留在原状态等待恢复，次数用尽后由 GiveUp 决定去向。
var ErrOutcomeUnknown = apperrors.New(apperrors.KindProvider, "provider outcome unknown")

// ChargeHandler 负责扣款步骤。
type ChargeHandler struct{}

func (h *ChargeHandler) Handle(ctx context.Context, sc *SagaContext) (domain.Event, error) {
	s := sc.Saga
	key := s.IdempotencyKey(domain.StepCharge)
	logger.Ctx(ctx).Info().Msgf("INFO: [Saga: %s] Step 2: charging %s %s.", s.ID, s.Amount.StringFixed(2), s.Currency)

	var paymentID string
	err := run(ctx, sc, "saga.ChargePayment", domain.StepCharge, sc.Forward, func(ctx context.Context) error {
		id, err := sc.Payment.Charge(ctx, key, s.Amount, s.Currency, s.PaymentMethod)
		if err != nil {
			return err
		}
		paymentID = id
		return nil
	})
	if err == nil {
		s.PaymentID = paymentID
		return domain.EventCharged, nil
	}
	if interrupted(ctx, err) {
		return "", err
	}

	// 远程失败（含超时）时扣款可能已经生效，补偿之前先按幂等 key 查询
	if apperrors.IsRetryable(err) {
		var found bool
		lookupErr := run(ctx, sc, "saga.LookupCharge", stepChargeLookup, sc.Forward, func(ctx context.Context) error {
			id, ok, err := sc.Payment.LookupCharge(ctx, key)
			if err != nil {
				return err
			}
			paymentID, found = id, ok
			return nil
		})
		if lookupErr != nil {
			if interrupted(ctx, lookupErr) {
				return "", lookupErr
			}
			return "", errors.Wrapf(ErrOutcomeUnknown, "charge %s: %v", key, lookupErr)
		}
		if found {
			logger.Ctx(ctx).Warn().Msgf("WARN: [Saga: %s] Charge reported failure but payment %s exists, continuing.", s.ID, paymentID)
			s.PaymentID = paymentID
			return domain.EventCharged, nil
		}
	}

	logger.Ctx(ctx).Warn().Err(err).Msgf("WARN: [Saga: %s] Charge failed.", s.ID)
	s.Fail(fmt.Sprintf("charge: %v", err))
	return domain.EventChargeFailed, nil
}

// RefundHandler 是扣款的补偿。
// 没有记录支付 ID 时先按扣款的幂等 key 查询，确认没有扣款才跳过退款。
type RefundHandler struct{}

func (h *RefundHandler) Handle(ctx context.Context, sc *SagaContext) (domain.Event, error) {
	s := sc.Saga
	if s.PaymentID == "" {
		key := s.IdempotencyKey(domain.StepCharge)
		var paymentID string
		err := run(ctx, sc, "saga.compensation.LookupCharge", stepChargeLookup, sc.Compensation, func(ctx context.Context) error {
			id, ok, err := sc.Payment.LookupCharge(ctx, key)
			if err != nil {
				return err
			}
			if ok {
				paymentID = id
			}
			return nil
		})
		if err != nil {
			if interrupted(ctx, err) {
				return "", err
			}
			logger.Ctx(ctx).Error().Err(err).Msgf("CRITICAL: [Saga: %s] Cannot tell whether charge %s happened, manual intervention required.", s.ID, key)
			s.Fatal = true
			s.Fail(fmt.Sprintf("lookup charge %s: %v", key, err))
			return domain.EventCompensationFailed, nil
		}
		if paymentID == "" {
			return domain.EventRefunded, nil
		}
		logger.Ctx(ctx).Warn().Msgf("WARN: [Saga: %s] Found unrecorded payment %s, refunding it.", s.ID, paymentID)
		s.PaymentID = paymentID
	}
	logger.Ctx(ctx).Info().Msgf("INFO: [Saga: %s] Compensation: refunding payment %s.", s.ID, s.PaymentID)

	var refundID string
	err := run(ctx, sc, "saga.compensation.Refund", domain.StepRefund, sc.Compensation, func(ctx context.Context) error {
		id, err := sc.Payment.Refund(ctx, s.PaymentID, s.Amount)
		if err != nil {
			return err
		}
		refundID = id
		return nil
	})
	if err != nil {
		if interrupted(ctx, err) {
			return "", err
		}
		logger.Ctx(ctx).Error().Err(err).Msgf("CRITICAL: [Saga: %s] Refund of payment %s failed, manual intervention required.", s.ID, s.PaymentID)
		s.Fatal = true
		s.Fail(fmt.Sprintf("refund %s: %v", s.PaymentID, err))
		return domain.EventCompensationFailed, nil
	}
	s.RefundID = refundID
	return domain.EventRefunded, nil
}
