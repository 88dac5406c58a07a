package saga

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/order/domain"
)

const stepReservationLookup = domain.StepReserve + "_lookup"

// ReserveHandler 负责库存预占步骤，每个商品一条预占。
// 已记录预占 ID 的商品在恢复时跳过，未记录的用同一个幂等 key 重新发起。
type ReserveHandler struct{}

func (h *ReserveHandler) Handle(ctx context.Context, sc *SagaContext) (domain.Event, error) {
	s := sc.Saga
	logger.Ctx(ctx).Info().Msgf("INFO: [Saga: %s] Step 1: reserving %d line items.", s.ID, len(s.Items))

	for _, item := range s.Items {
		if _, ok := s.Reservations[item.ProductID]; ok {
			continue
		}
		item := item
		var reservationID string
		err := run(ctx, sc, "saga.ReserveInventory", domain.StepReserve, sc.Forward, func(ctx context.Context) error {
			id, err := sc.Inventory.Reserve(ctx, item.ProductID, s.CustomerID, item.Quantity, s.ReservationKey(item.ProductID))
			if err != nil {
				return err
			}
			reservationID = id
			return nil
		})
		if err != nil {
			if interrupted(ctx, err) {
				return "", err
			}
			// 同一步骤中已经预占成功的商品会在 RESERVATION_FAILED 状态下释放
			logger.Ctx(ctx).Warn().Err(err).Msgf("WARN: [Saga: %s] Reservation of %s failed.", s.ID, item.ProductID)
			s.Fail(fmt.Sprintf("reserve %s: %v", item.ProductID, err))
			return domain.EventReserveFailed, nil
		}
		s.Reservations[item.ProductID] = reservationID
	}
	return domain.EventReserved, nil
}

// ConfirmHandler 在发货后把预占转为实际扣减。
// 失败时不回滚已发生的支付和物流，只标记需要对账。
type ConfirmHandler struct{}

func (h *ConfirmHandler) Handle(ctx context.Context, sc *SagaContext) (domain.Event, error) {
	s := sc.Saga
	logger.Ctx(ctx).Info().Msgf("INFO: [Saga: %s] Step 4: confirming %d reservations.", s.ID, len(s.Reservations))

	failed := false
	for _, item := range s.Items {
		reservationID, ok := s.Reservations[item.ProductID]
		if !ok {
			continue
		}
		err := run(ctx, sc, "saga.ConfirmInventory", domain.StepConfirm, sc.Forward, func(ctx context.Context) error {
			return sc.Inventory.Confirm(ctx, reservationID)
		})
		if err != nil {
			if interrupted(ctx, err) {
				return "", err
			}
			logger.Ctx(ctx).Error().Err(err).Msgf("ERROR: [Saga: %s] Confirm of reservation %s failed after shipment.", s.ID, reservationID)
			s.Fail(fmt.Sprintf("confirm %s: %v", reservationID, err))
			failed = true
		}
	}
	if failed {
		s.RequiresReconciliation = true
		return domain.EventConfirmFailed, nil
	}
	return domain.EventConfirmed, nil
}

// ReleaseHandler 按与预占相反的顺序释放库存。
// 它同时服务于 RESERVATION_FAILED（释放部分预占）和 COMPENSATING_RESERVATION。
// 没有记录预占 ID 的商品可能是请求超时但服务端已生效，先按幂等 key 查询。
type ReleaseHandler struct {
	Done domain.Event
}

func (h *ReleaseHandler) Handle(ctx context.Context, sc *SagaContext) (domain.Event, error) {
	s := sc.Saga
	logger.Ctx(ctx).Info().Msgf("INFO: [Saga: %s] Compensation: releasing %d reservations.", s.ID, len(s.Reservations))

	for i := len(s.Items) - 1; i >= 0; i-- {
		productID := s.Items[i].ProductID
		reservationID, ok := s.Reservations[productID]
		if !ok {
			id, found, err := h.lookup(ctx, sc, productID)
			if err != nil {
				return "", err
			}
			if !found {
				continue
			}
			logger.Ctx(ctx).Warn().Msgf("WARN: [Saga: %s] Found unrecorded reservation %s for %s.", s.ID, id, productID)
			s.Reservations[productID] = id
			reservationID = id
		}
		err := run(ctx, sc, "saga.compensation.ReleaseReservation", domain.StepReleaseReservations, sc.Compensation, func(ctx context.Context) error {
			return sc.Inventory.Cancel(ctx, reservationID)
		})
		if err != nil {
			if interrupted(ctx, err) {
				return "", err
			}
			logger.Ctx(ctx).Error().Err(err).Msgf("CRITICAL: [Saga: %s] Failed to release reservation %s, manual intervention required.", s.ID, reservationID)
			s.Fatal = true
			s.Fail(fmt.Sprintf("release %s: %v", reservationID, err))
			return domain.EventCompensationFailed, nil
		}
	}
	return h.Done, nil
}

func (h *ReleaseHandler) lookup(ctx context.Context, sc *SagaContext, productID string) (string, bool, error) {
	key := sc.Saga.ReservationKey(productID)
	var (
		reservationID string
		found         bool
	)
	err := run(ctx, sc, "saga.compensation.LookupReservation", stepReservationLookup, sc.Compensation, func(ctx context.Context) error {
		id, ok, err := sc.Inventory.LookupReservation(ctx, key)
		if err != nil {
			return err
		}
		reservationID, found = id, ok
		return nil
	})
	if err != nil {
		if interrupted(ctx, err) {
			return "", false, err
		}
		return "", false, errors.Wrapf(ErrOutcomeUnknown, "reservation %s: %v", key, err)
	}
	return reservationID, found, nil
}
