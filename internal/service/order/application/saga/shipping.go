package saga

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"fulfillment/internal/pkg/apperrors"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/order/domain"
)

const stepShipLookup = domain.StepShip + "_lookup"

// ShipHandler 负责创建物流单。
type ShipHandler struct{}

func (h *ShipHandler) Handle(ctx context.Context, sc *SagaContext) (domain.Event, error) {
	s := sc.Saga
	key := s.IdempotencyKey(domain.StepShip)
	logger.Ctx(ctx).Info().Msgf("INFO: [Saga: %s] Step 3: creating shipment to %s.", s.ID, s.Address.City)

	var shipmentID string
	err := run(ctx, sc, "saga.CreateShipment", domain.StepShip, sc.Forward, func(ctx context.Context) error {
		id, err := sc.Shipping.CreateShipment(ctx, key, s.Address, s.Items)
		if err != nil {
			return err
		}
		shipmentID = id
		return nil
	})
	if err == nil {
		s.ShipmentID = shipmentID
		return domain.EventShipped, nil
	}
	if interrupted(ctx, err) {
		return "", err
	}

	if apperrors.IsRetryable(err) {
		var found bool
		lookupErr := run(ctx, sc, "saga.LookupShipment", stepShipLookup, sc.Forward, func(ctx context.Context) error {
			id, ok, err := sc.Shipping.LookupShipment(ctx, key)
			if err != nil {
				return err
			}
			shipmentID, found = id, ok
			return nil
		})
		if lookupErr != nil {
			if interrupted(ctx, lookupErr) {
				return "", lookupErr
			}
			return "", errors.Wrapf(ErrOutcomeUnknown, "shipment %s: %v", key, lookupErr)
		}
		if found {
			logger.Ctx(ctx).Warn().Msgf("WARN: [Saga: %s] Shipment call failed but shipment %s exists, continuing.", s.ID, shipmentID)
			s.ShipmentID = shipmentID
			return domain.EventShipped, nil
		}
	}

	logger.Ctx(ctx).Warn().Err(err).Msgf("WARN: [Saga: %s] Shipment failed.", s.ID)
	s.Fail(fmt.Sprintf("ship: %v", err))
	return domain.EventShipFailed, nil
}

// ShipmentFailedHandler 在退款之前撤销可能已经生效的物流单：
// 某次尝试超时但实际已创建、后续尝试又被明确拒绝时，物流单仍然存在。
type ShipmentFailedHandler struct{}

func (h *ShipmentFailedHandler) Handle(ctx context.Context, sc *SagaContext) (domain.Event, error) {
	s := sc.Saga
	key := s.IdempotencyKey(domain.StepShip)

	shipmentID := s.ShipmentID
	err := run(ctx, sc, "saga.compensation.CancelShipment", domain.StepCancelShipment, sc.Compensation, func(ctx context.Context) error {
		if shipmentID == "" {
			id, found, err := sc.Shipping.LookupShipment(ctx, key)
			if err != nil || !found {
				return err
			}
			shipmentID = id
		}
		return sc.Shipping.CancelShipment(ctx, shipmentID)
	})
	if err != nil {
		if interrupted(ctx, err) {
			return "", err
		}
		logger.Ctx(ctx).Error().Err(err).Msgf("CRITICAL: [Saga: %s] Failed to cancel shipment %s, manual intervention required.", s.ID, shipmentID)
		s.Fatal = true
		s.Fail(fmt.Sprintf("cancel shipment %s: %v", key, err))
		return domain.EventCompensationFailed, nil
	}
	switch {
	case s.ShipmentID == "" && shipmentID != "":
		logger.Ctx(ctx).Warn().Msgf("WARN: [Saga: %s] Cancelled orphan shipment %s.", s.ID, shipmentID)
	case shipmentID != "":
		logger.Ctx(ctx).Info().Msgf("INFO: [Saga: %s] Compensation: cancelled shipment %s.", s.ID, shipmentID)
	}
	return domain.EventCompensate, nil
}
