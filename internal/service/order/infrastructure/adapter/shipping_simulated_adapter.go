package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"fulfillment/internal/pkg/apperrors"
	"fulfillment/internal/service/order/domain"
)

var (
	ErrShipmentNotFound = apperrors.New(apperrors.KindNotFound, "shipment not found")
	ErrInvalidAddress   = apperrors.New(apperrors.KindValidation, "invalid shipping address")
)

// SimulatedShipping 是进程内的物流服务模拟，按幂等 key 去重。
type SimulatedShipping struct {
	faults

	mu        sync.Mutex
	seq       int
	shipments map[string]string // idempotencyKey -> shipmentID
	cancelled map[string]bool
}

func NewSimulatedShipping() *SimulatedShipping {
	return &SimulatedShipping{
		shipments: map[string]string{},
		cancelled: map[string]bool{},
	}
}

func (s *SimulatedShipping) CreateShipment(ctx context.Context, idempotencyKey string, address domain.Address, items []domain.LineItem) (string, error) {
	if err := s.take("ship"); err != nil {
		return "", err
	}
	if strings.TrimSpace(address.Line1) == "" || strings.TrimSpace(address.Country) == "" {
		return "", errors.Wrap(ErrInvalidAddress, "line1 and country are required")
	}

	s.mu.Lock()
	id, ok := s.shipments[idempotencyKey]
	if !ok {
		s.seq++
		id = fmt.Sprintf("SHP-%06d", s.seq)
		s.shipments[idempotencyKey] = id
	}
	s.mu.Unlock()

	if err := s.hang(ctx, "ship"); err != nil {
		return "", err
	}
	return id, nil
}

func (s *SimulatedShipping) CancelShipment(ctx context.Context, shipmentID string) error {
	if err := s.take("cancel_shipment"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.shipments {
		if id == shipmentID {
			s.cancelled[shipmentID] = true
			return nil
		}
	}
	return errors.Wrapf(ErrShipmentNotFound, "shipment %s", shipmentID)
}

func (s *SimulatedShipping) LookupShipment(ctx context.Context, idempotencyKey string) (string, bool, error) {
	if err := s.take("lookup_shipment"); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.shipments[idempotencyKey]
	return id, ok, nil
}

// ShipmentCount 返回实际创建的物流单数
func (s *SimulatedShipping) ShipmentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.shipments)
}
