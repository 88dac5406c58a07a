package infrastructure

import (
	"encoding/json"

	"github.com/pkg/errors"

	"fulfillment/internal/service/order/domain"
)

// FromDomainSaga 将领域实体转换为数据库模型
func FromDomainSaga(s *domain.Saga) (*SagaModel, error) {
	items, err := json.Marshal(s.Items)
	if err != nil {
		return nil, errors.Wrap(err, "marshal items")
	}
	address, err := json.Marshal(s.Address)
	if err != nil {
		return nil, errors.Wrap(err, "marshal address")
	}
	reservations, err := json.Marshal(s.Reservations)
	if err != nil {
		return nil, errors.Wrap(err, "marshal reservations")
	}
	attempts, err := json.Marshal(s.Attempts)
	if err != nil {
		return nil, errors.Wrap(err, "marshal attempts")
	}
	return &SagaModel{
		ID:                     s.ID,
		CustomerID:             s.CustomerID,
		State:                  string(s.State),
		Amount:                 s.Amount,
		Currency:               s.Currency,
		PaymentMethod:          s.PaymentMethod,
		Items:                  string(items),
		Address:                string(address),
		Reservations:           string(reservations),
		PaymentID:              s.PaymentID,
		RefundID:               s.RefundID,
		ShipmentID:             s.ShipmentID,
		FailureReason:          s.FailureReason,
		Attempts:               string(attempts),
		Fatal:                  s.Fatal,
		RequiresReconciliation: s.RequiresReconciliation,
		Version:                s.Version,
		CreatedAt:              s.CreatedAt,
		UpdatedAt:              s.UpdatedAt,
	}, nil
}

// ToDomainSaga 将数据库模型转换为领域实体
func ToDomainSaga(m *SagaModel) (*domain.Saga, error) {
	s := &domain.Saga{
		ID:                     m.ID,
		CustomerID:             m.CustomerID,
		State:                  domain.State(m.State),
		Amount:                 m.Amount,
		Currency:               m.Currency,
		PaymentMethod:          m.PaymentMethod,
		PaymentID:              m.PaymentID,
		RefundID:               m.RefundID,
		ShipmentID:             m.ShipmentID,
		FailureReason:          m.FailureReason,
		Fatal:                  m.Fatal,
		RequiresReconciliation: m.RequiresReconciliation,
		Version:                m.Version,
		CreatedAt:              m.CreatedAt,
		UpdatedAt:              m.UpdatedAt,
		Reservations:           map[string]string{},
		Attempts:               map[string]int{},
	}
	if err := unmarshalColumn(m.Items, &s.Items); err != nil {
		return nil, errors.Wrapf(err, "saga %s items", m.ID)
	}
	if err := unmarshalColumn(m.Address, &s.Address); err != nil {
		return nil, errors.Wrapf(err, "saga %s address", m.ID)
	}
	if err := unmarshalColumn(m.Reservations, &s.Reservations); err != nil {
		return nil, errors.Wrapf(err, "saga %s reservations", m.ID)
	}
	if err := unmarshalColumn(m.Attempts, &s.Attempts); err != nil {
		return nil, errors.Wrapf(err, "saga %s attempts", m.ID)
	}
	if s.Reservations == nil {
		s.Reservations = map[string]string{}
	}
	if s.Attempts == nil {
		s.Attempts = map[string]int{}
	}
	return s, nil
}

func unmarshalColumn(data string, v interface{}) error {
	if data == "" || data == "null" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}
