package domain

import (
	"fulfillment/internal/pkg/apperrors"
)

var ErrOrderRejected = apperrors.New(apperrors.KindValidation, "order rejected by admission policy")

// OrderFact 是准入规则可以看到的订单事实，字段名即规则中的变量名（order.amount 等）
type OrderFact struct {
	OrderID       string   `json:"orderId"`
	CustomerID    string   `json:"customerId"`
	Amount        float64  `json:"amount"`
	Currency      string   `json:"currency"`
	ItemCount     int      `json:"itemCount"`
	TotalQuantity int64    `json:"totalQuantity"`
	Country       string   `json:"country"`
	PaymentMethod string   `json:"paymentMethod"`
	ProductIDs    []string `json:"productIds"`
}

// FactOf 从 Saga 提取准入事实
func FactOf(s *Saga) OrderFact {
	amount, _ := s.Amount.Float64()
	fact := OrderFact{
		OrderID:       s.ID,
		CustomerID:    s.CustomerID,
		Amount:        amount,
		Currency:      s.Currency,
		ItemCount:     len(s.Items),
		Country:       s.Address.Country,
		PaymentMethod: s.PaymentMethod,
		ProductIDs:    make([]string, 0, len(s.Items)),
	}
	for _, it := range s.Items {
		fact.TotalQuantity += it.Quantity
		fact.ProductIDs = append(fact.ProductIDs, it.ProductID)
	}
	return fact
}

// RuleEngine 评估订单准入规则，由基础设施层实现。
type RuleEngine interface {
	Evaluate(fact OrderFact) (bool, error)
}
