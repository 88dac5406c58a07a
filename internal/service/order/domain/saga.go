// internal/service/order/domain/saga.go
package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"fulfillment/internal/pkg/apperrors"
)

var (
	ErrSagaNotFound    = apperrors.New(apperrors.KindNotFound, "saga not found")
	ErrSagaExists      = apperrors.New(apperrors.KindConflict, "saga already exists")
	ErrVersionConflict = apperrors.New(apperrors.KindConflict, "saga was modified concurrently")
	ErrInvalidOrder    = apperrors.New(apperrors.KindValidation, "invalid order")

	ErrSagaNotCancellable = apperrors.New(apperrors.KindConflict, "saga can no longer be cancelled")
)

// Step 名称同时用作幂等 key 后缀和重试计数的 key
const (
	StepReserve             = "reserve"
	StepCharge              = "charge"
	StepShip                = "ship"
	StepConfirm             = "confirm"
	StepRefund              = "refund"
	StepCancelShipment      = "cancel_shipment"
	StepReleaseReservations = "release"
)

// LineItem 是订单中的一行商品
type LineItem struct {
	ProductID string          `json:"productId"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// Address 收货地址
type Address struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

// Saga 是订单履约流程的聚合根，ID 即订单 ID。终态后保留用于审计，不做物理删除。
type Saga struct {
	ID            string
	CustomerID    string
	Items         []LineItem
	Address       Address
	PaymentMethod string
	Amount        decimal.Decimal
	Currency      string

	State        State
	Reservations map[string]string // productId -> reservationId
	PaymentID    string
	RefundID     string
	ShipmentID   string

	FailureReason          string
	Attempts               map[string]int // step -> 已尝试次数
	Fatal                  bool           // 补偿无法完成，需要人工介入
	RequiresReconciliation bool           // 已发货但库存确认失败

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewSaga 工厂函数。Items 需已带单价，Amount 由单价 × 数量汇总。
func NewSaga(id, customerID string, items []LineItem, addr Address, paymentMethod, currency string, now time.Time) (*Saga, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, errors.Wrap(ErrInvalidOrder, "customer id is required")
	}
	if len(items) == 0 {
		return nil, errors.Wrap(ErrInvalidOrder, "order has no line items")
	}
	merged, err := mergeItems(items)
	if err != nil {
		return nil, err
	}
	amount := decimal.Zero
	for _, it := range merged {
		amount = amount.Add(it.UnitPrice.Mul(decimal.NewFromInt(it.Quantity)))
	}
	return &Saga{
		ID:            id,
		CustomerID:    customerID,
		Items:         merged,
		Address:       addr,
		PaymentMethod: paymentMethod,
		Amount:        amount,
		Currency:      currency,
		State:         StateStarted,
		Reservations:  map[string]string{},
		Attempts:      map[string]int{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// mergeItems 校验并合并同一商品的多行，按商品 ID 排序保证预占顺序稳定
func mergeItems(items []LineItem) ([]LineItem, error) {
	byProduct := map[string]*LineItem{}
	for _, it := range items {
		if strings.TrimSpace(it.ProductID) == "" {
			return nil, errors.Wrap(ErrInvalidOrder, "line item without product id")
		}
		if it.Quantity <= 0 {
			return nil, errors.Wrapf(ErrInvalidOrder, "quantity for %s must be positive", it.ProductID)
		}
		if it.UnitPrice.IsNegative() {
			return nil, errors.Wrapf(ErrInvalidOrder, "negative price for %s", it.ProductID)
		}
		if existing, ok := byProduct[it.ProductID]; ok {
			existing.Quantity += it.Quantity
			continue
		}
		copied := it
		byProduct[it.ProductID] = &copied
	}
	out := make([]LineItem, 0, len(byProduct))
	for _, it := range byProduct {
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

// Apply 按状态表流转，非法流转返回 ErrIllegalTransition 且不修改状态
func (s *Saga) Apply(ev Event, now time.Time) (from State, err error) {
	to, err := Next(s.State, ev)
	if err != nil {
		return s.State, err
	}
	from = s.State
	s.State = to
	s.UpdatedAt = now
	return from, nil
}

// Fail 累积失败原因
func (s *Saga) Fail(reason string) {
	if s.FailureReason == "" {
		s.FailureReason = reason
		return
	}
	s.FailureReason = s.FailureReason + "; " + reason
}

// IdempotencyKey 是某个步骤对外部服务调用的幂等 key，重复调用必须得到同一结果
func (s *Saga) IdempotencyKey(step string) string {
	return s.ID + ":" + step
}

// ReservationKey 每个商品一条预占，key 按商品区分
func (s *Saga) ReservationKey(productID string) string {
	return s.ID + ":" + StepReserve + ":" + productID
}

func (s *Saga) AddAttempts(step string, n int) {
	if s.Attempts == nil {
		s.Attempts = map[string]int{}
	}
	s.Attempts[step] += n
}

// Defer 记录一次结果未知的暂停，返回当前状态下累计暂停的次数
func (s *Saga) Defer(reason string) int {
	key := "unresolved:" + strings.ToLower(string(s.State))
	s.AddAttempts(key, 1)
	s.Fail(reason)
	return s.Attempts[key]
}

// Clone 深拷贝，仓储实现返回副本，避免调用方修改共享状态
func (s *Saga) Clone() *Saga {
	c := *s
	c.Items = append([]LineItem(nil), s.Items...)
	c.Reservations = make(map[string]string, len(s.Reservations))
	for k, v := range s.Reservations {
		c.Reservations[k] = v
	}
	c.Attempts = make(map[string]int, len(s.Attempts))
	for k, v := range s.Attempts {
		c.Attempts[k] = v
	}
	return &c
}
