package interfaces

import (
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"fulfillment/internal/pkg/apperrors"
	"fulfillment/internal/pkg/httpx"
	"fulfillment/internal/service/inventory/application"
	"fulfillment/internal/service/inventory/domain"
)

// InventoryHandler 封装了库存服务的 HTTP 处理器
type InventoryHandler struct {
	engine *application.Engine
}

func NewInventoryHandler(engine *application.Engine) *InventoryHandler {
	return &InventoryHandler{engine: engine}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *InventoryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/inventory/items", httpx.Traced(h.registerProduct))
	mux.HandleFunc("GET /api/v1/inventory/items", httpx.Traced(h.listProducts))
	mux.HandleFunc("GET /api/v1/inventory/items/{productId}", httpx.Traced(h.getProduct))
	mux.HandleFunc("GET /api/v1/inventory/items/{productId}/availability", httpx.Traced(h.availability))
	mux.HandleFunc("GET /api/v1/inventory/items/{productId}/check", httpx.Traced(h.checkInventory))
	mux.HandleFunc("POST /api/v1/inventory/reservations", httpx.Traced(h.reserve))
	mux.HandleFunc("GET /api/v1/inventory/reservations", httpx.Traced(h.findReservation))
	mux.HandleFunc("GET /api/v1/inventory/reservations/{reservationId}", httpx.Traced(h.getReservation))
	mux.HandleFunc("POST /api/v1/inventory/reservations/{reservationId}/confirm", httpx.Traced(h.confirm))
	mux.HandleFunc("POST /api/v1/inventory/reservations/{reservationId}/cancel", httpx.Traced(h.cancel))
	mux.HandleFunc("GET /api/v1/inventory/customers/{customerId}/reservations", httpx.Traced(h.listByCustomer))
	mux.HandleFunc("POST /api/v1/inventory/sweep", httpx.Traced(h.sweep))
}

type productView struct {
	ProductID         string          `json:"productId"`
	ProductName       string          `json:"productName"`
	TotalQuantity     int64           `json:"totalQuantity"`
	ReservedQuantity  int64           `json:"reservedQuantity"`
	AvailableQuantity int64           `json:"availableQuantity"`
	UnitPrice         decimal.Decimal `json:"unitPrice"`
	Currency          string          `json:"currency"`
	Status            string          `json:"status"`
}

func toProductView(p *domain.ProductStock) productView {
	return productView{
		ProductID:         p.ProductID,
		ProductName:       p.ProductName,
		TotalQuantity:     p.TotalQuantity,
		ReservedQuantity:  p.ReservedQuantity,
		AvailableQuantity: p.Available(),
		UnitPrice:         p.UnitPrice,
		Currency:          p.Currency,
		Status:            string(p.Status),
	}
}

type reservationView struct {
	ReservationID  string    `json:"reservationId"`
	ProductID      string    `json:"productId"`
	CustomerID     string    `json:"customerId"`
	Quantity       int64     `json:"quantity"`
	Status         string    `json:"status"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

func toReservationView(r *domain.Reservation) reservationView {
	return reservationView{
		ReservationID:  r.ReservationID,
		ProductID:      r.ProductID,
		CustomerID:     r.CustomerID,
		Quantity:       r.Quantity,
		Status:         string(r.Status),
		IdempotencyKey: r.IdempotencyKey,
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
	}
}

func (h *InventoryHandler) registerProduct(w http.ResponseWriter, r *http.Request) {
	var req application.RegisterProductRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, err := h.engine.RegisterProduct(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toProductView(p))
}

func (h *InventoryHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.engine.ListProducts(r.Context())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	views := make([]productView, len(products))
	for i, p := range products {
		views[i] = toProductView(p)
	}
	httpx.WriteJSON(w, http.StatusOK, views)
}

func (h *InventoryHandler) getProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.GetProduct(r.Context(), r.PathValue("productId"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toProductView(p))
}

func (h *InventoryHandler) availability(w http.ResponseWriter, r *http.Request) {
	av, err := h.engine.Availability(r.Context(), r.PathValue("productId"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, av)
}

func (h *InventoryHandler) checkInventory(w http.ResponseWriter, r *http.Request) {
	qty, err := strconv.ParseInt(r.URL.Query().Get("quantity"), 10, 64)
	if err != nil {
		httpx.WriteError(w, r, apperrors.Wrap(apperrors.KindValidation, err, "quantity must be an integer"))
		return
	}
	av, err := h.engine.CheckInventory(r.Context(), r.PathValue("productId"), qty)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, av)
}

type reserveBody struct {
	application.ReserveRequest
	TTLSeconds int64 `json:"ttlSeconds,omitempty"`
}

func (h *InventoryHandler) reserve(w http.ResponseWriter, r *http.Request) {
	var body reserveBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	req := body.ReserveRequest
	req.TTL = time.Duration(body.TTLSeconds) * time.Second
	res, err := h.engine.Reserve(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toReservationView(res))
}

func (h *InventoryHandler) getReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.GetReservation(r.Context(), r.PathValue("reservationId"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toReservationView(res))
}

// findReservation 按幂等 key 查询，调用方超时后用来确认预占是否已生效
func (h *InventoryHandler) findReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.FindReservationByKey(r.Context(), r.URL.Query().Get("idempotencyKey"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toReservationView(res))
}

func (h *InventoryHandler) confirm(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Confirm(r.Context(), r.PathValue("reservationId"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toReservationView(res))
}

func (h *InventoryHandler) cancel(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Cancel(r.Context(), r.PathValue("reservationId"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toReservationView(res))
}

func (h *InventoryHandler) listByCustomer(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.ListReservationsByCustomer(r.Context(), r.PathValue("customerId"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	views := make([]reservationView, len(list))
	for i, res := range list {
		views[i] = toReservationView(res)
	}
	httpx.WriteJSON(w, http.StatusOK, views)
}

func (h *InventoryHandler) sweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.ExpireSweep(r.Context(), h.engine.Now())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"expired": n})
}
