package interfaces

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/pkg/httpx"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/order/application"
	"fulfillment/internal/service/order/domain"
)

const (
	orderCreationTopic = "order-creation-topic"
	writeWait          = 10 * time.Second
)

// SagaService 是 HTTP 层依赖的编排能力
type SagaService interface {
	SagaStarter
	StartSaga(ctx context.Context, req *application.StartSagaRequest) (*application.SagaStatus, error)
	Resume(ctx context.Context, sagaID string) (*application.SagaStatus, error)
	CancelSaga(ctx context.Context, sagaID string) (*application.SagaStatus, error)
	GetSagaStatus(ctx context.Context, sagaID string) (*application.SagaStatus, error)
	ListSagasByCustomer(ctx context.Context, customerID string) ([]*application.SagaStatus, error)
	NewOrderID() string
}

// OrderSubmitter 把下单命令投递到消息队列
type OrderSubmitter interface {
	Submit(ctx context.Context, ev *domain.OrderSubmitted) error
}

// EventSubscriber 订阅单个 Saga 的状态变化
type EventSubscriber interface {
	Subscribe(sagaID string) (<-chan domain.SagaTransitioned, func())
}

// SagaHandler 封装了订单 Saga 的 HTTP 处理器
type SagaHandler struct {
	service   SagaService
	tracer    trace.Tracer
	submitter OrderSubmitter
	events    EventSubscriber
	upgrader  websocket.Upgrader
}

type HandlerOption func(*SagaHandler)

// WithSubmitter 启用经由 Kafka 的异步下单入口
func WithSubmitter(s OrderSubmitter) HandlerOption {
	return func(h *SagaHandler) { h.submitter = s }
}

// WithEvents 启用 websocket 状态推送
func WithEvents(e EventSubscriber) HandlerOption {
	return func(h *SagaHandler) { h.events = e }
}

func NewSagaHandler(service SagaService, tracer trace.Tracer, opts ...HandlerOption) *SagaHandler {
	h := &SagaHandler{
		service: service,
		tracer:  tracer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 允许所有来源的连接，生产环境中应配置更严格的检查
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *SagaHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/v1/sagas", httpx.Traced(h.startSaga))
	mux.HandleFunc("POST /api/v1/orders", httpx.Traced(h.submitOrder))
	mux.HandleFunc("GET /api/v1/sagas/{sagaId}", httpx.Traced(h.getSaga))
	mux.HandleFunc("POST /api/v1/sagas/{sagaId}/resume", httpx.Traced(h.resumeSaga))
	mux.HandleFunc("POST /api/v1/sagas/{sagaId}/cancel", httpx.Traced(h.cancelSaga))
	mux.HandleFunc("POST /api/v1/orders/{sagaId}/cancel", httpx.Traced(h.cancelSaga))
	mux.HandleFunc("GET /api/v1/sagas/{sagaId}/watch", httpx.Traced(h.watchSaga))
	mux.HandleFunc("GET /api/v1/customers/{customerId}/sagas", httpx.Traced(h.listByCustomer))
}

// startSaga 默认同步驱动到终态；?async=true 时只完成创建，立即返回 202
func (h *SagaHandler) startSaga(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "api.StartSaga")
	defer span.End()

	var req application.StartSagaRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	if r.URL.Query().Get("async") == "true" {
		status, err := h.service.StartSagaAsync(ctx, &req)
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		span.SetAttributes(attribute.String("saga.id", status.SagaID))
		httpx.WriteJSON(w, http.StatusAccepted, status)
		return
	}

	status, err := h.service.StartSaga(ctx, &req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("saga.id", status.SagaID), attribute.String("saga.state", string(status.State)))
	if !status.Terminal {
		// 结果未知而暂停，稍后由 watchdog 继续
		httpx.WriteJSON(w, http.StatusAccepted, status)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, status)
}

type submitResponse struct {
	SagaID string `json:"sagaId"`
	Queued bool   `json:"queued"`
}

// submitOrder 把下单请求写入 order-creation 主题；未启用 Kafka 时退化为进程内异步启动
func (h *SagaHandler) submitOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "api.SubmitOrder")
	defer span.End()

	var req application.StartSagaRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	if h.submitter == nil {
		status, err := h.service.StartSagaAsync(ctx, &req)
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusAccepted, submitResponse{SagaID: status.SagaID})
		return
	}

	if req.OrderID == "" {
		req.OrderID = h.service.NewOrderID()
	}
	span.SetAttributes(
		attribute.String("saga.id", req.OrderID),
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", orderCreationTopic),
	)
	if err := h.submitter.Submit(ctx, toOrderSubmitted(ctx, &req)); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	logger.Ctx(ctx).Info().Msgf("INFO: [Saga: %s] Order submission queued.", req.OrderID)
	httpx.WriteJSON(w, http.StatusAccepted, submitResponse{SagaID: req.OrderID, Queued: true})
}

func toOrderSubmitted(ctx context.Context, req *application.StartSagaRequest) *domain.OrderSubmitted {
	ev := &domain.OrderSubmitted{
		OrderID:       req.OrderID,
		CustomerID:    req.CustomerID,
		Address:       req.Address,
		PaymentMethod: req.PaymentMethod,
		Currency:      req.Currency,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		ev.TraceID = sc.TraceID().String()
	}
	for _, it := range req.Items {
		ev.Items = append(ev.Items, domain.LineItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return ev
}

func (h *SagaHandler) getSaga(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.GetSagaStatus(r.Context(), r.PathValue("sagaId"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, status)
}

// resumeSaga 手工触发恢复，供运维在告警后使用
func (h *SagaHandler) resumeSaga(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.Resume(r.Context(), r.PathValue("sagaId"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, status)
}

// cancelSaga 取消订单并同步执行补偿；补偿因结果未知而暂停时返回 202
func (h *SagaHandler) cancelSaga(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "api.CancelSaga")
	defer span.End()
	span.SetAttributes(attribute.String("saga.id", r.PathValue("sagaId")))

	status, err := h.service.CancelSaga(ctx, r.PathValue("sagaId"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if !status.Terminal {
		httpx.WriteJSON(w, http.StatusAccepted, status)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, status)
}

func (h *SagaHandler) listByCustomer(w http.ResponseWriter, r *http.Request) {
	sagas, err := h.service.ListSagasByCustomer(r.Context(), r.PathValue("customerId"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sagas)
}

// watchMessage 是 websocket 推送的消息，先推一次当前状态，之后推每次流转
type watchMessage struct {
	Type       string                   `json:"type"`
	Status     *application.SagaStatus  `json:"status,omitempty"`
	Transition *domain.SagaTransitioned `json:"transition,omitempty"`
}

func (h *SagaHandler) watchSaga(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		http.Error(w, "saga watch is disabled", http.StatusNotImplemented)
		return
	}
	sagaID := r.PathValue("sagaId")

	// 1. 先订阅再查询，避免漏掉两者之间的流转
	events, unsubscribe := h.events.Subscribe(sagaID)
	defer unsubscribe()

	status, err := h.service.GetSagaStatus(r.Context(), sagaID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	// 2. 升级连接
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	defer conn.Close()

	if err := writeWatch(conn, watchMessage{Type: "status", Status: status}); err != nil || status.Terminal {
		closeWatch(conn)
		return
	}

	// 3. 读循环只用于感知客户端断开
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Version <= status.Version {
				continue
			}
			if err := writeWatch(conn, watchMessage{Type: "transition", Transition: &ev}); err != nil {
				return
			}
			if ev.To.IsTerminal() {
				closeWatch(conn)
				return
			}
		}
	}
}

func writeWatch(conn *websocket.Conn, msg watchMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func closeWatch(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "saga finished"),
		time.Now().Add(writeWait))
}
