// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fulfillment"

var (
	// ReservationOps 统计库存操作结果，result 取值 ok / noop / 错误分类。
	ReservationOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inventory",
		Name:      "reservation_ops_total",
		Help:      "Reservation engine operations by op and result.",
	}, []string{"op", "result"})

	ReservationsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inventory",
		Name:      "reservations_expired_total",
		Help:      "Reservations moved to EXPIRED by the sweeper.",
	})

	SagaTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "saga",
		Name:      "transitions_total",
		Help:      "Saga state transitions by target state.",
	}, []string{"state"})

	SagaOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "saga",
		Name:      "outcomes_total",
		Help:      "Sagas reaching a terminal state.",
	}, []string{"state", "reconciliation"})

	StepAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "saga",
		Name:      "step_attempts_total",
		Help:      "Provider call attempts per saga step.",
	}, []string{"step", "result"})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "saga",
		Name:      "step_duration_seconds",
		Help:      "Wall time of a saga step including retries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"step"})

	SagaParked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "saga",
		Name:      "unresolved_total",
		Help:      "Times a saga step ended with an unknown provider outcome.",
	}, []string{"state"})

	Alerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "saga",
		Name:      "alerts_total",
		Help:      "Operator alerts raised by the orchestrator.",
	}, []string{"kind"})
)
