package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Метрики конвейера оплаты и исполнения заказов
// =============================================================================

var (
	// WebhookEvents — платёжные события по провайдеру и исходу обработки.
	// outcome: applied, noop, duplicate, ignored, self_test, anomaly, rejected, error.
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_webhook_events_total",
			Help: "Платёжные события по провайдеру и исходу обработки",
		},
		[]string{"provider", "outcome"},
	)

	// OrderTransitions — применённые переходы статуса заказа.
	OrderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_order_transitions_total",
			Help: "Переходы статуса заказа",
		},
		[]string{"from", "to"},
	)

	// SideEffects — выполнения побочных эффектов.
	// result: done, retry, failed.
	SideEffects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_side_effects_total",
			Help: "Выполнения побочных эффектов по виду и результату",
		},
		[]string{"kind", "result"},
	)

	// StalePendingOrders — заказы, застрявшие в pending дольше порога.
	StalePendingOrders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fulfillment_stale_pending_orders",
			Help: "Количество заказов в pending дольше допустимого",
		},
	)

	// GatewayCalls — вызовы внешних платёжных API.
	GatewayCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_gateway_calls_total",
			Help: "Вызовы платёжных API по провайдеру, операции и результату",
		},
		[]string{"provider", "operation", "result"},
	)
)
