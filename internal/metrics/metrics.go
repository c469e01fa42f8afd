package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TradesExecuted counts orders accepted by the exchange, by side
	// and final exchange status.
	TradesExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trades_executed_total",
			Help: "Orders accepted by the exchange",
		},
		[]string{"side", "status"},
	)

	// TradeFailures counts execute_trade calls rejected before or at
	// the exchange, by taxonomy code.
	TradeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trade_failures_total",
			Help: "Trade executions that failed",
		},
		[]string{"code"},
	)

	// ProtectiveOrders counts protective leg submissions by leg and
	// outcome (submitted|failed).
	ProtectiveOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "protective_orders_total",
			Help: "Protective order legs submitted",
		},
		[]string{"leg", "outcome"},
	)

	// ExitsTriggered counts protective exits triggered by the monitor.
	ExitsTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exits_triggered_total",
			Help: "Protective exits triggered",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(TradesExecuted, TradeFailures, ProtectiveOrders, ExitsTriggered)
}
