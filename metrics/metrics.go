// Package metrics is this process's prometheus instrumentation (ambient stack — no module of
// SPEC_FULL.md names metrics explicitly, but every component the teacher instruments here gets
// an analogous gauge/counter against the strategy/worker/orchestrator/snapshot domain).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the custom prometheus registry for this service's metrics, kept separate from
// the default global registry so /metrics exposes only what this service defines.
var Registry = prometheus.NewRegistry()

var (
	// WorkerTickDuration tracks how long one full strategy-worker tick takes.
	WorkerTickDuration = promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: "tradeforge",
		Subsystem: "worker",
		Name:      "tick_duration_seconds",
		Help:      "Duration of one strategy-worker tick across all active strategies",
		Buckets:   prometheus.DefBuckets,
	})

	// WorkerStrategiesEvaluated counts strategies evaluated per tick, by outcome.
	WorkerStrategiesEvaluated = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeforge",
		Subsystem: "worker",
		Name:      "strategies_evaluated_total",
		Help:      "Strategies evaluated, labeled by outcome",
	}, []string{"outcome"}) // triggered, no_trigger, lease_conflict, needs_repair, error

	// OrdersSubmitted counts orders submitted to the Gateway, by exchange and side.
	OrdersSubmitted = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeforge",
		Subsystem: "orchestrator",
		Name:      "orders_submitted_total",
		Help:      "Orders submitted to an exchange gateway",
	}, []string{"exchange", "side"})

	// OrdersRejected counts orders the orchestrator refused to submit, by reason.
	OrdersRejected = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeforge",
		Subsystem: "orchestrator",
		Name:      "orders_rejected_total",
		Help:      "Orders rejected before submission, labeled by reason",
	}, []string{"reason"}) // below_min_size, no_budget, insufficient_funds, invalid_order, auth_error, insufficient_position, gateway_error

	// StrategyPnLTotal tracks cumulative realized P&L per strategy.
	StrategyPnLTotal = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tradeforge",
		Subsystem: "strategy",
		Name:      "pnl_total_usd",
		Help:      "Cumulative realized P&L in USD",
	}, []string{"strategy_id", "exchange"})

	// CircuitBreakerTrips counts risk-management circuit breaker trips per loss window.
	CircuitBreakerTrips = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeforge",
		Subsystem: "strategy",
		Name:      "circuit_breaker_trips_total",
		Help:      "Circuit breaker trips, labeled by loss window",
	}, []string{"window"}) // daily, weekly, monthly

	// SnapshotRunDuration tracks how long one balance-snapshot pipeline pass takes.
	SnapshotRunDuration = promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: "tradeforge",
		Subsystem: "snapshot",
		Name:      "run_duration_seconds",
		Help:      "Duration of one balance snapshot pipeline run",
		Buckets:   prometheus.DefBuckets,
	})

	// SnapshotExchangeFailures counts per-exchange snapshot fetch failures.
	SnapshotExchangeFailures = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeforge",
		Subsystem: "snapshot",
		Name:      "exchange_failures_total",
		Help:      "Balance snapshot fetch failures, labeled by exchange",
	}, []string{"exchange"})

	// GatewayRequestDuration tracks per-exchange Gateway call latency.
	GatewayRequestDuration = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tradeforge",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Gateway call latency, labeled by exchange and method",
		Buckets:   prometheus.DefBuckets,
	}, []string{"exchange", "method"})
)

// RecordOrder increments OrdersSubmitted for a successfully submitted order.
func RecordOrder(exchangeID, side string) {
	OrdersSubmitted.WithLabelValues(exchangeID, side).Inc()
}

// RecordRejectedOrder increments OrdersRejected for the given reason.
func RecordRejectedOrder(reason string) {
	OrdersRejected.WithLabelValues(reason).Inc()
}

// SetStrategyPnL sets the cumulative realized P&L gauge for a strategy.
func SetStrategyPnL(strategyID, exchangeID string, totalPnLUSD float64) {
	StrategyPnLTotal.WithLabelValues(strategyID, exchangeID).Set(totalPnLUSD)
}

// RecordCircuitBreakerTrip increments the trip counter for a loss window.
func RecordCircuitBreakerTrip(window string) {
	CircuitBreakerTrips.WithLabelValues(window).Inc()
}

// RecordGatewayCall observes a Gateway call's latency.
func RecordGatewayCall(exchangeID, method string, durationSeconds float64) {
	GatewayRequestDuration.WithLabelValues(exchangeID, method).Observe(durationSeconds)
}

// Init registers the standard process/runtime collectors alongside the metrics above.
func Init() {
	Registry.MustRegister(prometheus.NewGoCollector())
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
}
