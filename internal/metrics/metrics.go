// Package metrics exposes Prometheus collectors for the trading core.
// Collectors are registered once via promauto on the default registry;
// components update them directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rate-limit scheduler.
	WeightUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hunter_ratelimit_weight_used",
		Help: "Request weight consumed in the current sliding minute.",
	})
	OrdersUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hunter_ratelimit_orders_used",
		Help: "Order count consumed in the current sliding minute.",
	})
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hunter_ratelimit_queue_depth",
		Help: "Requests waiting in the scheduler queue.",
	}, []string{"priority"})
	CircuitBreakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hunter_ratelimit_breaker_open",
		Help: "1 while the rate-limit circuit breaker is open.",
	})
	RequestsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hunter_ratelimit_requests_total",
		Help: "Requests dispatched to the venue, by priority and outcome.",
	}, []string{"priority", "outcome"})
	RequestsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hunter_ratelimit_deduplicated_total",
		Help: "Requests coalesced onto an identical in-flight request.",
	})

	// Market data.
	LiquidationsSeen = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hunter_liquidations_total",
		Help: "Liquidation events observed after the symbol filter, by symbol and side.",
	}, []string{"symbol", "side"})
	StreamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hunter_stream_reconnects_total",
		Help: "Websocket reconnect attempts, by stream.",
	}, []string{"stream"})

	// Trading.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hunter_orders_placed_total",
		Help: "Orders submitted to the venue, by symbol and type.",
	}, []string{"symbol", "type"})
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hunter_orders_rejected_total",
		Help: "Orders rejected by the venue, by symbol and error code.",
	}, []string{"symbol", "code"})
	PositionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hunter_positions_open",
		Help: "Positions currently tracked by the position manager.",
	})
	ProtectionMissing = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hunter_positions_unprotected",
		Help: "Tracked positions missing a stop-loss order.",
	})
)
