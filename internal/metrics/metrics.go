// Package metrics holds the process's Prometheus collectors:
// orderbook_updates, order_operations, arbitrage_cycles, plus latency
// histograms.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TickToOrderLatency is the duration of the engine's parallel two-leg
// entry placement call, in milliseconds. The time between the
// book-ticker update and the start of that call is not included.
// Buckets are tuned for a target wall-clock under 50ms.
var TickToOrderLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "arbitrage",
		Subsystem: "engine",
		Name:      "tick_to_order_latency_ms",
		Help:      "Duration of the parallel entry order placement call in milliseconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100},
	},
	[]string{"symbol"},
)

// BookTickerProcessLatency is per-update processing time; the budget is
// 500us per update.
var BookTickerProcessLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "arbitrage",
		Subsystem: "exchange",
		Name:      "book_ticker_process_latency_us",
		Help:      "Time to process one streaming book-ticker update in microseconds",
		Buckets:   []float64{50, 100, 250, 500, 1000, 5000},
	},
	[]string{"venue", "symbol"},
)

// OrderbookUpdates counts every streaming book-ticker update a venue's
// public surface handles, including ones its freshness and ordering
// checks drop, tagged by venue and update kind.
var OrderbookUpdates = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Name:      "orderbook_updates_total",
		Help:      "Number of order-book/book-ticker updates processed",
	},
	[]string{"venue", "symbol", "kind"},
)

// OrderOperations counts every order placement/cancel attempt, tagged by
// result so operators can alert on rejection rate.
var OrderOperations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Name:      "order_operations_total",
		Help:      "Number of order operations (place/cancel) by venue, role and result",
	},
	[]string{"venue", "role", "op", "result"},
)

// ArbitrageCycles counts entries dispatched with both legs placed, per
// symbol and direction.
var ArbitrageCycles = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Name:      "arbitrage_cycles_total",
		Help:      "Number of arbitrage entries dispatched with both legs placed",
	},
	[]string{"symbol", "direction"},
)

// StateTransitions counts every engine state transition, useful for
// spotting symbols stuck flapping through ERROR_RECOVERY.
var StateTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Name:      "engine_state_transitions_total",
		Help:      "Number of engine state transitions",
	},
	[]string{"symbol", "from", "to"},
)

// DeltaRatio is a gauge of the current |delta| / total-exposure ratio per
// symbol, sampled whenever a position changes.
var DeltaRatio = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "arbitrage",
		Name:      "position_delta_ratio",
		Help:      "Current |signed_spot+signed_futures| / (|spot|+|futures|)",
	},
	[]string{"symbol"},
)

// SnapshotWrites counts snapshot persistence attempts by result; a
// failure here is logged as an error but never stops trading.
var SnapshotWrites = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Name:      "snapshot_writes_total",
		Help:      "Number of snapshot write attempts by result",
	},
	[]string{"symbol", "result"},
)
