// Package metrics holds the Prometheus collectors exported by the risk monitor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "riskmon"

var (
	// MonitorsActive is the number of watcher goroutines currently polling
	MonitorsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "active",
			Help:      "Number of position monitors currently running",
		},
	)

	// MonitorExits counts monitor terminations by reason
	MonitorExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "exits_total",
			Help:      "Position monitor terminations by exit reason",
		},
		[]string{"reason"},
	)

	// CloseFailures counts close orders that failed inside a monitor. Each one
	// leaves a position without local protection.
	CloseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "close_failures_total",
			Help:      "Close orders that failed inside a monitor (position left unprotected)",
		},
	)

	// TrailingActivations counts irreversible trailing-stop activations
	TrailingActivations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "trailing_activations_total",
			Help:      "Trailing stops activated by monitors",
		},
	)

	// PriceFetchErrors counts transient price fetch failures
	PriceFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "price_fetch_errors_total",
			Help:      "Price fetch failures retried by monitors",
		},
		[]string{"symbol"},
	)

	// Orders counts orders submitted by type and result
	Orders = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "orders_total",
			Help:      "Orders submitted to the exchange",
		},
		[]string{"type", "result"},
	)

	// SnapshotWrites counts snapshot persistence attempts
	SnapshotWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "snapshot_writes_total",
			Help:      "Monitor snapshot writes by result",
		},
		[]string{"result"},
	)

	// SnapshotWriteDuration is the latency of a full snapshot replace
	SnapshotWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "snapshot_write_duration_seconds",
			Help:      "Duration of monitor snapshot writes",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// ExchangeRequestDuration is the latency of exchange REST calls
	ExchangeRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "request_duration_seconds",
			Help:      "Exchange REST request latency by endpoint",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint"},
	)
)

// OrderResult returns the label value for an order outcome
func OrderResult(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
