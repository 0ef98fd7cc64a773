// Package metrics exposes prometheus collectors for order fan-out,
// position aggregation and session lifecycle.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	orderOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zap_order_outcomes_total",
			Help: "Per-account order outcomes by kind",
		},
		[]string{"broker", "kind"},
	)

	brokerCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zap_broker_call_duration_seconds",
			Help:    "Duration of individual broker calls",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"broker", "op"},
	)

	fanOutDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zap_fanout_duration_seconds",
			Help:    "Wall time of one fan-out, from validation to the last outcome",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0},
		},
	)

	fanOutTargets = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zap_fanout_targets",
			Help:    "Number of target accounts per fan-out",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		},
	)

	positionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zap_position_query_failures_total",
			Help: "Per-account position queries that failed",
		},
		[]string{"broker", "reason"},
	)

	sessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zap_session_transitions_total",
			Help: "Account session state transitions",
		},
		[]string{"to"},
	)
)

// RecordOrderOutcome counts one per-account order outcome.
func RecordOrderOutcome(broker, kind string) {
	orderOutcomes.WithLabelValues(broker, kind).Inc()
}

// ObserveBrokerCall records how long a broker operation took.
func ObserveBrokerCall(broker, op string, started time.Time) {
	brokerCallDuration.WithLabelValues(broker, op).Observe(time.Since(started).Seconds())
}

// ObserveFanOut records the duration and width of one fan-out.
func ObserveFanOut(targets int, started time.Time) {
	fanOutTargets.Observe(float64(targets))
	fanOutDuration.Observe(time.Since(started).Seconds())
}

// RecordPositionFailure counts a failed per-account position query.
func RecordPositionFailure(broker, reason string) {
	positionFailures.WithLabelValues(broker, reason).Inc()
}

// RecordSessionTransition counts a session state change.
func RecordSessionTransition(to string) {
	sessionTransitions.WithLabelValues(to).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
