// Package metrics declares the Prometheus collectors of the alarm engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Verdict labels for EvaluationsTotal.
const (
	VerdictTrue    = "true"
	VerdictFalse   = "false"
	VerdictMissing = "missing"
)

var (
	// TicksTotal counts telemetry ticks handled by the engine.
	TicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alarm_engine_ticks_total",
			Help: "Total number of telemetry ticks handled",
		},
	)

	// EvaluationsTotal counts per-rule evaluations by verdict.
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarm_engine_evaluations_total",
			Help: "Total number of rule evaluations",
		},
		[]string{"verdict"}, // true, false, missing
	)

	// TransitionsTotal counts rule phase transitions.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarm_engine_transitions_total",
			Help: "Total number of rule phase transitions",
		},
		[]string{"from", "to"},
	)

	// ArmedTimers is the number of live debounce timers.
	ArmedTimers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alarm_engine_armed_timers",
			Help: "Current number of armed debounce timers",
		},
	)

	// ActiveRules is the size of the active set.
	ActiveRules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alarm_engine_active_rules",
			Help: "Current number of active rules",
		},
	)

	// ToastsDroppedTotal counts toasts dropped because the UI queue was full.
	ToastsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alarm_engine_toasts_dropped_total",
			Help: "Total number of toasts dropped on a full queue",
		},
	)

	// DigestsTotal counts digest flushes by status.
	DigestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarm_engine_digests_total",
			Help: "Total number of digest flushes",
		},
		[]string{"status"}, // sent, failed
	)

	// BackendRequestsTotal counts backend calls by operation and status.
	BackendRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarm_engine_backend_requests_total",
			Help: "Total number of backend requests",
		},
		[]string{"operation", "status"}, // status: ok, error
	)

	// BackendRequestDuration observes backend call latency.
	BackendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alarm_engine_backend_request_duration_seconds",
			Help:    "Backend request latency in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)
)
