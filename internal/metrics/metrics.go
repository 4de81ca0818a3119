// Package metrics defines Prometheus metrics for the monitoring engine.
//
// Metric naming follows Prometheus conventions:
//   - watchtower_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RunsTotal counts probe runs by probe id and terminal status.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtower_probe_runs_total",
			Help: "Total number of probe runs by probe and status.",
		},
		[]string{"probe", "status"},
	)

	// RunDurationSeconds is a histogram of probe run duration.
	RunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watchtower_probe_run_duration_seconds",
			Help:    "Duration of probe runs in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30, 60},
		},
		[]string{"probe"},
	)

	// AlertsTotal counts alerts by probe and pipeline outcome.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtower_alerts_total",
			Help: "Alerts processed by the pipeline, by probe and outcome.",
		},
		[]string{"probe", "outcome"},
	)

	// WatchdogFiredTotal counts forced single-flight lock releases.
	WatchdogFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtower_watchdog_fired_total",
			Help: "Stuck-run watchdog activations by probe.",
		},
		[]string{"probe"},
	)

	// BreakerState exposes circuit breaker position per upstream
	// (0 closed, 1 half_open, 2 open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watchtower_circuit_breaker_state",
			Help: "Circuit breaker state per upstream (0=closed, 1=half_open, 2=open).",
		},
		[]string{"upstream"},
	)
)

func init() {
	prometheus.MustRegister(
		RunsTotal,
		RunDurationSeconds,
		AlertsTotal,
		WatchdogFiredTotal,
		BreakerState,
	)
}

// Pipeline outcome labels.
const (
	OutcomeSent               = "sent"
	OutcomeSuppressedMute     = "suppressed_mute"
	OutcomeSuppressedDedup    = "suppressed_dedup"
	OutcomeSuppressedCooldown = "suppressed_cooldown"
)

// RecordRun records one finished probe run.
func RecordRun(probe, status string, d time.Duration) {
	RunsTotal.WithLabelValues(probe, status).Inc()
	RunDurationSeconds.WithLabelValues(probe).Observe(d.Seconds())
}

// RecordAlertOutcome records one pipeline decision.
func RecordAlertOutcome(probe, outcome string) {
	AlertsTotal.WithLabelValues(probe, outcome).Inc()
}
