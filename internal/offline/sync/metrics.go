package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the orchestrator's Prometheus collectors.
type Metrics struct {
	Applied       prometheus.Counter
	Conflicts     *prometheus.CounterVec
	Retries       prometheus.Counter
	Failures      *prometheus.CounterVec
	Released      prometheus.Counter
	DrainDuration prometheus.Histogram
	Pending       prometheus.Gauge
	Conflicted    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Applied: f.NewCounter(prometheus.CounterOpts{
			Namespace: "offsync",
			Name:      "mutations_applied_total",
			Help:      "Mutations accepted by the backend.",
		}),
		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offsync",
			Name:      "conflicts_total",
			Help:      "Conflicts detected, by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "offsync",
			Name:      "mutation_retries_total",
			Help:      "Transient failures rescheduled with backoff.",
		}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offsync",
			Name:      "mutation_failures_total",
			Help:      "Mutations marked failed, by kind.",
		}, []string{"kind"}),
		Released: f.NewCounter(prometheus.CounterOpts{
			Namespace: "offsync",
			Name:      "mutations_released_total",
			Help:      "In-flight attempts cancelled because the network went away.",
		}),
		DrainDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "offsync",
			Name:      "drain_duration_seconds",
			Help:      "Duration of drain cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "offsync",
			Name:      "mutations_pending",
			Help:      "Mutations not yet accepted by the backend.",
		}),
		Conflicted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "offsync",
			Name:      "mutations_conflicted",
			Help:      "Mutations parked for manual resolution.",
		}),
	}
}
