package pricing

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// MetricsSubsystem is the Prometheus subsystem of this package's metrics.
const MetricsSubsystem = "pricing"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Recomputations by result: changed, unchanged or error.
	Recomputes metrics.Counter
	// Duration of one recomputation.
	RecomputeSeconds metrics.Histogram
	// Markets waiting in the scheduler queue.
	Pending metrics.Gauge
}

// PrometheusMetrics returns Metrics registered on reg.
func PrometheusMetrics(reg stdprometheus.Registerer, namespace string) *Metrics {
	recomputes := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: MetricsSubsystem,
		Name:      "recomputes_total",
		Help:      "Number of price recomputations by result.",
	}, []string{"result"})
	seconds := stdprometheus.NewHistogramVec(stdprometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: MetricsSubsystem,
		Name:      "recompute_seconds",
		Help:      "Time spent recomputing one market.",
		Buckets:   stdprometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{})
	pending := stdprometheus.NewGaugeVec(stdprometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: MetricsSubsystem,
		Name:      "pending_markets",
		Help:      "Markets queued for recomputation.",
	}, []string{})
	reg.MustRegister(recomputes, seconds, pending)

	return &Metrics{
		Recomputes:       prometheus.NewCounter(recomputes),
		RecomputeSeconds: prometheus.NewHistogram(seconds),
		Pending:          prometheus.NewGauge(pending),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Recomputes:       discard.NewCounter(),
		RecomputeSeconds: discard.NewHistogram(),
		Pending:          discard.NewGauge(),
	}
}
