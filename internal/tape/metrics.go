package tape

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// MetricsSubsystem is the Prometheus subsystem of this package's metrics.
const MetricsSubsystem = "tape"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Tape entries seen, by outcome: inserted, duplicate or rejected.
	Entries metrics.Counter
	// Ingest calls that failed on storage.
	StoreFailures metrics.Counter
}

// PrometheusMetrics returns Metrics registered on reg.
func PrometheusMetrics(reg stdprometheus.Registerer, namespace string) *Metrics {
	entries := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: MetricsSubsystem,
		Name:      "entries_total",
		Help:      "Trade tape entries processed, by outcome.",
	}, []string{"outcome"})
	failures := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: MetricsSubsystem,
		Name:      "store_failures_total",
		Help:      "Ingest batches that could not be stored.",
	}, []string{})
	reg.MustRegister(entries, failures)

	return &Metrics{
		Entries:       prometheus.NewCounter(entries),
		StoreFailures: prometheus.NewCounter(failures),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Entries:       discard.NewCounter(),
		StoreFailures: discard.NewCounter(),
	}
}
