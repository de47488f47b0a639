package seed

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// MetricsSubsystem is the Prometheus subsystem of this package's metrics.
const MetricsSubsystem = "seed"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Seed attempts by result: seeded, skipped or failed.
	Attempts metrics.Counter
}

// PrometheusMetrics returns Metrics registered on reg.
func PrometheusMetrics(reg stdprometheus.Registerer, namespace string) *Metrics {
	attempts := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: MetricsSubsystem,
		Name:      "attempts_total",
		Help:      "Market seeding attempts by result.",
	}, []string{"result"})
	reg.MustRegister(attempts)
	return &Metrics{Attempts: prometheus.NewCounter(attempts)}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{Attempts: discard.NewCounter()}
}

func resultLabel(r domain.SeedResult) string {
	switch {
	case !r.Success:
		return "failed"
	case r.Skipped:
		return "skipped"
	default:
		return "seeded"
	}
}
