package fill

import (
	"errors"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// MetricsSubsystem is the Prometheus subsystem of this package's metrics.
const MetricsSubsystem = "fill"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Fills recorded, by liquidity role (maker or taker).
	Fills metrics.Counter
	// Quantity filled.
	FilledQuantity metrics.Counter
	// Fills rejected, by reason.
	Rejected metrics.Counter
}

// PrometheusMetrics returns Metrics registered on reg.
func PrometheusMetrics(reg stdprometheus.Registerer, namespace string) *Metrics {
	fills := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: MetricsSubsystem,
		Name:      "fills_total",
		Help:      "Number of fills recorded.",
	}, []string{"role"})
	qty := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: MetricsSubsystem,
		Name:      "filled_quantity_total",
		Help:      "Total quantity filled across all orders.",
	}, []string{})
	rejected := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: MetricsSubsystem,
		Name:      "rejected_total",
		Help:      "Number of fills rejected.",
	}, []string{"reason"})
	reg.MustRegister(fills, qty, rejected)

	return &Metrics{
		Fills:          prometheus.NewCounter(fills),
		FilledQuantity: prometheus.NewCounter(qty),
		Rejected:       prometheus.NewCounter(rejected),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Fills:          discard.NewCounter(),
		FilledQuantity: discard.NewCounter(),
		Rejected:       discard.NewCounter(),
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrOverfill):
		return "overfill"
	case errors.Is(err, domain.ErrTerminalState):
		return "terminal"
	case errors.Is(err, domain.ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, domain.ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func role(isMaker bool) string {
	if isMaker {
		return "maker"
	}
	return "taker"
}
