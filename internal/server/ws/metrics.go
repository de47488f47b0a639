package ws

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// MetricsSubsystem is the Prometheus subsystem of this package's metrics.
const MetricsSubsystem = "ws"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Connected websocket clients.
	Clients metrics.Gauge
	// Messages routed to clients, by result: delivered or dropped.
	Messages metrics.Counter
}

// PrometheusMetrics returns Metrics registered on reg.
func PrometheusMetrics(reg stdprometheus.Registerer, namespace string) *Metrics {
	clients := stdprometheus.NewGaugeVec(stdprometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: MetricsSubsystem,
		Name:      "clients",
		Help:      "Connected websocket clients.",
	}, []string{})
	messages := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: MetricsSubsystem,
		Name:      "messages_total",
		Help:      "Fan-out messages routed to clients, by result.",
	}, []string{"result"})
	reg.MustRegister(clients, messages)

	return &Metrics{
		Clients:  prometheus.NewGauge(clients),
		Messages: prometheus.NewCounter(messages),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Clients:  discard.NewGauge(),
		Messages: discard.NewCounter(),
	}
}
