package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/predictex/internal/fill"
	"github.com/alanyoungcy/predictex/internal/pricing"
	"github.com/alanyoungcy/predictex/internal/seed"
	"github.com/alanyoungcy/predictex/internal/server/ws"
	"github.com/alanyoungcy/predictex/internal/tape"
)

// metricsSet holds the metrics of every instrumented package. registry is
// nil when metrics are disabled.
type metricsSet struct {
	registry *stdprometheus.Registry
	pricing  *pricing.Metrics
	fill     *fill.Metrics
	seed     *seed.Metrics
	tape     *tape.Metrics
	ws       *ws.Metrics
}

func (a *App) buildMetrics() *metricsSet {
	if !a.cfg.Metrics.Enabled {
		return &metricsSet{
			pricing: pricing.NopMetrics(),
			fill:    fill.NopMetrics(),
			seed:    seed.NopMetrics(),
			tape:    tape.NopMetrics(),
			ws:      ws.NopMetrics(),
		}
	}

	reg := stdprometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ns := a.cfg.Metrics.Namespace
	return &metricsSet{
		registry: reg,
		pricing:  pricing.PrometheusMetrics(reg, ns),
		fill:     fill.PrometheusMetrics(reg, ns),
		seed:     seed.PrometheusMetrics(reg, ns),
		tape:     tape.PrometheusMetrics(reg, ns),
		ws:       ws.PrometheusMetrics(reg, ns),
	}
}

// startMetricsServer serves /metrics on its own listener until ctx is done.
func (a *App) startMetricsServer(ctx context.Context, g *errgroup.Group, m *metricsSet) {
	if m.registry == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(m.registry,
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
			MaxRequestsInFlight: a.cfg.Metrics.MaxOpenConnections,
		}),
	))
	srv := &http.Server{
		Addr:              a.cfg.Metrics.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		a.logger.InfoContext(ctx, "metrics server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
