package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/predictex/internal/blob/s3"
	"github.com/alanyoungcy/predictex/internal/fanout"
	"github.com/alanyoungcy/predictex/internal/fill"
	"github.com/alanyoungcy/predictex/internal/ledger"
	"github.com/alanyoungcy/predictex/internal/pricing"
	"github.com/alanyoungcy/predictex/internal/seed"
	"github.com/alanyoungcy/predictex/internal/server"
	"github.com/alanyoungcy/predictex/internal/server/handler"
	"github.com/alanyoungcy/predictex/internal/server/ws"
	"github.com/alanyoungcy/predictex/internal/tape"
)

// dedupTTL bounds how long an ingested trade ID is remembered in-process.
const dedupTTL = 10 * time.Minute

// services holds the domain services shared by every mode.
type services struct {
	ledger     *ledger.Ledger
	accountant *fill.Accountant
	seeder     *seed.Seeder
	aggregator *pricing.Aggregator
	scheduler  *pricing.Scheduler
	publisher  *fanout.Publisher
	ingestor   *tape.Ingestor
	archiver   *s3blob.TradeArchiver
	metrics    *metricsSet
}

func (a *App) buildServices(deps *Dependencies) *services {
	m := a.buildMetrics()
	pub := fanout.NewPublisher(deps.SignalBus)
	agg := pricing.NewAggregator(deps.TradeStore, deps.MarketStore, deps.StateCache, pub,
		pricing.Config{
			Lookback: a.cfg.Pricing.Lookback,
			Timeout:  a.cfg.Pricing.RecomputeTimeout.Duration,
		}, a.logger).WithMetrics(m.pricing)
	sched := pricing.NewScheduler(agg, deps.MarketStore, a.cfg.Pricing.SweepInterval.Duration, a.logger).
		WithMetrics(m.pricing)

	svc := &services{
		ledger:     ledger.New(deps.OrderStore, deps.AuditStore, a.logger),
		accountant: fill.NewAccountant(deps.OrderStore, a.logger).WithMetrics(m.fill),
		seeder: seed.NewSeeder(deps.SeedStore, deps.LockManager, deps.AuditStore, seed.Config{
			LockTTL:     a.cfg.Seeding.LockTTL.Duration,
			Concurrency: a.cfg.Seeding.Concurrency,
		}, a.logger).WithMetrics(m.seed),
		aggregator: agg,
		scheduler:  sched,
		publisher:  pub,
		ingestor:   tape.NewIngestor(deps.TradeStore, pub, sched, tape.NewDedup(dedupTTL), a.logger).WithMetrics(m.tape),
		metrics:    m,
	}
	if deps.BlobWriter != nil {
		svc.archiver = s3blob.NewTradeArchiver(deps.BlobWriter, deps.TradeStore, deps.AuditStore, a.logger)
	}
	return svc
}

// ServerMode serves the HTTP API and websocket fan-out, and runs the
// recompute scheduler and the expiry sweeper.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies, svc *services) error {
	a.logger.InfoContext(ctx, "starting server mode")
	g, ctx := errgroup.WithContext(ctx)

	a.startMetricsServer(ctx, g, svc.metrics)
	a.startScheduler(ctx, g, svc)
	a.startExpirySweeper(ctx, g, svc)
	if err := a.startHTTPServer(ctx, g, deps, svc); err != nil {
		return fmt.Errorf("server mode: %w", err)
	}
	return ignoreCanceled(g.Wait())
}

// IngestMode consumes the trade tape topic and recomputes affected markets.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies, svc *services) error {
	a.logger.InfoContext(ctx, "starting ingest mode")
	g, ctx := errgroup.WithContext(ctx)

	a.startMetricsServer(ctx, g, svc.metrics)
	a.startScheduler(ctx, g, svc)
	a.startTapeFeed(ctx, g, svc)
	return ignoreCanceled(g.Wait())
}

// WorkerMode runs the periodic jobs: recompute sweep, order expiry and the
// trade archive.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies, svc *services) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	g, ctx := errgroup.WithContext(ctx)

	a.startMetricsServer(ctx, g, svc.metrics)
	a.startScheduler(ctx, g, svc)
	a.startExpirySweeper(ctx, g, svc)
	a.startArchiver(ctx, g, svc)
	return ignoreCanceled(g.Wait())
}

// FullMode runs every subsystem in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, svc *services) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)

	a.startMetricsServer(ctx, g, svc.metrics)
	a.startScheduler(ctx, g, svc)
	a.startExpirySweeper(ctx, g, svc)
	a.startArchiver(ctx, g, svc)
	if a.cfg.Kafka.Enabled {
		a.startTapeFeed(ctx, g, svc)
	}
	if a.cfg.Server.Enabled {
		if err := a.startHTTPServer(ctx, g, deps, svc); err != nil {
			return fmt.Errorf("full mode: %w", err)
		}
	}
	return ignoreCanceled(g.Wait())
}

func (a *App) startScheduler(ctx context.Context, g *errgroup.Group, svc *services) {
	g.Go(func() error {
		return svc.scheduler.Run(ctx)
	})
}

func (a *App) startExpirySweeper(ctx context.Context, g *errgroup.Group, svc *services) {
	interval := a.cfg.Orders.ExpirySweepInterval.Duration
	if interval <= 0 {
		a.logger.InfoContext(ctx, "expiry sweeper disabled")
		return
	}
	g.Go(func() error {
		return svc.ledger.RunExpirySweeper(ctx, interval, a.cfg.Orders.ExpiryBatch)
	})
}

func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, svc *services) {
	if svc.archiver == nil {
		return
	}
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
	g.Go(func() error {
		return svc.archiver.Run(ctx, a.cfg.Archive.Interval.Duration, retention, a.cfg.Archive.Prune)
	})
}

func (a *App) startTapeFeed(ctx context.Context, g *errgroup.Group, svc *services) {
	feed := tape.NewKafkaFeed(tape.KafkaConfig{
		Brokers:      a.cfg.Kafka.Brokers,
		Topic:        a.cfg.Kafka.Topic,
		GroupID:      a.cfg.Kafka.GroupID,
		MaxWait:      a.cfg.Kafka.MaxWait.Duration,
		RetryBackoff: a.cfg.Kafka.RetryBackoff.Duration,
	}, a.logger)

	g.Go(func() error {
		defer feed.Close()
		return feed.Run(ctx, svc.ingestor)
	})
	g.Go(func() error {
		return svc.ingestor.RunCleanup(ctx, dedupTTL)
	})
}

// startHTTPServer adds the HTTP server and websocket hub to g. The server is
// shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) error {
	startedAt := time.Now().UTC()

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:       a.cfg.Mode,
		SendBuffer: a.cfg.Fanout.SendBufferSize,
		StartedAt:  startedAt,
		Metrics:    svc.metrics.ws,
	})

	admin := handler.NewAdminHandler(svc.aggregator, svc.seeder, svc.ingestor, handler.SeedDefaults{
		SponsorID: a.cfg.Seeding.SponsorID,
		Budget:    a.cfg.SeedBudget(),
	}, a.logger).
		WithQueue(svc.scheduler).
		WithAudit(deps.AuditStore)
	if svc.archiver != nil {
		admin = admin.WithArchiver(svc.archiver, time.Duration(a.cfg.Archive.RetentionDays)*24*time.Hour)
	}
	if a.cfg.Kafka.Enabled {
		producer := tape.NewKafkaProducer(a.cfg.Kafka.Brokers, a.cfg.Kafka.Topic)
		a.closers = append(a.closers, func() { _ = producer.Close() })
		admin = admin.WithAppender(producer)
	}

	srv := server.NewServer(server.Config{
		Port:         a.cfg.Server.Port,
		CORSOrigins:  a.cfg.Server.CORSOrigins,
		ReadTimeout:  a.cfg.Server.ReadTimeout.Duration,
		WriteTimeout: a.cfg.Server.WriteTimeout.Duration,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(deps.Checks, a.logger),
		Status:  handler.NewStatusHandler(a.cfg.Mode, startedAt, svc.scheduler),
		Markets: handler.NewMarketHandler(svc.ledger, svc.aggregator, deps.MarketStore, a.logger),
		Orders:  handler.NewOrderHandler(svc.ledger, svc.accountant, a.logger),
		Admin:   admin,
	}, hub, a.logger)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	g.Go(func() error {
		return hub.Run(ctx)
	})
	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Serve(ln)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return nil
}

// ignoreCanceled treats a shutdown-triggered cancellation as a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
