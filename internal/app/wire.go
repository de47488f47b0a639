package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/predictex/internal/blob/s3"
	memcache "github.com/alanyoungcy/predictex/internal/cache/memory"
	"github.com/alanyoungcy/predictex/internal/cache/redis"
	"github.com/alanyoungcy/predictex/internal/config"
	"github.com/alanyoungcy/predictex/internal/domain"
	"github.com/alanyoungcy/predictex/internal/server/handler"
	memstore "github.com/alanyoungcy/predictex/internal/store/memory"
	"github.com/alanyoungcy/predictex/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	OrderStore  domain.OrderStore
	SeedStore   domain.SeedStore
	MarketStore domain.MarketStateStore
	TradeStore  domain.TradeStore
	AuditStore  domain.AuditStore

	// Caches and fan-out
	StateCache  domain.MarketStateCache
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage; nil unless the archive is enabled.
	BlobWriter domain.BlobWriter

	// Health checks reported by GET /api/health.
	Checks map[string]handler.Pinger
}

// Wire constructs all concrete dependency implementations from cfg and
// returns them together with a cleanup function to call on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: make(map[string]handler.Pinger)}

	switch cfg.Storage.Driver {
	case "memory":
		logger.WarnContext(ctx, "wire: using in-memory storage; nothing will be persisted")
		store := memstore.New()
		deps.OrderStore = store
		deps.SeedStore = store
		deps.MarketStore = store
		deps.TradeStore = store
		deps.AuditStore = store
		deps.StateCache = memcache.NewMarketStateCache()
		deps.LockManager = memcache.NewLockManager()
		deps.SignalBus = memcache.NewSignalBus()

	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:              cfg.Postgres.DSN,
			Host:             cfg.Postgres.Host,
			Port:             cfg.Postgres.Port,
			Database:         cfg.Postgres.Database,
			User:             cfg.Postgres.User,
			Password:         cfg.Postgres.Password,
			SSLMode:          cfg.Postgres.SSLMode,
			MaxConns:         cfg.Postgres.PoolMaxConns,
			MinConns:         cfg.Postgres.PoolMinConns,
			ConnectTimeout:   cfg.Postgres.ConnectTimeout.Duration,
			StatementTimeout: cfg.Postgres.StatementTimeout.Duration,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)
		deps.Checks["postgres"] = pgClient

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		orders := postgres.NewOrderStore(pool)
		deps.OrderStore = orders
		deps.SeedStore = orders
		deps.MarketStore = postgres.NewMarketStateStore(pool)
		deps.TradeStore = postgres.NewTradeStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)

		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		deps.Checks["redis"] = redisClient

		deps.StateCache = redis.NewMarketStateCache(redisClient, cfg.Redis.StateTTL.Duration)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)

	default:
		return nil, nil, fmt.Errorf("wire: unknown storage driver %q", cfg.Storage.Driver)
	}

	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
	}

	return deps, cleanup, nil
}
