// Package config defines the exchange configuration, its defaults and its
// validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields are populated from a TOML file and
// then optionally overridden by PREDICTEX_* environment variables.
type Config struct {
	Storage  StorageConfig  `toml:"storage"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Kafka    KafkaConfig    `toml:"kafka"`
	S3       S3Config       `toml:"s3"`
	Pricing  PricingConfig  `toml:"pricing"`
	Seeding  SeedingConfig  `toml:"seeding"`
	Fanout   FanoutConfig   `toml:"fanout"`
	Orders   OrdersConfig   `toml:"orders"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// StorageConfig selects the durable store and bus implementation.
type StorageConfig struct {
	// Driver is "postgres" (with Redis for cache, locks and fan-out) or
	// "memory" (single process, nothing persisted).
	Driver string `toml:"driver"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN              string   `toml:"dsn"`
	Host             string   `toml:"host"`
	Port             int      `toml:"port"`
	Database         string   `toml:"database"`
	User             string   `toml:"user"`
	Password         string   `toml:"password"`
	SSLMode          string   `toml:"ssl_mode"`
	PoolMaxConns     int      `toml:"pool_max_conns"`
	PoolMinConns     int      `toml:"pool_min_conns"`
	ConnectTimeout   duration `toml:"connect_timeout"`
	StatementTimeout duration `toml:"statement_timeout"`
	RunMigrations    bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	StateTTL   duration `toml:"state_ttl"`
}

// KafkaConfig configures the trade tape topic.
type KafkaConfig struct {
	Enabled      bool     `toml:"enabled"`
	Brokers      []string `toml:"brokers"`
	Topic        string   `toml:"topic"`
	GroupID      string   `toml:"group_id"`
	MaxWait      duration `toml:"max_wait"`
	RetryBackoff duration `toml:"retry_backoff"`
}

// S3Config holds S3-compatible object storage parameters for the archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// PricingConfig tunes price recomputation.
type PricingConfig struct {
	Lookback         int      `toml:"lookback"`
	RecomputeTimeout duration `toml:"recompute_timeout"`
	// SweepInterval recomputes every market periodically; zero disables it.
	SweepInterval duration `toml:"sweep_interval"`
}

// SeedingConfig tunes market seeding.
type SeedingConfig struct {
	DefaultBudget string   `toml:"default_budget"`
	SponsorID     string   `toml:"sponsor_id"`
	LockTTL       duration `toml:"lock_ttl"`
	Concurrency   int      `toml:"concurrency"`
}

// FanoutConfig tunes real-time delivery.
type FanoutConfig struct {
	MaxWatched     int `toml:"max_watched"`
	SendBufferSize int `toml:"send_buffer_size"`
}

// OrdersConfig tunes the order expiry sweep.
type OrdersConfig struct {
	ExpirySweepInterval duration `toml:"expiry_sweep_interval"`
	ExpiryBatch         int      `toml:"expiry_batch"`
}

// ArchiveConfig controls the trade tape archive job.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
	Prune         bool     `toml:"prune"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// MetricsConfig controls the Prometheus endpoint. It listens separately from
// the API so that ingest and worker processes expose metrics too.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
	Namespace  string `toml:"namespace"`
	// MaxOpenConnections bounds concurrent scrapes; zero means unbounded.
	MaxOpenConnections int `toml:"max_open_connections"`
}

// duration wraps time.Duration so TOML strings like "5m" decode directly.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the values used when a setting is
// absent from the file and the environment.
func Defaults() Config {
	return Config{
		Storage: StorageConfig{Driver: "postgres"},
		Postgres: PostgresConfig{
			Host:             "localhost",
			Port:             5432,
			Database:         "predictex",
			User:             "postgres",
			SSLMode:          "disable",
			PoolMaxConns:     10,
			PoolMinConns:     2,
			ConnectTimeout:   duration{10 * time.Second},
			StatementTimeout: duration{30 * time.Second},
			RunMigrations:    true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "predictex:",
		},
		Kafka: KafkaConfig{
			Enabled:      false,
			Brokers:      []string{"localhost:9092"},
			Topic:        "trade-tape",
			GroupID:      "predictex-ingest",
			MaxWait:      duration{500 * time.Millisecond},
			RetryBackoff: duration{time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "predictex-archive",
			ForcePathStyle: true,
		},
		Pricing: PricingConfig{
			Lookback:         20,
			RecomputeTimeout: duration{5 * time.Second},
			SweepInterval:    duration{time.Minute},
		},
		Seeding: SeedingConfig{
			DefaultBudget: "1000",
			SponsorID:     "house",
			LockTTL:       duration{30 * time.Second},
			Concurrency:   4,
		},
		Fanout: FanoutConfig{
			MaxWatched:     50,
			SendBufferSize: 256,
		},
		Orders: OrdersConfig{
			ExpirySweepInterval: duration{30 * time.Second},
			ExpiryBatch:         500,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{24 * time.Hour},
			RetentionDays: 30,
			Prune:         false,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8080,
			CORSOrigins:     []string{"*"},
			ReadTimeout:     duration{15 * time.Second},
			WriteTimeout:    duration{15 * time.Second},
			ShutdownTimeout: duration{10 * time.Second},
		},
		Metrics: MetricsConfig{
			Enabled:            false,
			ListenAddr:         ":9090",
			Namespace:          "predictex",
			MaxOpenConnections: 3,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var (
	validModes     = []string{"server", "ingest", "worker", "full"}
	validLogLevels = []string{"debug", "info", "warn", "error"}
	validDrivers   = []string{"memory", "postgres"}
)

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !contains(validModes, c.Mode) {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: %s)", c.Mode, strings.Join(validModes, ", ")))
	}
	if !contains(validLogLevels, strings.ToLower(c.LogLevel)) {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: %s)", c.LogLevel, strings.Join(validLogLevels, ", ")))
	}
	if !contains(validDrivers, c.Storage.Driver) {
		errs = append(errs, fmt.Sprintf("storage: unknown driver %q (valid: %s)", c.Storage.Driver, strings.Join(validDrivers, ", ")))
	}

	if c.Storage.Driver == "postgres" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port < 1 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.Mode == "ingest" && !c.Kafka.Enabled {
		errs = append(errs, "kafka: must be enabled for mode ingest")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, "kafka: brokers must not be empty")
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, "kafka: topic must not be empty")
		}
		if c.Kafka.GroupID == "" {
			errs = append(errs, "kafka: group_id must not be empty")
		}
	}

	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when archive is enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	if c.Pricing.Lookback < 1 {
		errs = append(errs, "pricing: lookback must be >= 1")
	}
	if c.Pricing.RecomputeTimeout.Duration < 0 || c.Pricing.SweepInterval.Duration < 0 {
		errs = append(errs, "pricing: durations must not be negative")
	}
	if c.Seeding.Concurrency < 1 {
		errs = append(errs, "seeding: concurrency must be >= 1")
	}
	if c.Seeding.DefaultBudget != "" && !isPositiveDecimal(c.Seeding.DefaultBudget) {
		errs = append(errs, fmt.Sprintf("seeding: default_budget must be a positive decimal, got %q", c.Seeding.DefaultBudget))
	}
	if c.Fanout.MaxWatched < 1 {
		errs = append(errs, "fanout: max_watched must be >= 1")
	}
	if c.Fanout.SendBufferSize < 1 {
		errs = append(errs, "fanout: send_buffer_size must be >= 1")
	}
	if c.Orders.ExpirySweepInterval.Duration < 0 {
		errs = append(errs, "orders: expiry_sweep_interval must not be negative")
	}

	if c.Server.Enabled || c.Mode == "server" {
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.ListenAddr == "" {
			errs = append(errs, "metrics: listen_addr must not be empty")
		}
		if c.Metrics.Namespace == "" {
			errs = append(errs, "metrics: namespace must not be empty")
		}
		if c.Metrics.MaxOpenConnections < 0 {
			errs = append(errs, "metrics: max_open_connections must not be negative")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
