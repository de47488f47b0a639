package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges the TOML file at path (skipped when path is empty) over
// Defaults, then applies PREDICTEX_* environment overrides. A .env file in
// the working directory is loaded first if present. The result is not
// validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()
	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose PREDICTEX_* variable is set and
// non-empty, so that secrets can be injected at deploy time.
func applyEnvOverrides(cfg *Config) {
	// ── Storage ──
	setStr(&cfg.Storage.Driver, "PREDICTEX_STORAGE_DRIVER")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PREDICTEX_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.Host, "PREDICTEX_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PREDICTEX_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PREDICTEX_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PREDICTEX_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PREDICTEX_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PREDICTEX_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PREDICTEX_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PREDICTEX_POSTGRES_POOL_MIN_CONNS")
	setDuration(&cfg.Postgres.StatementTimeout, "PREDICTEX_POSTGRES_STATEMENT_TIMEOUT")
	setBool(&cfg.Postgres.RunMigrations, "PREDICTEX_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PREDICTEX_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PREDICTEX_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PREDICTEX_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PREDICTEX_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "PREDICTEX_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "PREDICTEX_REDIS_KEY_PREFIX")

	// ── Kafka ──
	setBool(&cfg.Kafka.Enabled, "PREDICTEX_KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "PREDICTEX_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "PREDICTEX_KAFKA_TOPIC")
	setStr(&cfg.Kafka.GroupID, "PREDICTEX_KAFKA_GROUP_ID")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PREDICTEX_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PREDICTEX_S3_REGION")
	setStr(&cfg.S3.Bucket, "PREDICTEX_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PREDICTEX_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PREDICTEX_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PREDICTEX_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PREDICTEX_S3_FORCE_PATH_STYLE")

	// ── Pricing ──
	setInt(&cfg.Pricing.Lookback, "PREDICTEX_PRICING_LOOKBACK")
	setDuration(&cfg.Pricing.RecomputeTimeout, "PREDICTEX_PRICING_RECOMPUTE_TIMEOUT")
	setDuration(&cfg.Pricing.SweepInterval, "PREDICTEX_PRICING_SWEEP_INTERVAL")

	// ── Seeding ──
	setStr(&cfg.Seeding.DefaultBudget, "PREDICTEX_SEEDING_DEFAULT_BUDGET")
	setStr(&cfg.Seeding.SponsorID, "PREDICTEX_SEEDING_SPONSOR_ID")
	setInt(&cfg.Seeding.Concurrency, "PREDICTEX_SEEDING_CONCURRENCY")

	// ── Fanout ──
	setInt(&cfg.Fanout.MaxWatched, "PREDICTEX_FANOUT_MAX_WATCHED")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "PREDICTEX_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "PREDICTEX_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "PREDICTEX_ARCHIVE_RETENTION_DAYS")
	setBool(&cfg.Archive.Prune, "PREDICTEX_ARCHIVE_PRUNE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PREDICTEX_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PREDICTEX_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PREDICTEX_SERVER_CORS_ORIGINS")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "PREDICTEX_METRICS_ENABLED")
	setStr(&cfg.Metrics.ListenAddr, "PREDICTEX_METRICS_LISTEN_ADDR")

	// ── Top-level ──
	setStr(&cfg.Mode, "PREDICTEX_MODE")
	setStr(&cfg.LogLevel, "PREDICTEX_LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

func isPositiveDecimal(s string) bool {
	d, err := decimal.NewFromString(s)
	return err == nil && d.IsPositive()
}

// SeedBudget returns the default seeding budget as a decimal, or zero when
// unset or invalid.
func (c *Config) SeedBudget() decimal.Decimal {
	d, err := decimal.NewFromString(c.Seeding.DefaultBudget)
	if err != nil {
		return decimal.Zero
	}
	return d
}
