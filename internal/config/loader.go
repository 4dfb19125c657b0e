package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load builds the configuration from defaults, the TOML file at path (skipped when path is
// empty), a .env file in the working directory, and MARGIN_* environment variables. The
// result is not validated.
//
// Decimal values in TOML are written as strings ("0.05") so no precision is lost.
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

// PathFromEnv returns MARGIN_CONFIG, the conventional location of the TOML file.
func PathFromEnv() string {
	return os.Getenv("MARGIN_CONFIG")
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "MARGIN_MODE")
	setStr(&cfg.LogLevel, "MARGIN_LOG_LEVEL")

	// Service
	setStr(&cfg.Service.GRPCAddr, "MARGIN_GRPC_ADDR")
	setStr(&cfg.Service.HTTPAddr, "MARGIN_HTTP_ADDR")
	setStr(&cfg.Service.MetricsAddr, "MARGIN_METRICS_ADDR")
	setInt(&cfg.Service.CommandChanSize, "MARGIN_COMMAND_CHAN_SIZE")
	setInt(&cfg.Service.PersistBatchSize, "MARGIN_PERSIST_BATCH_SIZE")
	setDuration(&cfg.Service.PersistFlushTimeout, "MARGIN_PERSIST_FLUSH_TIMEOUT")
	setInt64(&cfg.Service.SnapshotInterval, "MARGIN_SNAPSHOT_INTERVAL")
	setInt(&cfg.Service.SnapshotKeep, "MARGIN_SNAPSHOT_KEEP")
	setDuration(&cfg.Service.CommandTimeout, "MARGIN_COMMAND_TIMEOUT")
	setStr(&cfg.Service.MigrationsDir, "MIGRATIONS_DIR")
	setBool(&cfg.Service.StrictRecovery, "MARGIN_STRICT_RECOVERY")

	// Postgres
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.DSN, "MARGIN_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxOpenConns, "MARGIN_POSTGRES_MAX_OPEN_CONNS")
	setInt(&cfg.Postgres.MaxIdleConns, "MARGIN_POSTGRES_MAX_IDLE_CONNS")

	// NATS
	setBool(&cfg.NATS.Enabled, "MARGIN_NATS_ENABLED")
	setStr(&cfg.NATS.URL, "NATS_URL")
	setStr(&cfg.NATS.URL, "MARGIN_NATS_URL")

	// Redis
	setStr(&cfg.Redis.Addr, "MARGIN_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARGIN_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARGIN_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MARGIN_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "MARGIN_REDIS_TLS_ENABLED")

	setDuration(&cfg.Oracle.MaxAge, "MARGIN_ORACLE_MAX_AGE")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
