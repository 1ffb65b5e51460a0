// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// A .env file in the working directory, when present, is loaded first and
// never overrides variables already set.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/scarson/docqueue/internal/reader"
	"github.com/scarson/docqueue/internal/store"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"           envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"  envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Reader ───────────────────────────────────────────────────────────────────
	// Work-queue table to claim from, or a data table to read directly.
	ReaderTable          string `env:"READER_TABLE"`
	ReaderBatchSize      int    `env:"READER_BATCH_SIZE"       envDefault:"50"`
	ReaderSelectionOrder string `env:"READER_SELECTION_ORDER"  envDefault:"sequential"`
	ReaderProactiveFetch bool   `env:"READER_PROACTIVE_FETCH"  envDefault:"true"`
	// Raw SQL condition for direct reads; the data table is aliased d.
	ReaderWhere string `env:"READER_WHERE"`
	// Unset means unlimited.
	ReaderLimit      *int   `env:"READER_LIMIT"`
	ReaderResetTable bool   `env:"READER_RESET_TABLE" envDefault:"false"`
	ReaderComponent  string `env:"READER_COMPONENT"`

	// ── Tables ───────────────────────────────────────────────────────────────────
	ReaderTableSchema           string   `env:"READER_TABLE_SCHEMA"            envDefault:"default"`
	TableSchemasFile            string   `env:"TABLE_SCHEMAS_FILE"`
	ReaderAdditionalTables      []string `env:"READER_ADDITIONAL_TABLES"       envSeparator:","`
	ReaderAdditionalTableSchema string   `env:"READER_ADDITIONAL_TABLE_SCHEMA"`
	AdditionalTablesPGSchema    string   `env:"ADDITIONAL_TABLES_PG_SCHEMA"    envDefault:"public"`
	ReaderTimestampFilter       string   `env:"READER_TIMESTAMP_FILTER"`

	// ── Failure handling ─────────────────────────────────────────────────────────
	// 1 = fail fast on the first claim or fetch error.
	ReaderRetryMaxAttempts int           `env:"READER_RETRY_MAX_ATTEMPTS" envDefault:"1"`
	ReaderRetryBackoff     time.Duration `env:"READER_RETRY_BACKOFF"      envDefault:"1s"`
	// Claims per second across all readers of the process; 0 disables limiting.
	ClaimRatePerSec float64 `env:"CLAIM_RATE_PER_SEC" envDefault:"0"`

	// ── Worker pool ──────────────────────────────────────────────────────────────
	WorkerConcurrency      int           `env:"WORKER_CONCURRENCY"       envDefault:"1"`
	ReaderMarkFinished     bool          `env:"READER_MARK_FINISHED"     envDefault:"false"`
	CheckpointSize         int           `env:"CHECKPOINT_SIZE"          envDefault:"50"`
	ProgressInterval       time.Duration `env:"PROGRESS_INTERVAL"        envDefault:"30s"`
	ShutdownTimeoutSeconds int           `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Ops server ───────────────────────────────────────────────────────────────
	// Serves /metrics and /healthz; empty disables the server.
	MetricsAddr string `env:"METRICS_ADDR"`
	AppEnv      string `env:"APP_ENV" envDefault:"production"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads .env (if any) and parses Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// PoolConcurrency returns WorkerConcurrency reduced to what DB_MAX_CONNS can
// serve. Each reader holds up to two connections, its open stream and a
// prefetched one, and one more is kept for claims and checkpoint writes.
func (c *Config) PoolConcurrency() (int, error) {
	fit := (int(c.DBMaxConns) - 1) / 2
	if fit < 1 {
		return 0, fmt.Errorf("%w: DB_MAX_CONNS=%d cannot serve a reader, need at least 3",
			reader.ErrConfiguration, c.DBMaxConns)
	}
	return min(max(c.WorkerConcurrency, 1), fit), nil
}

// ReaderOptions maps the reader settings onto reader.Options. The table
// schema registry is loaded from TableSchemasFile when one is configured.
func (c *Config) ReaderOptions(logger *slog.Logger) (reader.Options, error) {
	order, err := store.ParseOrder(c.ReaderSelectionOrder)
	if err != nil {
		return reader.Options{}, fmt.Errorf("%w: %w", reader.ErrConfiguration, err)
	}
	schemas, err := store.LoadSchemas(c.TableSchemasFile)
	if err != nil {
		return reader.Options{}, fmt.Errorf("%w: %w", reader.ErrConfiguration, err)
	}

	opts := reader.DefaultOptions(c.ReaderTable)
	opts.BatchSize = c.ReaderBatchSize
	opts.SelectionOrder = order
	opts.ProactiveFetch = c.ReaderProactiveFetch
	opts.Where = c.ReaderWhere
	opts.Limit = c.ReaderLimit
	opts.ResetTable = c.ReaderResetTable
	opts.Component = c.ReaderComponent
	opts.TableSchema = c.ReaderTableSchema
	opts.Schemas = schemas
	opts.AdditionalTables = c.ReaderAdditionalTables
	opts.AdditionalTableSchema = c.ReaderAdditionalTableSchema
	opts.AdditionalTablesPGSchema = c.AdditionalTablesPGSchema
	opts.TimestampFilter = c.ReaderTimestampFilter
	opts.Retry = reader.Retry{MaxAttempts: c.ReaderRetryMaxAttempts, Backoff: c.ReaderRetryBackoff}
	if c.ClaimRatePerSec > 0 {
		opts.ClaimLimiter = rate.NewLimiter(rate.Limit(c.ClaimRatePerSec), 1)
	}
	opts.Logger = logger
	return opts, nil
}
