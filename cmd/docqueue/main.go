// Command docqueue reads documents from PostgreSQL work-queue tables.
//
// Subcommands:
//
//	migrate  - create the default documents and documents_queue tables and exit
//	read     - run the reader pool over READER_TABLE, one JSON line per document
//	reset    - return every row of a work-queue table to the unclaimed state
//	status   - print row counts of a work-queue or data table
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/dustin/go-humanize"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/scarson/docqueue/internal/api"
	"github.com/scarson/docqueue/internal/config"
	"github.com/scarson/docqueue/internal/store"
	"github.com/scarson/docqueue/internal/worker"
	"github.com/scarson/docqueue/migrations"
)

// tableFlag overrides READER_TABLE for every subcommand.
var tableFlag string

func main() {
	root := &cobra.Command{
		Use:   "docqueue",
		Short: "docqueue: concurrent document reader for PostgreSQL work queues",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&tableFlag, "table", "", "work-queue or data table (overrides READER_TABLE)")

	root.AddCommand(
		migrateCmd(),
		readCmd(),
		resetCmd(),
		statusCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig loads Config, installs the default logger and applies --table.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))
	if tableFlag != "" {
		cfg.ReaderTable = tableFlag
	}
	return cfg, nil
}

// ── read ──────────────────────────────────────────────────────────────────────

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read",
		Short: "Claim and read documents, writing one JSON line per document to stdout",
		RunE:  runRead,
	}
}

func runRead(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	db, err := newPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	st := store.New(db)

	opts, err := cfg.ReaderOptions(slog.Default())
	if err != nil {
		return err
	}
	concurrency, err := cfg.PoolConcurrency()
	if err != nil {
		return err
	}
	if concurrency < cfg.WorkerConcurrency {
		slog.Warn("WORKER_CONCURRENCY capped to fit DB_MAX_CONNS",
			"worker_concurrency", cfg.WorkerConcurrency,
			"db_max_conns", cfg.DBMaxConns,
			"readers", concurrency)
	}
	identity, err := store.LocalIdentity()
	if err != nil {
		return err
	}

	out := newJSONLines(cmd.OutOrStdout())
	pool := worker.New(st, worker.Config{
		Concurrency:      concurrency,
		Options:          opts,
		Identity:         identity,
		Checkpoint:       cfg.ReaderMarkFinished,
		CheckpointSize:   cfg.CheckpointSize,
		ProgressInterval: cfg.ProgressInterval,
	}, out.write)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{ //nolint:exhaustruct // WriteTimeout left to handlers
			Addr:              cfg.MetricsAddr,
			Handler:           api.NewServer(st, pool).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		go func() {
			slog.Info("ops server started", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				slog.Error("ops server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(),
				time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("ops server shutdown", "error", err)
			}
		}()
	}

	return pool.Run(ctx)
}

// ── reset ─────────────────────────────────────────────────────────────────────

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear all claims and finished marks of a work-queue table",
		Long: "Clear all claims and finished marks of a work-queue table.\n\n" +
			"Rows claimed by a crashed reader stay claimed forever; reset is the\n" +
			"recovery path. Never run it while readers consume the table.",
		RunE: runReset,
	}
}

func runReset(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	st := store.New(db)

	queue, err := st.IsQueueTable(cmd.Context(), cfg.ReaderTable)
	if err != nil {
		return err
	}
	if !queue {
		return fmt.Errorf("%s is not a work-queue table", cfg.ReaderTable)
	}
	n, err := st.ResetClaims(cmd.Context(), cfg.ReaderTable)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "reset %s rows of %s\n", humanize.Comma(int64(n)), cfg.ReaderTable)
	return nil
}

// ── status ────────────────────────────────────────────────────────────────────

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print row counts of a work-queue or data table",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	db, err := newPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	st := store.New(db)

	table := cfg.ReaderTable
	exists, err := st.TableExists(ctx, table)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("table %q does not exist", table)
	}
	queue, err := st.IsQueueTable(ctx, table)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	total, err := st.CountRows(ctx, table, "")
	if err != nil {
		return err
	}
	if !queue {
		fmt.Fprintf(w, "%s (data table)\n  rows: %s\n", table, humanize.Comma(int64(total)))
		return nil
	}

	ref, err := st.ReferencedTable(ctx, table)
	if err != nil {
		return err
	}
	eligible, err := st.CountEligible(ctx, table, nil)
	if err != nil {
		return err
	}
	inProgress, err := st.CountRows(ctx, table, "d.claimed_by_host IS NOT NULL AND NOT d.finished")
	if err != nil {
		return err
	}
	finished, err := st.CountRows(ctx, table, "d.finished AND NOT d.failed")
	if err != nil {
		return err
	}
	failed, err := st.CountRows(ctx, table, "d.failed")
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s (work queue over %s)\n", table, ref)
	fmt.Fprintf(w, "  rows:        %s\n", humanize.Comma(int64(total)))
	fmt.Fprintf(w, "  eligible:    %s\n", humanize.Comma(int64(eligible)))
	fmt.Fprintf(w, "  in progress: %s\n", humanize.Comma(int64(inProgress)))
	fmt.Fprintf(w, "  finished:    %s\n", humanize.Comma(int64(finished)))
	fmt.Fprintf(w, "  failed:      %s\n", humanize.Comma(int64(failed)))
	return nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool with the configured exec mode,
// statement timeout and pool sizing.
//
// Retries up to 10 times with linear backoff to handle the startup race
// where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction-pooling compatibility.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Advisory schema version check for the default tables.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch, run `docqueue migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// newLogger creates a slog.Logger based on the configured log level and format.
// Logs go to stderr; stdout carries the documents.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
