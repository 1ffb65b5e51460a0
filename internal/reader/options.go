// ABOUTME: Reader options, defaults and validation, timestamp filter parsing, and the
// ABOUTME: claim/fetch retry policy (fail fast unless more attempts are configured).
package reader

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/scarson/docqueue/internal/store"
)

// DefaultBatchSize is the number of keys claimed per batch when Options
// leaves BatchSize at zero.
const DefaultBatchSize = 50

// Options configures a Reader. Use DefaultOptions as the starting point:
// the zero value disables proactive fetching.
type Options struct {
	// Table is the work-queue table to claim from or, for direct reads, the
	// data table itself. Required.
	Table string
	// BatchSize is the number of keys claimed per Claim call. Zero means
	// DefaultBatchSize.
	BatchSize int
	// SelectionOrder decides which eligible rows a claim picks first.
	SelectionOrder store.Order
	// ProactiveFetch claims and fetches the next batch in the background while
	// the current one is consumed.
	ProactiveFetch bool
	// Where restricts direct reads of a data table. Raw SQL, trusted input
	// only; the data table is aliased d. Ignored for work-queue tables.
	Where string
	// Limit caps the number of documents the reader ever returns. Nil means
	// unlimited.
	Limit *int
	// ResetTable resets all claims of the work-queue table when the reader is
	// created. Never set it when several readers share the table.
	ResetTable bool

	// TableSchema names the schema of the data table in Schemas.
	TableSchema string
	// AdditionalTables are joined onto the data table, one payload slot each.
	AdditionalTables []string
	// AdditionalTableSchema names the schema shared by all additional tables.
	AdditionalTableSchema string
	// AdditionalTablesPGSchema is the Postgres schema additional table names
	// are resolved against when they are not found as given.
	AdditionalTablesPGSchema string
	Schemas                  store.Schemas

	// TimestampFilter restricts reading to rows whose data table timestamp is
	// newer than this value.
	TimestampFilter string

	// Component is written to last_component of every claimed row.
	Component string

	Retry Retry
	// ClaimLimiter, when set, is waited on before every claim.
	ClaimLimiter *rate.Limiter

	Logger *slog.Logger
}

// DefaultOptions returns the documented defaults for table.
func DefaultOptions(table string) Options {
	return Options{
		Table:                    table,
		BatchSize:                DefaultBatchSize,
		SelectionOrder:           store.OrderSequential,
		ProactiveFetch:           true,
		TableSchema:              store.DefaultSchemaName,
		AdditionalTablesPGSchema: "public",
		Schemas:                  store.DefaultSchemas(),
		Retry:                    Retry{MaxAttempts: 1},
	}
}

func (o Options) withDefaults() Options {
	if o.BatchSize == 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.SelectionOrder == "" {
		o.SelectionOrder = store.OrderSequential
	}
	if o.TableSchema == "" {
		o.TableSchema = store.DefaultSchemaName
	}
	if o.AdditionalTablesPGSchema == "" {
		o.AdditionalTablesPGSchema = "public"
	}
	if o.Schemas == nil {
		o.Schemas = store.DefaultSchemas()
	}
	if o.Retry.MaxAttempts < 1 {
		o.Retry.MaxAttempts = 1
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (o Options) validate() error {
	if strings.TrimSpace(o.Table) == "" {
		return configError("no table given")
	}
	if o.BatchSize < 0 {
		return configError("negative batch size %d", o.BatchSize)
	}
	if o.Limit != nil && *o.Limit < 0 {
		return configError("negative limit %d", *o.Limit)
	}
	if o.SelectionOrder != store.OrderSequential && o.SelectionOrder != store.OrderRandom {
		return configError("unknown selection order %q", o.SelectionOrder)
	}
	if len(o.AdditionalTables) > 0 && strings.TrimSpace(o.AdditionalTableSchema) == "" {
		return configError("additional tables %v given without a table schema", o.AdditionalTables)
	}
	var blank []int
	for i, t := range o.AdditionalTables {
		if strings.TrimSpace(t) == "" {
			blank = append(blank, i)
		}
	}
	if len(blank) > 0 {
		return configError("additional tables at indexes %v are empty", blank)
	}
	if o.TimestampFilter != "" && ParseTimestamp(o.TimestampFilter).IsZero() {
		return configError("cannot parse timestamp filter %q", o.TimestampFilter)
	}
	return nil
}

// timeLayouts is the ordered list of formats accepted for TimestampFilter.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses a timestamp filter using a multi-layout fallback.
// Returns the zero time on failure. Values without a zone are taken as UTC.
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// Retry is the retry policy for claim and fetch calls. The default of one
// attempt fails fast: the first store error halts the reader. Schema errors
// and context cancellation are never retried.
type Retry struct {
	MaxAttempts int
	// Backoff is multiplied by the attempt number between attempts.
	Backoff time.Duration
}

func (r Retry) do(ctx context.Context, log *slog.Logger, op, table string, fn func() error) error {
	attempts := max(r.MaxAttempts, 1)
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= attempts || errors.Is(err, store.ErrSchema) || ctx.Err() != nil {
			return err
		}
		log.Warn("store call failed, retrying",
			"op", op, "table", table, "attempt", attempt, "max_attempts", attempts, "err", err)
		timer := time.NewTimer(time.Duration(attempt) * r.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
