// ABOUTME: Reader: hands out claimed documents one at a time with an exact HasNext lookahead.
// ABOUTME: Resolves queue vs direct mode, the data table and additional tables at construction.
package reader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scarson/docqueue/internal/metrics"
	"github.com/scarson/docqueue/internal/store"
)

// Mode is how a Reader obtains documents.
type Mode int

const (
	// ModeQueue claims batches from a work-queue table; safe for any number of
	// concurrent readers.
	ModeQueue Mode = iota
	// ModeDirect reads a data table with a plain cursor. No claims are made,
	// so it is only correct for a single reader.
	ModeDirect
)

func (m Mode) String() string {
	if m == ModeDirect {
		return "direct"
	}
	return "queue"
}

// Progress is the processed/total pair of a Reader. Total is the number of
// eligible rows at creation (or last Reset), capped by the limit. With a
// timestamp filter only rows newer than the filter are eligible.
type Progress struct {
	Processed int
	Total     int
}

// Reader hands out documents one at a time. It is not safe for concurrent
// use; run one Reader per goroutine and let the store coordinate them.
type Reader struct {
	backend Backend
	opts    Options
	worker  store.WorkerIdentity
	log     *slog.Logger

	mode        Mode
	table       string
	dataTable   string
	dataSchema  store.TableSchema
	sideTables  []string
	sideSchemas []store.TableSchema
	since       *time.Time

	life   context.Context
	cancel context.CancelFunc

	prefetch *Prefetcher
	current  store.DocumentStream
	ahead    *store.Document

	hasNext   bool
	processed int
	total     int
	eligible  int
	// deferred holds an error hit while looking ahead after a document was
	// already returned. The next call to Next reports it.
	deferred error
}

// New validates opts, inspects the tables and returns a ready Reader.
// Configuration and schema errors abort construction before anything is
// claimed. ctx bounds the lifetime of the reader, including background
// fetches; Close releases it early.
func New(ctx context.Context, b Backend, opts Options, worker store.WorkerIdentity) (*Reader, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	r := &Reader{
		backend: b,
		opts:    opts,
		worker:  worker,
		log:     opts.Logger.With("table", opts.Table, "worker", worker.String()),
		table:   opts.Table,
	}
	if opts.TimestampFilter != "" {
		t := ParseTimestamp(opts.TimestampFilter)
		r.since = &t
	}

	if err := r.inspect(ctx); err != nil {
		return nil, err
	}
	if err := r.count(ctx); err != nil {
		return nil, err
	}

	r.life, r.cancel = context.WithCancel(ctx)
	switch r.mode {
	case ModeQueue:
		r.prefetch = newPrefetcher(r.life, opts.ProactiveFetch, opts.BatchSize, opts.Limit, r.round)
		if r.hasNext {
			r.prefetch.Start()
		}
	case ModeDirect:
		if r.hasNext {
			docs, err := b.QueryDataTable(r.life, r.directQuery())
			if err != nil {
				r.cancel()
				return nil, &OpError{Op: "query", Table: r.dataTable, Kind: ErrFetch, Err: err}
			}
			r.current = docs
		}
	}

	r.log.Info("reader ready",
		"mode", r.mode.String(),
		"data_table", r.dataTable,
		"additional_tables", r.sideTables,
		"batch_size", opts.BatchSize,
		"order", string(opts.SelectionOrder),
		"proactive", opts.ProactiveFetch,
		"total", r.total,
		"has_next", r.hasNext,
	)
	return r, nil
}

// inspect resolves the mode, the data table and the additional tables and
// checks them against their table schemas.
func (r *Reader) inspect(ctx context.Context) error {
	exists, err := r.backend.TableExists(ctx, r.table)
	if err != nil {
		return fmt.Errorf("open reader: %w", err)
	}
	if !exists {
		return schemaError("table %s does not exist", r.table)
	}

	r.dataSchema, err = r.opts.Schemas.Get(r.opts.TableSchema)
	if err != nil {
		return err
	}

	queue, err := r.backend.IsQueueTable(ctx, r.table)
	if err != nil {
		return fmt.Errorf("open reader: %w", err)
	}
	if queue {
		r.mode = ModeQueue
		r.dataTable, err = r.backend.ReferencedTable(ctx, r.table)
		if err != nil {
			return fmt.Errorf("open reader: %w", err)
		}
		if r.dataTable == "" {
			return schemaError("work-queue table %s references no data table", r.table)
		}
	} else {
		r.mode = ModeDirect
		r.dataTable = r.table
		r.log.Info("table is a data table, documents are read without claiming")
	}

	if err := r.backend.CheckSchema(ctx, r.dataTable, r.dataSchema); err != nil {
		return err
	}
	if r.since != nil && r.dataSchema.Timestamp == "" {
		return configError("timestamp filter set but table schema %q has no timestamp column", r.dataSchema.Name)
	}

	if len(r.opts.AdditionalTables) == 0 {
		return nil
	}
	side, err := r.opts.Schemas.Get(r.opts.AdditionalTableSchema)
	if err != nil {
		return err
	}
	if !store.Compatible(r.dataSchema, side) {
		return schemaError("additional table schema %q has primary key %v, data table schema %q has %v",
			side.Name, side.PrimaryKey, r.dataSchema.Name, r.dataSchema.PrimaryKey)
	}
	r.sideTables, err = resolveAdditionalTables(ctx, r.backend, r.opts.AdditionalTablesPGSchema, r.opts.AdditionalTables)
	if err != nil {
		return err
	}
	r.sideSchemas = make([]store.TableSchema, len(r.sideTables))
	for i, t := range r.sideTables {
		if err := r.backend.CheckSchema(ctx, t, side); err != nil {
			return err
		}
		r.sideSchemas[i] = side
	}
	return nil
}

// count establishes total and hasNext, resetting the queue first if asked.
func (r *Reader) count(ctx context.Context) error {
	var (
		n   int
		err error
	)
	switch r.mode {
	case ModeQueue:
		if r.opts.ResetTable {
			if _, err := r.backend.ResetClaims(ctx, r.table); err != nil {
				return fmt.Errorf("open reader: %w", err)
			}
		}
		fresh := r.freshness()
		if n, err = r.backend.CountEligible(ctx, r.table, fresh); err != nil {
			return fmt.Errorf("open reader: %w", err)
		}
		if r.hasNext, err = r.backend.HasEligibleRows(ctx, r.table, fresh); err != nil {
			return fmt.Errorf("open reader: %w", err)
		}
	case ModeDirect:
		if n, err = r.backend.CountRows(ctx, r.dataTable, r.opts.Where); err != nil {
			return fmt.Errorf("open reader: %w", err)
		}
		r.hasNext = n > 0
	}
	r.eligible = n
	r.total = n
	if r.opts.Limit != nil {
		r.total = min(n, *r.opts.Limit)
		if *r.opts.Limit == 0 {
			r.hasNext = false
		}
	}
	return nil
}

// freshness is the timestamp restriction shared by counts and claims.
func (r *Reader) freshness() *store.Freshness {
	if r.since == nil {
		return nil
	}
	return &store.Freshness{
		DataTable:  r.dataTable,
		Column:     r.dataSchema.Timestamp,
		KeyColumns: r.dataSchema.PrimaryKey,
		Since:      *r.since,
	}
}

func (r *Reader) directQuery() store.DirectQuery {
	q := store.DirectQuery{
		DataTable:   r.dataTable,
		DataSchema:  r.dataSchema,
		SideTables:  r.sideTables,
		SideSchemas: r.sideSchemas,
		Where:       r.opts.Where,
	}
	if r.opts.Limit != nil {
		q.Limit = *r.opts.Limit
	}
	return q
}

// round claims up to size keys and opens the payload stream for them. It
// runs on whichever goroutine the Prefetcher's runner picks and touches no
// Reader state besides the immutable configuration.
func (r *Reader) round(ctx context.Context, size int) batchResult {
	if size <= 0 {
		return batchResult{batch: store.Batch{}, docs: store.EmptyStream{}}
	}
	if r.opts.ClaimLimiter != nil {
		if err := r.opts.ClaimLimiter.Wait(ctx); err != nil {
			return batchResult{err: &OpError{Op: "claim", Table: r.table, Kind: ErrClaim, Err: err}}
		}
	}

	req := store.ClaimRequest{
		Table:      r.table,
		KeyColumns: r.dataSchema.PrimaryKey,
		Worker:     r.worker,
		Component:  r.opts.Component,
		MaxSize:    size,
		Order:      r.opts.SelectionOrder,
	}
	if r.since != nil {
		req.Since = r.since
		req.DataTable = r.dataTable
		req.TimestampColumn = r.dataSchema.Timestamp
	}

	var batch store.Batch
	err := r.opts.Retry.do(ctx, r.log, "claim", r.table, func() error {
		start := time.Now()
		var err error
		batch, err = r.backend.Claim(ctx, req)
		metrics.OpDuration.WithLabelValues(r.table, "claim").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.Errors.WithLabelValues(r.table, "claim").Inc()
		}
		return err
	})
	if err != nil {
		r.log.Error("claim failed", "err", err)
		return batchResult{err: &OpError{Op: "claim", Table: r.table, Kind: ErrClaim, Err: err}}
	}
	r.log.Debug("claimed batch", "requested", size, "claimed", len(batch))
	if len(batch) == 0 {
		return batchResult{batch: batch, docs: store.EmptyStream{}}
	}
	metrics.BatchesClaimed.WithLabelValues(r.table).Inc()
	metrics.KeysClaimed.WithLabelValues(r.table).Add(float64(len(batch)))

	fetch := store.FetchRequest{
		Keys:        batch,
		Source:      r.table,
		DataTable:   r.dataTable,
		DataSchema:  r.dataSchema,
		SideTables:  r.sideTables,
		SideSchemas: r.sideSchemas,
		Since:       r.since,
	}
	var docs store.DocumentStream
	err = r.opts.Retry.do(ctx, r.log, "fetch", r.dataTable, func() error {
		start := time.Now()
		var err error
		docs, err = r.backend.Fetch(ctx, fetch)
		metrics.OpDuration.WithLabelValues(r.table, "fetch").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.Errors.WithLabelValues(r.table, "fetch").Inc()
		}
		return err
	})
	if err != nil {
		// The keys stay claimed by this worker; recovering them is a reset.
		r.log.Error("fetch failed, claimed rows stay claimed", "keys", len(batch), "err", err)
		return batchResult{batch: batch, err: &OpError{Op: "fetch", Table: r.dataTable, Kind: ErrFetch, Err: err}}
	}
	return batchResult{batch: batch, docs: docs}
}

// HasNext reports whether Next may return another document. It performs no
// I/O and does not change state.
func (r *Reader) HasNext() bool {
	return r.hasNext || r.deferred != nil
}

// Next returns the next document. Once the work is used up it returns
// ErrExhausted and HasNext turns false. Store failures are returned as
// *OpError matching ErrClaim or ErrFetch; they leave the reader usable, and
// a later Next claims again.
func (r *Reader) Next(ctx context.Context) (store.Document, error) {
	if err := r.deferred; err != nil {
		r.deferred = nil
		return store.Document{}, err
	}
	if !r.hasNext {
		return store.Document{}, ErrExhausted
	}
	if r.ahead == nil {
		if err := r.advance(ctx); err != nil {
			return store.Document{}, err
		}
		if r.ahead == nil {
			return store.Document{}, ErrExhausted
		}
	}

	doc := *r.ahead
	r.ahead = nil
	r.processed++
	metrics.DocumentsRead.WithLabelValues(r.table).Inc()

	// Look ahead so HasNext is exact once this document is returned.
	if err := r.advance(ctx); err != nil {
		r.deferred = err
	}
	return doc, nil
}

// advance fills the lookahead slot, pulling new batches as streams run dry.
// It sets hasNext to false when no document is left.
func (r *Reader) advance(ctx context.Context) error {
	for {
		if r.current != nil {
			if r.current.Next() {
				d := r.current.Document()
				r.ahead = &d
				return nil
			}
			err := r.current.Err()
			_ = r.current.Close()
			r.current = nil
			if err != nil {
				return &OpError{Op: "fetch", Table: r.dataTable, Kind: ErrFetch, Err: err}
			}
		}

		if r.mode == ModeDirect {
			r.hasNext = false
			return nil
		}

		start := time.Now()
		batch, docs, err := r.prefetch.Batch(ctx)
		metrics.PrefetchWait.WithLabelValues(r.table).Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			_ = docs.Close()
			r.log.Debug("no more documents", "processed", r.processed)
			r.hasNext = false
			return nil
		}
		r.current = docs
	}
}

// Progress returns the processed/total pair.
func (r *Reader) Progress() Progress {
	return Progress{Processed: r.processed, Total: r.total}
}

// Eligible returns the number of rows that were eligible at creation (or
// last Reset), before the limit is applied.
func (r *Reader) Eligible() int { return r.eligible }

// Mode returns how the reader obtains documents.
func (r *Reader) Mode() Mode { return r.mode }

// Table returns the configured table: the work-queue table in queue mode.
func (r *Reader) Table() string { return r.table }

// DataTable returns the table payloads are read from.
func (r *Reader) DataTable() string { return r.dataTable }

// KeyColumns returns the primary key columns of Document.Key.
func (r *Reader) KeyColumns() []string { return r.dataSchema.PrimaryKey }

// Reset clears every claim of the work-queue table and re-arms the reader so
// it reads the table from scratch. Like Options.ResetTable it must not be
// used while other readers consume the same table.
func (r *Reader) Reset(ctx context.Context) error {
	if r.mode != ModeQueue {
		return configError("reset needs a work-queue table, %s is a data table", r.table)
	}
	r.dropCurrent()
	r.prefetch.Reset()
	r.deferred = nil
	r.processed = 0

	if _, err := r.backend.ResetClaims(ctx, r.table); err != nil {
		return fmt.Errorf("reset %s: %w", r.table, err)
	}
	if err := r.count(ctx); err != nil {
		return err
	}
	if r.hasNext {
		r.prefetch.Start()
	}
	return nil
}

func (r *Reader) dropCurrent() {
	if r.current != nil {
		_ = r.current.Close()
		r.current = nil
	}
	r.ahead = nil
}

// Close cancels background work and releases open streams. Keys claimed but
// not returned stay claimed.
func (r *Reader) Close() error {
	r.cancel()
	if r.prefetch != nil {
		r.prefetch.Close()
	}
	r.dropCurrent()
	r.hasNext = false
	r.log.Info("reader closed", "processed", r.processed, "total", r.total)
	return nil
}

// IsExhausted reports whether err marks the normal end of iteration.
func IsExhausted(err error) bool { return errors.Is(err, ErrExhausted) }
