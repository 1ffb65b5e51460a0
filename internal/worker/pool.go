// Package worker runs a pool of readers against one work-queue table. Each
// goroutine owns its own Reader, identified by a sub-identity of the process,
// hands every document to a Handler and marks the rows finished or failed.
//
// The goroutines share nothing but the database: the claim protocol keeps
// their batches disjoint.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/scarson/docqueue/internal/metrics"
	"github.com/scarson/docqueue/internal/reader"
	"github.com/scarson/docqueue/internal/store"
)

const (
	// defaultProgressInterval is how often the pool logs its progress.
	defaultProgressInterval = 30 * time.Second

	// defaultCheckpointSize is how many handled documents a reader buffers
	// before writing their finished/failed state.
	defaultCheckpointSize = 50
)

// ErrFatal marks a handler error that must stop the pool, such as a broken
// output. The document is not checkpointed, so it stays claimed.
var ErrFatal = errors.New("fatal handler error")

// Handler processes one document. A non-nil error marks the row failed and
// the pool moves on, unless the error matches ErrFatal.
type Handler func(ctx context.Context, doc store.Document) error

// Store is the storage the pool works against. *store.Store implements it.
type Store interface {
	reader.Backend
	MarkFinished(ctx context.Context, queueTable string, keyCols []string, component string, keys []store.Key) (int, error)
	MarkFailed(ctx context.Context, queueTable string, keyCols []string, component string, keys []store.Key) (int, error)
}

var _ Store = (*store.Store)(nil)

// Config configures a Pool.
type Config struct {
	// Concurrency is the number of readers. Values below 1 mean 1.
	Concurrency int
	// Options is applied to every reader. ResetTable is honoured once, before
	// any reader starts.
	Options reader.Options
	// Identity is the process identity; reader i claims as Identity.Sub(i).
	Identity store.WorkerIdentity
	// Checkpoint enables marking handled rows finished or failed.
	Checkpoint bool
	// CheckpointSize is the number of rows buffered per checkpoint write.
	CheckpointSize   int
	ProgressInterval time.Duration
}

// Pool runs Config.Concurrency readers to completion.
type Pool struct {
	store   Store
	cfg     Config
	handler Handler
	runID   string

	processed atomic.Int64
	failed    atomic.Int64
	total     atomic.Int64
}

// New creates a Pool. A random run ID is generated to correlate the log
// lines of one run across readers.
func New(s Store, cfg Config, h Handler) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.CheckpointSize < 1 {
		cfg.CheckpointSize = defaultCheckpointSize
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}
	return &Pool{
		store:   s,
		cfg:     cfg,
		handler: h,
		runID:   uuid.New().String(),
	}
}

// Progress returns the documents handled so far and the eligible total seen
// when the readers started.
func (p *Pool) Progress() reader.Progress {
	return reader.Progress{Processed: int(p.processed.Load()), Total: int(p.total.Load())}
}

// Failed returns the number of documents whose handler returned an error.
func (p *Pool) Failed() int { return int(p.failed.Load()) }

// Run starts the readers and blocks until all of them are exhausted, one of
// them fails, or ctx is cancelled. Cancellation is a clean stop: in-flight
// documents are checkpointed and Run returns nil.
func (p *Pool) Run(ctx context.Context) error {
	base := slog.With("run_id", p.runID)
	log := base.With("table", p.cfg.Options.Table)

	opts := p.cfg.Options
	queue, err := p.store.IsQueueTable(ctx, opts.Table)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", opts.Table, err)
	}
	if opts.ResetTable && queue {
		if _, err := p.store.ResetClaims(ctx, opts.Table); err != nil {
			return fmt.Errorf("reset %s: %w", opts.Table, err)
		}
	}
	opts.ResetTable = false

	n := p.cfg.Concurrency
	if !queue && n > 1 {
		// Direct reads are not coordinated; a second reader would repeat
		// the first one's documents.
		log.Warn("data table read directly, using a single reader")
		n = 1
	}
	if opts.Limit != nil {
		n = min(n, max(*opts.Limit, 1))
	}
	limits := splitLimit(opts.Limit, n)

	// Readers are opened one after another so configuration and schema
	// errors surface before any document is handled.
	readers := make([]*reader.Reader, 0, n)
	defer func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}()
	for i := range n {
		ropts := opts
		ropts.Limit = limits[i]
		ropts.Logger = base.With("reader", i)
		r, err := reader.New(ctx, p.store, ropts, p.cfg.Identity.Sub(i))
		if err != nil {
			return fmt.Errorf("start reader %d: %w", i, err)
		}
		readers = append(readers, r)
	}
	total := readers[0].Eligible()
	if opts.Limit != nil {
		total = min(total, *opts.Limit)
	}
	p.total.Store(int64(total))

	log.Info("worker pool starting",
		"readers", len(readers),
		"identity", p.cfg.Identity.String(),
		"total", humanize.Comma(p.total.Load()),
		"checkpoint", p.cfg.Checkpoint)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	go p.reportProgress(gctx, log, stop)

	for i, r := range readers {
		g.Go(func() error {
			return p.runReader(gctx, r, opts.Component, i)
		})
	}
	err = g.Wait()
	close(stop)

	progress := p.Progress()
	log.Info("worker pool stopped",
		"processed", humanize.Comma(int64(progress.Processed)),
		"failed", humanize.Comma(p.failed.Load()),
		"elapsed", time.Since(start).Round(time.Millisecond).String())

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// splitLimit divides limit among n readers so the pool as a whole returns at
// most limit documents. The first limit%n readers take one extra.
func splitLimit(limit *int, n int) []*int {
	out := make([]*int, n)
	if limit == nil {
		return out
	}
	for i := range out {
		share := *limit / n
		if i < *limit%n {
			share++
		}
		out[i] = &share
	}
	return out
}

func (p *Pool) runReader(ctx context.Context, r *reader.Reader, component string, i int) error {
	log := slog.With("run_id", p.runID, "table", r.Table(), "reader", i)
	cp := &checkpoint{
		store:     p.store,
		enabled:   p.cfg.Checkpoint && r.Mode() == reader.ModeQueue,
		table:     r.Table(),
		keyCols:   r.KeyColumns(),
		component: component,
		size:      p.cfg.CheckpointSize,
		log:       log,
	}
	// Rows handled before a stop are still recorded.
	defer cp.flush(context.WithoutCancel(ctx)) //nolint:errcheck

	for r.HasNext() {
		doc, err := r.Next(ctx)
		if reader.IsExhausted(err) {
			break
		}
		if err != nil {
			return fmt.Errorf("reader %d: %w", i, err)
		}

		herr := p.handler(ctx, doc)
		if errors.Is(herr, ErrFatal) {
			return fmt.Errorf("reader %d: document %s: %w", i, doc.Key, herr)
		}
		if herr != nil {
			log.Warn("document handler failed", "key", doc.Key.String(), "error", herr)
			p.failed.Add(1)
			cp.failed = append(cp.failed, doc.Key)
		} else {
			cp.finished = append(cp.finished, doc.Key)
		}
		p.processed.Add(1)

		if cp.full() {
			if err := cp.flush(ctx); err != nil {
				return fmt.Errorf("reader %d: %w", i, err)
			}
		}
	}
	return nil
}

func (p *Pool) reportProgress(ctx context.Context, log *slog.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			progress := p.Progress()
			log.Info("progress",
				"processed", humanize.Comma(int64(progress.Processed)),
				"total", humanize.Comma(int64(progress.Total)),
				"failed", humanize.Comma(p.failed.Load()))
		}
	}
}

// checkpoint buffers the outcome of handled rows of one reader.
type checkpoint struct {
	store     Store
	enabled   bool
	table     string
	keyCols   []string
	component string
	size      int
	log       *slog.Logger

	finished []store.Key
	failed   []store.Key
}

func (c *checkpoint) full() bool { return len(c.finished)+len(c.failed) >= c.size }

func (c *checkpoint) flush(ctx context.Context) error {
	defer func() {
		c.finished = c.finished[:0]
		c.failed = c.failed[:0]
	}()
	if !c.enabled {
		return nil
	}
	if len(c.finished) > 0 {
		n, err := c.store.MarkFinished(ctx, c.table, c.keyCols, c.component, c.finished)
		if err != nil {
			return fmt.Errorf("mark finished: %w", err)
		}
		metrics.Checkpoints.WithLabelValues(c.table, "finished").Add(float64(n))
	}
	if len(c.failed) > 0 {
		n, err := c.store.MarkFailed(ctx, c.table, c.keyCols, c.component, c.failed)
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		metrics.Checkpoints.WithLabelValues(c.table, "failed").Add(float64(n))
	}
	c.log.Debug("checkpoint written", "finished", len(c.finished), "failed", len(c.failed))
	return nil
}
