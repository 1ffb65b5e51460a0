// ABOUTME: Integration tests for the worker pool: concurrent readers drain the queue once,
// ABOUTME: handler failures are checkpointed as failed. Uses testutil.NewTestDB.
package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/docqueue/internal/reader"
	"github.com/scarson/docqueue/internal/store"
	"github.com/scarson/docqueue/internal/testutil"
	"github.com/scarson/docqueue/internal/worker"
)

var identity = store.WorkerIdentity{Host: "pool-test", PID: "1"}

func TestPool_DrainsQueueExactlyOnce(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	const rows = 120
	db.SeedDocuments(t, rows)

	opts := reader.DefaultOptions("documents_queue")
	opts.BatchSize = 9
	opts.Component = "pool-test"

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	p := worker.New(db.Store, worker.Config{
		Concurrency:    4,
		Options:        opts,
		Identity:       identity,
		Checkpoint:     true,
		CheckpointSize: 10,
	}, func(_ context.Context, doc store.Document) error {
		mu.Lock()
		defer mu.Unlock()
		seen[doc.Key.String()]++
		if doc.Key.String() == testutil.DocID(7) {
			return errors.New("unparsable document")
		}
		return nil
	})

	require.NoError(t, p.Run(context.Background()))

	assert.Len(t, seen, rows)
	for k, n := range seen {
		assert.Equal(t, 1, n, "document %s handled %d times", k, n)
	}
	assert.Equal(t, reader.Progress{Processed: rows, Total: rows}, p.Progress())
	assert.Equal(t, 1, p.Failed())

	assert.Equal(t, rows, db.CountWhere(t, "documents_queue", "finished AND last_component = 'pool-test'"))
	assert.Equal(t, 1, db.CountWhere(t, "documents_queue", "failed AND doc_id = '"+testutil.DocID(7)+"'"))
	assert.Zero(t, db.CountWhere(t, "documents_queue", "claimed_by_pid NOT LIKE '1.%'"),
		"readers claim under sub-identities of the process")
}

func TestPool_ResetTableRereadsFinishedRows(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	db.SeedDocuments(t, 10)
	db.Exec(t, "UPDATE documents_queue SET finished = true, claimed_by_host = 'old'")

	opts := reader.DefaultOptions("documents_queue")
	opts.ResetTable = true

	var n int
	var mu sync.Mutex
	p := worker.New(db.Store, worker.Config{Concurrency: 2, Options: opts, Identity: identity},
		func(context.Context, store.Document) error {
			mu.Lock()
			n++
			mu.Unlock()
			return nil
		})
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, 10, n)
}

func TestPool_CancelIsCleanStop(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	db.SeedDocuments(t, 50)

	ctx, cancel := context.WithCancel(context.Background())
	opts := reader.DefaultOptions("documents_queue")
	opts.BatchSize = 5

	p := worker.New(db.Store, worker.Config{Concurrency: 1, Options: opts, Identity: identity, Checkpoint: true},
		func(ctx context.Context, doc store.Document) error {
			if doc.Key.String() == testutil.DocID(2) {
				cancel()
			}
			return nil
		})

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}

	handled := p.Progress().Processed
	assert.GreaterOrEqual(t, handled, 3)
	assert.Less(t, handled, 50)
	assert.Equal(t, handled, db.CountWhere(t, "documents_queue", "finished"),
		"documents handled before the stop are checkpointed")
}

func TestPool_ReaderErrorStopsPool(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)

	opts := reader.DefaultOptions("missing_queue")
	p := worker.New(db.Store, worker.Config{Concurrency: 3, Options: opts, Identity: identity},
		func(context.Context, store.Document) error { return nil })

	err := p.Run(context.Background())
	assert.ErrorIs(t, err, reader.ErrSchema)
}
