// ABOUTME: In-memory Backend for reader tests. Claims are serialized by a mutex,
// ABOUTME: which gives the same no-double-claim guarantee as the Postgres claim.
package reader

import (
	"context"
	"fmt"
	"sync"

	"github.com/scarson/docqueue/internal/store"
)

const (
	testQueue = "documents_queue"
	testData  = "documents"
)

type fakeBackend struct {
	mu sync.Mutex

	queue   string
	data    string
	keys    []string
	payload map[string][]byte
	owner   map[string]string
	tables  map[string]bool

	// stale keys have a data row older than any timestamp filter.
	stale map[string]bool
	// fresh records the freshness passed to CountEligible.
	fresh []*store.Freshness

	// side holds the payloads of additional tables by table and key.
	side map[string]map[string][]byte

	schemaErr error
	claimErrs []error
	fetchErrs []error

	claimSizes []int
	claimLens  []int
	resets     int
}

func newFakeBackend(n int) *fakeBackend {
	f := &fakeBackend{
		queue:   testQueue,
		data:    testData,
		payload: make(map[string][]byte, n),
		owner:   make(map[string]string, n),
		tables:  map[string]bool{testQueue: true, testData: true},
		side:    make(map[string]map[string][]byte),
		stale:   make(map[string]bool),
	}
	for i := range n {
		k := fmt.Sprintf("doc-%03d", i)
		f.keys = append(f.keys, k)
		f.payload[k] = []byte("payload " + k)
	}
	return f
}

func (f *fakeBackend) addSideTable(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = true
	m := make(map[string][]byte)
	for _, k := range f.keys {
		m[k] = []byte(name + " " + k)
	}
	f.side[name] = m
}

func (f *fakeBackend) TableExists(_ context.Context, table string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables[table], nil
}

func (f *fakeBackend) IsQueueTable(_ context.Context, table string) (bool, error) {
	return table == f.queue, nil
}

func (f *fakeBackend) ReferencedTable(_ context.Context, _ string) (string, error) {
	return f.data, nil
}

func (f *fakeBackend) CheckSchema(_ context.Context, _ string, _ store.TableSchema) error {
	return f.schemaErr
}

func (f *fakeBackend) CountEligible(_ context.Context, _ string, fresh *store.Freshness) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fresh = append(f.fresh, fresh)
	n := 0
	for _, k := range f.keys {
		if f.owner[k] == "" && !(fresh != nil && f.stale[k]) {
			n++
		}
	}
	return n, nil
}

func (f *fakeBackend) HasEligibleRows(ctx context.Context, table string, fresh *store.Freshness) (bool, error) {
	n, err := f.CountEligible(ctx, table, fresh)
	return n > 0, err
}

func (f *fakeBackend) Claim(_ context.Context, req store.ClaimRequest) (store.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimSizes = append(f.claimSizes, req.MaxSize)
	if len(f.claimErrs) > 0 {
		err := f.claimErrs[0]
		f.claimErrs = f.claimErrs[1:]
		return nil, err
	}
	batch := store.Batch{}
	for _, k := range f.keys {
		if len(batch) == req.MaxSize {
			break
		}
		if req.Freshness() != nil && f.stale[k] {
			continue
		}
		if f.owner[k] == "" {
			f.owner[k] = req.Worker.String()
			batch = append(batch, store.Key{k})
		}
	}
	f.claimLens = append(f.claimLens, len(batch))
	return batch, nil
}

func (f *fakeBackend) Fetch(_ context.Context, req store.FetchRequest) (store.DocumentStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fetchErrs) > 0 {
		err := f.fetchErrs[0]
		f.fetchErrs = f.fetchErrs[1:]
		return nil, err
	}
	docs := make([]store.Document, 0, len(req.Keys))
	for _, k := range req.Keys {
		p, ok := f.payload[k[0]]
		if !ok || (req.Since != nil && f.stale[k[0]]) {
			continue
		}
		docs = append(docs, store.Document{Key: k, Payload: f.slots(k[0], p, req.SideTables), Table: req.Source})
	}
	return &sliceStream{docs: docs}, nil
}

func (f *fakeBackend) slots(key string, p []byte, sides []string) [][]byte {
	out := [][]byte{p}
	for _, t := range sides {
		out = append(out, f.side[t][key])
	}
	return out
}

func (f *fakeBackend) ResetClaims(_ context.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	n := len(f.owner)
	f.owner = make(map[string]string, len(f.keys))
	return n, nil
}

func (f *fakeBackend) CountRows(_ context.Context, _, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys), nil
}

func (f *fakeBackend) QueryDataTable(_ context.Context, q store.DirectQuery) (store.DocumentStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var docs []store.Document
	for _, k := range f.keys {
		if q.Limit > 0 && len(docs) == q.Limit {
			break
		}
		docs = append(docs, store.Document{Key: store.Key{k}, Payload: f.slots(k, f.payload[k], q.SideTables), Table: f.data})
	}
	return &sliceStream{docs: docs}, nil
}

func (f *fakeBackend) unclaimed() int {
	n, _ := f.CountEligible(context.Background(), f.queue, nil)
	return n
}

func (f *fakeBackend) claims() (sizes, lens []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.claimSizes...), append([]int(nil), f.claimLens...)
}

// sliceStream is a DocumentStream over a slice. err, when set, is reported
// after the documents.
type sliceStream struct {
	docs   []store.Document
	i      int
	cur    store.Document
	err    error
	closed bool
}

func (s *sliceStream) Next() bool {
	if s.closed || s.i >= len(s.docs) {
		return false
	}
	s.cur = s.docs[s.i]
	s.i++
	return true
}

func (s *sliceStream) Document() store.Document { return s.cur }
func (s *sliceStream) Err() error               { return s.err }
func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

var testWorker = store.WorkerIdentity{Host: "test-host", PID: "1"}

func queueOptions(batchSize int, proactive bool) Options {
	o := DefaultOptions(testQueue)
	o.BatchSize = batchSize
	o.ProactiveFetch = proactive
	return o
}

// drain reads r to the end and returns the keys in order.
func drain(ctx context.Context, r *Reader) ([]string, error) {
	var keys []string
	for r.HasNext() {
		doc, err := r.Next(ctx)
		if IsExhausted(err) {
			break
		}
		if err != nil {
			return keys, err
		}
		keys = append(keys, doc.Key.String())
	}
	return keys, nil
}
