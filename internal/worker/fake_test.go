// ABOUTME: In-memory worker.Store for pool tests that need no database: a single
// ABOUTME: work-queue table over a single data table, claims serialized by a mutex.
package worker_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/scarson/docqueue/internal/store"
	"github.com/scarson/docqueue/internal/worker"
)

const (
	memQueue = "documents_queue"
	memData  = "documents"
)

type memStore struct {
	mu       sync.Mutex
	keys     []string
	owner    map[string]string
	finished map[string]bool
	failed   map[string]bool
}

var _ worker.Store = (*memStore)(nil)

func newMemStore(n int) *memStore {
	m := &memStore{
		owner:    make(map[string]string, n),
		finished: make(map[string]bool, n),
		failed:   make(map[string]bool, n),
	}
	for i := range n {
		m.keys = append(m.keys, fmt.Sprintf("doc-%03d", i))
	}
	return m
}

func (m *memStore) TableExists(_ context.Context, table string) (bool, error) {
	return table == memQueue || table == memData, nil
}

func (m *memStore) IsQueueTable(_ context.Context, table string) (bool, error) {
	return table == memQueue, nil
}

func (m *memStore) ReferencedTable(context.Context, string) (string, error) { return memData, nil }

func (m *memStore) CheckSchema(context.Context, string, store.TableSchema) error { return nil }

func (m *memStore) CountEligible(_ context.Context, _ string, _ *store.Freshness) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, k := range m.keys {
		if m.owner[k] == "" && !m.finished[k] {
			n++
		}
	}
	return n, nil
}

func (m *memStore) HasEligibleRows(ctx context.Context, table string, fresh *store.Freshness) (bool, error) {
	n, err := m.CountEligible(ctx, table, fresh)
	return n > 0, err
}

func (m *memStore) Claim(_ context.Context, req store.ClaimRequest) (store.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := store.Batch{}
	for _, k := range m.keys {
		if len(batch) == req.MaxSize {
			break
		}
		if m.owner[k] == "" && !m.finished[k] {
			m.owner[k] = req.Worker.String()
			batch = append(batch, store.Key{k})
		}
	}
	return batch, nil
}

func (m *memStore) Fetch(_ context.Context, req store.FetchRequest) (store.DocumentStream, error) {
	docs := make([]store.Document, len(req.Keys))
	for i, k := range req.Keys {
		docs[i] = store.Document{Key: k, Payload: [][]byte{[]byte("content of " + k[0])}, Table: req.Source}
	}
	return &memStream{docs: docs}, nil
}

func (m *memStore) ResetClaims(context.Context, string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owner = make(map[string]string)
	m.finished = make(map[string]bool)
	m.failed = make(map[string]bool)
	return len(m.keys), nil
}

func (m *memStore) CountRows(context.Context, string, string) (int, error) { return len(m.keys), nil }

func (m *memStore) QueryDataTable(context.Context, store.DirectQuery) (store.DocumentStream, error) {
	return store.EmptyStream{}, nil
}

func (m *memStore) MarkFinished(_ context.Context, _ string, _ []string, _ string, keys []store.Key) (int, error) {
	return m.mark(keys, false), nil
}

func (m *memStore) MarkFailed(_ context.Context, _ string, _ []string, _ string, keys []store.Key) (int, error) {
	return m.mark(keys, true), nil
}

func (m *memStore) mark(keys []store.Key, failed bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.finished[k[0]] = true
		if failed {
			m.failed[k[0]] = true
		}
	}
	return len(keys)
}

// counts returns the number of claimed, finished and failed rows.
func (m *memStore) counts() (claimed, finished, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.owner), len(m.finished), len(m.failed)
}

type memStream struct {
	docs []store.Document
	i    int
	cur  store.Document
}

func (s *memStream) Next() bool {
	if s.i >= len(s.docs) {
		return false
	}
	s.cur = s.docs[s.i]
	s.i++
	return true
}

func (s *memStream) Document() store.Document { return s.cur }
func (s *memStream) Err() error               { return nil }
func (s *memStream) Close() error             { return nil }
