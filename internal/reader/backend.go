// Package reader implements the work-queue reader: many independent readers
// claim disjoint batches of rows from a shared work-queue table, stream the
// payloads the rows reference and overlap store latency with consumption by
// prefetching the next batch in the background.
//
// Readers never coordinate in memory. The only synchronization point between
// them is the atomic Claim of the Backend.
package reader

import (
	"context"

	"github.com/scarson/docqueue/internal/store"
)

// Backend is the storage a Reader works against. *store.Store implements it.
type Backend interface {
	TableExists(ctx context.Context, table string) (bool, error)
	IsQueueTable(ctx context.Context, table string) (bool, error)
	ReferencedTable(ctx context.Context, queueTable string) (string, error)
	CheckSchema(ctx context.Context, table string, schema store.TableSchema) error

	CountEligible(ctx context.Context, queueTable string, fresh *store.Freshness) (int, error)
	HasEligibleRows(ctx context.Context, queueTable string, fresh *store.Freshness) (bool, error)
	Claim(ctx context.Context, req store.ClaimRequest) (store.Batch, error)
	Fetch(ctx context.Context, req store.FetchRequest) (store.DocumentStream, error)
	ResetClaims(ctx context.Context, queueTable string) (int, error)

	CountRows(ctx context.Context, dataTable, where string) (int, error)
	QueryDataTable(ctx context.Context, q store.DirectQuery) (store.DocumentStream, error)
}

var _ Backend = (*store.Store)(nil)
