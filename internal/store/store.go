// Package store is the PostgreSQL backend of the work queue. It implements
// the claim protocol against work-queue ("subset") tables, fetches document
// payloads from the data tables they reference, and checkpoints rows once a
// downstream consumer is done with them.
//
// All access goes through a *pgxpool.Pool. Dynamic statements are built with
// squirrel; identifiers coming from configuration are always quoted.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

// psql is the statement builder used for every dynamic query.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store is the central data access object.
type Store struct {
	pool *pgxpool.Pool

	// columnTypes caches format_type() per table and column, used to cast
	// text-encoded primary key values back to their column types.
	typesMu     sync.RWMutex
	columnTypes map[string]map[string]string
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:        pool,
		columnTypes: make(map[string]map[string]string),
	}
}

// Pool returns the underlying pgxpool for callers that need pgx native
// operations (tests, migrations checks).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping verifies that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// quoteTable quotes a possibly schema-qualified table name.
func quoteTable(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

// quoteColumns returns alias.column for every column, quoted.
func quoteColumns(alias string, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + pq.QuoteIdentifier(c)
	}
	return out
}

// keyJoin renders "a.k1 = b.k1 AND a.k2 = b.k2".
func keyJoin(left, right string, cols []string) string {
	conds := make([]string, len(cols))
	for i, c := range cols {
		q := pq.QuoteIdentifier(c)
		conds[i] = left + "." + q + " = " + right + "." + q
	}
	return strings.Join(conds, " AND ")
}

// keyArrays transposes keys into one []string per primary key column, the
// shape unnest() expects.
func keyArrays(keys []Key, width int) []any {
	arrays := make([][]string, width)
	for i := range arrays {
		arrays[i] = make([]string, len(keys))
	}
	for row, k := range keys {
		for col := 0; col < width && col < len(k); col++ {
			arrays[col][row] = k[col]
		}
	}
	args := make([]any, width)
	for i, a := range arrays {
		args[i] = a
	}
	return args
}

// nullable maps the empty string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
