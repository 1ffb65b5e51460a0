// ABOUTME: Atomic claim of work-queue rows: a single FOR UPDATE SKIP LOCKED statement per batch.
// ABOUTME: Also holds Freshness, the timestamp restriction shared by claims and eligibility counts.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

// ClaimRequest describes one Claim call.
type ClaimRequest struct {
	// Table is the work-queue table to claim from.
	Table string
	// KeyColumns are the primary key columns shared by the queue and data table.
	KeyColumns []string
	Worker     WorkerIdentity
	// Component is recorded in last_component; may be empty.
	Component string
	MaxSize   int
	Order     Order

	// Since, when set, restricts eligibility to rows whose data table row has
	// a TimestampColumn value newer than Since.
	Since           *time.Time
	DataTable       string
	TimestampColumn string
}

// Freshness restricts eligibility to queue rows whose data table row has a
// Column value newer than Since.
type Freshness struct {
	DataTable  string
	Column     string
	KeyColumns []string
	Since      time.Time
}

// condition is the EXISTS clause over the queue table aliased q.
func (f *Freshness) condition() sq.Sqlizer {
	return sq.Expr(
		"EXISTS (SELECT 1 FROM "+quoteTable(f.DataTable)+" d WHERE "+
			keyJoin("d", "q", f.KeyColumns)+" AND d."+pq.QuoteIdentifier(f.Column)+" > ?)",
		f.Since,
	)
}

// Freshness returns the timestamp restriction of req, or nil when the
// request claims regardless of data table timestamps.
func (req ClaimRequest) Freshness() *Freshness {
	if req.Since == nil || req.DataTable == "" || req.TimestampColumn == "" {
		return nil
	}
	return &Freshness{
		DataTable:  req.DataTable,
		Column:     req.TimestampColumn,
		KeyColumns: req.KeyColumns,
		Since:      *req.Since,
	}
}

// Claim atomically selects up to MaxSize eligible rows and marks them as
// claimed by the request's worker. Selection and marking happen in a single
// statement: the picked rows are locked with FOR UPDATE SKIP LOCKED, so two
// concurrent claims never return the same row. Keys come back in primary key
// order for OrderSequential.
//
// A MaxSize of zero returns an empty batch without touching the database.
// Failures are returned as-is; Claim never retries.
func (s *Store) Claim(ctx context.Context, req ClaimRequest) (Batch, error) {
	if req.MaxSize <= 0 {
		return Batch{}, nil
	}
	if len(req.KeyColumns) == 0 {
		return nil, fmt.Errorf("claim %s: no key columns", req.Table)
	}

	query, args, err := buildClaim(req)
	if err != nil {
		return nil, fmt.Errorf("build claim %s: %w", req.Table, err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("claim", req.Table, err)
	}
	defer rows.Close()

	batch := make(Batch, 0, req.MaxSize)
	width := len(req.KeyColumns)
	for rows.Next() {
		key := make(Key, width)
		dest := make([]any, width)
		for i := range key {
			dest[i] = &key[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, wrap("claim", req.Table, err)
		}
		batch = append(batch, key)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("claim", req.Table, err)
	}
	return batch, nil
}

// buildClaim renders
//
//	WITH picked AS (SELECT keys FROM queue q WHERE eligible ... LIMIT n FOR UPDATE SKIP LOCKED),
//	     claimed AS (UPDATE queue q SET ... FROM picked WHERE keys match RETURNING keys)
//	SELECT keys::text FROM claimed [ORDER BY keys]
func buildClaim(req ClaimRequest) (string, []any, error) {
	queue := quoteTable(req.Table)
	qKeys := quoteColumns("q", req.KeyColumns)
	cKeys := quoteColumns("claimed", req.KeyColumns)

	picked := sq.Select(qKeys...).
		From(queue+" q").
		Where("q.claimed_by_host IS NULL").
		Where("q.finished = false").
		Limit(uint64(req.MaxSize)). //nolint:gosec // G115: MaxSize > 0 checked by caller
		Suffix("FOR UPDATE OF q SKIP LOCKED")

	if f := req.Freshness(); f != nil {
		picked = picked.Where(f.condition())
	}

	switch req.Order {
	case OrderRandom:
		picked = picked.OrderBy("random()")
	default:
		picked = picked.OrderBy(qKeys...)
	}

	pickedSQL, pickedArgs, err := picked.ToSql()
	if err != nil {
		return "", nil, err
	}

	selected := make([]string, len(cKeys))
	for i, c := range cKeys {
		selected[i] = c + "::text"
	}

	var b strings.Builder
	b.WriteString("WITH picked AS (")
	b.WriteString(pickedSQL)
	b.WriteString("), claimed AS (UPDATE ")
	b.WriteString(queue)
	b.WriteString(" q SET claimed_by_host = ?, claimed_by_pid = ?, claimed_at = now(), last_component = ? FROM picked WHERE ")
	b.WriteString(keyJoin("q", "picked", req.KeyColumns))
	b.WriteString(" RETURNING ")
	b.WriteString(strings.Join(qKeys, ", "))
	b.WriteString(") SELECT ")
	b.WriteString(strings.Join(selected, ", "))
	b.WriteString(" FROM claimed")
	if req.Order != OrderRandom {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(cKeys, ", "))
	}

	args := append(pickedArgs, req.Worker.Host, req.Worker.PID, nullable(req.Component))

	query, err := sq.Dollar.ReplacePlaceholders(b.String())
	if err != nil {
		return "", nil, err
	}
	return query, args, nil
}
