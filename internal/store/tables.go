// ABOUTME: Table inspection (existence, queue detection, FK target, schema check), eligibility
// ABOUTME: counts, claim reset and row counts.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

// TableExists reports whether table resolves to an existing relation.
func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", table).Scan(&exists)
	if err != nil {
		return false, wrap("table exists", table, err)
	}
	return exists, nil
}

// IsQueueTable reports whether table is a work-queue table, i.e. carries the
// claim columns. Any other table is treated as a data table.
func (s *Store) IsQueueTable(ctx context.Context, table string) (bool, error) {
	const q = `
SELECT EXISTS (
    SELECT 1 FROM pg_attribute
    WHERE attrelid = to_regclass($1)
      AND attname = 'claimed_by_host'
      AND NOT attisdropped
)`
	var ok bool
	if err := s.pool.QueryRow(ctx, q, table).Scan(&ok); err != nil {
		return false, wrap("inspect", table, err)
	}
	return ok, nil
}

// ReferencedTable returns the data table referenced by the foreign key of
// queueTable, or "" when the queue table references nothing.
func (s *Store) ReferencedTable(ctx context.Context, queueTable string) (string, error) {
	const q = `
SELECT c.confrelid::regclass::text
FROM pg_constraint c
WHERE c.conrelid = to_regclass($1)
  AND c.contype = 'f'
ORDER BY c.conname
LIMIT 1`
	var ref string
	err := s.pool.QueryRow(ctx, q, queueTable).Scan(&ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrap("referenced table", queueTable, err)
	}
	return ref, nil
}

// CheckSchema verifies that table has every column schema declares.
func (s *Store) CheckSchema(ctx context.Context, table string, schema TableSchema) error {
	types, err := s.loadColumnTypes(ctx, table)
	if err != nil {
		return err
	}
	var missing []string
	for _, c := range schema.Columns() {
		if _, ok := types[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: table %s lacks columns %s required by table schema %q",
			ErrSchema, table, strings.Join(missing, ", "), schema.Name)
	}
	return nil
}

// loadColumnTypes returns format_type() of every column of table, cached
// after the first lookup.
func (s *Store) loadColumnTypes(ctx context.Context, table string) (map[string]string, error) {
	s.typesMu.RLock()
	types, ok := s.columnTypes[table]
	s.typesMu.RUnlock()
	if ok {
		return types, nil
	}

	const q = `
SELECT attname, format_type(atttypid, atttypmod)
FROM pg_attribute
WHERE attrelid = to_regclass($1)
  AND attnum > 0
  AND NOT attisdropped`
	rows, err := s.pool.Query(ctx, q, table)
	if err != nil {
		return nil, wrap("column types", table, err)
	}
	defer rows.Close()

	types = make(map[string]string)
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, wrap("column types", table, err)
		}
		types[name] = typ
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("column types", table, err)
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("%w: table %s does not exist", ErrSchema, table)
	}

	s.typesMu.Lock()
	s.columnTypes[table] = types
	s.typesMu.Unlock()
	return types, nil
}

// keyCasts returns, for every key column, the cast suffix that turns the
// text form of a key value back into the column's type.
func (s *Store) keyCasts(ctx context.Context, table string, keyCols []string) ([]string, error) {
	types, err := s.loadColumnTypes(ctx, table)
	if err != nil {
		return nil, err
	}
	casts := make([]string, len(keyCols))
	for i, c := range keyCols {
		t, ok := types[c]
		if !ok {
			return nil, fmt.Errorf("%w: table %s has no key column %s", ErrSchema, table, c)
		}
		casts[i] = "::" + t
	}
	return casts, nil
}

// eligible is the condition selecting rows a Claim may pick.
const eligible = "q.claimed_by_host IS NULL AND q.finished = false"

func eligibleRows(queueTable string, fresh *Freshness, cols ...string) sq.SelectBuilder {
	sb := psql.Select(cols...).From(quoteTable(queueTable) + " q").Where(eligible)
	if fresh != nil {
		sb = sb.Where(fresh.condition())
	}
	return sb
}

// CountEligible returns the number of unclaimed, unfinished rows. A non-nil
// fresh counts only the rows a claim with the same timestamp filter would
// pick.
func (s *Store) CountEligible(ctx context.Context, queueTable string, fresh *Freshness) (int, error) {
	query, args, err := eligibleRows(queueTable, fresh, "count(*)").ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count eligible: %w", err)
	}
	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, wrap("count eligible", queueTable, err)
	}
	return n, nil
}

// HasEligibleRows reports whether at least one row can still be claimed.
func (s *Store) HasEligibleRows(ctx context.Context, queueTable string, fresh *Freshness) (bool, error) {
	sub, args, err := eligibleRows(queueTable, fresh, "1").Limit(1).ToSql()
	if err != nil {
		return false, fmt.Errorf("build has eligible rows: %w", err)
	}
	var ok bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS ("+sub+")", args...).Scan(&ok); err != nil {
		return false, wrap("has eligible rows", queueTable, err)
	}
	return ok, nil
}

// ResetClaims returns every row of queueTable to the unclaimed, unfinished
// state. It is the operator's recovery path for rows left claimed by a dead
// worker and must not run while other readers consume the same table.
func (s *Store) ResetClaims(ctx context.Context, queueTable string) (int, error) {
	query, args, err := psql.Update(quoteTable(queueTable)).
		Set("claimed_by_host", nil).
		Set("claimed_by_pid", nil).
		Set("claimed_at", nil).
		Set("last_component", nil).
		Set("finished", false).
		Set("failed", false).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build reset: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, wrap("reset claims", queueTable, err)
	}
	n := int(tag.RowsAffected())
	slog.Info("queue table reset", "table", queueTable, "rows", n)
	return n, nil
}

// CountRows returns the number of rows of a data table matching the optional
// raw SQL where clause. The table is aliased d, as in QueryDataTable, so the
// same clause serves both.
func (s *Store) CountRows(ctx context.Context, dataTable, where string) (int, error) {
	sb := psql.Select("count(*)").From(quoteTable(dataTable) + " d")
	if where != "" {
		sb = sb.Where(where)
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count rows: %w", err)
	}
	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, wrap("count rows", dataTable, err)
	}
	return n, nil
}
