// ABOUTME: Payload fetch for claimed keys in batch order, plus plain data table reads.
// ABOUTME: DocumentRows adapts pgx.Rows to DocumentStream and reports skipped keys.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/scarson/docqueue/internal/metrics"
)

// FetchRequest describes the payload retrieval for one claimed batch.
type FetchRequest struct {
	Keys Batch
	// Source is the work-queue table the keys were claimed from; it is copied
	// into every Document so the row can be checkpointed later.
	Source string

	DataTable  string
	DataSchema TableSchema
	// SideTables are joined onto the data table by primary key, one extra
	// payload slot each. SideSchemas runs parallel to SideTables.
	SideTables  []string
	SideSchemas []TableSchema

	// Since drops rows whose DataSchema.Timestamp value is not newer.
	Since *time.Time
}

// Fetch streams the payloads of req.Keys in batch order. Keys whose data row
// no longer exists are skipped; the number skipped is logged when the stream
// is closed. The returned stream holds a pool connection until it is drained
// or closed.
func (s *Store) Fetch(ctx context.Context, req FetchRequest) (DocumentStream, error) {
	if len(req.Keys) == 0 {
		return EmptyStream{}, nil
	}
	keyCols := req.DataSchema.PrimaryKey
	casts, err := s.keyCasts(ctx, req.DataTable, keyCols)
	if err != nil {
		return nil, err
	}

	aliases := make([]string, len(keyCols))
	joins := make([]string, len(keyCols))
	for i, c := range keyCols {
		aliases[i] = "k" + strconv.Itoa(i)
		joins[i] = "d." + pq.QuoteIdentifier(c) + " = keys." + aliases[i] + casts[i]
	}
	unnest := make([]string, len(keyCols))
	for i := range unnest {
		unnest[i] = "?::text[]"
	}

	sb := psql.Select(selectColumns(req.DataSchema, req.SideSchemas)...).
		From("unnest("+strings.Join(unnest, ", ")+") WITH ORDINALITY AS keys("+strings.Join(aliases, ", ")+", ord)").
		Join(quoteTable(req.DataTable)+" d ON "+strings.Join(joins, " AND ")).
		OrderBy("keys.ord")
	sb = sb.PlaceholderFormat(sq.Question)
	sb = joinSideTables(sb, keyCols, req.SideTables)
	if req.Since != nil && req.DataSchema.Timestamp != "" {
		sb = sb.Where(sq.Expr("d."+pq.QuoteIdentifier(req.DataSchema.Timestamp)+" > ?", *req.Since))
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build fetch %s: %w", req.DataTable, err)
	}
	query, err = sq.Dollar.ReplacePlaceholders(query)
	if err != nil {
		return nil, fmt.Errorf("build fetch %s: %w", req.DataTable, err)
	}
	// The unnest placeholders live in the FROM clause, which squirrel does not
	// bind, and come first in the statement: the key arrays lead the arguments.
	args = append(keyArrays(req.Keys, len(keyCols)), args...)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("fetch", req.DataTable, err)
	}
	return newDocumentRows(rows, req.Source, len(keyCols), 1+len(req.SideTables), len(req.Keys)), nil
}

// DirectQuery describes a plain read of a data table, without claiming.
type DirectQuery struct {
	DataTable   string
	DataSchema  TableSchema
	SideTables  []string
	SideSchemas []TableSchema
	// Where is a raw SQL condition, without the WHERE keyword. It is inserted
	// verbatim and must come from trusted configuration only.
	Where string
	// Limit caps the number of rows; zero means no cap.
	Limit int
}

// QueryDataTable streams every row of a data table in primary key order.
// No rows are claimed; this is only safe for a single reader.
func (s *Store) QueryDataTable(ctx context.Context, q DirectQuery) (DocumentStream, error) {
	keyCols := q.DataSchema.PrimaryKey
	sb := psql.Select(selectColumns(q.DataSchema, q.SideSchemas)...).
		From(quoteTable(q.DataTable) + " d").
		OrderBy(quoteColumns("d", keyCols)...)
	sb = joinSideTables(sb, keyCols, q.SideTables)
	if q.Where != "" {
		sb = sb.Where(q.Where)
	}
	if q.Limit > 0 {
		sb = sb.Limit(uint64(q.Limit)) //nolint:gosec // G115: positive checked above
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query %s: %w", q.DataTable, err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("query data table", q.DataTable, err)
	}
	return newDocumentRows(rows, q.DataTable, len(keyCols), 1+len(q.SideTables), 0), nil
}

// selectColumns lists the key columns of the data table as text followed by
// one payload column per table.
func selectColumns(data TableSchema, sides []TableSchema) []string {
	cols := make([]string, 0, len(data.PrimaryKey)+1+len(sides))
	for _, c := range quoteColumns("d", data.PrimaryKey) {
		cols = append(cols, c+"::text")
	}
	cols = append(cols, "d."+pq.QuoteIdentifier(data.Payload))
	for i, side := range sides {
		cols = append(cols, "s"+strconv.Itoa(i)+"."+pq.QuoteIdentifier(side.Payload))
	}
	return cols
}

func joinSideTables(sb sq.SelectBuilder, keyCols, tables []string) sq.SelectBuilder {
	for i, t := range tables {
		alias := "s" + strconv.Itoa(i)
		sb = sb.LeftJoin(quoteTable(t) + " " + alias + " ON " + keyJoin(alias, "d", keyCols))
	}
	return sb
}

// DocumentRows adapts pgx.Rows to DocumentStream.
type DocumentRows struct {
	rows      pgx.Rows
	source    string
	keyWidth  int
	slots     int
	requested int

	read    int
	cur     Document
	err     error
	drained bool
	closed  bool
}

func newDocumentRows(rows pgx.Rows, source string, keyWidth, slots, requested int) *DocumentRows {
	return &DocumentRows{
		rows:      rows,
		source:    source,
		keyWidth:  keyWidth,
		slots:     slots,
		requested: requested,
	}
}

// Next advances to the next document.
func (d *DocumentRows) Next() bool {
	if d.closed || d.err != nil {
		return false
	}
	if !d.rows.Next() {
		d.drained = true
		d.err = d.rows.Err()
		_ = d.Close()
		return false
	}

	key := make(Key, d.keyWidth)
	payload := make([][]byte, d.slots)
	dest := make([]any, 0, d.keyWidth+d.slots)
	for i := range key {
		dest = append(dest, &key[i])
	}
	for i := range payload {
		dest = append(dest, &payload[i])
	}
	if err := d.rows.Scan(dest...); err != nil {
		d.err = fmt.Errorf("scan document: %w", err)
		_ = d.Close()
		return false
	}
	d.read++
	d.cur = Document{Key: key, Payload: payload, Table: d.source}
	return true
}

// Document returns the current document.
func (d *DocumentRows) Document() Document { return d.cur }

// Err returns the error that stopped iteration, if any.
func (d *DocumentRows) Err() error { return d.err }

// Skipped returns how many requested keys produced no document. It is zero
// until the stream has been drained.
func (d *DocumentRows) Skipped() int {
	if !d.drained || d.requested == 0 || d.read >= d.requested {
		return 0
	}
	return d.requested - d.read
}

// Close releases the connection. It is safe to call more than once.
func (d *DocumentRows) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.rows.Close()
	if d.err == nil {
		d.err = d.rows.Err()
	}
	if n := d.Skipped(); n > 0 && d.err == nil {
		metrics.DocumentsSkipped.WithLabelValues(d.source).Add(float64(n))
		slog.Warn("claimed documents missing from data table",
			"table", d.source, "requested", d.requested, "skipped", n)
	}
	return nil
}
