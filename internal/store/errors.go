// ABOUTME: Postgres error mapping: missing tables and columns become ErrSchema.
package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrSchema is returned when a table or column the caller relies on does not
// exist or does not match the declared table schema.
var ErrSchema = errors.New("schema error")

// Postgres SQLSTATE codes that indicate a schema problem rather than a
// transient failure.
const (
	pgUndefinedTable  = "42P01"
	pgUndefinedColumn = "42703"
)

// wrap annotates err with the operation and table. Missing tables and columns
// are reported as ErrSchema so callers can tell them apart from connectivity
// failures.
func wrap(op, table string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUndefinedTable, pgUndefinedColumn:
			return fmt.Errorf("%s %s: %w: %s", op, table, ErrSchema, pgErr.Message)
		}
	}
	return fmt.Errorf("%s %s: %w", op, table, err)
}
