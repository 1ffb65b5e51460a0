// ABOUTME: Reader error sentinels and OpError, which names the failed operation and table.
package reader

import (
	"errors"
	"fmt"

	"github.com/scarson/docqueue/internal/store"
)

var (
	// ErrConfiguration marks invalid reader options. Returned by New only.
	ErrConfiguration = errors.New("configuration error")

	// ErrSchema marks a missing table or a table schema mismatch.
	ErrSchema = store.ErrSchema

	// ErrClaim marks a failed Claim call during normal operation.
	ErrClaim = errors.New("claim failed")

	// ErrFetch marks a failed payload fetch during normal operation.
	ErrFetch = errors.New("fetch failed")

	// ErrExhausted is returned by Next once no documents are left. It is the
	// normal end of iteration, not a failure.
	ErrExhausted = errors.New("no more documents")
)

// OpError reports a runtime failure of a store operation, naming the table
// and operation. errors.Is matches both Kind (ErrClaim or ErrFetch) and the
// underlying error.
type OpError struct {
	Op    string
	Table string
	Kind  error
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%v: %s %s: %v", e.Kind, e.Op, e.Table, e.Err)
}

func (e *OpError) Unwrap() []error { return []error{e.Kind, e.Err} }

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func schemaError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSchema, fmt.Sprintf(format, args...))
}
