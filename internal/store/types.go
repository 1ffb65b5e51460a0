// ABOUTME: Core work-queue types: Key, Batch, Order, WorkerIdentity, Document, DocumentStream.
package store

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Key is the primary key of one work item: the text form of each primary key
// column, in the column order of the table schema.
type Key []string

// String renders the key the way it is logged: values joined with "-".
func (k Key) String() string { return strings.Join(k, "-") }

// Equal reports whether k and o hold the same values.
func (k Key) Equal(o Key) bool {
	if len(k) != len(o) {
		return false
	}
	for i := range k {
		if k[i] != o[i] {
			return false
		}
	}
	return true
}

// Batch is the ordered set of keys returned by one Claim call. A batch is
// never mutated after it is returned.
type Batch []Key

// Order selects how Claim picks eligible rows.
type Order string

const (
	// OrderSequential claims rows in primary key order.
	OrderSequential Order = "sequential"
	// OrderRandom claims a random sample of the eligible rows.
	OrderRandom Order = "random"
)

// ParseOrder converts a configuration value into an Order. The empty string
// means sequential.
func ParseOrder(s string) (Order, error) {
	switch Order(strings.ToLower(strings.TrimSpace(s))) {
	case "", OrderSequential:
		return OrderSequential, nil
	case OrderRandom:
		return OrderRandom, nil
	}
	return "", fmt.Errorf("unknown selection order %q", s)
}

// WorkerIdentity identifies the owner of a claim. It is written into the
// claimed_by_host and claimed_by_pid columns.
type WorkerIdentity struct {
	Host string
	PID  string
}

// LocalIdentity returns the identity of the current process.
func LocalIdentity() (WorkerIdentity, error) {
	host, err := os.Hostname()
	if err != nil {
		return WorkerIdentity{}, fmt.Errorf("resolve host name: %w", err)
	}
	return WorkerIdentity{Host: host, PID: strconv.Itoa(os.Getpid())}, nil
}

// Sub derives the identity of the n-th reader inside this process. Claims made
// by sub-identities are still attributable to the host and process.
func (w WorkerIdentity) Sub(n int) WorkerIdentity {
	return WorkerIdentity{Host: w.Host, PID: w.PID + "." + strconv.Itoa(n)}
}

func (w WorkerIdentity) String() string { return w.Host + ":" + w.PID }

// Document is one fetched payload: the key it was fetched for, one payload
// slot per table read (data table first, then the additional tables) and the
// table that identifies the row for checkpointing. Table is the work-queue
// table in queue mode and the data table in direct mode.
type Document struct {
	Key     Key
	Payload [][]byte
	Table   string
}

// DocumentStream is a finite, single-pass sequence of documents. Callers
// iterate with Next/Document, check Err once Next returns false and always
// Close the stream, which releases the database connection behind it.
type DocumentStream interface {
	Next() bool
	Document() Document
	Err() error
	Close() error
}

// EmptyStream is a valid stream without documents.
type EmptyStream struct{}

func (EmptyStream) Next() bool         { return false }
func (EmptyStream) Document() Document { return Document{} }
func (EmptyStream) Err() error         { return nil }
func (EmptyStream) Close() error       { return nil }
