// ABOUTME: Built-in document handler for `docqueue read`: one JSON line per document on stdout.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"

	"github.com/scarson/docqueue/internal/store"
	"github.com/scarson/docqueue/internal/worker"
)

// documentLine is the JSON form of one document on stdout. Payloads that are
// valid UTF-8 are written as text; anything else as base64 under payload_b64.
type documentLine struct {
	Table      string    `json:"table"`
	Key        []string  `json:"key"`
	Payload    []*string `json:"payload"`
	PayloadB64 [][]byte  `json:"payload_b64,omitempty"`
}

// jsonLines writes documents from concurrent readers as JSON lines.
type jsonLines struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newJSONLines(w io.Writer) *jsonLines {
	return &jsonLines{enc: json.NewEncoder(w)}
}

// write is a worker.Handler. A failed write means the output is gone, so it
// is reported as worker.ErrFatal and stops the pool.
func (j *jsonLines) write(_ context.Context, doc store.Document) error {
	line := documentLine{Table: doc.Table, Key: doc.Key, Payload: make([]*string, len(doc.Payload))}
	binary := false
	for i, p := range doc.Payload {
		if p == nil {
			continue
		}
		if !utf8.Valid(p) {
			binary = true
			continue
		}
		s := string(p)
		line.Payload[i] = &s
	}
	if binary {
		line.Payload = nil
		line.PayloadB64 = doc.Payload
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(line); err != nil {
		return fmt.Errorf("write document %s: %w: %w", doc.Key, worker.ErrFatal, err)
	}
	return nil
}
