package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/docqueue/internal/store"
	"github.com/scarson/docqueue/internal/worker"
)

func TestJSONLines(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	out := newJSONLines(&buf)
	ctx := context.Background()

	require.NoError(t, out.write(ctx, store.Document{
		Table:   "documents_queue",
		Key:     store.Key{"doc-0001"},
		Payload: [][]byte{[]byte("<xml/>"), nil},
	}))
	require.NoError(t, out.write(ctx, store.Document{
		Table:   "documents_queue",
		Key:     store.Key{"doc-0002"},
		Payload: [][]byte{{0xff, 0xfe}},
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"table":"documents_queue","key":["doc-0001"],"payload":["<xml/>",null]}`, lines[0])
	assert.JSONEq(t, `{"table":"documents_queue","key":["doc-0002"],"payload":null,"payload_b64":["//4="]}`, lines[1])
}

type closedPipe struct{}

func (closedPipe) Write([]byte) (int, error) { return 0, errors.New("write |1: broken pipe") }

func TestJSONLines_WriteFailureIsFatal(t *testing.T) {
	t.Parallel()
	out := newJSONLines(closedPipe{})

	err := out.write(context.Background(), store.Document{
		Table:   "documents_queue",
		Key:     store.Key{"doc-0001"},
		Payload: [][]byte{[]byte("<xml/>")},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, worker.ErrFatal, "a dead output must stop the pool, not fail the document")
	assert.Contains(t, err.Error(), "broken pipe")
}
