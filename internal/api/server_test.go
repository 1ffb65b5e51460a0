// ABOUTME: Tests for the ops server routes using httptest and stub dependencies.
package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/docqueue/internal/api"
	_ "github.com/scarson/docqueue/internal/metrics"
	"github.com/scarson/docqueue/internal/reader"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type stubProgress struct{}

func (stubProgress) Progress() reader.Progress { return reader.Progress{Processed: 7, Total: 10} }
func (stubProgress) Failed() int               { return 2 }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		db     api.Pinger
		code   int
		status string
	}{
		{"reachable", stubPinger{}, http.StatusOK, "ok"},
		{"ping fails", stubPinger{err: errors.New("connection refused")}, http.StatusServiceUnavailable, "degraded"},
		{"no db", nil, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := get(t, api.NewServer(tt.db, nil).Handler(), "/healthz")
			assert.Equal(t, tt.code, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body["status"])
		})
	}
}

func TestMetricsExposesReaderCollectors(t *testing.T) {
	t.Parallel()
	rec := get(t, api.NewServer(stubPinger{}, nil).Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}

func TestProgress(t *testing.T) {
	t.Parallel()
	h := api.NewServer(stubPinger{}, stubProgress{}).Handler()
	rec := get(t, h, "/progress")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"processed":7,"total":10,"failed":2}`, rec.Body.String())

	rec = get(t, api.NewServer(stubPinger{}, nil).Handler(), "/progress")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
