// ABOUTME: Ops HTTP server for a running reader pool: /healthz, /metrics and /progress.
// ABOUTME: Started by `docqueue read` when METRICS_ADDR is set.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scarson/docqueue/internal/reader"
)

// Pinger reports database reachability. *store.Store implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProgressSource reports the progress of a running pool. *worker.Pool
// implements it.
type ProgressSource interface {
	Progress() reader.Progress
	Failed() int
}

// Server holds the dependencies for the HTTP layer.
type Server struct {
	db       Pinger
	progress ProgressSource
}

// NewServer creates a Server. db and progress may be nil: /healthz then
// reports degraded and /progress is not routed.
func NewServer(db Pinger, progress ProgressSource) *Server {
	return &Server{db: db, progress: progress}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthzHandler(srv.db))
	r.Handle("/metrics", promhttp.Handler())
	if srv.progress != nil {
		r.Get("/progress", progressHandler(srv.progress))
	}
	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if db == nil {
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := db.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		writeJSON(w, r, statusCode, resp)
	}
}

type progressResponse struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
	Failed    int `json:"failed"`
}

func progressHandler(src ProgressSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := src.Progress()
		writeJSON(w, r, http.StatusOK, progressResponse{
			Processed: p.Processed,
			Total:     p.Total,
			Failed:    src.Failed(),
		})
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}
