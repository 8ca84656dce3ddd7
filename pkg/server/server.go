package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/elonfeng/ringrank/internal/store"
	"github.com/elonfeng/ringrank/pkg/batch"
	"github.com/elonfeng/ringrank/pkg/logger"
	"github.com/elonfeng/ringrank/pkg/metrics"
)

// Runner triggers batch updates.
type Runner interface {
	Run(ctx context.Context) (*batch.Summary, error)
	LastSummary() *batch.Summary
}

// Server provides the HTTP API.
type Server struct {
	store   store.Store
	runner  Runner
	secret  string
	port    int
	log     logger.Logger
	metrics *metrics.Manager
}

// Option configures a Server.
type Option func(*Server)

// WithPort sets the listen port.
func WithPort(port int) Option {
	return func(s *Server) {
		if port > 0 {
			s.port = port
		}
	}
}

// WithCronSecret requires "Authorization: Bearer <secret>" on the trigger.
// An empty secret leaves the trigger open.
func WithCronSecret(secret string) Option {
	return func(s *Server) { s.secret = secret }
}

// WithLogger sets the server logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics exposes m on /metrics and counts requests.
func WithMetrics(m *metrics.Manager) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a new HTTP server.
func New(st store.Store, runner Runner, opts ...Option) *Server {
	s := &Server{
		store:  st,
		runner: runner,
		port:   8080,
		log:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("server")
	return s
}

// Handler returns the routed, instrumented API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/update-metrics", s.handleUpdateMetrics)
	mux.HandleFunc("GET /api/v1/entities", s.handleListEntities)
	mux.HandleFunc("POST /api/v1/entities", s.handleCreateEntity)
	mux.HandleFunc("GET /api/v1/entities/{id}", s.handleGetEntity)
	mux.HandleFunc("PUT /api/v1/entities/{id}", s.handleUpdateEntity)
	mux.HandleFunc("DELETE /api/v1/entities/{id}", s.handleDeleteEntity)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return s.instrument(mux)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info(ctx, "listening", logger.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.runner != nil {
		if last := s.runner.LastSummary(); last != nil {
			resp["last_run"] = map[string]any{
				"run_id":      last.RunID,
				"success":     last.Success,
				"state":       last.State,
				"finished_at": last.FinishedAt,
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUpdateMetrics runs one batch update and returns its summary.
func (s *Server) handleUpdateMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	// The run outlives a disconnecting caller.
	sum, err := s.runner.Run(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, batch.ErrRunInProgress):
		writeError(w, http.StatusConflict, "Update already in progress")
		return
	case err != nil:
		s.log.Error(r.Context(), "update metrics failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to update metrics")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.secret == "" {
		return true
	}
	got := []byte(r.Header.Get("Authorization"))
	want := []byte("Bearer " + s.secret)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"success": true, "data": data})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts requests by matched route pattern and status code.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.IncHTTPRequest(route, rec.status)
	})
}
