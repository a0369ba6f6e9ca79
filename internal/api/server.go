// Package api serves the HTTP ingest and status surface: producers POST
// events, readers poll invocation state or follow the lifecycle stream.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/rendis/mediaflow/internal/bus"
	"github.com/rendis/mediaflow/internal/engine"
	"github.com/rendis/mediaflow/internal/store"
	"github.com/rendis/mediaflow/internal/streaming"
)

const maxBodyBytes = 1 << 20

// Sender accepts event batches.
type Sender interface {
	SendBatch(ctx context.Context, events []bus.EventInput) (bus.Receipt, error)
}

// Engine is the read surface of the orchestration engine.
type Engine interface {
	Invocation(ctx context.Context, id string) (*store.Invocation, error)
	ListInvocations(ctx context.Context, filter store.InvocationFilter) ([]*store.Invocation, error)
	Steps(ctx context.Context, id string) ([]*store.StepRecord, error)
	Log(ctx context.Context, id string, since int64) ([]*store.LogEntry, error)
	Trace(ctx context.Context, id string) (map[string]*store.StepTrace, error)
	Metrics() engine.Metrics
}

// Deps holds the dependencies for the API server.
type Deps struct {
	Sender Sender
	Engine Engine
	Store  store.Store
	Hub    streaming.Hub
	Logger *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	deps Deps
}

// NewServer creates a new Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/events", s.handleSendEvents)
	mux.HandleFunc("GET /api/events", s.handleListEvents)
	mux.HandleFunc("GET /api/events/{id}", s.handleGetEvent)
	mux.HandleFunc("GET /api/invocations", s.handleListInvocations)
	mux.HandleFunc("GET /api/invocations/{id}", s.handleGetInvocation)
	mux.HandleFunc("GET /api/invocations/{id}/log", s.handleInvocationLog)
	mux.HandleFunc("GET /api/invocations/{id}/diagram", s.handleInvocationDiagram)
	mux.HandleFunc("GET /api/triggers", s.handleListTriggers)

	mux.HandleFunc("GET /sse/invocations", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/invocations/{id}", s.handleSSEInvocation)

	return s.recoverer(s.logRequests(mux))
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Info("http api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.deps.Logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.deps.Logger.Error("http handler panic", "path", r.URL.Path, "panic", v)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
