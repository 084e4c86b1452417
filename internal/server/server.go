// Package server exposes the model loader over HTTP.
//
// The trigger route replies with one of two fixed plain-text bodies; all
// failure detail stays in the server log and the run records, which are
// served separately under /runs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/deixis/modelgate/internal/config"
	"github.com/deixis/modelgate/internal/loader"
	"github.com/deixis/modelgate/internal/report"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Response bodies of the trigger route.
const (
	SuccessBody = "Model loaded successfully"
	FailureBody = "Error loading model"
)

// Executor runs the loader. Implemented by loader.Engine.
type Executor interface {
	Execute(ctx context.Context) loader.ScriptResult
}

// RunStore looks up run records. Implemented by report.LRUStore.
type RunStore interface {
	Load(runID string) (*report.Record, error)
	Recent(n int) []*report.Record
}

// Options configures the handler returned by NewHandler.
type Options struct {
	Route  string       // trigger path; defaults to config.DefaultRoute
	Runs   RunStore     // nil disables /runs
	MCP    http.Handler // nil disables /mcp
	Logger *zap.Logger
}

const defaultRunsLimit = 20

type handler struct {
	exec Executor
	runs RunStore
	log  *zap.Logger
}

// NewHandler returns the HTTP handler for the service, wrapped in the
// access log.
func NewHandler(exec Executor, opts Options) http.Handler {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	route := opts.Route
	if route == "" {
		route = config.DefaultRoute
	}

	h := &handler{exec: exec, runs: opts.Runs, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+route, h.execute)
	// A GET pattern also matches HEAD; HEAD must not start a run.
	mux.HandleFunc("HEAD "+route, getOnly)
	if h.runs != nil {
		mux.HandleFunc("GET /runs", h.listRuns)
		mux.HandleFunc("GET /runs/{id}", h.getRun)
	}
	if opts.MCP != nil {
		mux.Handle("/mcp", opts.MCP)
	}

	return AccessLog(log, mux)
}

// execute runs the loader and replies with a fixed body. The request
// context bounds the run, so a disconnected client kills the process.
func (h *handler) execute(w http.ResponseWriter, r *http.Request) {
	res := h.exec.Execute(r.Context())

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Run-Id", res.RunID)
	if !res.Success {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, FailureBody)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, SuccessBody)
}

func getOnly(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}

func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(w, h.log, http.StatusOK, struct {
		Runs []*report.Record `json:"runs"`
	}{Runs: h.runs.Recent(limit)})
}

func (h *handler) getRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := h.runs.Load(id)
	if err != nil {
		if errors.Is(err, report.ErrNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		h.log.Error("loading run record", zap.String("run_id", id), zap.Error(err))
		http.Error(w, "failed to load run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.log, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, log *zap.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Warn("writing response", zap.Error(err))
	}
}

// Server runs an http.Server until its context is cancelled.
type Server struct {
	Addr            string
	Handler         http.Handler
	Logger          *zap.Logger
	ShutdownTimeout time.Duration // zero means 10s
}

// Run listens on s.Addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
// Requests still running when the shutdown timeout expires have their
// contexts cancelled, which kills their loader processes.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log := s.Logger
	if log == nil {
		log = zap.NewNop()
	}
	grace := s.ShutdownTimeout
	if grace <= 0 {
		grace = 10 * time.Second
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			cancelBase()
			_ = srv.Close()
			return fmt.Errorf("shutting down: %w", err)
		}
		log.Info("server stopped")
		return nil
	})
	return g.Wait()
}
