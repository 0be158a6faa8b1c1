// Package server implements the Maestro HTTP server: the task REST API,
// the approvals API, and per-task SSE event streams.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/maestro/config"
	"github.com/GoCodeAlone/maestro/orchestrator"
)

// Server is the Maestro HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	engine *orchestrator.Engine

	// keepalive interval for SSE streams; tests shorten it
	keepalive time.Duration

	routesOnce sync.Once

	startTime time.Time
	version   string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, engine *orchestrator.Engine, ver string, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		engine:    engine,
		keepalive: 30 * time.Second,
		startTime: time.Now(),
		version:   ver,
	}
}

// Start registers routes and begins listening.
func (s *Server) Start() error {
	s.registerRoutes()

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the route mux, primarily for tests.
func (s *Server) Handler() http.Handler {
	s.registerRoutes()
	return s.mux
}

// registerRoutes sets up all HTTP routes. Safe to call more than once.
func (s *Server) registerRoutes() {
	s.routesOnce.Do(s.buildMux)
}

func (s *Server) buildMux() {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/tasks", s.createTask)
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.getTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.cancelTask)
	mux.HandleFunc("GET /api/tasks/{id}/events", s.streamTask)

	mux.HandleFunc("GET /api/approvals", s.listApprovals)
	mux.HandleFunc("GET /api/approvals/pending", s.pendingApprovals)
	mux.HandleFunc("GET /api/approvals/stats", s.approvalStats)
	mux.HandleFunc("GET /api/approvals/{id}", s.getApproval)
	mux.HandleFunc("POST /api/approvals/{id}/approve", s.approve)
	mux.HandleFunc("POST /api/approvals/{id}/reject", s.reject)
	mux.HandleFunc("DELETE /api/approvals", s.purgeApprovals)

	mux.HandleFunc("GET /api/status", s.status)
	mux.HandleFunc("GET /api/version", s.versionHandler)

	s.mux = mux
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
