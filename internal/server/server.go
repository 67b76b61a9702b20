// Package server exposes a small read-only HTTP surface over a
// running migration: status and resumability, nothing that mutates
// the migration itself (that stays on the orchestrator's own
// goroutine). It exists so a long-running migration can be watched
// from outside the process that's driving it.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pdsmove/pdsmove/pkg/config"
	"github.com/pdsmove/pdsmove/pkg/models"
)

// Snapshot reports the current checkpoint; it must be safe to call
// concurrently with whatever goroutine is advancing the migration.
type Snapshot func() models.Checkpoint

// Server is the status HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	port       int
	snapshot   Snapshot
}

// New creates a status server from server-specific configuration.
// snapshot is called on every /status request.
func New(serverCfg *config.Config, logger *slog.Logger, snapshot Snapshot) *Server {
	port := serverCfg.GetIntWithDefault("port", 8080)
	readTimeout := serverCfg.GetIntWithDefault("readTimeout", 15)
	writeTimeout := serverCfg.GetIntWithDefault("writeTimeout", 15)
	idleTimeout := serverCfg.GetIntWithDefault("idleTimeout", 60)

	mux := http.NewServeMux()
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  time.Duration(readTimeout) * time.Second,
		WriteTimeout: time.Duration(writeTimeout) * time.Second,
		IdleTimeout:  time.Duration(idleTimeout) * time.Second,
	}

	srv := &Server{
		httpServer: httpServer,
		logger:     logger,
		port:       port,
		snapshot:   snapshot,
	}
	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	mux := s.httpServer.Handler.(*http.ServeMux)
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/healthz", s.healthHandler)
}

// Start serves until Shutdown is called; it always returns a non-nil
// error, http.ErrServerClosed on a clean Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting migration status server", "port", s.port)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down status server")
	return s.httpServer.Shutdown(ctx)
}

// Port returns the bound port.
func (s *Server) Port() int {
	return s.port
}
