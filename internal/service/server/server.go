// Package server is the dispatcher's HTTP admin/metrics surface: out of the
// dispatch core by §1's scope cut, carried here as ambient infrastructure
// per SPEC_FULL.md §10.4. It is grounded on the teacher's
// internal/service/server package (server.go, middleware.go) for the
// net/http-based Service{Start()/Stop(ctx)} shape, trimmed to the two
// endpoints the dispatcher actually needs: "/healthz" (liveness, backed by
// the Supervisor's readiness) and "/metrics" (promhttp.Handler(), the same
// Prometheus exposition BigKAA-goartstore/admin-module wires directly).
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cortexsys/dispatcher/internal/metrics"
)

// Config contains HTTP server configuration.
type Config struct {
	BindAddr     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// HealthCheck is consulted by "/healthz"; a non-nil error reports
	// liveness as unhealthy. Typically wired to Supervisor.Healthy.
	HealthCheck func() error
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		BindAddr:     "0.0.0.0:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the admin/metrics HTTP surface.
type Server struct {
	config *Config
	log    *zap.SugaredLogger
	server *http.Server
}

// New creates a new HTTP server.
func New(cfg *Config, log *zap.SugaredLogger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Server{config: cfg, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         cfg.BindAddr,
		Handler:      metrics.HTTPMiddleware(LoggingMiddleware(log)(mux)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// Start starts the HTTP server, blocking until it is stopped.
func (s *Server) Start() error {
	s.log.Infow("starting http admin/metrics server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("stopping http admin/metrics server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.config.HealthCheck != nil {
		if err := s.config.HealthCheck(); err != nil {
			s.log.Warnw("healthz check failed", "error", err)
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"healthy","time":"` + time.Now().UTC().Format(time.RFC3339) + `"}`))
}
