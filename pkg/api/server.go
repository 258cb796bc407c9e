// Package api is the one ambient HTTP surface the mount process exposes:
// /healthz (backed by internal/health.Checker), /metrics (backed by
// internal/metrics.Collector via promhttp), and /status (the job executor's
// pending-job count). The teacher ran three separate listeners,
// one per concern; here every concern is a handler mounted on one mux and
// one *http.Server, bound to the single configured metrics port.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/objectfs/swiftmount/internal/health"
	"github.com/objectfs/swiftmount/internal/metrics"
	"github.com/objectfs/swiftmount/pkg/utils"
)

// StatusProvider supplies the data behind /status. internal/engine.Engine
// satisfies it without this package importing internal/engine directly.
type StatusProvider interface {
	PendingJobs() int
}

// Server is the mount process's single HTTP listener.
type Server struct {
	httpServer *http.Server
	checker    *health.Checker
	collector  *metrics.Collector
	status     StatusProvider
	logger     *utils.Logger
	config     ServerConfig
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableCORS   bool
}

// DefaultServerConfig returns sane listener timeouts.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		EnableCORS:   false,
	}
}

// NewServer wires /healthz, /metrics, and /status onto one mux. Any of
// checker, collector, or status may be nil: /healthz and /status then
// report themselves as unconfigured, and /metrics is not registered.
func NewServer(config ServerConfig, checker *health.Checker, collector *metrics.Collector, status StatusProvider, logger *utils.Logger) *Server {
	s := &Server{
		checker:   checker,
		collector: collector,
		status:    status,
		logger:    logger,
		config:    config,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	if collector != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(collector.Gatherer(), promhttp.HandlerOpts{}))
	}

	handler := s.loggingMiddleware(mux)
	if config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Start blocks serving HTTP until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("api: listening on %s", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// StartBackground runs Start in a goroutine, logging (rather than
// propagating) any error other than a clean shutdown.
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api: server error: %v", err)
		}
	}()
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("api: shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if s.checker == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"note":   "health checking not configured",
		})
		return
	}

	overall, results, stats := s.checker.Snapshot()

	statusCode := http.StatusOK
	switch overall {
	case health.StatusUnhealthy:
		statusCode = http.StatusServiceUnavailable
	case health.StatusDegraded:
		statusCode = http.StatusPartialContent
	case health.StatusUnknown:
		statusCode = http.StatusOK
	}

	s.respondJSON(w, statusCode, map[string]interface{}{
		"status":    overall,
		"checks":    results,
		"stats":     stats,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if s.status == nil {
		s.respondError(w, http.StatusServiceUnavailable, "status tracking not configured")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"pending_jobs": s.status.PendingJobs(),
		"timestamp":    time.Now(),
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("api: %s %s completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("api: encoding response failed: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}
