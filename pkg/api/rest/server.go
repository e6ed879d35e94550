// Package rest serves the HTTP status surface of a clustering rank:
// health, run progress and Prometheus metrics.
package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/api/rest/middleware"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/config"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/observability"
)

// Config holds the status server configuration
type Config struct {
	Host      string
	Port      int
	Auth      middleware.AuthConfig
	RateLimit middleware.RateLimitConfig
}

// ConfigFrom maps the status section of the application config
func ConfigFrom(cfg config.StatusConfig) Config {
	return Config{
		Host: cfg.Host,
		Port: cfg.Port,
		Auth: middleware.AuthConfig{
			JWTSecret:   cfg.JWTSecret,
			Enabled:     cfg.AuthEnabled,
			PublicPaths: []string{"/v1/health"},
		},
		RateLimit: middleware.RateLimitConfig{
			Enabled:        cfg.RateLimit > 0,
			RequestsPerSec: cfg.RateLimit,
			Burst:          cfg.Burst,
		},
	}
}

// Server represents the status API server
type Server struct {
	config     Config
	handler    *Handler
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *observability.Logger
	metrics    *observability.Metrics
	access     *observability.AccessLogger
}

// NewServer creates a status server. gatherer backs /metrics; nil uses
// the default Prometheus registry.
func NewServer(config Config, progress *Progress, gatherer prometheus.Gatherer, logger *observability.Logger, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		config:  config,
		handler: NewHandler(progress),
		mux:     http.NewServeMux(),
		logger:  logger,
		metrics: metrics,
		access:  observability.NewAccessLogger(logger),
	}

	s.mux.HandleFunc("/v1/health", s.handler.HealthCheck)
	s.mux.HandleFunc("/v1/status", s.handler.GetStatus)
	s.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.withMiddleware(s.mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// withMiddleware wraps the handler; the first wrapper applied runs last
func (s *Server) withMiddleware(handler http.Handler) http.Handler {
	handler = middleware.RateLimitMiddleware(middleware.NewRateLimiter(s.config.RateLimit))(handler)
	handler = middleware.AuthMiddleware(s.config.Auth)(handler)
	handler = s.loggingMiddleware(handler)
	return handler
}

// Start listens on the configured address and serves until Stop
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis until Stop
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Starting status server", map[string]interface{}{
		"address": lis.Addr().String(),
		"auth":    s.config.Auth.Enabled,
	})
	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve status API: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down status server")
	return s.httpServer.Shutdown(ctx)
}

// loggingMiddleware logs and measures all HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		s.access.LogAccess(r.Method, r.URL.Path, wrapped.statusCode, duration, map[string]interface{}{
			"remote": r.RemoteAddr,
		})
		s.metrics.RecordRequest(r.URL.Path, strconv.Itoa(wrapped.statusCode), duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
