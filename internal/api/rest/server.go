// Package rest provides the HTTP surface of the Tokens API.
package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tapis-project/tokens-api/internal/authz"
	"github.com/tapis-project/tokens-api/internal/bootstrap"
	"github.com/tapis-project/tokens-api/internal/keys"
	"github.com/tapis-project/tokens-api/internal/metrics"
)

// Config configures the REST server.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Version      string
}

// Server is the REST API server.
type Server struct {
	svcs       *bootstrap.Services
	gate       *authz.Gate
	rotator    *keys.Rotator
	metrics    *metrics.Metrics
	router     *mux.Router
	httpServer *http.Server
	logger     *zap.Logger
	config     Config
}

// New creates the server and registers all routes.
func New(cfg Config, svcs *bootstrap.Services, logger *zap.Logger) (*Server, error) {
	if svcs == nil {
		return nil, fmt.Errorf("bootstrap services are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{
		svcs:    svcs,
		gate:    authz.New(svcs.Config, svcs.Tenants, svcs.SK, svcs.Registry, svcs.Validator, logger),
		rotator: keys.NewRotator(svcs.SK, svcs.Registry, svcs.Tenants, svcs.Config.ServiceName, logger),
		metrics: metrics.New("tokens_api"),
		router:  mux.NewRouter(),
		logger:  logger,
		config:  cfg,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)

	// liveness and readiness are unauthenticated
	s.router.HandleFunc("/v3/tokens/hello", s.helloHandler).Methods("GET")
	s.router.HandleFunc("/v3/tokens/ready", s.readyHandler).Methods("GET")

	s.router.HandleFunc("/v3/tokens", s.createTokenHandler).Methods("POST")
	s.router.HandleFunc("/v3/tokens", s.refreshTokenHandler).Methods("PUT")
	s.router.HandleFunc("/v3/tokens/revoke", s.revokeTokenHandler).Methods("POST")
	s.router.HandleFunc("/v3/tokens/keys", s.rotateKeysHandler).Methods("PUT")

	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
}

// Start runs the HTTP listener; it blocks until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("starting Tokens API server",
		zap.Int("port", s.config.Port),
		zap.String("version", s.config.Version),
	)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down Tokens API server")
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP exposes the router for httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		elapsed := time.Since(start)
		s.metrics.ObserveRequest(r.URL.Path, wrapped.statusCode, elapsed)
		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", elapsed),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered",
					zap.Any("error", err),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
				)
				s.writeEnvelope(w, http.StatusInternalServerError, Envelope{
					Status:  "error",
					Message: "Unexpected error. Please contact system administrators.",
					Version: s.config.Version,
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter captures the status code for logging and metrics.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
