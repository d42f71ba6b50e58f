package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tkhongsap/line-bot-connect/docs"
	"github.com/tkhongsap/line-bot-connect/internal/middleware"
	"github.com/tkhongsap/line-bot-connect/internal/providers"
	"github.com/tkhongsap/line-bot-connect/internal/routing"
	"github.com/tkhongsap/line-bot-connect/internal/security"
	"github.com/tkhongsap/line-bot-connect/internal/types"
)

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *logrus.Logger
	config     *ServerConfig

	router   *routing.Router
	executor *routing.Executor
	clients  *providers.Registry
	gatherer prometheus.Gatherer

	prefs       types.RoutingPreferences
	fingerprint types.Fingerprint

	auth      *security.Authenticator
	limiter   *security.ClientLimiter
	validator *middleware.ValidationMiddleware
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string                       `yaml:"port"`
	ReadTimeout     time.Duration                `yaml:"read_timeout"`
	WriteTimeout    time.Duration                `yaml:"write_timeout"`
	MaxHeaderBytes  int                          `yaml:"max_header_bytes"`
	MaxRequestBytes int64                        `yaml:"max_request_bytes"`
	CORSOrigins     []string                     `yaml:"cors_origins"`
	Auth            *security.Config             `yaml:"auth"`
	RateLimit       *security.RateLimitConfig    `yaml:"rate_limit"`
	Validation      *middleware.ValidationConfig `yaml:"validation"`
}

// Dependencies are the routing components the handlers drive
type Dependencies struct {
	Router   *routing.Router
	Executor *routing.Executor
	Clients  *providers.Registry

	// Gatherer backs /metrics; nil uses the default registry
	Gatherer prometheus.Gatherer

	Preferences types.RoutingPreferences

	// Fingerprint is used when a request names none
	Fingerprint types.Fingerprint
}

// NewServer creates a new server instance
func NewServer(config *ServerConfig, deps Dependencies, logger *logrus.Logger) (*Server, error) {
	if config.MaxRequestBytes == 0 {
		config.MaxRequestBytes = 1 << 20
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		logger:      logger,
		config:      config,
		router:      deps.Router,
		executor:    deps.Executor,
		clients:     deps.Clients,
		gatherer:    deps.Gatherer,
		prefs:       deps.Preferences,
		fingerprint: deps.Fingerprint,
	}

	if config.Auth != nil {
		s.auth = security.NewAuthenticator(config.Auth, logger)
	}
	if config.RateLimit != nil && config.RateLimit.Enabled {
		s.limiter = security.NewClientLimiter(config.RateLimit, logger)
	}

	validator, err := middleware.NewValidationMiddleware(config.Validation, docs.OpenAPI, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize validation middleware: %w", err)
	}
	s.validator = validator

	s.handler = s.setupRoutes()
	return s, nil
}

// Handler returns the fully wired HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.handler,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting relay server")
	return s.httpServer.ListenAndServe()
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping relay server")

	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	r := mux.NewRouter()

	if s.auth != nil {
		r.Use(s.auth.Middleware(isPublicPath))
	}
	r.Use(s.contentTypeMiddleware)
	r.Use(s.validator.Middleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	s.setupSwaggerRoutes(r)

	api := r.PathPrefix("/v1").Subrouter()

	relay := http.Handler(http.HandlerFunc(s.handleRelay))
	if s.limiter != nil {
		relay = s.limiter.Middleware(security.ClientKey)(relay)
	}
	api.Handle("/relay", relay).Methods("POST")

	api.HandleFunc("/routing/decision", s.handleRoutingDecision).Methods("POST")
	api.HandleFunc("/routing/snapshot", s.handleSnapshot).Methods("GET")
	api.HandleFunc("/routing/cache", s.handleInvalidate).Methods("DELETE")

	return middleware.Chain(r,
		middleware.RequestID,
		middleware.SecurityHeaders,
		s.loggingMiddleware,
		s.corsMiddleware,
	)
}

func isPublicPath(r *http.Request) bool {
	return r.URL.Path == "/health" || r.URL.Path == "/metrics" || strings.HasPrefix(r.URL.Path, "/docs")
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		entry := s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapper.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.RequestIDFrom(r.Context()),
			"remote_ip":   security.ClientIP(r),
		})
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			entry.Debug("Request processed")
			return
		}
		entry.Info("Request processed")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.config.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.ContentLength != 0 {
			if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
				s.writeErrorResponse(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// Helper functions

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("Failed to encode response")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    statusCode,
		},
		"timestamp": time.Now().Unix(),
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
