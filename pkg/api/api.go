// Package api serves the admin HTTP API: query logs, statistics, domain set
// management, feed status and a live query stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"dnsgate/pkg/blocklist"
	"dnsgate/pkg/config"
	"dnsgate/pkg/forwarder"
	"dnsgate/pkg/logging"
	"dnsgate/pkg/storage"
)

// FeedManager refreshes remote blocklist feeds
type FeedManager interface {
	Status() blocklist.Status
	Refresh(ctx context.Context) blocklist.Status
}

// HealthSource reports per-upstream health
type HealthSource interface {
	Snapshot() []forwarder.UpstreamStatus
}

// PendingCounter reports the number of in-flight forwarded queries
type PendingCounter interface {
	Pending() int
}

// LogStream delivers query records as they are emitted
type LogStream interface {
	Subscribe(buffer int) (<-chan *storage.QueryLog, func())
}

// Server represents the API server
type Server struct {
	handler    http.Handler
	httpServer *http.Server
	logger     *logging.Logger

	// Dependencies
	storage storage.Storage
	store   *blocklist.Store
	feeds   FeedManager
	health  HealthSource
	pending PendingCounter
	stream  LogStream

	// Auth
	authMu       sync.RWMutex
	authEnabled  bool
	basicUser    string
	passwordHash string
	apiKey       string

	// Metadata
	version   string
	startTime time.Time
}

// Config holds API server configuration
type Config struct {
	ListenAddress string
	Storage       storage.Storage
	Store         *blocklist.Store
	Feeds         FeedManager
	Health        HealthSource
	Pending       PendingCounter
	Stream        LogStream
	Auth          config.APIConfig
	Logger        *logging.Logger
	Version       string
}

// New creates a new API server
func New(cfg *Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault()
	}
	if cfg.Storage == nil {
		cfg.Storage = storage.NewNoOpStorage()
	}

	s := &Server{
		logger:    cfg.Logger,
		storage:   cfg.Storage,
		store:     cfg.Store,
		feeds:     cfg.Feeds,
		health:    cfg.Health,
		pending:   cfg.Pending,
		stream:    cfg.Stream,
		version:   cfg.Version,
		startTime: time.Now(),
	}
	s.UpdateAuth(cfg.Auth)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/system", s.handleSystem)

	mux.HandleFunc("GET /api/blacklist", s.handleGetBlacklist)
	mux.HandleFunc("POST /api/blacklist", s.handleAddBlacklist)
	mux.HandleFunc("DELETE /api/blacklist/{domain}", s.handleDeleteBlacklist)

	mux.HandleFunc("GET /api/allowlist", s.handleGetAllowlist)
	mux.HandleFunc("POST /api/allowlist", s.handleAddAllowlist)
	mux.HandleFunc("DELETE /api/allowlist/{domain}", s.handleDeleteAllowlist)

	mux.HandleFunc("GET /api/feeds/status", s.handleFeedStatus)
	mux.HandleFunc("POST /api/feeds/refresh", s.handleFeedRefresh)

	mux.HandleFunc("GET /events", s.handleEvents)

	handler := s.authMiddleware(mux)
	handler = s.loggingMiddleware(handler)
	handler = s.corsMiddleware(handler)

	s.handler = handler
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler with all middleware applied
func (s *Server) Handler() http.Handler {
	return s.handler
}

// UpdateAuth replaces the API credentials. Auth is enabled when an API key or
// a username with a password hash is configured.
func (s *Server) UpdateAuth(cfg config.APIConfig) {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	s.basicUser = cfg.Username
	s.passwordHash = cfg.PasswordHash
	s.apiKey = cfg.APIKey
	s.authEnabled = cfg.APIKey != "" || (cfg.Username != "" && cfg.PasswordHash != "")
}

// Start starts the API server
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting API server", "address", s.httpServer.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("api server failed: %w", err)
	}
}

// Shutdown gracefully shuts down the API server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Code:    statusCode,
		Message: message,
	})
}

// parseDuration parses a duration string with default value
func parseDuration(s string, defaultDuration time.Duration) time.Duration {
	if s == "" {
		return defaultDuration
	}

	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultDuration
	}

	return d
}

// getUptime returns the server uptime as a string
func (s *Server) getUptime() string {
	return time.Since(s.startTime).Truncate(time.Second).String()
}
