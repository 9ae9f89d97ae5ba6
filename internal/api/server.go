// Package api serves the HTTP surface used by tag readers, the display and
// operators.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/tagwatch/internal/catalog"
	"github.com/goodtune/tagwatch/internal/feedback"
	"github.com/goodtune/tagwatch/internal/ingest"
	"github.com/goodtune/tagwatch/internal/presence"
	"github.com/goodtune/tagwatch/internal/storage"
	"github.com/goodtune/tagwatch/internal/tagid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds the API server configuration.
type Config struct {
	ListenAddr     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	RateLimit      float64 // requests per second per client, 0 disables
	RateBurst      int
	DayStart       string // HH:MM boundary for period=today summaries
}

// Submitter accepts raw tag reads.
type Submitter interface {
	Submit(ctx context.Context, raw string) (ingest.Ack, error)
}

// Catalog is the view of the tag catalog the API needs.
type Catalog interface {
	Snapshot() *catalog.Snapshot
	Refresh(ctx context.Context) error
}

// PresenceView exposes read-only presence state.
type PresenceView interface {
	Records() []presence.Record
	PresentCount() int
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the collaborators the handlers call into.
type Services struct {
	Ingest   Submitter
	Catalog  Catalog
	Tags     storage.TagStore
	Events   storage.EventLog
	Presence PresenceView
	Board    *feedback.Board
	Rules    *tagid.Rules
	Storage  Pinger
	Clock    presence.Clock
}

// Server represents the API HTTP server.
type Server struct {
	config      Config
	svc         Services
	rateLimiter *RateLimiter
	server      *http.Server
	router      *mux.Router
	listener    net.Listener
	stopChan    chan struct{}
	logger      zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, svc Services, logger zerolog.Logger) *Server {
	if svc.Clock == nil {
		svc.Clock = presence.RealClock{}
	}
	if cfg.DayStart == "" {
		cfg.DayStart = "00:00"
	}

	router := mux.NewRouter()

	s := &Server{
		config: cfg,
		svc:    svc,
		router: router,
		logger: logger.With().Str("component", "api").Logger(),
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.rateLimiter = NewRateLimiter(cfg.RateLimit, burst)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))
	if len(s.config.AllowedOrigins) > 0 {
		s.router.Use(CORSMiddleware(s.config.AllowedOrigins))
	}
	if s.rateLimiter != nil {
		s.router.Use(RateLimitMiddleware(s.rateLimiter))
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Reader ingestion
	s.router.HandleFunc("/scan", s.handleScan).Methods("POST", "OPTIONS")

	// Tag registration
	s.router.HandleFunc("/tags", s.handleListTags).Methods("GET")
	s.router.HandleFunc("/tags", s.handleRegisterTag).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/register", s.handleRegisterTag).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/tags/{id}", s.handleDeleteTag).Methods("DELETE", "OPTIONS")

	// Event log
	s.router.HandleFunc("/usage-event", s.handleUsageEvent).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/usage-events", s.handleQueryEvents).Methods("GET")
	s.router.HandleFunc("/usage/summary", s.handleSummary).Methods("GET")

	// Presentation
	s.router.HandleFunc("/feedback", s.handleGetFeedback).Methods("GET")
	s.router.HandleFunc("/feedback", s.handlePostFeedback).Methods("POST", "OPTIONS")

	s.router.HandleFunc("/presence", s.handlePresence).Methods("GET")
}

// Handler returns the HTTP handler for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-configured listener (e.g., from systemd socket activation).
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server.
func (s *Server) Start() error {
	if s.rateLimiter != nil {
		s.stopChan = make(chan struct{})
		go s.rateLimiter.cleanup(time.Minute, s.stopChan)
	}

	if s.listener != nil {
		s.logger.Info().Str("addr", s.listener.Addr().String()).Msg("Starting API server (systemd socket)")
		go func() {
			if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
				s.logger.Error().Err(err).Msg("API server error")
			}
		}()
		return nil
	}

	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	if s.stopChan != nil {
		close(s.stopChan)
		s.stopChan = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}
