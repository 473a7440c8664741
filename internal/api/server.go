package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/plughost/internal/events"
	"github.com/mattjoyce/plughost/internal/plugin"
	"github.com/mattjoyce/plughost/internal/queue"
	"github.com/mattjoyce/plughost/internal/runs"
)

// RunTracker defines the run operations exposed over HTTP.
type RunTracker interface {
	CreateRun(req runs.Request) (string, error)
	GetRun(id string) (runs.Run, error)
	Export(id string) (runs.Export, error)
	List(limit int) []runs.Run
}

// PluginRegistry defines the plugin catalog operations exposed over HTTP.
type PluginRegistry interface {
	Descriptors() []*plugin.Descriptor
	List(ctx context.Context) []plugin.Info
	Connect(ctx context.Context, id string) (plugin.Host, error)
	Disconnect(ctx context.Context, id string) (bool, error)
	Remove(ctx context.Context, id string) error
	Reload(ctx context.Context) (plugin.ReloadReport, error)
}

// MessageDrainer hands out buffered plugin messages.
type MessageDrainer interface {
	DrainMessages(max int) ([]queue.Item, error)
}

// EventSource is the hub behind GET /events.
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
}

// Config holds API server configuration
type Config struct {
	Listen string
	// ShutdownTimeout bounds graceful HTTP shutdown. Zero means 5s.
	ShutdownTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	runs      RunTracker
	registry  PluginRegistry
	messages  MessageDrainer
	events    EventSource
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	// stopping ends open event streams so graceful shutdown can finish.
	stopping chan struct{}
	stopOnce sync.Once
}

// New creates a new API server instance
func New(config Config, tracker RunTracker, registry PluginRegistry, messages MessageDrainer, hub EventSource, logger *slog.Logger) *Server {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	return &Server{
		config:    config,
		runs:      tracker,
		registry:  registry,
		messages:  messages,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
		stopping:  make(chan struct{}),
	}
}

// Handler returns the routed handler without binding a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		s.stopOnce.Do(func() { close(s.stopping) })
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.handleCreateRun)
		r.Get("/", s.handleListRuns)
		r.Get("/{runID}", s.handleGetRun)
		r.Get("/{runID}/export", s.handleExportRun)
	})

	r.Route("/plugins", func(r chi.Router) {
		r.Get("/", s.handleListPlugins)
		r.Post("/reload", s.handleReload)
		r.Post("/{pluginID}/connect", s.handleConnect)
		r.Post("/{pluginID}/disconnect", s.handleDisconnect)
		r.Delete("/{pluginID}", s.handleRemove)
	})

	r.Get("/messages", s.handleMessages)
	r.Get("/events", s.handleEvents)

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
