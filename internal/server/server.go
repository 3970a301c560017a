// Package server provides the HTTP API for the backtesting service.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/quantfin/internal/database"
	"github.com/aristath/quantfin/internal/panel"
	"github.com/aristath/quantfin/internal/results"
	"github.com/aristath/quantfin/internal/runs"
)

// Config holds server configuration
type Config struct {
	Log         zerolog.Logger
	Port        int
	DevMode     bool
	DataDir     string
	PanelDB     *database.DB
	ResultsDB   *database.DB
	PanelRepo   *panel.Repository
	ResultsRepo *results.Repository
	Runs        *runs.Manager
}

// Server represents the HTTP server
type Server struct {
	router      *chi.Mux
	server      *http.Server
	log         zerolog.Logger
	panelRepo   *panel.Repository
	resultsRepo *results.Repository
	runs        *runs.Manager
	system      *SystemHandlers
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		log:         cfg.Log.With().Str("component", "server").Logger(),
		panelRepo:   cfg.PanelRepo,
		resultsRepo: cfg.ResultsRepo,
		runs:        cfg.Runs,
		system:      NewSystemHandlers(cfg.Log, cfg.DataDir, cfg.PanelDB, cfg.ResultsDB),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.system.HandleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/backtests", func(r chi.Router) {
			r.Post("/", s.handleStartBacktest)
			r.Get("/", s.handleListBacktests)
			r.Get("/{id}", s.handleGetBacktest)
			r.Delete("/{id}", s.handleCancelBacktest)
			r.Get("/{id}/results", s.handleGetResults)
		})

		r.Get("/runs", s.handleListStoredRuns)

		r.Route("/panel", func(r chi.Router) {
			r.Get("/", s.handlePanelInfo)
			r.Post("/observations", s.handleIngestObservations)
		})

		r.Get("/system/status", s.system.HandleSystemStatus)
		r.Get("/system/disk", s.system.HandleDiskUsage)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
