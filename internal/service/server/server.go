package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Config contains HTTP server configuration
type Config struct {
	BindAddr      string
	AdminUsername string
	AdminPassword string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		BindAddr:     "127.0.0.1:8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Pinger reports whether the persistence backend is reachable
type Pinger interface {
	Ping() error
}

// Server represents the HTTP admin API server
type Server struct {
	config          *Config
	pinger          Pinger
	logger          *zap.Logger
	server          *http.Server
	downloadHandler *DownloadHandler
}

// New creates a new HTTP server
func New(cfg *Config, downloads Downloads, pinger Pinger, logger *zap.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger = logger.Named("http")

	s := &Server{
		config: cfg,
		pinger: pinger,
		logger: logger,
	}
	s.downloadHandler = NewDownloadHandler(downloads, logger)

	s.server = &http.Server{
		Addr:         cfg.BindAddr,
		Handler:      s.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// Routes builds the router. Download endpoints require basic auth when
// admin credentials are configured.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware(s.logger))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.config.AdminUsername != "" {
			r.Use(BasicAuthMiddleware(s.config.AdminUsername, s.config.AdminPassword, s.logger))
		}
		r.Mount("/downloads", s.downloadHandler.Routes())
	})

	return r
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(); err != nil {
			s.logger.Error("health check failed", zap.Error(err))
			http.Error(w, "Database connection failed", http.StatusServiceUnavailable)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"healthy","time":"` + time.Now().Format(time.RFC3339) + `"}`))
}
