package admin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds the admin server configuration.
type Config struct {
	ListenAddr      string
	Token           string
	RateLimit       int
	RateLimitWindow time.Duration
}

// Server is the HTTP transport for the command service.
type Server struct {
	config      Config
	service     *Service
	rateLimiter *RateLimiter
	server      *http.Server
	router      *mux.Router
	listener    net.Listener
	logger      zerolog.Logger
}

// NewServer creates a new admin server.
func NewServer(cfg Config, service *Service, logger zerolog.Logger) *Server {
	rateLimit := cfg.RateLimit
	if rateLimit == 0 {
		rateLimit = 100
	}
	rateLimitWindow := cfg.RateLimitWindow
	if rateLimitWindow == 0 {
		rateLimitWindow = time.Minute
	}

	s := &Server{
		config:      cfg,
		service:     service,
		rateLimiter: NewRateLimiter(rateLimit, rateLimitWindow),
		router:      mux.NewRouter(),
		logger:      logger.With().Str("component", "admin").Logger(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RateLimitMiddleware(s.rateLimiter))

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	if s.config.Token != "" {
		api.Use(TokenMiddleware(s.config.Token))
	}

	h := newUserHandler(s.service, s.logger)
	api.HandleFunc("/users", h.List).Methods("GET")
	api.HandleFunc("/users/{user}", h.Get).Methods("GET")
	api.HandleFunc("/users/{user}/timeleft", h.AdjustTimeLeft).Methods("POST")
	api.HandleFunc("/users/{user}/playtimeleft", h.AdjustPlayTimeLeft).Methods("POST")
	api.HandleFunc("/users/{user}/{setting}", h.Set).Methods("PUT")
}

// SetListener sets a pre-created listener for systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the admin HTTP server.
func (s *Server) Start() error {
	s.logger.Info().
		Str("addr", s.config.ListenAddr).
		Bool("token_required", s.config.Token != "").
		Msg("Starting admin server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated admin listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Admin server error")
		}
	}()
	return nil
}

// Stop gracefully stops the admin HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping admin server")
	defer s.rateLimiter.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	return nil
}

// Close releases resources without serving. Used when Start was never
// called.
func (s *Server) Close() {
	s.rateLimiter.Stop()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"ready":  s.service.ready(),
	})
}
