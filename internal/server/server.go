// Package server provides the HTTP server and handlers.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bryan-buckman/prismfeeder/internal/logging"
	"github.com/bryan-buckman/prismfeeder/internal/notify"
	"github.com/bryan-buckman/prismfeeder/internal/service"
)

// Defaults for Config.
const (
	DefaultAddr            = ":8080"
	DefaultRateLimit       = 10 // requests per second per user
	DefaultRateBurst       = 40
	DefaultPingInterval    = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	maxBodyBytes           = 4 << 20
)

// Config tunes the HTTP server.
type Config struct {
	Addr      string
	JWTSecret string
	JWTIssuer string
	// RateLimit is the sustained number of requests per second allowed per
	// user. Negative disables rate limiting.
	RateLimit float64
	RateBurst int
	// AllowedOrigins lists the origins allowed to open event streams. "*"
	// allows any origin; empty allows same-origin requests only.
	AllowedOrigins  []string
	PingInterval    time.Duration
	ShutdownTimeout time.Duration
}

// Server is the main HTTP server.
type Server struct {
	svc     *service.Service
	hub     *notify.Hub
	log     logging.Logger
	cfg     Config
	auth    *Authenticator
	limiter *userLimiter
	router  chi.Router
}

// New creates a new server.
func New(svc *service.Service, hub *notify.Hub, log logging.Logger, cfg Config) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("server: JWT secret is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = DefaultRateBurst
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if log == nil {
		log = logging.Nop()
	}
	s := &Server{
		svc:  svc,
		hub:  hub,
		log:  log.With("module", "server"),
		cfg:  cfg,
		auth: NewAuthenticator([]byte(cfg.JWTSecret), cfg.JWTIssuer),
	}
	if cfg.RateLimit > 0 {
		s.limiter = newUserLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		// The event stream hijacks the connection and must not be compressed.
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Compress(5))

			r.Route("/feeds", func(r chi.Router) {
				r.Get("/", s.handleListFeeds)
				r.Post("/", s.handleCreateFeed)
				r.Get("/due", s.handleDueFeeds)
				r.Route("/{feedID}", func(r chi.Router) {
					r.Get("/", s.handleGetFeed)
					r.Patch("/", s.handleUpdateFeed)
					r.Delete("/", s.handleDeleteFeed)
					r.Post("/pause", s.handlePauseFeed)
					r.Post("/resume", s.handleResumeFeed)
					r.Post("/refresh", s.handleRefreshFeed)
				})
			})

			r.Route("/categories", func(r chi.Router) {
				r.Get("/", s.handleListCategories)
				r.Post("/", s.handleCreateCategory)
				r.Patch("/{categoryID}", s.handleUpdateCategory)
				r.Delete("/{categoryID}", s.handleDeleteCategory)
			})

			r.Route("/entries", func(r chi.Router) {
				r.Get("/", s.handleListEntries)
				r.Post("/status", s.handleBatchStatus)
				r.Get("/{entryID}", s.handleGetEntry)
				r.Put("/{entryID}/status", s.handleSetStatus)
			})

			r.Get("/overview", s.handleOverview)
			r.Get("/jobs", s.handleJobs)
			r.Post("/opml/import", s.handleImportOPML)
			r.Get("/opml/export", s.handleExportOPML)
		})
	})

	s.router = r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Authenticator returns the token verifier of the server.
func (s *Server) Authenticator() *Authenticator {
	return s.auth
}

// Run serves HTTP until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info(ctx, "server starting", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info(ctx, "server stopped")
	return nil
}
