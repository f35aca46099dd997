// Package server exposes the vault engine over HTTP. Routes are thin JSON
// adapters around engine operations; authorization and invariants live in the
// engine, the server only maps stable error codes to status codes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atharvalabs/refi/vault/pkg/engine"
)

// VersionInfo is the build identity reported by /version.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger *slog.Logger
	Engine *engine.Engine

	ListenAddr string
	Version    VersionInfo

	// Ready reports backend readiness (e.g. a database ping). Optional; when
	// nil, /readyz succeeds as soon as the server is listening.
	Ready func(ctx context.Context) error

	// RequestsPerMinute and Burst configure the per-IP rate limit on /api.
	// Zero values fall back to the defaults below.
	RequestsPerMinute int
	Burst             int

	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
}

const (
	defaultRequestsPerMinute = 300
	defaultBurst             = 30
)

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	return nil
}

type Server struct {
	log *slog.Logger
	cfg Config
	srv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{log: cfg.Logger, cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/version", s.handleVersion)
	r.Handle("/metrics", promhttp.Handler())

	limiter := newRateLimiter(cfg.RequestsPerMinute, cfg.Burst)
	r.Route("/api", func(r chi.Router) {
		r.Use(rateLimitMiddleware(limiter))

		r.Post("/pools", s.handleCreatePool)
		r.Get("/pools", s.handleListPools)

		r.Route("/pools/{address}", func(r chi.Router) {
			r.Get("/", s.handleGetPool)
			r.Get("/streams", s.handleStreamEvents)

			r.Post("/deposit", s.handleDeposit)
			r.Post("/stake", s.handleStake)
			r.Post("/unstake", s.handleUnstake)
			r.Post("/stream", s.handleStream)
			r.Post("/delegate", s.handleDelegate)
			r.Post("/undelegate", s.handleUndelegate)
			r.Post("/schedule", s.handleSchedule)
			r.Post("/withdraw/organization", s.handleOrganizationWithdraw)
			r.Post("/withdraw/supporter", s.handleSupporterWithdraw)
			r.Post("/shares/transfer", s.handleTransferShares)
		})
	})

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s, nil
}

// Handler returns the server's router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info("server: shutting down")
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return <-errCh
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			s.log.Warn("server: readiness check failed", "error", err)
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Version)
}
