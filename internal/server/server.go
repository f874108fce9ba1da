// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keywarden Contributors

// Package server is keywarden's HTTP surface: the secret and
// deleted-secret routes of the emulated vault protocol, plus health and
// metrics. Handlers translate between wire shapes and the vault store;
// they never reach into record internals.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keywarden-dev/keywarden/internal/vault"
	wardenerr "github.com/keywarden-dev/keywarden/pkg/errors"
)

// Config holds HTTP server configuration.
type Config struct {
	ListenAddr   string
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server wraps a chi router over a vault store.
type Server struct {
	router chi.Router
	cfg    Config
	store  *vault.Store
	logger *slog.Logger
}

// New creates a Server with the vault routes, health endpoint, CORS, and
// optionally a /metrics endpoint for the given registry.
func New(cfg Config, store *vault.Store, reg *prometheus.Registry, logger *slog.Logger) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, wardenerr.New(wardenerr.CodeServerStartFailure, "listen address is required")
	}
	if store == nil {
		return nil, wardenerr.New(wardenerr.CodeServerStartFailure, "vault store is required")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		store:  store,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware(cfg.CORSOrigins))

	r.Get("/healthz", s.handleHealth)
	if reg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	r.Route("/secrets", func(r chi.Router) {
		r.Get("/", s.handleListSecrets)
		r.Route("/{name}", func(r chi.Router) {
			r.Put("/", s.handleSetSecret)
			r.Get("/", s.handleGetSecret)
			r.Patch("/", s.handleUpdateSecret)
			r.Delete("/", s.handleDeleteSecret)
			r.Get("/versions", s.handleListSecretVersions)
			r.Get("/{version}", s.handleGetSecret)
			r.Patch("/{version}", s.handleUpdateSecret)
		})
	})

	r.Route("/deletedsecrets", func(r chi.Router) {
		r.Get("/", s.handleListDeletedSecrets)
		r.Get("/{name}", s.handleGetDeletedSecret)
	})

	s.router = r
	return s, nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server and blocks until the context is cancelled,
// then performs graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodeServerStartFailure, "listening on %s", s.cfg.ListenAddr)
	}

	s.logger.Info("http server listening", "addr", ln.Addr().String())

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeServerShutdownFailure, "shutting down")
	}

	return <-errCh
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"store":  string(s.store.State()),
	})
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
