// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the sign-on flow over HTTP.
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

	"github.com/stacklok/ssogate/pkg/logger"
	"github.com/stacklok/ssogate/pkg/sso/flow"
	"github.com/stacklok/ssogate/pkg/sso/identity"
	"github.com/stacklok/ssogate/pkg/sso/provider"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// TokenIssuer issues the session token handed to a signed-in user.
type TokenIssuer interface {
	IssueSessionToken(user *identity.User) (string, error)
}

// FlowManager runs the two halves of a login.
type FlowManager interface {
	BeginLogin(ctx context.Context, providerID string) (*flow.LoginRedirect, error)
	HandleCallback(ctx context.Context, providerID string, params flow.CallbackParams) (*flow.Completion, error)
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker func(ctx context.Context) error

// Config holds the transport settings.
type Config struct {
	CookieName      string
	CookieSecure    bool
	SessionTTL      time.Duration
	SuccessRedirect string
	ErrorRedirect   string

	// MetricsPath and MetricsHandler mount a scrape endpoint when both are set.
	MetricsPath    string
	MetricsHandler http.Handler

	HealthChecks map[string]HealthChecker

	// LoginRateLimit is the sustained logins per second allowed per remote
	// address, with LoginBurst on top. Zero disables limiting.
	LoginRateLimit float64
	LoginBurst     int
}

// Server routes browser and API requests to the flow manager.
type Server struct {
	flow      FlowManager
	directory provider.Directory
	issuer    TokenIssuer
	cfg       Config
	now       func() time.Time
}

// New creates a Server.
func New(flowManager FlowManager, directory provider.Directory, issuer TokenIssuer, cfg Config) *Server {
	if cfg.CookieName == "" {
		cfg.CookieName = "authToken"
	}
	if cfg.SuccessRedirect == "" {
		cfg.SuccessRedirect = "/"
	}
	if cfg.ErrorRedirect == "" {
		cfg.ErrorRedirect = "/"
	}
	return &Server{
		flow:      flowManager,
		directory: directory,
		issuer:    issuer,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(middlewareTimeout),
	)

	r.Route("/sso", func(r chi.Router) {
		login := r.With()
		if s.cfg.LoginRateLimit > 0 {
			login = r.With(newIPRateLimiter(s.cfg.LoginRateLimit, s.cfg.LoginBurst).middleware)
		}
		login.Get("/oidc/{providerID}/login", s.login)
		r.Get("/oidc/{providerID}/callback", s.callback)
		r.Get("/workspaces/{workspaceID}/providers", errorHandler(s.listProviders))
	})
	r.Get("/health", s.health)

	if s.cfg.MetricsPath != "" && s.cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, s.cfg.MetricsPath, s.cfg.MetricsHandler)
	}
	return r
}

// Serve listens on address until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, address string, handler http.Handler) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("starting HTTP server", "address", listener.Addr().String())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server stopped with error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Infow("HTTP server stopped")
	return nil
}
