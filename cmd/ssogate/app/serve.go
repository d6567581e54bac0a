// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacklok/ssogate/pkg/logger"
	"github.com/stacklok/ssogate/pkg/networking"
	"github.com/stacklok/ssogate/pkg/sso/clientcache"
	"github.com/stacklok/ssogate/pkg/sso/config"
	"github.com/stacklok/ssogate/pkg/sso/flow"
	"github.com/stacklok/ssogate/pkg/sso/identity"
	"github.com/stacklok/ssogate/pkg/sso/server"
	"github.com/stacklok/ssogate/pkg/sso/session"
	"github.com/stacklok/ssogate/pkg/sso/state"
	"github.com/stacklok/ssogate/pkg/sso/telemetry"
	"github.com/stacklok/ssogate/pkg/storage/sqlite"
)

const closeTimeout = 10 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Warnw("shutdown did not complete cleanly", "error", err)
		}
	}()

	return server.Serve(ctx, cfg.ListenAddress, rt.handler)
}

// runtime holds the components built from a configuration.
type runtime struct {
	handler   http.Handler
	providers *sqlite.ProviderStore
	cache     *clientcache.Cache
	closers   []func(context.Context) error
}

func newRuntime(ctx context.Context, cfg *config.Config) (_ *runtime, err error) {
	rt := &runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
		}
	}()

	db, err := sqlite.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func(context.Context) error { return db.Close() })
	rt.providers = sqlite.NewProviderStore(db)
	users := sqlite.NewUserStore(db)

	httpClient, err := networking.NewHttpClientBuilder().
		WithTimeout(cfg.HTTPTimeout).
		WithCABundle(cfg.CABundle).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP client: %w", err)
	}
	rt.cache, err = clientcache.New(cfg.BaseURL, clientcache.OIDCFactory(httpClient))
	if err != nil {
		return nil, err
	}

	if err := seedProviders(ctx, rt.providers, rt.cache, cfg.Providers); err != nil {
		return nil, err
	}

	states, err := newStateStore(ctx, cfg.State)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func(context.Context) error { return states.Close() })

	issuer, err := session.NewIssuer([]byte(cfg.Session.Secret), session.WithTTL(cfg.Session.TTL))
	if err != nil {
		return nil, fmt.Errorf("failed to create session issuer: %w", err)
	}

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:               cfg.Metrics.Enabled,
		IncludeRuntimeMetrics: true,
		TracingEndpoint:       cfg.Tracing.Endpoint,
		TracingInsecure:       cfg.Tracing.Insecure,
		SamplingRate:          cfg.Tracing.SamplingRate,
		ServiceVersion:        Version,
	})
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, tel.Shutdown)

	resolver := identity.NewResolver(users, identity.NewBcryptHasher())
	manager, err := flow.NewManager(rt.providers, rt.cache, states, resolver,
		flow.WithMeterProvider(tel.MeterProvider()),
		flow.WithTracerProvider(tel.TracerProvider()),
	)
	if err != nil {
		return nil, err
	}

	rt.handler = server.New(manager, rt.providers, issuer, server.Config{
		CookieName:      cfg.Session.CookieName,
		CookieSecure:    cfg.Session.Secure,
		SessionTTL:      issuer.TTL(),
		SuccessRedirect: cfg.SuccessRedirect,
		ErrorRedirect:   cfg.ErrorRedirect,
		MetricsPath:     cfg.Metrics.Path,
		MetricsHandler:  tel.Handler(),
		HealthChecks: map[string]server.HealthChecker{
			"database": db.DB().PingContext,
		},
		LoginRateLimit: cfg.RateLimit.LoginPerSecond,
		LoginBurst:     cfg.RateLimit.Burst,
	}).Handler()

	logger.Infow("ssogate configured",
		"base_url", cfg.BaseURL,
		"state_backend", cfg.State.Backend,
		"providers", len(cfg.Providers),
		"metrics", cfg.Metrics.Enabled,
		"tracing", cfg.Tracing.Endpoint != "")
	return rt, nil
}

// Close releases components in reverse order of creation.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func newStateStore(ctx context.Context, cfg config.StateConfig) (state.Store, error) {
	switch cfg.Backend {
	case config.StateBackendRedis:
		store, err := state.NewRedisStore(ctx, state.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect state store: %w", err)
		}
		return store, nil
	case config.StateBackendMemory, "":
		return state.NewMemoryStore(
			state.WithTTL(cfg.TTL),
			state.WithSweepInterval(cfg.SweepInterval),
		), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

// seedProviders writes configured providers to the directory and drops any
// client cached for a previous version of the record.
func seedProviders(ctx context.Context, store *sqlite.ProviderStore, cache *clientcache.Cache, seeds []config.ProviderSeed) error {
	for _, seed := range seeds {
		p := seed.ProviderConfig()
		if err := store.Save(ctx, p); err != nil {
			return fmt.Errorf("failed to seed provider %s: %w", p.ID, err)
		}
		cache.Invalidate(p.ID)
		logger.Debugw("seeded provider", "provider_id", p.ID, "workspace_id", p.WorkspaceID, "type", p.Type)
	}
	return nil
}
