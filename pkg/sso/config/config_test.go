// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/ssogate/pkg/sso/provider"
)

const validYAML = `
listen_address: ":9000"
base_url: "https://sso.example.com"
database_path: "/var/lib/ssogate/ssogate.db"
http_timeout: 10s
state:
  backend: redis
  ttl: 5m
  redis:
    address: "localhost:6379"
    db: 2
session:
  secret: "0123456789abcdef0123456789abcdef"
  ttl: 12h
providers:
  - id: okta
    workspace_id: ws-1
    name: Okta
    type: oidc
    issuer: https://example.okta.com
    client_id: client
    client_secret: secret
    enabled: true
    allow_signup: true
  - id: google
    workspace_id: ws-1
    name: Google
    type: Google
    client_id: g-client
    client_secret: g-secret
    enabled: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ssogate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func validConfig() *Config {
	return &Config{
		ListenAddress:   ":8080",
		BaseURL:         "https://sso.example.com",
		DatabasePath:    "ssogate.db",
		HTTPTimeout:     time.Second,
		ErrorRedirect:   "/",
		SuccessRedirect: "/",
		State:           StateConfig{Backend: StateBackendMemory, TTL: time.Minute, SweepInterval: time.Minute},
		Session:         SessionConfig{Secret: strings.Repeat("s", 32), TTL: time.Hour, CookieName: "authToken"},
		Metrics:         MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddress)
	assert.Equal(t, StateBackendMemory, cfg.State.Backend)
	assert.Equal(t, 10*time.Minute, cfg.State.TTL)
	assert.Equal(t, 10*time.Minute, cfg.State.SweepInterval)
	assert.Equal(t, "authToken", cfg.Session.CookieName)
	assert.True(t, cfg.Session.Secure)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Empty(t, cfg.Tracing.Endpoint)
	assert.InDelta(t, 0.1, cfg.Tracing.SamplingRate, 1e-9)
	assert.InDelta(t, 5.0, cfg.RateLimit.LoginPerSecond, 1e-9)
	assert.Equal(t, 20, cfg.RateLimit.Burst)
	assert.Empty(t, cfg.Providers)
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9000", cfg.ListenAddress)
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, StateBackendRedis, cfg.State.Backend)
	assert.Equal(t, 5*time.Minute, cfg.State.TTL)
	assert.Equal(t, "localhost:6379", cfg.State.Redis.Address)
	assert.Equal(t, 2, cfg.State.Redis.DB)
	assert.Equal(t, 12*time.Hour, cfg.Session.TTL)
	require.Len(t, cfg.Providers, 2)

	google := cfg.Providers[1].ProviderConfig()
	assert.Equal(t, provider.TypeOIDC, google.Type)
	assert.Equal(t, provider.GoogleIssuer, google.Issuer)
	assert.True(t, google.IsEnabled)
	assert.False(t, google.AllowSignup)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("SSOGATE_SESSION_SECRET", strings.Repeat("e", 32))
	t.Setenv("SSOGATE_STATE_TTL", "90s")
	t.Setenv("SSOGATE_LISTEN_ADDRESS", ":7000")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("e", 32), cfg.Session.Secret)
	assert.Equal(t, 90*time.Second, cfg.State.TTL)
	assert.Equal(t, ":7000", cfg.ListenAddress)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "relative base url", mutate: func(c *Config) { c.BaseURL = "sso.example.com" }, wantErr: "base_url"},
		{name: "short secret", mutate: func(c *Config) { c.Session.Secret = "short" }, wantErr: "session.secret"},
		{name: "unknown backend", mutate: func(c *Config) { c.State.Backend = "etcd" }, wantErr: "state.backend"},
		{
			name:    "redis without address",
			mutate:  func(c *Config) { c.State.Backend = StateBackendRedis },
			wantErr: "state.redis.address",
		},
		{
			name:    "sampling rate out of range",
			mutate:  func(c *Config) { c.Tracing.SamplingRate = 1.5 },
			wantErr: "tracing.sampling_rate",
		},
		{
			name:    "negative rate limit",
			mutate:  func(c *Config) { c.RateLimit.Burst = -1 },
			wantErr: "rate_limit",
		},
		{name: "zero ttl", mutate: func(c *Config) { c.State.TTL = 0 }, wantErr: "state.ttl"},
		{
			name:    "open redirect",
			mutate:  func(c *Config) { c.ErrorRedirect = "//evil.example.com" },
			wantErr: "error_redirect",
		},
		{
			name: "incomplete oidc provider",
			mutate: func(c *Config) {
				c.Providers = []ProviderSeed{{ID: "p", WorkspaceID: "ws", Type: "oidc", Issuer: "https://idp"}}
			},
			wantErr: "client_id",
		},
		{
			name: "duplicate provider",
			mutate: func(c *Config) {
				seed := ProviderSeed{ID: "p", WorkspaceID: "ws", Type: "saml"}
				c.Providers = []ProviderSeed{seed, seed}
			},
			wantErr: "duplicate id",
		},
		{
			name: "unknown provider type",
			mutate: func(c *Config) {
				c.Providers = []ProviderSeed{{ID: "p", WorkspaceID: "ws", Type: "ldap"}}
			},
			wantErr: "unknown type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
