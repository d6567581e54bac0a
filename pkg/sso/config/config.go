// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the ssogate server configuration from a YAML file and
// SSOGATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/ssogate/pkg/sso/provider"
	"github.com/stacklok/ssogate/pkg/sso/state"
)

// EnvPrefix prefixes environment overrides, e.g. SSOGATE_SESSION_SECRET.
const EnvPrefix = "SSOGATE"

// State store backends
const (
	StateBackendMemory = "memory"
	StateBackendRedis  = "redis"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete server configuration.
type Config struct {
	ListenAddress   string         `mapstructure:"listen_address"`
	BaseURL         string         `mapstructure:"base_url"`
	DatabasePath    string         `mapstructure:"database_path"`
	HTTPTimeout     time.Duration  `mapstructure:"http_timeout"`
	CABundle        string         `mapstructure:"ca_bundle"`
	ErrorRedirect   string         `mapstructure:"error_redirect"`
	SuccessRedirect string         `mapstructure:"success_redirect"`
	State           StateConfig    `mapstructure:"state"`
	Session         SessionConfig  `mapstructure:"session"`
	Metrics         MetricsConfig  `mapstructure:"metrics"`
	Tracing         TracingConfig  `mapstructure:"tracing"`
	RateLimit       RateLimit      `mapstructure:"rate_limit"`
	Providers       []ProviderSeed `mapstructure:"providers"`
}

// StateConfig selects and tunes the login state store.
type StateConfig struct {
	Backend       string        `mapstructure:"backend"`
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Redis         RedisConfig   `mapstructure:"redis"`
}

// RedisConfig addresses the Redis server used by the redis state backend.
type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// SessionConfig controls the session token and its cookie.
type SessionConfig struct {
	Secret     string        `mapstructure:"secret"`
	TTL        time.Duration `mapstructure:"ttl"`
	CookieName string        `mapstructure:"cookie_name"`
	Secure     bool          `mapstructure:"secure"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// TracingConfig controls OTLP span export.
type TracingConfig struct {
	Endpoint     string  `mapstructure:"endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

// RateLimit bounds how fast one remote address may start logins.
type RateLimit struct {
	LoginPerSecond float64 `mapstructure:"login_per_second"`
	Burst          int     `mapstructure:"burst"`
}

// ProviderSeed is a provider record written to the directory at startup.
type ProviderSeed struct {
	ID           string `mapstructure:"id"`
	WorkspaceID  string `mapstructure:"workspace_id"`
	Name         string `mapstructure:"name"`
	Type         string `mapstructure:"type"`
	Issuer       string `mapstructure:"issuer"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Enabled      bool   `mapstructure:"enabled"`
	AllowSignup  bool   `mapstructure:"allow_signup"`
	GroupSync    bool   `mapstructure:"group_sync"`
}

// ProviderConfig converts the seed into a normalized provider record.
func (s ProviderSeed) ProviderConfig() *provider.Config {
	p := &provider.Config{
		ID:           s.ID,
		WorkspaceID:  s.WorkspaceID,
		Name:         s.Name,
		Type:         provider.Type(strings.ToLower(s.Type)),
		Issuer:       s.Issuer,
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		IsEnabled:    s.Enabled,
		AllowSignup:  s.AllowSignup,
		GroupSync:    s.GroupSync,
	}
	p.Normalize()
	return p
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_address", ":8080")
	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("database_path", "ssogate.db")
	v.SetDefault("http_timeout", 30*time.Second)
	v.SetDefault("ca_bundle", "")
	v.SetDefault("error_redirect", "/")
	v.SetDefault("success_redirect", "/")

	v.SetDefault("state.backend", StateBackendMemory)
	v.SetDefault("state.ttl", state.DefaultTTL)
	v.SetDefault("state.sweep_interval", state.DefaultSweepInterval)
	v.SetDefault("state.redis.address", "")
	v.SetDefault("state.redis.username", "")
	v.SetDefault("state.redis.password", "")
	v.SetDefault("state.redis.db", 0)
	v.SetDefault("state.redis.key_prefix", "")

	v.SetDefault("session.secret", "")
	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.cookie_name", "authToken")
	v.SetDefault("session.secure", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.sampling_rate", 0.1)

	v.SetDefault("rate_limit.login_per_second", 5.0)
	v.SetDefault("rate_limit.burst", 20)
}

// Load reads the configuration at path, or only defaults and environment
// when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read configuration %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var problems []string

	if c.ListenAddress == "" {
		problems = append(problems, "listen_address is required")
	}
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Sprintf("base_url %q must be an absolute URL", c.BaseURL))
	}
	if c.DatabasePath == "" {
		problems = append(problems, "database_path is required")
	}
	if c.HTTPTimeout <= 0 {
		problems = append(problems, "http_timeout must be positive")
	}
	if !isLocalPath(c.ErrorRedirect) {
		problems = append(problems, "error_redirect must be a local path")
	}
	if !isLocalPath(c.SuccessRedirect) {
		problems = append(problems, "success_redirect must be a local path")
	}

	problems = append(problems, c.State.validate()...)

	if len(c.Session.Secret) < 32 {
		problems = append(problems, "session.secret must be at least 32 bytes")
	}
	if c.Session.TTL <= 0 {
		problems = append(problems, "session.ttl must be positive")
	}
	if c.Session.CookieName == "" {
		problems = append(problems, "session.cookie_name is required")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		problems = append(problems, "metrics.path must start with /")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		problems = append(problems, "tracing.sampling_rate must be between 0 and 1")
	}
	if c.RateLimit.LoginPerSecond < 0 || c.RateLimit.Burst < 0 {
		problems = append(problems, "rate_limit values must not be negative")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, seed := range c.Providers {
		if seed.ID == "" || seed.WorkspaceID == "" {
			problems = append(problems, fmt.Sprintf("providers[%d]: id and workspace_id are required", i))
			continue
		}
		if seen[seed.ID] {
			problems = append(problems, fmt.Sprintf("providers[%d]: duplicate id %q", i, seed.ID))
		}
		seen[seed.ID] = true

		p := seed.ProviderConfig()
		switch p.Type {
		case provider.TypeOIDC:
			if err := p.ValidateOIDC(); err != nil {
				problems = append(problems, fmt.Sprintf("providers[%d]: %v", i, err))
			}
		case provider.TypeSAML:
		default:
			problems = append(problems, fmt.Sprintf("providers[%d]: unknown type %q", i, seed.Type))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(problems, "\n  - "))
	}
	return nil
}

// isLocalPath rejects absolute and protocol-relative URLs so redirects stay on this host.
func isLocalPath(target string) bool {
	return strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "//")
}

func (s StateConfig) validate() []string {
	var problems []string
	switch s.Backend {
	case StateBackendMemory:
		if s.SweepInterval <= 0 {
			problems = append(problems, "state.sweep_interval must be positive")
		}
	case StateBackendRedis:
		if s.Redis.Address == "" {
			problems = append(problems, "state.redis.address is required for the redis backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("state.backend %q must be %q or %q",
			s.Backend, StateBackendMemory, StateBackendRedis))
	}
	if s.TTL <= 0 {
		problems = append(problems, "state.ttl must be positive")
	}
	return problems
}
