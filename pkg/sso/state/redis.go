// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/stacklok/ssogate/pkg/logger"
)

// Redis connection defaults.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	DefaultConnectAttempts      = 3
	DefaultConnectRetryInterval = 500 * time.Millisecond

	// DefaultKeyPrefix namespaces state keys.
	DefaultKeyPrefix = "ssogate:state:"
)

// maxIssueAttempts bounds retries when a generated state collides.
const maxIssueAttempts = 3

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int

	KeyPrefix string
	TTL       time.Duration

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ConnectAttempts bounds the initial ping, retried with exponential backoff.
	ConnectAttempts      uint
	ConnectRetryInterval time.Duration
}

// RedisStore is a Store shared by every replica pointing at the same Redis.
// Expiry is enforced by Redis, so no sweep goroutine runs.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	ownClient bool
}

var _ Store = (*RedisStore)(nil)

type storedEntry struct {
	Nonce      string `json:"nonce"`
	ProviderID string `json:"provider_id"`
	IssuedAt   int64  `json:"issued_at"`
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ConnectAttempts == 0 {
		cfg.ConnectAttempts = DefaultConnectAttempts
	}
	if cfg.ConnectRetryInterval == 0 {
		cfg.ConnectRetryInterval = DefaultConnectRetryInterval
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = cfg.ConnectRetryInterval
	expBackoff.Reset()

	_, err := backoff.Retry(ctx, func() (string, error) {
		return client.Ping(ctx).Result()
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(cfg.ConnectAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warnw("redis not reachable, retrying", "address", cfg.Address, "wait", wait, "error", err)
		}),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewRedisStoreWithClient(client, cfg.KeyPrefix, cfg.TTL)
	s.ownClient = true
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client. The client is not closed by Close.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

func (s *RedisStore) key(state string) string {
	return s.keyPrefix + state
}

// Issue records a fresh state and nonce for providerID with a server-side TTL.
func (s *RedisStore) Issue(ctx context.Context, providerID string) (string, string, error) {
	if providerID == "" {
		return "", "", errors.New("provider id is required")
	}

	nonce := newToken()
	data, err := json.Marshal(storedEntry{
		Nonce:      nonce,
		ProviderID: providerID,
		IssuedAt:   time.Now().UnixMilli(),
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal state entry: %w", err)
	}

	for range maxIssueAttempts {
		state := newToken()
		ok, err := s.client.SetNX(ctx, s.key(state), data, s.ttl).Result()
		if err != nil {
			return "", "", fmt.Errorf("failed to store state: %w", err)
		}
		if ok {
			return state, nonce, nil
		}
	}
	return "", "", errors.New("failed to allocate a unique state")
}

// Consume atomically fetches and deletes the entry for state.
func (s *RedisStore) Consume(ctx context.Context, state string) (*Entry, error) {
	if state == "" {
		return nil, ErrNotFound
	}

	data, err := s.client.GetDel(ctx, s.key(state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to consume state: %w", err)
	}

	var stored storedEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state entry: %w", err)
	}

	issuedAt := time.UnixMilli(stored.IssuedAt)
	if time.Since(issuedAt) > s.ttl {
		return nil, ErrNotFound
	}

	return &Entry{
		State:      state,
		Nonce:      stored.Nonce,
		ProviderID: stored.ProviderID,
		IssuedAt:   issuedAt,
	}, nil
}

// Close closes the client if this store created it.
func (s *RedisStore) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}
