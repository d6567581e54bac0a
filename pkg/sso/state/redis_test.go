// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreWithClient(client, "test:state:", ttl), mini
}

func TestRedisStore_IssueAndConsume(t *testing.T) {
	t.Parallel()
	s, mini := newTestRedisStore(t, time.Minute)

	state, nonce, err := s.Issue(t.Context(), "p1")
	require.NoError(t, err)
	assert.Regexp(t, tokenPattern, state)
	assert.True(t, mini.Exists("test:state:"+state))
	assert.Equal(t, time.Minute, mini.TTL("test:state:"+state))

	entry, err := s.Consume(t.Context(), state)
	require.NoError(t, err)
	assert.Equal(t, state, entry.State)
	assert.Equal(t, nonce, entry.Nonce)
	assert.Equal(t, "p1", entry.ProviderID)
	assert.WithinDuration(t, time.Now(), entry.IssuedAt, 5*time.Second)
	assert.False(t, mini.Exists("test:state:"+state))

	_, err = s.Consume(t.Context(), state)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_TTLBoundary(t *testing.T) {
	t.Parallel()

	t.Run("before expiry", func(t *testing.T) {
		t.Parallel()
		s, mini := newTestRedisStore(t, 10*time.Minute)
		state, _, err := s.Issue(t.Context(), "p1")
		require.NoError(t, err)

		mini.FastForward(10*time.Minute - time.Second)
		_, err = s.Consume(t.Context(), state)
		require.NoError(t, err)
	})

	t.Run("after expiry", func(t *testing.T) {
		t.Parallel()
		s, mini := newTestRedisStore(t, 10*time.Minute)
		state, _, err := s.Issue(t.Context(), "p1")
		require.NoError(t, err)

		mini.FastForward(10*time.Minute + time.Second)
		_, err = s.Consume(t.Context(), state)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRedisStore_ConcurrentConsumeSucceedsOnce(t *testing.T) {
	t.Parallel()
	s, _ := newTestRedisStore(t, time.Minute)

	state, _, err := s.Issue(t.Context(), "p1")
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Consume(context.Background(), state); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
}

func TestRedisStore_Errors(t *testing.T) {
	t.Parallel()

	t.Run("empty provider", func(t *testing.T) {
		t.Parallel()
		s, _ := newTestRedisStore(t, time.Minute)
		_, _, err := s.Issue(t.Context(), "")
		require.Error(t, err)
	})

	t.Run("empty state", func(t *testing.T) {
		t.Parallel()
		s, _ := newTestRedisStore(t, time.Minute)
		_, err := s.Consume(t.Context(), "")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("corrupt entry", func(t *testing.T) {
		t.Parallel()
		s, mini := newTestRedisStore(t, time.Minute)
		require.NoError(t, mini.Set("test:state:BROKEN", "{not json"))
		_, err := s.Consume(t.Context(), "BROKEN")
		require.ErrorContains(t, err, "unmarshal")
	})

	t.Run("server unavailable", func(t *testing.T) {
		t.Parallel()
		s, mini := newTestRedisStore(t, time.Minute)
		mini.Close()
		_, _, err := s.Issue(t.Context(), "p1")
		require.ErrorContains(t, err, "failed to store state")
	})
}

func TestNewRedisStore(t *testing.T) {
	t.Parallel()

	_, err := NewRedisStore(t.Context(), RedisConfig{})
	require.ErrorContains(t, err, "address is required")

	mini := miniredis.RunT(t)
	s, err := NewRedisStore(t.Context(), RedisConfig{Address: mini.Addr()})
	require.NoError(t, err)
	assert.Equal(t, DefaultKeyPrefix, s.keyPrefix)
	assert.Equal(t, DefaultTTL, s.ttl)

	state, _, err := s.Issue(t.Context(), "p1")
	require.NoError(t, err)
	assert.True(t, mini.Exists(DefaultKeyPrefix+state))
	require.NoError(t, s.Close())
}

func TestNewRedisStore_GivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	_, err := NewRedisStore(t.Context(), RedisConfig{
		Address:              "127.0.0.1:1",
		DialTimeout:          100 * time.Millisecond,
		ConnectAttempts:      2,
		ConnectRetryInterval: 10 * time.Millisecond,
	})
	require.ErrorContains(t, err, "failed to connect to redis")
}
