// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// timedEntry wraps a value with its creation time for TTL tracking.
type timedEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

// MemoryStore is a process-local Store with a background sweep.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*timedEntry[Entry]

	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	stopSweep chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

var _ Store = (*MemoryStore)(nil)

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithTTL sets how long an issued state stays consumable.
func WithTTL(ttl time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithSweepInterval sets how often expired entries are purged.
func WithSweepInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		if interval > 0 {
			s.sweepInterval = interval
		}
	}
}

// WithNowFunc replaces the clock. Intended for tests.
func WithNowFunc(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates a store and starts its sweep goroutine. Call Close
// to stop it.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries:       make(map[string]*timedEntry[Entry]),
		ttl:           DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.sweepLoop()

	return s
}

// Issue records a fresh state and nonce for providerID.
func (s *MemoryStore) Issue(ctx context.Context, providerID string) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	if providerID == "" {
		return "", "", errors.New("provider id is required")
	}

	nonce := newToken()
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	state := newToken()
	for _, taken := s.entries[state]; taken; _, taken = s.entries[state] {
		state = newToken()
	}
	s.entries[state] = &timedEntry[Entry]{
		value: Entry{
			State:      state,
			Nonce:      nonce,
			ProviderID: providerID,
			IssuedAt:   now,
		},
		createdAt: now,
		expiresAt: now.Add(s.ttl),
	}
	return state, nonce, nil
}

// Consume removes and returns the entry for state.
func (s *MemoryStore) Consume(_ context.Context, state string) (*Entry, error) {
	s.mu.Lock()
	te, ok := s.entries[state]
	if ok {
		delete(s.entries, state)
	}
	s.mu.Unlock()

	if !ok || s.now().After(te.expiresAt) {
		return nil, ErrNotFound
	}
	entry := te.value
	return &entry, nil
}

// Len returns the number of entries held, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep removes expired entries and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.now()

	s.mu.RLock()
	var expired []string
	for key, te := range s.entries {
		if now.After(te.expiresAt) {
			expired = append(expired, key)
		}
	}
	s.mu.RUnlock()

	removed := 0
	for _, key := range expired {
		s.mu.Lock()
		// recheck: the entry may have been consumed since the scan
		if te, ok := s.entries[key]; ok && now.After(te.expiresAt) {
			delete(s.entries, key)
			removed++
		}
		s.mu.Unlock()
	}

	if removed > 0 {
		slog.Debug("swept expired login states", "removed", removed)
	}
	return removed
}

// Close stops the sweep goroutine and waits for it to exit.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopSweep)
	})
	<-s.sweepDone
	return nil
}

func (s *MemoryStore) sweepLoop() {
	defer close(s.sweepDone)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
