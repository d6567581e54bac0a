// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/ssogate/pkg/storage"
)

// MemoryStore is an in-process UserStore for development and tests; the
// server persists users in SQLite. Values are copied on the way in and out so
// callers cannot mutate stored records.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*User // by ID
	// byEmail indexes users by workspace and normalized email.
	byEmail map[string]string
	links   map[string]*AccountLink // by linkKey
	now     func() time.Time
}

var _ UserStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*User),
		byEmail: make(map[string]string),
		links:   make(map[string]*AccountLink),
		now:     time.Now,
	}
}

// emailKey and linkKey length-prefix their first component so that distinct
// pairs never produce the same key.
func emailKey(workspaceID, email string) string {
	return fmt.Sprintf("%d:%s:%s", len(workspaceID), workspaceID, email)
}

func linkKey(userID, providerID string) string {
	return fmt.Sprintf("%d:%s:%s", len(userID), userID, providerID)
}

// FindByEmail returns the user with email in workspaceID.
func (s *MemoryStore) FindByEmail(_ context.Context, workspaceID, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[emailKey(workspaceID, NormalizeEmail(email))]
	if !ok {
		return nil, storage.ErrNotFound
	}
	u := *s.users[id]
	return &u, nil
}

// InsertUser stores a new user.
func (s *MemoryStore) InsertUser(_ context.Context, nu NewUser) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := emailKey(nu.WorkspaceID, NormalizeEmail(nu.Email))
	if _, taken := s.byEmail[key]; taken {
		return nil, storage.ErrAlreadyExists
	}

	now := s.now()
	u := &User{
		ID:                   uuid.NewString(),
		WorkspaceID:          nu.WorkspaceID,
		Email:                NormalizeEmail(nu.Email),
		Name:                 nu.Name,
		Role:                 nu.Role,
		HasGeneratedPassword: nu.HasGeneratedPassword,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	s.users[u.ID] = u
	s.byEmail[key] = u.ID

	out := *u
	return &out, nil
}

// UpdateLastLogin records a login time for userID.
func (s *MemoryStore) UpdateLastLogin(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	u.LastLoginAt = at
	u.UpdatedAt = at
	return nil
}

// FindAccountLink returns the link between userID and providerID.
func (s *MemoryStore) FindAccountLink(_ context.Context, userID, providerID string) (*AccountLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.links[linkKey(userID, providerID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *l
	return &out, nil
}

// UpsertAccountLink creates the link or updates its provider user ID.
func (s *MemoryStore) UpsertAccountLink(_ context.Context, link AccountLink) (*AccountLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[link.UserID]; !ok {
		return nil, fmt.Errorf("user %q: %w", link.UserID, storage.ErrNotFound)
	}

	now := s.now()
	key := linkKey(link.UserID, link.ProviderID)
	if existing, ok := s.links[key]; ok {
		existing.ProviderUserID = link.ProviderUserID
		existing.UpdatedAt = now
		out := *existing
		return &out, nil
	}

	stored := link
	stored.ID = uuid.NewString()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.links[key] = &stored
	out := stored
	return &out, nil
}

// Stats returns the number of users and links held.
func (s *MemoryStore) Stats() (users, links int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users), len(s.links)
}
