// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package identity turns an identity asserted by a provider into a local
// workspace user, creating the user when signup is allowed and keeping the
// user's link to the provider account current.
package identity

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=types.go UserStore,PasswordHasher

import (
	"context"
	"errors"
	"time"
)

// RoleMember is the role given to users created by single sign-on.
const RoleMember = "member"

var (
	// ErrSignupNotAllowed is returned when no user matches and the provider does not allow signup.
	ErrSignupNotAllowed = errors.New("signup is not allowed for this provider")

	// ErrResolutionFailed wraps storage and hashing failures during resolution.
	ErrResolutionFailed = errors.New("identity resolution failed")
)

// User is a workspace member.
type User struct {
	ID                   string
	WorkspaceID          string
	Email                string
	Name                 string
	Role                 string
	HasGeneratedPassword bool
	LastLoginAt          time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// NewUser describes a user to insert.
type NewUser struct {
	WorkspaceID          string
	Email                string
	Name                 string
	Role                 string
	PasswordHash         string
	HasGeneratedPassword bool
}

// AccountLink ties a local user to a subject at one provider.
type AccountLink struct {
	ID             string
	UserID         string
	ProviderID     string
	ProviderUserID string
	WorkspaceID    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UserStore persists users and account links. Lookups that match nothing
// return storage.ErrNotFound; InsertUser returns storage.ErrAlreadyExists
// when the (workspace, email) pair is taken.
type UserStore interface {
	FindByEmail(ctx context.Context, workspaceID, email string) (*User, error)
	InsertUser(ctx context.Context, user NewUser) (*User, error)
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error
	FindAccountLink(ctx context.Context, userID, providerID string) (*AccountLink, error)
	UpsertAccountLink(ctx context.Context, link AccountLink) (*AccountLink, error)
}

// PasswordHasher hashes the placeholder password of provisioned users.
type PasswordHasher interface {
	Hash(secret string) (string, error)
}
