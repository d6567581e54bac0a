// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stacklok/ssogate/pkg/sso/provider"
	"github.com/stacklok/ssogate/pkg/sso/upstream"
	"github.com/stacklok/ssogate/pkg/storage"
)

// Resolver maps provider assertions to workspace users.
type Resolver struct {
	users  UserStore
	hasher PasswordHasher
	now    func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		r.now = now
	}
}

// NewResolver creates a Resolver. A nil hasher selects bcrypt.
func NewResolver(users UserStore, hasher PasswordHasher, opts ...ResolverOption) *Resolver {
	if hasher == nil {
		hasher = NewBcryptHasher()
	}
	r := &Resolver{users: users, hasher: hasher, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NormalizeEmail returns the form emails are stored and matched in.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Resolve finds or provisions the user for assertion in p's workspace, links
// the provider account and records the login.
//
// Resolution is idempotent: repeating it for the same assertion yields the
// same user and link.
func (r *Resolver) Resolve(ctx context.Context, assertion *upstream.Assertion, p *provider.Config) (*User, error) {
	if assertion == nil || assertion.Subject == "" {
		return nil, fmt.Errorf("%w: assertion has no subject", ErrResolutionFailed)
	}
	email := NormalizeEmail(assertion.Email)
	if email == "" {
		return nil, fmt.Errorf("%w: assertion has no email", ErrResolutionFailed)
	}

	user, err := r.findOrCreate(ctx, email, assertion, p)
	if err != nil {
		return nil, err
	}

	if err := r.link(ctx, user, assertion.Subject, p); err != nil {
		return nil, err
	}

	now := r.now()
	if err := r.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		return nil, fmt.Errorf("%w: updating last login: %w", ErrResolutionFailed, err)
	}
	user.LastLoginAt = now
	return user, nil
}

func (r *Resolver) findOrCreate(
	ctx context.Context, email string, assertion *upstream.Assertion, p *provider.Config,
) (*User, error) {
	user, err := r.users.FindByEmail(ctx, p.WorkspaceID, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: looking up user: %w", ErrResolutionFailed, err)
	}

	if !p.AllowSignup {
		slog.Info("refusing to provision user, signup disabled",
			"provider_id", p.ID,
			"workspace_id", p.WorkspaceID,
		)
		return nil, ErrSignupNotAllowed
	}

	hash, err := r.hasher.Hash(placeholderSecret())
	if err != nil {
		return nil, fmt.Errorf("%w: hashing placeholder password: %w", ErrResolutionFailed, err)
	}

	user, err = r.users.InsertUser(ctx, NewUser{
		WorkspaceID:          p.WorkspaceID,
		Email:                email,
		Name:                 displayName(assertion, email),
		Role:                 RoleMember,
		PasswordHash:         hash,
		HasGeneratedPassword: true,
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		// A concurrent login for the same email won the insert.
		user, err = r.users.FindByEmail(ctx, p.WorkspaceID, email)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: creating user: %w", ErrResolutionFailed, err)
	}

	slog.Info("provisioned user from single sign-on",
		"user_id", user.ID,
		"provider_id", p.ID,
		"workspace_id", p.WorkspaceID,
	)
	return user, nil
}

func (r *Resolver) link(ctx context.Context, user *User, subject string, p *provider.Config) error {
	existing, err := r.users.FindAccountLink(ctx, user.ID, p.ID)
	switch {
	case err == nil && existing.ProviderUserID == subject:
		return nil
	case err == nil:
		slog.Warn("provider subject changed for linked account",
			"user_id", user.ID,
			"provider_id", p.ID,
		)
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: looking up account link: %w", ErrResolutionFailed, err)
	}

	if _, err := r.users.UpsertAccountLink(ctx, AccountLink{
		UserID:         user.ID,
		ProviderID:     p.ID,
		ProviderUserID: subject,
		WorkspaceID:    p.WorkspaceID,
	}); err != nil {
		return fmt.Errorf("%w: saving account link: %w", ErrResolutionFailed, err)
	}
	return nil
}

// displayName prefers the asserted name, then given and family names, then
// the local part of the email.
func displayName(a *upstream.Assertion, email string) string {
	if name := strings.TrimSpace(a.Name); name != "" {
		return name
	}
	if name := strings.TrimSpace(a.GivenName + " " + a.FamilyName); name != "" {
		return name
	}
	local, _, _ := strings.Cut(email, "@")
	return local
}
