// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/ssogate/pkg/sso/identity"
	"github.com/stacklok/ssogate/pkg/storage"
)

// UserStore implements identity.UserStore using SQLite.
type UserStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ identity.UserStore = (*UserStore)(nil)

// NewUserStore creates a UserStore on db.
func NewUserStore(db *DB) *UserStore {
	return &UserStore{db: db.DB(), now: time.Now}
}

const userColumns = `id, workspace_id, email, name, role, has_generated_password,
	last_login_at, created_at, updated_at`

func scanUser(row scanner) (*identity.User, error) {
	var (
		u                    identity.User
		generated            int
		lastLogin            sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&u.ID, &u.WorkspaceID, &u.Email, &u.Name, &u.Role, &generated,
		&lastLogin, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.HasGeneratedPassword = generated != 0
	u.LastLoginAt = fromNullMillis(lastLogin)
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return &u, nil
}

// FindByEmail returns the non-deleted user with email in workspaceID.
func (s *UserStore) FindByEmail(ctx context.Context, workspaceID, email string) (*identity.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE workspace_id = ? AND email = ? AND deleted_at IS NULL`,
		workspaceID, identity.NormalizeEmail(email))
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

// InsertUser stores a new user. It returns storage.ErrAlreadyExists when
// the workspace already has a user with that email.
func (s *UserStore) InsertUser(ctx context.Context, nu identity.NewUser) (*identity.User, error) {
	now := s.now().UTC()
	u := &identity.User{
		ID:                   uuid.NewString(),
		WorkspaceID:          nu.WorkspaceID,
		Email:                identity.NormalizeEmail(nu.Email),
		Name:                 nu.Name,
		Role:                 nu.Role,
		HasGeneratedPassword: nu.HasGeneratedPassword,
		CreatedAt:            fromMillis(toMillis(now)),
		UpdatedAt:            fromMillis(toMillis(now)),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, workspace_id, email, name, role, password_hash,
		   has_generated_password, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.WorkspaceID, u.Email, u.Name, u.Role, nu.PasswordHash,
		boolToInt(u.HasGeneratedPassword), toMillis(now), toMillis(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, storage.ErrAlreadyExists
		}
		return nil, fmt.Errorf("inserting user: %w", err)
	}
	return u, nil
}

// UpdateLastLogin records a login time for userID.
func (s *UserStore) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		toMillis(at), toMillis(at), userID)
	if err != nil {
		return fmt.Errorf("updating last login: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

const linkColumns = `id, user_id, auth_provider_id, provider_user_id, workspace_id, created_at, updated_at`

func scanLink(row scanner) (*identity.AccountLink, error) {
	var (
		l                    identity.AccountLink
		createdAt, updatedAt int64
	)
	if err := row.Scan(&l.ID, &l.UserID, &l.ProviderID, &l.ProviderUserID, &l.WorkspaceID,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	l.CreatedAt = fromMillis(createdAt)
	l.UpdatedAt = fromMillis(updatedAt)
	return &l, nil
}

// FindAccountLink returns the non-deleted link between userID and providerID.
func (s *UserStore) FindAccountLink(ctx context.Context, userID, providerID string) (*identity.AccountLink, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM auth_accounts
		 WHERE user_id = ? AND auth_provider_id = ? AND deleted_at IS NULL`,
		userID, providerID)
	l, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying account link: %w", err)
	}
	return l, nil
}

// UpsertAccountLink creates the link or updates the provider user ID of the
// existing one.
func (s *UserStore) UpsertAccountLink(ctx context.Context, link identity.AccountLink) (*identity.AccountLink, error) {
	now := toMillis(s.now())
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO auth_accounts (`+linkColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, auth_provider_id) WHERE deleted_at IS NULL DO UPDATE SET
		   provider_user_id = excluded.provider_user_id,
		   updated_at = excluded.updated_at
		 RETURNING `+linkColumns,
		uuid.NewString(), link.UserID, link.ProviderID, link.ProviderUserID, link.WorkspaceID, now, now,
	)
	stored, err := scanLink(row)
	if err != nil {
		return nil, fmt.Errorf("upserting account link: %w", err)
	}
	return stored, nil
}
