// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/ssogate/pkg/sso/provider"
	"github.com/stacklok/ssogate/pkg/storage"
)

// ProviderStore implements provider.Directory using SQLite.
type ProviderStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ provider.Directory = (*ProviderStore)(nil)

// NewProviderStore creates a ProviderStore on db.
func NewProviderStore(db *DB) *ProviderStore {
	return &ProviderStore{db: db.DB(), now: time.Now}
}

const providerColumns = `id, workspace_id, name, type, creator_id, oidc_issuer, oidc_client_id,
	oidc_client_secret, is_enabled, allow_signup, group_sync, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProvider(row scanner) (*provider.Config, error) {
	var (
		p                               provider.Config
		typ                             string
		enabled, allowSignup, groupSync int
		createdAt, updatedAt            int64
	)
	if err := row.Scan(&p.ID, &p.WorkspaceID, &p.Name, &typ, &p.CreatorID, &p.Issuer, &p.ClientID,
		&p.ClientSecret, &enabled, &allowSignup, &groupSync, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Type = provider.Type(typ)
	p.IsEnabled = enabled != 0
	p.AllowSignup = allowSignup != 0
	p.GroupSync = groupSync != 0
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

// FindByID returns the non-deleted provider with id.
func (s *ProviderStore) FindByID(ctx context.Context, id string) (*provider.Config, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM auth_providers WHERE id = ? AND deleted_at IS NULL`, id)
	p, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying provider: %w", err)
	}
	return p, nil
}

// FindByWorkspace returns the non-deleted providers of workspaceID ordered by name.
func (s *ProviderStore) FindByWorkspace(ctx context.Context, workspaceID string) ([]*provider.Config, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+providerColumns+` FROM auth_providers
		 WHERE workspace_id = ? AND deleted_at IS NULL ORDER BY name, id`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("querying providers: %w", err)
	}
	defer rows.Close()

	var out []*provider.Config
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning provider: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating providers: %w", err)
	}
	return out, nil
}

// Save inserts p or replaces the stored record with the same ID. A
// soft-deleted record with that ID is revived.
func (s *ProviderStore) Save(ctx context.Context, p *provider.Config) error {
	if p.ID == "" || p.WorkspaceID == "" {
		return errors.New("provider id and workspace id are required")
	}
	now := toMillis(s.now())

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_providers (`+providerColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   workspace_id = excluded.workspace_id,
		   name = excluded.name,
		   type = excluded.type,
		   creator_id = excluded.creator_id,
		   oidc_issuer = excluded.oidc_issuer,
		   oidc_client_id = excluded.oidc_client_id,
		   oidc_client_secret = excluded.oidc_client_secret,
		   is_enabled = excluded.is_enabled,
		   allow_signup = excluded.allow_signup,
		   group_sync = excluded.group_sync,
		   updated_at = excluded.updated_at,
		   deleted_at = NULL`,
		p.ID, p.WorkspaceID, p.Name, string(p.Type), p.CreatorID, p.Issuer, p.ClientID,
		p.ClientSecret, boolToInt(p.IsEnabled), boolToInt(p.AllowSignup), boolToInt(p.GroupSync),
		now, now,
	)
	if err != nil {
		return fmt.Errorf("saving provider: %w", err)
	}
	return nil
}

// Delete soft-deletes the provider with id and the account links that point at it.
func (s *ProviderStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	now := toMillis(s.now())
	res, err := tx.ExecContext(ctx,
		`UPDATE auth_providers SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("deleting provider: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE auth_accounts SET deleted_at = ?, updated_at = ? WHERE auth_provider_id = ? AND deleted_at IS NULL`,
		now, now, id); err != nil {
		return fmt.Errorf("deleting account links: %w", err)
	}

	return tx.Commit()
}
