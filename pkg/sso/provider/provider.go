// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package provider describes workspace-scoped identity provider records and
// the directory used to look them up.
package provider

//go:generate mockgen -destination=mocks/mock_directory.go -package=mocks -source=provider.go Directory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Type identifies the protocol a provider speaks.
type Type string

const (
	// TypeOIDC is an OpenID Connect provider using the authorization-code flow.
	TypeOIDC Type = "oidc"
	// TypeSAML is a SAML provider. Records of this type exist but cannot be used to log in here.
	TypeSAML Type = "saml"
	// TypeGoogle is Google Workspace sign-in, stored as OIDC against Google's issuer.
	TypeGoogle Type = "google"
)

// GoogleIssuer is the issuer used for TypeGoogle records.
const GoogleIssuer = "https://accounts.google.com"

// MaskedSecret replaces client secrets in listings.
const MaskedSecret = "********"

// ErrConfigInvalid is returned when an OIDC provider lacks issuer, client ID or client secret.
var ErrConfigInvalid = errors.New("provider is not properly configured")

// Config is a provider record as stored for a workspace.
type Config struct {
	ID          string
	WorkspaceID string
	Name        string
	Type        Type
	CreatorID   string

	Issuer       string
	ClientID     string
	ClientSecret string

	IsEnabled   bool
	AllowSignup bool
	GroupSync   bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsOIDC reports whether the record can drive the OIDC login flow.
func (c *Config) IsOIDC() bool {
	return c.Type == TypeOIDC
}

// ValidateOIDC checks the fields an OIDC client cannot be built without.
func (c *Config) ValidateOIDC() error {
	var missing []string
	if c.Issuer == "" {
		missing = append(missing, "issuer")
	}
	if c.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "client_secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: provider %q missing %v", ErrConfigInvalid, c.ID, missing)
	}
	return nil
}

// Normalize applies type presets. Google records become OIDC records bound
// to Google's issuer.
func (c *Config) Normalize() {
	if c.Type == TypeGoogle {
		c.Type = TypeOIDC
		if c.Issuer == "" {
			c.Issuer = GoogleIssuer
		}
	}
}

// Masked returns a copy safe to show to workspace members.
func (c *Config) Masked() *Config {
	cp := *c
	if cp.ClientSecret != "" {
		cp.ClientSecret = MaskedSecret
	}
	return &cp
}

// Directory resolves provider records. Soft-deleted records are never
// returned; a missing record yields storage.ErrNotFound.
type Directory interface {
	FindByID(ctx context.Context, id string) (*Config, error)
	FindByWorkspace(ctx context.Context, workspaceID string) ([]*Config, error)
}
