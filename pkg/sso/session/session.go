// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session issues and verifies the signed session tokens handed to
// users after a successful single sign-on.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/ssogate/pkg/sso/identity"
)

const (
	// DefaultTTL is the lifetime of a session token.
	DefaultTTL = 24 * time.Hour

	// DefaultIssuer is the iss claim of issued tokens.
	DefaultIssuer = "ssogate"

	minSecretLength = 32
)

// ErrSecretTooShort is returned when the signing secret is weaker than 256 bits.
var ErrSecretTooShort = fmt.Errorf("session secret must be at least %d bytes", minSecretLength)

// Claims are the claims carried by a session token.
type Claims struct {
	jwt.RegisteredClaims
	WorkspaceID string `json:"workspace_id"`
	Email       string `json:"email"`
	Role        string `json:"role"`
}

// Issuer signs session tokens with HMAC-SHA256.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithTTL sets the token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithIssuerName sets the iss claim.
func WithIssuerName(name string) Option {
	return func(i *Issuer) {
		i.issuer = name
	}
}

// WithNowFunc replaces the time source.
func WithNowFunc(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

// NewIssuer creates an Issuer signing with secret.
func NewIssuer(secret []byte, opts ...Option) (*Issuer, error) {
	if len(secret) < minSecretLength {
		return nil, ErrSecretTooShort
	}
	i := &Issuer{
		secret: append([]byte(nil), secret...),
		ttl:    DefaultTTL,
		issuer: DefaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// TTL returns the lifetime of issued tokens.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// IssueSessionToken returns a signed token identifying user.
func (i *Issuer) IssueSessionToken(user *identity.User) (string, error) {
	if user == nil || user.ID == "" {
		return "", errors.New("cannot issue session token without a user")
	}
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		WorkspaceID: user.WorkspaceID,
		Email:       user.Email,
		Role:        user.Role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}
	return signed, nil
}

// Parse verifies token and returns its claims.
func (i *Issuer) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("parsing session token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("session token is not valid")
	}
	return claims, nil
}
