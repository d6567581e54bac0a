// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream talks to an external OpenID Connect identity provider on
// behalf of one provider record: it discovers endpoints, builds authorization
// URLs, exchanges codes for verified ID tokens and fetches userinfo.
package upstream

import (
	"context"
	"errors"
	"time"
)

// DefaultScopes are requested on every authorization.
var DefaultScopes = []string{"openid", "email", "profile"}

var (
	// ErrNonceMismatch is returned when the ID token nonce differs from the one sent.
	ErrNonceMismatch = errors.New("ID token nonce does not match expected value")

	// ErrNonceMissing is returned when a nonce was sent but the ID token carries none.
	ErrNonceMissing = errors.New("ID token missing nonce claim when nonce was expected")

	// ErrIDTokenMissing is returned when the token response has no id_token.
	ErrIDTokenMissing = errors.New("token response did not include an ID token")

	// ErrUserInfoSubjectMismatch is returned when userinfo describes a different
	// subject than the ID token.
	ErrUserInfoSubjectMismatch = errors.New("userinfo subject does not match ID token subject")
)

// Tokens is the verified result of a code exchange.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    time.Time

	// Subject is the verified sub claim of the ID token.
	Subject string

	// idClaims are the ID token claims, used when the provider has no userinfo endpoint.
	idClaims *standardClaims
}

// Assertion is the identity asserted by the provider for one login.
type Assertion struct {
	Subject    string
	Email      string
	Name       string
	GivenName  string
	FamilyName string
	Picture    string
}

type standardClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified any    `json:"email_verified"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
}

func (c *standardClaims) assertion() *Assertion {
	return &Assertion{
		Subject:    c.Subject,
		Email:      c.Email,
		Name:       c.Name,
		GivenName:  c.GivenName,
		FamilyName: c.FamilyName,
		Picture:    c.Picture,
	}
}

// Client is an OIDC client bound to one provider's credentials and redirect URI.
type Client interface {
	// AuthorizationURL returns the URL the user agent is sent to.
	AuthorizationURL(state, nonce string) string

	// Exchange redeems code and verifies the returned ID token, including nonce.
	Exchange(ctx context.Context, code, nonce string) (*Tokens, error)

	// UserInfo returns the asserted identity for tokens obtained from Exchange.
	UserInfo(ctx context.Context, tokens *Tokens) (*Assertion, error)

	// RedirectURI returns the callback URI registered with the provider.
	RedirectURI() string
}
