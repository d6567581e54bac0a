// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package testkit provides testing utilities for ssogate.
//
// Its sole purpose is to spin up an in-process OpenID Connect identity
// provider that speaks just enough of the protocol for the sign-on flow:
// discovery, an authorization endpoint that immediately redirects back with
// a code, a token endpoint that returns RS256-signed ID tokens, a userinfo
// endpoint and a JWKS endpoint.
//
// The file `pkg/testkit/testkit_test.go` exemplifies how to drive a full
// authorization-code round trip against it.
package testkit

import (
	"fmt"
	"net/http"
)

// Identity is the end user the fake provider authenticates.
type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	GivenName     string
	FamilyName    string
	Picture       string
}

// claims renders the identity as OIDC standard claims, omitting empty values.
func (i Identity) claims() map[string]any {
	out := map[string]any{"sub": i.Subject}
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("email", i.Email)
	set("name", i.Name)
	set("given_name", i.GivenName)
	set("family_name", i.FamilyName)
	set("picture", i.Picture)
	if i.Email != "" {
		out["email_verified"] = i.EmailVerified
	}
	return out
}

// DefaultIdentity is returned by the authorization endpoint until SetIdentity is called.
var DefaultIdentity = Identity{
	Subject:       "idp-user-1",
	Email:         "ada@example.com",
	EmailVerified: true,
	Name:          "Ada Lovelace",
	GivenName:     "Ada",
	FamilyName:    "Lovelace",
}

// OIDCServerOption configures an OIDCServer before it starts serving.
type OIDCServerOption func(*OIDCServer) error

// WithClient sets the client credentials the token endpoint accepts.
func WithClient(clientID, clientSecret string) OIDCServerOption {
	return func(s *OIDCServer) error {
		if clientID == "" || clientSecret == "" {
			return fmt.Errorf("client id and secret are required")
		}
		s.clientID = clientID
		s.clientSecret = clientSecret
		return nil
	}
}

// WithoutUserInfoEndpoint omits userinfo_endpoint from discovery.
func WithoutUserInfoEndpoint() OIDCServerOption {
	return func(s *OIDCServer) error {
		s.omitUserInfo = true
		return nil
	}
}

// WithTokenError makes the token endpoint fail with status.
func WithTokenError(status int) OIDCServerOption {
	return func(s *OIDCServer) error {
		if status < http.StatusBadRequest {
			return fmt.Errorf("status %d is not an error", status)
		}
		s.tokenErrorStatus = status
		return nil
	}
}

// WithIDTokenNonce forces the nonce embedded in every ID token.
func WithIDTokenNonce(nonce string) OIDCServerOption {
	return func(s *OIDCServer) error {
		s.forcedNonce = &nonce
		return nil
	}
}

// WithUserInfoOverride replaces claims in userinfo responses after the
// identity's own claims are rendered. A nil value deletes the claim.
func WithUserInfoOverride(claims map[string]any) OIDCServerOption {
	return func(s *OIDCServer) error {
		s.userInfoOverride = claims
		return nil
	}
}

// WithMiddlewares wraps every endpoint in the given middlewares.
func WithMiddlewares(middlewares ...func(http.Handler) http.Handler) OIDCServerOption {
	return func(s *OIDCServer) error {
		if len(s.middlewares) > 0 {
			return fmt.Errorf("middlewares already set")
		}
		s.middlewares = middlewares
		return nil
	}
}
