// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/stacklok/ssogate/pkg/networking"
)

// Config binds an OIDC client to one provider record.
type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURI  string

	// Scopes defaults to DefaultScopes.
	Scopes []string
}

// Validate checks that Config has all required fields and valid values.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if u, err := url.Parse(c.Issuer); err != nil || u.Host == "" {
		return fmt.Errorf("invalid issuer URL %q", c.Issuer)
	}
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	if c.ClientSecret == "" {
		return errors.New("client_secret is required")
	}
	if c.RedirectURI == "" {
		return errors.New("redirect_uri is required")
	}
	return nil
}

// OIDCClient implements Client using go-oidc for discovery and ID token
// verification and x/oauth2 for the code exchange.
type OIDCClient struct {
	httpClient   *http.Client
	provider     *oidc.Provider
	verifier     *oidc.IDTokenVerifier
	oauth2Config *oauth2.Config
	endpoints    *discoveryDocument
}

var _ Client = (*OIDCClient)(nil)

// OIDCClientOption configures an OIDCClient.
type OIDCClientOption func(*OIDCClient)

// WithHTTPClient sets the HTTP client used for every call to the provider.
func WithHTTPClient(client *http.Client) OIDCClientOption {
	return func(c *OIDCClient) {
		c.httpClient = client
	}
}

// NewOIDCClient performs discovery against config.Issuer and returns a client
// bound to the discovered endpoints.
func NewOIDCClient(ctx context.Context, config *Config, opts ...OIDCClientOption) (*OIDCClient, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &OIDCClient{}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		httpClient, err := networking.NewHttpClientBuilder().Build()
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
		c.httpClient = httpClient
	}

	slog.Debug("discovering OIDC provider", "issuer", config.Issuer, "client_id", config.ClientID)

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, c.httpClient), config.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC endpoints: %w", err)
	}

	endpoints := &discoveryDocument{}
	if err := provider.Claims(endpoints); err != nil {
		return nil, fmt.Errorf("failed to extract provider claims: %w", err)
	}
	if err := validateDiscoveryDocument(endpoints, config.Issuer); err != nil {
		return nil, fmt.Errorf("invalid discovery document: %w", err)
	}

	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	// Credentials go in the form body; not every provider accepts Basic auth.
	providerEndpoint := provider.Endpoint()
	c.oauth2Config = &oauth2.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		RedirectURL:  config.RedirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   providerEndpoint.AuthURL,
			TokenURL:  providerEndpoint.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	c.provider = provider
	c.endpoints = endpoints
	c.verifier = provider.Verifier(&oidc.Config{ClientID: config.ClientID})

	slog.Debug("oidc client ready",
		"issuer", endpoints.Issuer,
		"has_userinfo", endpoints.UserinfoEndpoint != "",
	)
	return c, nil
}

// RedirectURI returns the callback URI registered with the provider.
func (c *OIDCClient) RedirectURI() string {
	return c.oauth2Config.RedirectURL
}

// AuthorizationURL builds the authorization-code request for state and nonce.
func (c *OIDCClient) AuthorizationURL(state, nonce string) string {
	return c.oauth2Config.AuthCodeURL(state, oidc.Nonce(nonce))
}

// Exchange redeems code and verifies the ID token signature, audience, expiry and nonce.
func (c *OIDCClient) Exchange(ctx context.Context, code, nonce string) (*Tokens, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}
	ctx = oidc.ClientContext(ctx, c.httpClient)

	token, err := c.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, ErrIDTokenMissing
	}

	idToken, err := c.validateIDToken(ctx, rawIDToken, nonce)
	if err != nil {
		return nil, err
	}

	claims := &standardClaims{}
	if err := idToken.Claims(claims); err != nil {
		return nil, fmt.Errorf("failed to decode ID token claims: %w", err)
	}

	return &Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      rawIDToken,
		ExpiresAt:    token.Expiry,
		Subject:      idToken.Subject,
		idClaims:     claims,
	}, nil
}

func (c *OIDCClient) validateIDToken(ctx context.Context, rawIDToken, nonce string) (*oidc.IDToken, error) {
	token, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	if nonce != "" {
		if token.Nonce == "" {
			return nil, ErrNonceMissing
		}
		if token.Nonce != nonce {
			return nil, ErrNonceMismatch
		}
	}
	return token, nil
}

// UserInfo fetches the userinfo document. Providers that advertise no
// userinfo endpoint are answered from the verified ID token claims.
func (c *OIDCClient) UserInfo(ctx context.Context, tokens *Tokens) (*Assertion, error) {
	if tokens == nil || tokens.Subject == "" {
		return nil, errors.New("verified tokens are required")
	}

	if c.provider.UserInfoEndpoint() == "" {
		if tokens.idClaims == nil {
			return nil, errors.New("provider has no userinfo endpoint and ID token claims are unavailable")
		}
		return tokens.idClaims.assertion(), nil
	}

	info, err := c.provider.UserInfo(
		oidc.ClientContext(ctx, c.httpClient),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tokens.AccessToken, TokenType: "Bearer"}),
	)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}

	claims := &standardClaims{}
	if err := info.Claims(claims); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo claims: %w", err)
	}
	if claims.Subject != tokens.Subject {
		return nil, ErrUserInfoSubjectMismatch
	}

	assertion := claims.assertion()
	if tokens.idClaims != nil {
		fillMissing(assertion, tokens.idClaims.assertion())
	}
	return assertion, nil
}

// fillMissing copies fields from fallback that dst leaves empty.
func fillMissing(dst, fallback *Assertion) {
	for _, f := range []struct{ dst *string; src string }{
		{&dst.Email, fallback.Email},
		{&dst.Name, fallback.Name},
		{&dst.GivenName, fallback.GivenName},
		{&dst.FamilyName, fallback.FamilyName},
		{&dst.Picture, fallback.Picture},
	} {
		if *f.dst == "" {
			*f.dst = f.src
		}
	}
}
