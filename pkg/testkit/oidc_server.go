// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package testkit

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
)

const (
	defaultClientID     = "ssogate-test-client"
	defaultClientSecret = "ssogate-test-secret"
	signingKeyID        = "testkit-key-1"
)

type pendingCode struct {
	nonce       string
	redirectURI string
	identity    Identity
}

// OIDCServer is a fake OpenID Connect provider backed by httptest.Server.
type OIDCServer struct {
	*httptest.Server

	clientID         string
	clientSecret     string
	omitUserInfo     bool
	tokenErrorStatus int
	forcedNonce      *string
	userInfoOverride map[string]any
	middlewares      []func(http.Handler) http.Handler

	key *rsa.PrivateKey

	mu           sync.Mutex
	identity     Identity
	codes        map[string]pendingCode
	accessTokens map[string]Identity

	discoveryHits atomic.Int32
	authorizeHits atomic.Int32
	tokenHits     atomic.Int32
	userInfoHits  atomic.Int32
}

// NewOIDCServer starts a fake provider and stops it when tb finishes.
func NewOIDCServer(tb testing.TB, options ...OIDCServerOption) *OIDCServer {
	tb.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		tb.Fatalf("failed to generate signing key: %v", err)
	}

	s := &OIDCServer{
		clientID:     defaultClientID,
		clientSecret: defaultClientSecret,
		key:          key,
		identity:     DefaultIdentity,
		codes:        make(map[string]pendingCode),
		accessTokens: make(map[string]Identity),
	}

	for _, option := range options {
		if err := option(s); err != nil {
			tb.Fatalf("failed to apply option: %v", err)
		}
	}

	router := chi.NewRouter()
	router.Use(append(
		[]func(http.Handler) http.Handler{middleware.Recoverer},
		s.middlewares...,
	)...)

	router.Get("/.well-known/openid-configuration", s.discoveryHandler)
	router.Get("/authorize", s.authorizeHandler)
	router.Post("/token", s.tokenHandler)
	router.Get("/userinfo", s.userInfoHandler)
	router.Get("/jwks", s.jwksHandler)

	s.Server = httptest.NewServer(router)
	tb.Cleanup(s.Close)
	return s
}

// Issuer returns the issuer URL advertised in discovery.
func (s *OIDCServer) Issuer() string { return s.URL }

// ClientID returns the accepted client ID.
func (s *OIDCServer) ClientID() string { return s.clientID }

// ClientSecret returns the accepted client secret.
func (s *OIDCServer) ClientSecret() string { return s.clientSecret }

// SetIdentity changes the user returned by subsequent authorizations.
func (s *OIDCServer) SetIdentity(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
}

// IssueCode registers an authorization code as though id had just signed in
// from a request carrying nonce and redirectURI.
func (s *OIDCServer) IssueCode(nonce, redirectURI string, id Identity) string {
	code := rand.Text()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = pendingCode{nonce: nonce, redirectURI: redirectURI, identity: id}
	return code
}

// DiscoveryCount returns how many discovery documents were served.
func (s *OIDCServer) DiscoveryCount() int { return int(s.discoveryHits.Load()) }

// AuthorizeCount returns how many authorization requests were received.
func (s *OIDCServer) AuthorizeCount() int { return int(s.authorizeHits.Load()) }

// TokenCount returns how many token requests were received.
func (s *OIDCServer) TokenCount() int { return int(s.tokenHits.Load()) }

// UserInfoCount returns how many userinfo requests were received.
func (s *OIDCServer) UserInfoCount() int { return int(s.userInfoHits.Load()) }

func (s *OIDCServer) discoveryHandler(w http.ResponseWriter, _ *http.Request) {
	s.discoveryHits.Add(1)
	doc := map[string]any{
		"issuer":                                s.URL,
		"authorization_endpoint":                s.URL + "/authorize",
		"token_endpoint":                        s.URL + "/token",
		"jwks_uri":                              s.URL + "/jwks",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      []string{"openid", "email", "profile"},
	}
	if !s.omitUserInfo {
		doc["userinfo_endpoint"] = s.URL + "/userinfo"
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *OIDCServer) authorizeHandler(w http.ResponseWriter, r *http.Request) {
	s.authorizeHits.Add(1)
	q := r.URL.Query()

	if q.Get("response_type") != "code" || q.Get("client_id") != s.clientID {
		http.Error(w, "unsupported authorization request", http.StatusBadRequest)
		return
	}
	redirectURI, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirectURI.Host == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	id := s.identity
	s.mu.Unlock()

	code := s.IssueCode(q.Get("nonce"), redirectURI.String(), id)

	back := redirectURI.Query()
	back.Set("code", code)
	back.Set("state", q.Get("state"))
	redirectURI.RawQuery = back.Encode()
	http.Redirect(w, r, redirectURI.String(), http.StatusFound)
}

func (s *OIDCServer) tokenHandler(w http.ResponseWriter, r *http.Request) {
	s.tokenHits.Add(1)

	if s.tokenErrorStatus != 0 {
		writeJSON(w, s.tokenErrorStatus, map[string]string{"error": "server_error"})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID, clientSecret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if clientID != s.clientID || clientSecret != s.clientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	code := r.PostForm.Get("code")
	s.mu.Lock()
	pending, found := s.codes[code]
	delete(s.codes, code)
	s.mu.Unlock()
	if !found || pending.redirectURI != r.PostForm.Get("redirect_uri") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}

	nonce := pending.nonce
	if s.forcedNonce != nil {
		nonce = *s.forcedNonce
	}
	idToken, err := s.signIDToken(pending.identity, nonce)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}

	accessToken := rand.Text()
	s.mu.Lock()
	s.accessTokens[accessToken] = pending.identity
	s.mu.Unlock()

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     idToken,
	})
}

func (s *OIDCServer) userInfoHandler(w http.ResponseWriter, r *http.Request) {
	s.userInfoHits.Add(1)

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	id, found := s.accessTokens[token]
	s.mu.Unlock()
	if !found {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	claims := id.claims()
	for k, v := range s.userInfoOverride {
		if v == nil {
			delete(claims, k)
			continue
		}
		claims[k] = v
	}
	writeJSON(w, http.StatusOK, claims)
}

func (s *OIDCServer) jwksHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &s.key.PublicKey,
		KeyID:     signingKeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (s *OIDCServer) signIDToken(id Identity, nonce string) (string, error) {
	signerOpts := &jose.SignerOptions{}
	signerOpts.WithHeader("kid", signingKeyID)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: s.key}, signerOpts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	now := time.Now()
	claims := maps.Clone(id.claims())
	claims["iss"] = s.URL
	claims["aud"] = s.clientID
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(time.Hour).Unix()
	if nonce != "" {
		claims["nonce"] = nonce
	}

	return jwt.Signed(signer).Claims(claims).CompactSerialize()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
