// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/toolhive-core/httperr"

	ssoerrors "github.com/stacklok/ssogate/pkg/errors"
	"github.com/stacklok/ssogate/pkg/logger"
	"github.com/stacklok/ssogate/pkg/sso/flow"
	"github.com/stacklok/ssogate/pkg/sso/provider"
)

// handlerWithError lets handlers return errors carrying an HTTP status.
type handlerWithError func(http.ResponseWriter, *http.Request) error

func errorHandler(fn handlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}
		code := httperr.Code(err)
		if code >= http.StatusInternalServerError {
			logger.Errorw("request failed", "path", r.URL.Path, "error", err)
			http.Error(w, http.StatusText(code), code)
			return
		}
		http.Error(w, err.Error(), code)
	}
}

// retryAfterSeconds is advertised on failures a fresh attempt may get past.
const retryAfterSeconds = "30"

// statusFor maps an error kind to the status of a non-redirect response.
func statusFor(err error) int {
	if ssoerrors.IsRetryable(err) {
		return http.StatusBadGateway
	}
	switch ssoerrors.KindOf(err) {
	case ssoerrors.KindConfiguration, ssoerrors.KindPolicy, ssoerrors.KindSecurity:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeFlowError(w http.ResponseWriter, err error) {
	if ssoerrors.IsRetryable(err) {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	http.Error(w, ssoerrors.PublicCode(err), statusFor(err))
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "providerID")

	redirect, err := s.flow.BeginLogin(r.Context(), providerID)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "providerID")
	w.Header().Set("Cache-Control", "no-store")

	done, err := s.flow.HandleCallback(r.Context(), providerID, flow.ParseCallbackParams(r.URL.Query()))
	if err != nil {
		s.redirectError(w, r, ssoerrors.PublicCode(err))
		return
	}

	token, err := s.issuer.IssueSessionToken(done.User)
	if err != nil {
		logger.With("provider_id", providerID, "request_id", middleware.GetReqID(r.Context())).
			Error("failed to issue session token", "user_id", done.User.ID, "error", err)
		s.redirectError(w, r, ssoerrors.CodeInternal)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  s.now().Add(s.cfg.SessionTTL),
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.cfg.SuccessRedirect, http.StatusFound)
}

func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, code string) {
	target, err := url.Parse(s.cfg.ErrorRedirect)
	if err != nil {
		http.Error(w, code, http.StatusBadRequest)
		return
	}
	q := target.Query()
	q.Set("error", code)
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

type providerResponse struct {
	ID           string    `json:"id"`
	WorkspaceID  string    `json:"workspace_id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Issuer       string    `json:"issuer,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
	ClientSecret string    `json:"client_secret,omitempty"`
	AllowSignup  bool      `json:"allow_signup"`
	GroupSync    bool      `json:"group_sync"`
	LoginURL     string    `json:"login_url,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type providerListResponse struct {
	Providers []providerResponse `json:"providers"`
}

// listProviders returns the enabled providers of a workspace with secrets masked.
func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) error {
	workspaceID := chi.URLParam(r, "workspaceID")

	records, err := s.directory.FindByWorkspace(r.Context(), workspaceID)
	if err != nil {
		return httperr.WithCode(fmt.Errorf("failed to list providers: %w", err), http.StatusInternalServerError)
	}

	resp := providerListResponse{Providers: []providerResponse{}}
	for _, p := range records {
		if !p.IsEnabled {
			continue
		}
		resp.Providers = append(resp.Providers, toProviderResponse(p.Masked()))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return httperr.WithCode(fmt.Errorf("failed to encode providers: %w", err), http.StatusInternalServerError)
	}
	return nil
}

func toProviderResponse(p *provider.Config) providerResponse {
	out := providerResponse{
		ID:           p.ID,
		WorkspaceID:  p.WorkspaceID,
		Name:         p.Name,
		Type:         string(p.Type),
		Issuer:       p.Issuer,
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		AllowSignup:  p.AllowSignup,
		GroupSync:    p.GroupSync,
		UpdatedAt:    p.UpdatedAt,
	}
	if p.IsOIDC() {
		out.LoginURL = "/sso/oidc/" + url.PathEscape(p.ID) + "/login"
	}
	return out
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	for name, check := range s.cfg.HealthChecks {
		if err := check(r.Context()); err != nil {
			logger.Warnw("health check failed", "check", name, "error", err)
			http.Error(w, name+" unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
