// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package flow drives an OIDC authorization-code login from the redirect to
// the identity provider through callback verification and identity
// resolution.
package flow

import (
	"context"
	"net/url"

	"github.com/stacklok/ssogate/pkg/sso/identity"
	"github.com/stacklok/ssogate/pkg/sso/provider"
	"github.com/stacklok/ssogate/pkg/sso/upstream"
)

// Phase is the position of a login attempt in the flow.
type Phase string

// Login phases
const (
	PhaseNotStarted     Phase = "not_started"
	PhaseRedirectIssued Phase = "redirect_issued"
	PhaseVerified       Phase = "verified"
	PhaseRejected       Phase = "rejected"
	PhaseCompleted      Phase = "completed"
)

// LoginRedirect is the outcome of BeginLogin.
type LoginRedirect struct {
	Phase      Phase
	ProviderID string
	URL        string
	State      string
	Nonce      string
}

// CallbackParams are the query parameters of a provider callback.
type CallbackParams struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
}

// ParseCallbackParams extracts callback parameters from a query string.
func ParseCallbackParams(query url.Values) CallbackParams {
	return CallbackParams{
		State:            query.Get("state"),
		Code:             query.Get("code"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}
}

// Completion is the outcome of a successful callback.
type Completion struct {
	Phase      Phase
	ProviderID string
	User       *identity.User
	Assertion  *upstream.Assertion
}

// ClientSource returns a ready client for a provider.
type ClientSource interface {
	Get(ctx context.Context, p *provider.Config) (upstream.Client, error)
}

// IdentityResolver maps an asserted identity to a workspace user.
type IdentityResolver interface {
	Resolve(ctx context.Context, assertion *upstream.Assertion, p *provider.Config) (*identity.User, error)
}
