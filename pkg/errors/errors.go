// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the error taxonomy surfaced by the sign-on flow.
//
// Every failure leaving the flow orchestrator is an *Error carrying a Kind,
// used for logging and retry decisions, and a Code, the short token that is
// safe to hand back to a browser. The Cause is kept for logs only.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by who can act on it.
type Kind string

// Error kinds
const (
	// KindConfiguration means the provider record is missing, of the wrong type, or incomplete.
	KindConfiguration Kind = "configuration"

	// KindDiscovery means the issuer could not be reached or returned a bad document.
	KindDiscovery Kind = "discovery"

	// KindSecurity means the callback failed a state, nonce or claim check.
	KindSecurity Kind = "security"

	// KindPolicy means a workspace or provider policy refused the login.
	KindPolicy Kind = "policy"

	// KindUpstream means the identity provider failed or reported an error.
	KindUpstream Kind = "upstream"

	// KindInternal means a local failure such as storage.
	KindInternal Kind = "internal"
)

// Public error codes
const (
	CodeProviderNotFound      = "provider_not_found"
	CodeProviderDisabled      = "provider_disabled"
	CodeInvalidProviderType   = "invalid_provider_type"
	CodeProviderMisconfigured = "provider_misconfigured"
	CodeDiscoveryFailed       = "discovery_failed"
	CodeInvalidState          = "invalid_state"
	CodeMalformedCallback     = "malformed_callback"
	CodeIDPError              = "idp_error"
	CodeExchangeFailed        = "oidc_exchange_failed"
	CodeMissingEmail          = "missing_email"
	CodeSignupNotAllowed      = "signup_not_allowed"
	CodeResolutionFailed      = "resolution_failed"
	CodeRequestCancelled      = "request_cancelled"
	CodeInternal              = "internal_error"
)

var codeKinds = map[string]Kind{
	CodeProviderNotFound:      KindConfiguration,
	CodeInvalidProviderType:   KindConfiguration,
	CodeProviderMisconfigured: KindConfiguration,
	CodeDiscoveryFailed:       KindDiscovery,
	CodeInvalidState:          KindSecurity,
	CodeMalformedCallback:     KindSecurity,
	CodeMissingEmail:          KindSecurity,
	CodeProviderDisabled:      KindPolicy,
	CodeSignupNotAllowed:      KindPolicy,
	CodeExchangeFailed:        KindUpstream,
	CodeIDPError:              KindUpstream,
	CodeRequestCancelled:      KindUpstream,
	CodeResolutionFailed:      KindInternal,
	CodeInternal:              KindInternal,
}

// Error represents a classified sign-on failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an error for code. The kind is derived from the code; unknown
// codes are classified as internal.
func New(code, message string, cause error) *Error {
	kind, ok := codeKinds[code]
	if !ok {
		kind = KindInternal
	}
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewProviderNotFound creates a provider_not_found error.
func NewProviderNotFound(providerID string) *Error {
	return New(CodeProviderNotFound, fmt.Sprintf("provider %q not found", providerID), nil)
}

// NewProviderDisabled creates a provider_disabled error.
func NewProviderDisabled(providerID string) *Error {
	return New(CodeProviderDisabled, fmt.Sprintf("provider %q is disabled", providerID), nil)
}

// NewInvalidProviderType creates an invalid_provider_type error.
func NewInvalidProviderType(providerID, providerType string) *Error {
	return New(CodeInvalidProviderType,
		fmt.Sprintf("provider %q has type %q, expected oidc", providerID, providerType), nil)
}

// NewInvalidState creates an invalid_state error. Expired, unknown and
// replayed states all map here.
func NewInvalidState(cause error) *Error {
	return New(CodeInvalidState, "state is unknown, expired or already used", cause)
}

// NewInternal creates an internal_error.
func NewInternal(message string, cause error) *Error {
	return New(CodeInternal, message, cause)
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal if err is not classified.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of err, or an empty string if err is not classified.
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// PublicCode returns the code that may be shown to an end user.
func PublicCode(err error) string {
	if code := CodeOf(err); code != "" {
		return code
	}
	return CodeInternal
}

// IsCode reports whether err is classified with code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether a fresh login attempt might succeed without any
// configuration change.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindDiscovery, KindUpstream:
		return true
	case KindConfiguration, KindSecurity, KindPolicy, KindInternal:
		return false
	}
	return false
}
