// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	ssoerrors "github.com/stacklok/ssogate/pkg/errors"
	"github.com/stacklok/ssogate/pkg/logger"
	"github.com/stacklok/ssogate/pkg/sso/clientcache"
	"github.com/stacklok/ssogate/pkg/sso/identity"
	"github.com/stacklok/ssogate/pkg/sso/provider"
	"github.com/stacklok/ssogate/pkg/sso/state"
	"github.com/stacklok/ssogate/pkg/sso/upstream"
	"github.com/stacklok/ssogate/pkg/storage"
)

// Manager runs login flows against the providers of a Directory.
type Manager struct {
	directory provider.Directory
	clients   ClientSource
	states    state.Store
	resolver  IdentityResolver

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metrics        *flowMetrics
	tracer         trace.Tracer
}

// Option configures a Manager.
type Option func(*Manager)

// WithMeterProvider records flow metrics on mp.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(m *Manager) {
		m.meterProvider = mp
	}
}

// WithTracerProvider records flow spans on tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		m.tracerProvider = tp
	}
}

// NewManager creates a Manager. All dependencies are required.
func NewManager(
	directory provider.Directory,
	clients ClientSource,
	states state.Store,
	resolver IdentityResolver,
	opts ...Option,
) (*Manager, error) {
	if directory == nil || clients == nil || states == nil || resolver == nil {
		return nil, errors.New("flow manager requires a directory, client source, state store and resolver")
	}

	m := &Manager{
		directory:      directory,
		clients:        clients,
		states:         states,
		resolver:       resolver,
		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
	for _, opt := range opts {
		opt(m)
	}

	fm, err := newFlowMetrics(m.meterProvider)
	if err != nil {
		return nil, err
	}
	m.metrics = fm
	m.tracer = m.tracerProvider.Tracer(instrumentationName)
	return m, nil
}

// BeginLogin validates the provider, obtains its client, records a fresh
// state and nonce, and returns the authorization URL to redirect the user to.
func (m *Manager) BeginLogin(ctx context.Context, providerID string) (_ *LoginRedirect, retErr error) {
	ctx, span := m.tracer.Start(ctx, "sso.begin_login",
		trace.WithAttributes(attrProvider.String(providerID)))
	defer func() {
		m.metrics.recordLogin(ctx, outcome(retErr))
		endSpan(span, retErr)
	}()

	p, err := m.loadProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if err := checkUsable(p); err != nil {
		return nil, err
	}

	client, err := m.client(ctx, p)
	if err != nil {
		return nil, err
	}

	st, nonce, err := m.states.Issue(ctx, p.ID)
	if err != nil {
		return nil, m.fail(ctx, ssoerrors.NewInternal("failed to record login state", err), p.ID)
	}

	logger.Debugw("issued login redirect", "provider_id", p.ID)
	return &LoginRedirect{
		Phase:      PhaseRedirectIssued,
		ProviderID: p.ID,
		URL:        client.AuthorizationURL(st, nonce),
		State:      st,
		Nonce:      nonce,
	}, nil
}

// HandleCallback verifies a provider callback and resolves the local user.
//
// The state is consumed before the authorization code is exchanged, so a
// forged, expired or replayed callback never reaches the provider.
func (m *Manager) HandleCallback(
	ctx context.Context, providerID string, params CallbackParams,
) (_ *Completion, retErr error) {
	ctx, span := m.tracer.Start(ctx, "sso.handle_callback",
		trace.WithAttributes(attrProvider.String(providerID)))
	defer func() {
		m.metrics.recordCallback(ctx, outcome(retErr))
		endSpan(span, retErr)
	}()

	if params.Code == "" && params.Error == "" {
		return nil, ssoerrors.New(ssoerrors.CodeMalformedCallback, "callback carries neither code nor error", nil)
	}

	p, err := m.loadProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}

	entry, err := m.states.Consume(ctx, params.State)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, m.fail(ctx, ssoerrors.NewInvalidState(err), providerID)
		}
		return nil, m.fail(ctx, ssoerrors.NewInternal("failed to consume login state", err), providerID)
	}
	if entry.ProviderID != p.ID {
		return nil, m.fail(ctx, ssoerrors.NewInvalidState(
			fmt.Errorf("state issued for provider %q", entry.ProviderID)), providerID)
	}

	if params.Error != "" {
		return nil, m.fail(ctx, ssoerrors.New(ssoerrors.CodeIDPError, "identity provider reported an error",
			fmt.Errorf("%s: %s", params.Error, params.ErrorDescription)), providerID)
	}
	if err := checkUsable(p); err != nil {
		return nil, err
	}

	client, err := m.client(ctx, p)
	if err != nil {
		return nil, err
	}

	tokens, err := client.Exchange(ctx, params.Code, entry.Nonce)
	if err != nil {
		return nil, m.fail(ctx, m.upstreamError(ctx, "authorization code exchange failed", err), providerID)
	}

	assertion, err := client.UserInfo(ctx, tokens)
	if err != nil {
		return nil, m.fail(ctx, m.upstreamError(ctx, "userinfo request failed", err), providerID)
	}
	if assertion.Email == "" {
		return nil, m.fail(ctx, ssoerrors.New(ssoerrors.CodeMissingEmail, "identity provider returned no email", nil), providerID)
	}
	span.AddEvent("identity verified")

	if err := ctx.Err(); err != nil {
		return nil, m.fail(ctx, ssoerrors.New(ssoerrors.CodeRequestCancelled, "request cancelled before resolution", err), providerID)
	}

	user, err := m.resolver.Resolve(ctx, assertion, p)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrSignupNotAllowed):
			return nil, m.fail(ctx, ssoerrors.New(ssoerrors.CodeSignupNotAllowed, "signup is not allowed for this provider", err), providerID)
		case ctx.Err() != nil:
			return nil, m.fail(ctx, ssoerrors.New(ssoerrors.CodeRequestCancelled, "request cancelled during resolution", err), providerID)
		default:
			return nil, m.fail(ctx, ssoerrors.New(ssoerrors.CodeResolutionFailed, "identity resolution failed", err), providerID)
		}
	}

	logger.Infow("single sign-on completed",
		"provider_id", p.ID,
		"workspace_id", p.WorkspaceID,
		"user_id", user.ID,
	)
	return &Completion{
		Phase:      PhaseCompleted,
		ProviderID: p.ID,
		User:       user,
		Assertion:  assertion,
	}, nil
}

func (m *Manager) loadProvider(ctx context.Context, providerID string) (*provider.Config, error) {
	p, err := m.directory.FindByID(ctx, providerID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ssoerrors.NewProviderNotFound(providerID)
		}
		return nil, m.fail(ctx, ssoerrors.NewInternal("failed to load provider", err), providerID)
	}
	return p, nil
}

func checkUsable(p *provider.Config) error {
	if !p.IsEnabled {
		return ssoerrors.NewProviderDisabled(p.ID)
	}
	if !p.IsOIDC() {
		return ssoerrors.NewInvalidProviderType(p.ID, string(p.Type))
	}
	return nil
}

func (m *Manager) client(ctx context.Context, p *provider.Config) (upstream.Client, error) {
	client, err := m.clients.Get(ctx, p)
	if err == nil {
		return client, nil
	}
	switch {
	case errors.Is(err, clientcache.ErrConfigInvalid):
		return nil, m.fail(ctx, ssoerrors.New(ssoerrors.CodeProviderMisconfigured, "provider is misconfigured", err), p.ID)
	case ctx.Err() != nil:
		return nil, m.fail(ctx, ssoerrors.New(ssoerrors.CodeRequestCancelled, "request cancelled during discovery", err), p.ID)
	default:
		return nil, m.fail(ctx, ssoerrors.New(ssoerrors.CodeDiscoveryFailed, "provider discovery failed", err), p.ID)
	}
}

func (*Manager) upstreamError(ctx context.Context, message string, err error) *ssoerrors.Error {
	if ctx.Err() != nil {
		return ssoerrors.New(ssoerrors.CodeRequestCancelled, "request cancelled while talking to provider", err)
	}
	return ssoerrors.New(ssoerrors.CodeExchangeFailed, message, err)
}

// fail logs the cause of err, which never leaves the process.
func (*Manager) fail(_ context.Context, err *ssoerrors.Error, providerID string) *ssoerrors.Error {
	logger.Warnw("single sign-on step failed",
		"provider_id", providerID,
		"code", err.Code,
		"kind", err.Kind,
		"error", err.Cause,
	)
	return err
}

func outcome(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	return ssoerrors.PublicCode(err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(attribute.String("error.type", ssoerrors.PublicCode(err)))
		span.SetStatus(codes.Error, ssoerrors.PublicCode(err))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
