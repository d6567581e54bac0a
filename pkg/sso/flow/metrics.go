// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/stacklok/ssogate/pkg/sso/flow"

// Metric names
const (
	MetricLoginAttempts    = "ssogate_login_attempts"
	MetricCallbackOutcomes = "ssogate_callback_outcomes"
)

// OutcomeSuccess labels a flow step that completed without error.
const OutcomeSuccess = "success"

var (
	attrOutcome  = attribute.Key("outcome")
	attrProvider = attribute.Key("provider_id")
)

type flowMetrics struct {
	loginAttempts    metric.Int64Counter
	callbackOutcomes metric.Int64Counter
}

func newFlowMetrics(meterProvider metric.MeterProvider) (*flowMetrics, error) {
	meter := meterProvider.Meter(instrumentationName)

	loginAttempts, err := meter.Int64Counter(
		MetricLoginAttempts,
		metric.WithDescription("Login redirects requested, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create login attempts counter: %w", err)
	}
	callbackOutcomes, err := meter.Int64Counter(
		MetricCallbackOutcomes,
		metric.WithDescription("Provider callbacks handled, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create callback outcomes counter: %w", err)
	}

	return &flowMetrics{
		loginAttempts:    loginAttempts,
		callbackOutcomes: callbackOutcomes,
	}, nil
}

// Provider IDs come from request paths, so they label spans only.
func (m *flowMetrics) recordLogin(ctx context.Context, outcome string) {
	m.loginAttempts.Add(ctx, 1, metric.WithAttributes(attrOutcome.String(outcome)))
}

func (m *flowMetrics) recordCallback(ctx context.Context, outcome string) {
	m.callbackOutcomes.Add(ctx, 1, metric.WithAttributes(attrOutcome.String(outcome)))
}
