// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package state tracks outstanding login attempts.
//
// Each attempt is keyed by an unguessable state token and carries the nonce
// sent to the identity provider and the provider it was issued for. An entry
// can be consumed once; unknown, expired and already consumed states are
// indistinguishable to callers.
package state

import (
	"context"
	"crypto/rand"
	"errors"
	"time"
)

const (
	// DefaultTTL bounds how long a user may take at the identity provider.
	DefaultTTL = 10 * time.Minute

	// DefaultSweepInterval is how often the memory store purges expired entries.
	DefaultSweepInterval = 10 * time.Minute
)

// ErrNotFound is returned by Consume for unknown, expired or consumed states.
var ErrNotFound = errors.New("state not found")

// Entry is the data bound to one issued state.
type Entry struct {
	State      string
	Nonce      string
	ProviderID string
	IssuedAt   time.Time
}

// Store issues and consumes login state.
type Store interface {
	// Issue records a fresh state and nonce for providerID.
	Issue(ctx context.Context, providerID string) (state, nonce string, err error)

	// Consume atomically removes and returns the entry for state.
	Consume(ctx context.Context, state string) (*Entry, error)

	// Close releases background resources.
	Close() error
}

// newToken returns 130 bits of randomness in the URL-safe base32 alphabet.
func newToken() string {
	return rand.Text()
}
