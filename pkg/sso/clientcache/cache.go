// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package clientcache keeps one discovered OIDC client per provider record.
//
// Entries never expire on their own. An entry is rebuilt when the provider's
// issuer or credentials change, and dropped by Invalidate. Failed discoveries
// are never cached, so the next login retries.
package clientcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/stacklok/ssogate/pkg/sso/provider"
	"github.com/stacklok/ssogate/pkg/sso/upstream"
)

var (
	// ErrConfigInvalid is returned when the provider lacks fields required to build a client.
	ErrConfigInvalid = provider.ErrConfigInvalid

	// ErrDiscoveryFailed is returned when issuer discovery or client construction fails.
	ErrDiscoveryFailed = errors.New("OIDC discovery failed")
)

// Factory builds a client for cfg, performing network discovery.
type Factory func(ctx context.Context, cfg *upstream.Config) (upstream.Client, error)

// OIDCFactory returns a Factory backed by upstream.NewOIDCClient. A nil
// httpClient selects the default builder.
func OIDCFactory(httpClient *http.Client) Factory {
	return func(ctx context.Context, cfg *upstream.Config) (upstream.Client, error) {
		var opts []upstream.OIDCClientOption
		if httpClient != nil {
			opts = append(opts, upstream.WithHTTPClient(httpClient))
		}
		return upstream.NewOIDCClient(ctx, cfg, opts...)
	}
}

type entry struct {
	client      upstream.Client
	fingerprint string
}

// Cache maps provider IDs to ready OIDC clients.
type Cache struct {
	baseURL string
	factory Factory

	mu      sync.RWMutex
	entries map[string]*entry
	group   singleflight.Group
}

// New creates a cache deriving redirect URIs from baseURL.
func New(baseURL string, factory Factory) (*Cache, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", baseURL)
	}
	if factory == nil {
		factory = OIDCFactory(nil)
	}
	return &Cache{
		baseURL: strings.TrimRight(baseURL, "/"),
		factory: factory,
		entries: make(map[string]*entry),
	}, nil
}

// RedirectURI returns the callback URI registered for providerID.
func (c *Cache) RedirectURI(providerID string) string {
	return c.baseURL + "/sso/oidc/" + url.PathEscape(providerID) + "/callback"
}

// Get returns the client for p, discovering it on first use.
func (c *Cache) Get(ctx context.Context, p *provider.Config) (upstream.Client, error) {
	if err := p.ValidateOIDC(); err != nil {
		return nil, err
	}

	fp := fingerprint(p)
	if client := c.lookup(p.ID, fp); client != nil {
		return client, nil
	}

	// The discovery is shared by every waiting caller, so it must not die with
	// whichever request happened to start it. The IdP HTTP client timeout bounds it.
	discoverCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(p.ID+"\x00"+fp, func() (any, error) {
		if client := c.lookup(p.ID, fp); client != nil {
			return client, nil
		}

		slog.Debug("building OIDC client", "provider_id", p.ID, "issuer", p.Issuer)
		client, err := c.factory(discoverCtx, &upstream.Config{
			Issuer:       p.Issuer,
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURI:  c.RedirectURI(p.ID),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: provider %q: %w", ErrDiscoveryFailed, p.ID, err)
		}

		c.mu.Lock()
		c.entries[p.ID] = &entry{client: client, fingerprint: fp}
		c.mu.Unlock()
		return client, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			slog.Debug("joined in-flight OIDC discovery", "provider_id", p.ID)
		}
		return res.Val.(upstream.Client), nil
	}
}

func (c *Cache) lookup(providerID, fp string) upstream.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[providerID]; ok && e.fingerprint == fp {
		return e.client
	}
	return nil
}

// Invalidate drops the client for providerID, if any.
func (c *Cache) Invalidate(providerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, providerID)
}

// Len returns the number of cached clients.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// fingerprint identifies the settings a client was built from.
func fingerprint(p *provider.Config) string {
	h := sha256.New()
	for _, part := range []string{p.Issuer, p.ClientID, p.ClientSecret} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
