// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package clientcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/ssogate/pkg/sso/provider"
	"github.com/stacklok/ssogate/pkg/sso/upstream"
	"github.com/stacklok/ssogate/pkg/testkit"
)

type fakeClient struct {
	cfg upstream.Config
}

func (f *fakeClient) AuthorizationURL(state, _ string) string { return f.cfg.Issuer + "?state=" + state }
func (*fakeClient) Exchange(context.Context, string, string) (*upstream.Tokens, error) {
	return nil, errors.New("not implemented")
}
func (*fakeClient) UserInfo(context.Context, *upstream.Tokens) (*upstream.Assertion, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeClient) RedirectURI() string { return f.cfg.RedirectURI }

type countingFactory struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (f *countingFactory) build(_ context.Context, cfg *upstream.Config) (upstream.Client, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, errors.New("connection refused")
	}
	return &fakeClient{cfg: *cfg}, nil
}

func oidcProvider(id string) *provider.Config {
	return &provider.Config{
		ID:           id,
		WorkspaceID:  "ws-1",
		Type:         provider.TypeOIDC,
		Issuer:       "https://idp.example.com",
		ClientID:     "client-" + id,
		ClientSecret: "secret-" + id,
		IsEnabled:    true,
	}
}

func newCache(t *testing.T, f *countingFactory) *Cache {
	t.Helper()
	c, err := New("https://app.example.com/", f.build)
	require.NoError(t, err)
	return c
}

func TestNew_RequiresAbsoluteBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New("app.example.com", nil)
	require.Error(t, err)

	c, err := New("http://localhost:8080", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/sso/oidc/p%2F1/callback", c.RedirectURI("p/1"))
}

func TestCache_GetIsIdempotent(t *testing.T) {
	t.Parallel()
	f := &countingFactory{}
	c := newCache(t, f)
	p := oidcProvider("p1")

	first, err := c.Get(t.Context(), p)
	require.NoError(t, err)
	second, err := c.Get(t.Context(), p)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, "https://app.example.com/sso/oidc/p1/callback", first.RedirectURI())
	assert.Equal(t, 1, c.Len())
}

func TestCache_ConcurrentFirstUse(t *testing.T) {
	t.Parallel()
	f := &countingFactory{}
	c := newCache(t, f)
	providers := []*provider.Config{oidcProvider("a"), oidcProvider("b"), oidcProvider("c")}

	var wg sync.WaitGroup
	for i := range 60 {
		wg.Add(1)
		go func(p *provider.Config) {
			defer wg.Done()
			_, err := c.Get(context.Background(), p)
			assert.NoError(t, err)
		}(providers[i%len(providers)])
	}
	wg.Wait()

	assert.Equal(t, int32(len(providers)), f.calls.Load())
	assert.Equal(t, len(providers), c.Len())
}

func TestCache_InvalidConfigSkipsDiscovery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*provider.Config)
	}{
		{"no issuer", func(p *provider.Config) { p.Issuer = "" }},
		{"no client id", func(p *provider.Config) { p.ClientID = "" }},
		{"no secret", func(p *provider.Config) { p.ClientSecret = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := &countingFactory{}
			c := newCache(t, f)
			p := oidcProvider("p1")
			tt.mutate(p)

			_, err := c.Get(t.Context(), p)
			require.ErrorIs(t, err, ErrConfigInvalid)
			assert.Zero(t, f.calls.Load())
			assert.Zero(t, c.Len())
		})
	}
}

func TestCache_DiscoveryFailureIsNotCached(t *testing.T) {
	t.Parallel()
	f := &countingFactory{}
	f.fail.Store(true)
	c := newCache(t, f)
	p := oidcProvider("p1")

	_, err := c.Get(t.Context(), p)
	require.ErrorIs(t, err, ErrDiscoveryFailed)
	assert.Zero(t, c.Len())

	f.fail.Store(false)
	client, err := c.Get(t.Context(), p)
	require.NoError(t, err)
	assert.NotNil(t, client)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestCache_RebuildsOnCredentialChange(t *testing.T) {
	t.Parallel()
	f := &countingFactory{}
	c := newCache(t, f)
	p := oidcProvider("p1")

	before, err := c.Get(t.Context(), p)
	require.NoError(t, err)

	rotated := *p
	rotated.ClientSecret = "rotated"
	after, err := c.Get(t.Context(), &rotated)
	require.NoError(t, err)

	assert.NotSame(t, before, after)
	assert.Equal(t, int32(2), f.calls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestCache_Invalidate(t *testing.T) {
	t.Parallel()
	f := &countingFactory{}
	c := newCache(t, f)
	p := oidcProvider("p1")

	_, err := c.Get(t.Context(), p)
	require.NoError(t, err)
	c.Invalidate("p1")
	c.Invalidate("never-cached")
	assert.Zero(t, c.Len())

	_, err = c.Get(t.Context(), p)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestCache_DiscoversAgainstRealIssuer(t *testing.T) {
	t.Parallel()
	idp := testkit.NewOIDCServer(t)
	c, err := New("http://localhost:8080", OIDCFactory(nil))
	require.NoError(t, err)

	p := &provider.Config{
		ID:           "p1",
		Type:         provider.TypeOIDC,
		Issuer:       idp.Issuer(),
		ClientID:     idp.ClientID(),
		ClientSecret: idp.ClientSecret(),
	}
	for range 5 {
		_, err := c.Get(t.Context(), p)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, idp.DiscoveryCount())
}

// blockingFactory holds discovery open until released and fails if the
// context it was handed is cancelled in the meantime.
type blockingFactory struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (f *blockingFactory) build(ctx context.Context, cfg *upstream.Config) (upstream.Client, error) {
	if f.calls.Add(1) == 1 {
		close(f.entered)
	}
	<-f.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &fakeClient{cfg: *cfg}, nil
}

func TestCache_JoinedCallerSurvivesFirstCallerCancel(t *testing.T) {
	t.Parallel()
	f := &blockingFactory{entered: make(chan struct{}), release: make(chan struct{})}
	c, err := New("https://app.example.com/", f.build)
	require.NoError(t, err)
	p := oidcProvider("p1")

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Get(firstCtx, p)
		firstErr <- err
	}()
	<-f.entered

	type result struct {
		client upstream.Client
		err    error
	}
	joined := make(chan result, 1)
	go func() {
		client, err := c.Get(context.Background(), p)
		joined <- result{client, err}
	}()

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(f.release)
	res := <-joined
	require.NoError(t, res.err)
	assert.NotNil(t, res.client)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, 1, c.Len())
}
