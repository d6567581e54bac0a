// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/ssogate/pkg/sso/identity"
	"github.com/stacklok/ssogate/pkg/sso/identity/mocks"
	"github.com/stacklok/ssogate/pkg/sso/provider"
	"github.com/stacklok/ssogate/pkg/sso/upstream"
	"github.com/stacklok/ssogate/pkg/storage"
)

var fixedNow = time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

func testProvider(allowSignup bool) *provider.Config {
	return &provider.Config{
		ID:          "prov-1",
		WorkspaceID: "ws-1",
		Type:        provider.TypeOIDC,
		IsEnabled:   true,
		AllowSignup: allowSignup,
	}
}

func newResolver(store identity.UserStore) *identity.Resolver {
	return identity.NewResolver(store,
		identity.NewBcryptHasher(identity.WithCost(bcrypt.MinCost)),
		identity.WithClock(func() time.Time { return fixedNow }),
	)
}

func TestResolve_ProvisionsNewUser(t *testing.T) {
	t.Parallel()
	store := identity.NewMemoryStore()
	r := newResolver(store)

	user, err := r.Resolve(t.Context(), &upstream.Assertion{
		Subject: "sub-1",
		Email:   "  Ada@Example.com ",
		Name:    "Ada Lovelace",
	}, testProvider(true))
	require.NoError(t, err)

	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "ws-1", user.WorkspaceID)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, "Ada Lovelace", user.Name)
	assert.Equal(t, identity.RoleMember, user.Role)
	assert.True(t, user.HasGeneratedPassword)
	assert.Equal(t, fixedNow, user.LastLoginAt)

	link, err := store.FindAccountLink(t.Context(), user.ID, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", link.ProviderUserID)
	assert.Equal(t, "ws-1", link.WorkspaceID)

	users, links := store.Stats()
	assert.Equal(t, 1, users)
	assert.Equal(t, 1, links)
}

func TestResolve_DisplayNameFallbacks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		assertion upstream.Assertion
		want      string
	}{
		{"full name", upstream.Assertion{Name: "Grace Hopper"}, "Grace Hopper"},
		{"given and family", upstream.Assertion{GivenName: "Grace", FamilyName: "Hopper"}, "Grace Hopper"},
		{"email local part", upstream.Assertion{}, "grace.hopper"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := identity.NewMemoryStore()
			a := tt.assertion
			a.Subject = "sub"
			a.Email = "grace.hopper@example.com"

			user, err := newResolver(store).Resolve(t.Context(), &a, testProvider(true))
			require.NoError(t, err)
			assert.Equal(t, tt.want, user.Name)
		})
	}
}

func TestResolve_SignupNotAllowedCreatesNothing(t *testing.T) {
	t.Parallel()
	store := identity.NewMemoryStore()

	_, err := newResolver(store).Resolve(t.Context(),
		&upstream.Assertion{Subject: "sub-1", Email: "new@example.com"},
		testProvider(false))
	require.ErrorIs(t, err, identity.ErrSignupNotAllowed)

	users, links := store.Stats()
	assert.Zero(t, users)
	assert.Zero(t, links)
}

func TestResolve_ExistingUserWithoutSignup(t *testing.T) {
	t.Parallel()
	store := identity.NewMemoryStore()
	existing, err := store.InsertUser(t.Context(), identity.NewUser{
		WorkspaceID: "ws-1", Email: "member@example.com", Name: "Member", Role: "admin",
	})
	require.NoError(t, err)

	user, err := newResolver(store).Resolve(t.Context(),
		&upstream.Assertion{Subject: "sub-9", Email: "MEMBER@example.com"},
		testProvider(false))
	require.NoError(t, err)

	assert.Equal(t, existing.ID, user.ID)
	assert.Equal(t, "admin", user.Role)
	assert.False(t, user.HasGeneratedPassword)
	link, err := store.FindAccountLink(t.Context(), user.ID, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, "sub-9", link.ProviderUserID)
}

func TestResolve_IsIdempotent(t *testing.T) {
	t.Parallel()
	store := identity.NewMemoryStore()
	r := newResolver(store)
	a := &upstream.Assertion{Subject: "sub-1", Email: "ada@example.com"}

	first, err := r.Resolve(t.Context(), a, testProvider(true))
	require.NoError(t, err)
	linkBefore, err := store.FindAccountLink(t.Context(), first.ID, "prov-1")
	require.NoError(t, err)

	second, err := r.Resolve(t.Context(), a, testProvider(true))
	require.NoError(t, err)
	linkAfter, err := store.FindAccountLink(t.Context(), second.ID, "prov-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, linkBefore.ID, linkAfter.ID)
	users, links := store.Stats()
	assert.Equal(t, 1, users)
	assert.Equal(t, 1, links)
}

func TestResolve_SubjectRotationUpdatesLink(t *testing.T) {
	t.Parallel()
	store := identity.NewMemoryStore()
	r := newResolver(store)

	user, err := r.Resolve(t.Context(), &upstream.Assertion{Subject: "old-sub", Email: "ada@example.com"}, testProvider(true))
	require.NoError(t, err)
	before, err := store.FindAccountLink(t.Context(), user.ID, "prov-1")
	require.NoError(t, err)

	again, err := r.Resolve(t.Context(), &upstream.Assertion{Subject: "new-sub", Email: "ada@example.com"}, testProvider(true))
	require.NoError(t, err)
	after, err := store.FindAccountLink(t.Context(), again.ID, "prov-1")
	require.NoError(t, err)

	assert.Equal(t, user.ID, again.ID)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, "new-sub", after.ProviderUserID)
	_, links := store.Stats()
	assert.Equal(t, 1, links)
}

func TestResolve_ConcurrentFirstLoginsCreateOneUser(t *testing.T) {
	t.Parallel()
	store := identity.NewMemoryStore()
	r := newResolver(store)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user, err := r.Resolve(context.Background(),
				&upstream.Assertion{Subject: "sub-1", Email: "ada@example.com"}, testProvider(true))
			if assert.NoError(t, err) {
				ids[i] = user.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	users, links := store.Stats()
	assert.Equal(t, 1, users)
	assert.Equal(t, 1, links)
}

func TestResolve_InvalidAssertion(t *testing.T) {
	t.Parallel()
	r := newResolver(identity.NewMemoryStore())

	_, err := r.Resolve(t.Context(), nil, testProvider(true))
	require.ErrorIs(t, err, identity.ErrResolutionFailed)
	_, err = r.Resolve(t.Context(), &upstream.Assertion{Subject: "s"}, testProvider(true))
	require.ErrorIs(t, err, identity.ErrResolutionFailed)
}

func TestResolve_StorageFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk I/O error")
	user := &identity.User{ID: "u1", WorkspaceID: "ws-1", Email: "ada@example.com"}
	a := &upstream.Assertion{Subject: "sub-1", Email: "ada@example.com"}

	tests := []struct {
		name  string
		setup func(store *mocks.MockUserStore, hasher *mocks.MockPasswordHasher)
	}{
		{
			name: "lookup fails",
			setup: func(store *mocks.MockUserStore, _ *mocks.MockPasswordHasher) {
				store.EXPECT().FindByEmail(gomock.Any(), "ws-1", "ada@example.com").Return(nil, boom)
			},
		},
		{
			name: "hashing fails",
			setup: func(store *mocks.MockUserStore, hasher *mocks.MockPasswordHasher) {
				store.EXPECT().FindByEmail(gomock.Any(), "ws-1", "ada@example.com").Return(nil, storage.ErrNotFound)
				hasher.EXPECT().Hash(gomock.Any()).Return("", boom)
			},
		},
		{
			name: "insert fails",
			setup: func(store *mocks.MockUserStore, hasher *mocks.MockPasswordHasher) {
				store.EXPECT().FindByEmail(gomock.Any(), "ws-1", "ada@example.com").Return(nil, storage.ErrNotFound)
				hasher.EXPECT().Hash(gomock.Any()).Return("hash", nil)
				store.EXPECT().InsertUser(gomock.Any(), gomock.Any()).Return(nil, boom)
			},
		},
		{
			name: "link lookup fails",
			setup: func(store *mocks.MockUserStore, _ *mocks.MockPasswordHasher) {
				store.EXPECT().FindByEmail(gomock.Any(), "ws-1", "ada@example.com").Return(user, nil)
				store.EXPECT().FindAccountLink(gomock.Any(), "u1", "prov-1").Return(nil, boom)
			},
		},
		{
			name: "link upsert fails",
			setup: func(store *mocks.MockUserStore, _ *mocks.MockPasswordHasher) {
				store.EXPECT().FindByEmail(gomock.Any(), "ws-1", "ada@example.com").Return(user, nil)
				store.EXPECT().FindAccountLink(gomock.Any(), "u1", "prov-1").Return(nil, storage.ErrNotFound)
				store.EXPECT().UpsertAccountLink(gomock.Any(), gomock.Any()).Return(nil, boom)
			},
		},
		{
			name: "last login update fails",
			setup: func(store *mocks.MockUserStore, _ *mocks.MockPasswordHasher) {
				store.EXPECT().FindByEmail(gomock.Any(), "ws-1", "ada@example.com").Return(user, nil)
				store.EXPECT().FindAccountLink(gomock.Any(), "u1", "prov-1").
					Return(&identity.AccountLink{UserID: "u1", ProviderID: "prov-1", ProviderUserID: "sub-1"}, nil)
				store.EXPECT().UpdateLastLogin(gomock.Any(), "u1", fixedNow).Return(boom)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)
			store := mocks.NewMockUserStore(ctrl)
			hasher := mocks.NewMockPasswordHasher(ctrl)
			tt.setup(store, hasher)

			r := identity.NewResolver(store, hasher, identity.WithClock(func() time.Time { return fixedNow }))
			_, err := r.Resolve(t.Context(), a, testProvider(true))
			require.ErrorIs(t, err, identity.ErrResolutionFailed)
			require.ErrorIs(t, err, boom)
		})
	}
}

func TestResolve_InsertRaceReadsWinner(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockUserStore(ctrl)
	hasher := mocks.NewMockPasswordHasher(ctrl)
	winner := &identity.User{ID: "winner", WorkspaceID: "ws-1", Email: "ada@example.com"}

	gomock.InOrder(
		store.EXPECT().FindByEmail(gomock.Any(), "ws-1", "ada@example.com").Return(nil, storage.ErrNotFound),
		hasher.EXPECT().Hash(gomock.Any()).Return("hash", nil),
		store.EXPECT().InsertUser(gomock.Any(), gomock.Any()).Return(nil, storage.ErrAlreadyExists),
		store.EXPECT().FindByEmail(gomock.Any(), "ws-1", "ada@example.com").Return(winner, nil),
		store.EXPECT().FindAccountLink(gomock.Any(), "winner", "prov-1").Return(nil, storage.ErrNotFound),
		store.EXPECT().UpsertAccountLink(gomock.Any(), identity.AccountLink{
			UserID: "winner", ProviderID: "prov-1", ProviderUserID: "sub-1", WorkspaceID: "ws-1",
		}).Return(&identity.AccountLink{ID: "l1"}, nil),
		store.EXPECT().UpdateLastLogin(gomock.Any(), "winner", fixedNow).Return(nil),
	)

	r := identity.NewResolver(store, hasher, identity.WithClock(func() time.Time { return fixedNow }))
	user, err := r.Resolve(t.Context(), &upstream.Assertion{Subject: "sub-1", Email: "ada@example.com"}, testProvider(true))
	require.NoError(t, err)
	assert.Equal(t, "winner", user.ID)
}

func TestBcryptHasher(t *testing.T) {
	t.Parallel()
	h := identity.NewBcryptHasher(identity.WithCost(bcrypt.MinCost))

	hash, err := h.Hash("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, h.Verify("correct horse battery staple", hash))
	assert.False(t, h.Verify("wrong", hash))

	_, err = h.Hash("")
	require.Error(t, err)
	_, err = h.Hash(string(make([]byte, 73)))
	require.Error(t, err)
}
