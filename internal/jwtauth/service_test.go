package jwtauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authgate/internal/autherr"
	"authgate/internal/domain"
	"authgate/internal/identity"
	"authgate/internal/revocation"
)

type userMap map[string]*domain.User

func (m userMap) GetByID(_ context.Context, id string) (*domain.User, error) {
	user, ok := m[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return user, nil
}

type failingRevocations struct{}

func (failingRevocations) Consume(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func newTestService(users userMap) *Service {
	return NewService(users, revocation.NewMemoryStore(), "test-secret", "authgate")
}

func TestIssueAndVerify(t *testing.T) {
	user := &domain.User{ID: "user-1", IsActive: true}
	svc := newTestService(userMap{user.ID: user})

	pair, err := svc.IssuePair(user)
	require.NoError(t, err)
	assert.Equal(t, Scheme, pair.TokenType)
	assert.Equal(t, int64(300), pair.ExpiresIn)

	access, err := svc.Verify(pair.AccessToken, TypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "user-1", access.Subject)
	assert.Equal(t, "user-1", access.UserID)
	assert.NotEmpty(t, access.ID)

	refresh, err := svc.Verify(pair.RefreshToken, TypeRefresh)
	require.NoError(t, err)
	assert.NotEqual(t, access.ID, refresh.ID)
}

func TestVerifyRejects(t *testing.T) {
	user := &domain.User{ID: "user-1", IsActive: true}
	svc := newTestService(userMap{user.ID: user})
	pair, err := svc.IssuePair(user)
	require.NoError(t, err)

	t.Run("wrong token type", func(t *testing.T) {
		_, err := svc.Verify(pair.AccessToken, TypeRefresh)
		assert.ErrorIs(t, err, autherr.ErrInvalidToken)
	})

	t.Run("empty token", func(t *testing.T) {
		_, err := svc.Verify("  ", TypeAccess)
		assert.ErrorIs(t, err, autherr.ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.Verify("not.a.jwt", TypeAccess)
		assert.ErrorIs(t, err, autherr.ErrInvalidToken)
	})

	t.Run("other secret", func(t *testing.T) {
		other := NewService(userMap{}, revocation.NewMemoryStore(), "other-secret", "authgate")
		_, err := other.Verify(pair.AccessToken, TypeAccess)
		assert.ErrorIs(t, err, autherr.ErrInvalidToken)
	})

	t.Run("other issuer", func(t *testing.T) {
		other := NewService(userMap{}, revocation.NewMemoryStore(), "test-secret", "someone-else")
		_, err := other.Verify(pair.AccessToken, TypeAccess)
		assert.ErrorIs(t, err, autherr.ErrInvalidToken)
	})

	t.Run("unsigned algorithm", func(t *testing.T) {
		claims := Claims{
			TokenType: TypeAccess,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-1",
				ID:        "jti",
				Issuer:    "authgate",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = svc.Verify(raw, TypeAccess)
		assert.ErrorIs(t, err, autherr.ErrInvalidToken)
	})
}

func TestVerifyExpired(t *testing.T) {
	user := &domain.User{ID: "user-1", IsActive: true}
	past := time.Now().UTC().Add(-time.Hour)
	issuer := newTestService(userMap{user.ID: user}).WithClock(func() time.Time { return past })

	pair, err := issuer.IssuePair(user)
	require.NoError(t, err)

	_, err = newTestService(userMap{user.ID: user}).Verify(pair.AccessToken, TypeAccess)
	assert.ErrorIs(t, err, autherr.ErrExpiredToken)
}

func TestRefreshRotation(t *testing.T) {
	user := &domain.User{ID: "user-1", IsActive: true}
	svc := newTestService(userMap{user.ID: user})
	ctx := context.Background()

	pair, err := svc.IssuePair(user)
	require.NoError(t, err)

	rotated, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrInvalidToken)
	assert.EqualError(t, err, "token is blacklisted")

	_, err = svc.Refresh(ctx, rotated.RefreshToken)
	assert.NoError(t, err)

	_, err = svc.Refresh(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, autherr.ErrInvalidToken)
}

func TestRevokeBlocksRefresh(t *testing.T) {
	user := &domain.User{ID: "user-1", IsActive: true}
	svc := newTestService(userMap{user.ID: user})
	ctx := context.Background()

	pair, err := svc.IssuePair(user)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, pair.RefreshToken))
	require.NoError(t, svc.Revoke(ctx, pair.RefreshToken))

	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrInvalidToken)
}

func TestRefreshStoreFailure(t *testing.T) {
	user := &domain.User{ID: "user-1", IsActive: true}
	svc := NewService(userMap{user.ID: user}, failingRevocations{}, "test-secret", "authgate")

	pair, err := svc.IssuePair(user)
	require.NoError(t, err)

	_, err = svc.Refresh(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrStoreUnavailable)
}

func TestResolveUser(t *testing.T) {
	inactive := &domain.User{ID: "inactive", IsActive: false}
	svc := newTestService(userMap{inactive.ID: inactive})
	ctx := context.Background()

	_, err := svc.ResolveUser(ctx, &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "missing"}})
	assert.ErrorIs(t, err, autherr.ErrUserNotFound)

	_, err = svc.ResolveUser(ctx, &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "inactive"}})
	assert.ErrorIs(t, err, autherr.ErrUserInactive)
}

func TestBearerAuthenticator(t *testing.T) {
	user := &domain.User{ID: "user-1", IsActive: true}
	svc := newTestService(userMap{user.ID: user})
	chain := identity.NewChain(svc.Authenticator())
	ctx := context.Background()

	pair, err := svc.IssuePair(user)
	require.NoError(t, err)

	id, err := chain.Resolve(ctx, "Bearer "+pair.AccessToken)
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, identity.MethodJWT, id.Method)
	assert.Equal(t, "user-1", id.User.ID)
	assert.NotEmpty(t, id.JTI)

	_, err = chain.Resolve(ctx, "Bearer "+pair.AccessToken+" extra")
	assert.ErrorIs(t, err, autherr.ErrMalformedHeader)

	_, err = chain.Resolve(ctx, "Bearer")
	assert.ErrorIs(t, err, autherr.ErrMalformedHeader)

	_, err = chain.Resolve(ctx, "Bearer "+pair.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrInvalidToken)

	id, err = chain.Resolve(ctx, "Token abc")
	require.NoError(t, err)
	assert.Nil(t, id)
}
