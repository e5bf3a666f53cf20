package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authgate/internal/autherr"
	"authgate/internal/domain"
)

type stubAuthenticator struct {
	scheme string
	user   *domain.User
	err    error
	calls  int
}

func (s *stubAuthenticator) Scheme() string { return s.scheme }

func (s *stubAuthenticator) Authenticate(ctx context.Context, header string) (*Identity, error) {
	value, ok, err := SplitHeader(header, s.scheme, autherr.ErrMalformedHeader)
	if !ok {
		return nil, nil
	}
	s.calls++
	if err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	return &Identity{User: s.user, Method: s.scheme + ":" + value}, nil
}

func TestChainResolve(t *testing.T) {
	alice := &domain.User{ID: "alice"}
	bearer := &stubAuthenticator{scheme: "Bearer", user: alice}
	token := &stubAuthenticator{scheme: "Token", err: autherr.ErrTokenNotFound}
	chain := NewChain(bearer, token)
	ctx := context.Background()

	t.Run("empty header is anonymous", func(t *testing.T) {
		id, err := chain.Resolve(ctx, "  ")
		require.NoError(t, err)
		assert.Nil(t, id)
	})

	t.Run("unknown scheme is anonymous", func(t *testing.T) {
		id, err := chain.Resolve(ctx, "Basic Zm9vOmJhcg==")
		require.NoError(t, err)
		assert.Nil(t, id)
	})

	t.Run("scheme match is case sensitive", func(t *testing.T) {
		id, err := chain.Resolve(ctx, "bearer abc")
		require.NoError(t, err)
		assert.Nil(t, id)
	})

	t.Run("first accepting authenticator wins", func(t *testing.T) {
		id, err := chain.Resolve(ctx, "Bearer abc")
		require.NoError(t, err)
		require.NotNil(t, id)
		assert.Equal(t, "alice", id.User.ID)
		assert.Equal(t, "Bearer:abc", id.Method)
	})

	t.Run("failure of the accepting authenticator is returned", func(t *testing.T) {
		_, err := chain.Resolve(ctx, "Token abc")
		assert.ErrorIs(t, err, autherr.ErrTokenNotFound)
	})

	t.Run("extra parts are malformed", func(t *testing.T) {
		_, err := chain.Resolve(ctx, "Bearer abc def")
		assert.ErrorIs(t, err, autherr.ErrMalformedHeader)
	})
}

func TestContextRoundTrip(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), &Identity{Method: MethodJWT})
	id, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, MethodJWT, id.Method)
}
