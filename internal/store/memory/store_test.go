package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authgate/internal/domain"
)

func TestUserUniqueness(t *testing.T) {
	store := New()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &domain.User{ID: "1", Username: "alice", Email: "alice@example.com"}))
	assert.ErrorIs(t, store.Create(ctx, &domain.User{ID: "2", Username: "ALICE", Email: "other@example.com"}), domain.ErrDuplicate)
	assert.ErrorIs(t, store.Create(ctx, &domain.User{ID: "3", Username: "bob", Email: "Alice@Example.com"}), domain.ErrDuplicate)

	user, err := store.GetByUsername(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "1", user.ID)

	_, err = store.GetByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegisterFailedLoginLocksAtLimit(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.Create(ctx, &domain.User{ID: "1", Username: "alice", Email: "a@x.io"}))

	for i := 1; i < 3; i++ {
		failure, err := store.RegisterFailedLogin(ctx, "1", 3, time.Minute, now)
		require.NoError(t, err)
		assert.Equal(t, i, failure.FailedAttempts)
		assert.Nil(t, failure.LockedUntil)
	}

	failure, err := store.RegisterFailedLogin(ctx, "1", 3, time.Minute, now)
	require.NoError(t, err)
	assert.Zero(t, failure.FailedAttempts)
	require.NotNil(t, failure.LockedUntil)
	assert.Equal(t, now.Add(time.Minute), *failure.LockedUntil)

	require.NoError(t, store.RecordSuccessfulLogin(ctx, "1", now))
	user, err := store.GetByID(ctx, "1")
	require.NoError(t, err)
	assert.Nil(t, user.LockedUntil)
	require.NotNil(t, user.LastLogin)
}

func TestTokensOrderedByCreation(t *testing.T) {
	store := New()
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, store.CreateToken(ctx, &domain.PermanentToken{ID: "b", UserID: "u", Alias: "second", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, store.CreateToken(ctx, &domain.PermanentToken{ID: "a", UserID: "u", Alias: "first", CreatedAt: base}))
	assert.ErrorIs(t, store.CreateToken(ctx, &domain.PermanentToken{ID: "c", UserID: "u", Alias: "first", CreatedAt: base}), domain.ErrDuplicate)
	require.NoError(t, store.CreateToken(ctx, &domain.PermanentToken{ID: "d", UserID: "other", Alias: "first", CreatedAt: base}))

	tokens, err := store.ListTokens(ctx, "u")
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, "a", tokens[0].ID)
	assert.Equal(t, "b", tokens[1].ID)

	deleted, err := store.DeleteToken(ctx, "u", "", "second")
	require.NoError(t, err)
	assert.Equal(t, "b", deleted.ID)

	_, err = store.DeleteToken(ctx, "other", "a", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConsumeOTPOnce(t *testing.T) {
	store := New()
	ctx := context.Background()
	require.NoError(t, store.InsertOTP(ctx, &domain.LoginOTP{ID: "o", UserID: "u"}))

	ok, err := store.ConsumeOTP(ctx, "o")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ConsumeOTP(ctx, "o")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetentionSweeps(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.InsertOTP(ctx, &domain.LoginOTP{ID: "old", UserID: "u", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, store.InsertOTP(ctx, &domain.LoginOTP{ID: "new", UserID: "u", ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, store.InsertUsage(ctx, domain.TokenUsage{ID: "1", TokenID: "t", UsedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, store.InsertUsage(ctx, domain.TokenUsage{ID: "2", TokenID: "t", UsedAt: now}))
	require.NoError(t, store.Create(ctx, &domain.User{ID: "stale", Username: "s", Email: "s@x.io", CreatedAt: now.Add(-30 * 24 * time.Hour)}))
	require.NoError(t, store.Create(ctx, &domain.User{ID: "live", Username: "l", Email: "l@x.io", IsActive: true, CreatedAt: now.Add(-30 * 24 * time.Hour)}))

	n, err := store.DeleteExpiredOTPs(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.DeleteUsageBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, store.Usages("t"), 1)

	n, err = store.DeleteInactive(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDeleteCascades(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Create(ctx, &domain.User{ID: "u", Username: "u", Email: "u@x.io", IsActive: true}))
	require.NoError(t, store.CreateToken(ctx, &domain.PermanentToken{ID: "t", UserID: "u", Alias: "ci", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, store.InsertUsage(ctx, domain.TokenUsage{ID: "1", TokenID: "t", UsedAt: now}))
	require.NoError(t, store.InsertOTP(ctx, &domain.LoginOTP{ID: "o", UserID: "u", ExpiresAt: now.Add(time.Minute)}))

	require.NoError(t, store.Delete(ctx, "u"))

	_, err := store.GetByID(ctx, "u")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = store.GetOTP(ctx, "o")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, store.Usages("t"))

	assert.ErrorIs(t, store.Delete(ctx, "u"), domain.ErrNotFound)
}
