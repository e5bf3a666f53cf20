package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authgate/internal/domain"
	"authgate/internal/mocks"
	"authgate/internal/observability"
	"authgate/internal/store/memory"
)

type stubPruner struct {
	cutoff time.Time
	pruned int64
}

func (p *stubPruner) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	p.cutoff = olderThan
	return p.pruned, nil
}

var sweepNow = time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

func seededStore(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	require.NoError(t, store.Create(ctx, &domain.User{ID: "active", Username: "active", Email: "a@example.com", IsActive: true, CreatedAt: sweepNow.Add(-30 * 24 * time.Hour)}))
	require.NoError(t, store.Create(ctx, &domain.User{ID: "stale", Username: "stale", Email: "s@example.com", CreatedAt: sweepNow.Add(-8 * 24 * time.Hour)}))
	require.NoError(t, store.Create(ctx, &domain.User{ID: "fresh", Username: "fresh", Email: "f@example.com", CreatedAt: sweepNow.Add(-time.Hour)}))

	require.NoError(t, store.CreateToken(ctx, &domain.PermanentToken{ID: "t-old", UserID: "active", Alias: "old", ExpiresAt: sweepNow.Add(-time.Minute)}))
	require.NoError(t, store.CreateToken(ctx, &domain.PermanentToken{ID: "t-new", UserID: "active", Alias: "new", ExpiresAt: sweepNow.Add(time.Hour)}))
	require.NoError(t, store.InsertUsage(ctx, domain.TokenUsage{ID: "u1", TokenID: "t-new", UsedAt: sweepNow.Add(-200 * 24 * time.Hour)}))
	require.NoError(t, store.InsertUsage(ctx, domain.TokenUsage{ID: "u2", TokenID: "t-new", UsedAt: sweepNow.Add(-time.Hour)}))

	require.NoError(t, store.InsertOTP(ctx, &domain.LoginOTP{ID: "o1", UserID: "active", ExpiresAt: sweepNow.Add(-time.Second)}))
	require.NoError(t, store.InsertOTP(ctx, &domain.LoginOTP{ID: "o2", UserID: "active", ExpiresAt: sweepNow.Add(time.Minute)}))
	return store
}

func TestSweeperRun(t *testing.T) {
	store := seededStore(t)
	pruner := &stubPruner{pruned: 3}
	sweeper := NewSweeper(store, store, store, pruner, Retention{}).WithClock(func() time.Time { return sweepNow })

	result, err := sweeper.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, CleanupResult{
		DeletedOTPs:          1,
		DeletedTokens:        1,
		DeletedTokenUsage:    1,
		DeletedBindings:      3,
		DeletedInactiveUsers: 1,
	}, result)
	assert.Equal(t, sweepNow.Add(-90*24*time.Hour), pruner.cutoff)

	_, err = store.GetByID(context.Background(), "fresh")
	assert.NoError(t, err)
	_, err = store.GetByID(context.Background(), "stale")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSweeperStopsOnFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	users := mocks.NewMockUserStore(ctrl)
	tokens := mocks.NewMockTokenStore(ctrl)
	otps := mocks.NewMockOTPStore(ctrl)

	otps.EXPECT().DeleteExpiredOTPs(gomock.Any(), sweepNow).Return(int64(2), nil)
	tokens.EXPECT().DeleteExpiredTokens(gomock.Any(), sweepNow).Return(int64(0), errors.New("connection refused"))

	sweeper := NewSweeper(users, tokens, otps, nil, Retention{}).WithClock(func() time.Time { return sweepNow })
	result, err := sweeper.Run(context.Background())

	assert.EqualError(t, err, "sweep expired permanent tokens: connection refused")
	assert.Equal(t, int64(2), result.DeletedOTPs)
}

func TestCleanupHandler(t *testing.T) {
	newHandler := func(secret string) http.Handler {
		store := seededStore(t)
		sweeper := NewSweeper(store, store, store, &stubPruner{}, Retention{}).WithClock(func() time.Time { return sweepNow })
		return http.HandlerFunc(NewCleanupHandler(sweeper, observability.NopLogger(), secret).Handle)
	}

	t.Run("disabled without secret", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newHandler("").ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()
		newHandler("cron-secret").ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/internal/maintenance/cleanup", nil)
		rec := httptest.NewRecorder()
		newHandler("cron-secret").ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("runs sweep", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/internal/maintenance/cleanup", nil)
		req.Header.Set("Authorization", "Bearer cron-secret")
		rec := httptest.NewRecorder()
		newHandler("cron-secret").ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Status string        `json:"status"`
			Result CleanupResult `json:"result"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ok", body.Status)
		assert.Equal(t, int64(1), body.Result.DeletedOTPs)
		assert.Equal(t, int64(1), body.Result.DeletedInactiveUsers)
	})
}
