package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"authgate/internal/domain"
	"authgate/internal/observability"
)

// BindingPruner drops device bindings older than a cutoff.
type BindingPruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

type Retention struct {
	TokenUsage   time.Duration
	Bindings     time.Duration
	InactiveUser time.Duration
}

type CleanupResult struct {
	DeletedOTPs          int64 `json:"deleted_otps"`
	DeletedTokens        int64 `json:"deleted_permanent_tokens"`
	DeletedTokenUsage    int64 `json:"deleted_token_usage"`
	DeletedBindings      int64 `json:"deleted_bindings"`
	DeletedInactiveUsers int64 `json:"deleted_inactive_users"`
}

type Sweeper struct {
	users     domain.UserStore
	tokens    domain.TokenStore
	otps      domain.OTPStore
	bindings  BindingPruner
	retention Retention
	now       func() time.Time
}

func NewSweeper(users domain.UserStore, tokens domain.TokenStore, otps domain.OTPStore, bindings BindingPruner, retention Retention) *Sweeper {
	if retention.TokenUsage <= 0 {
		retention.TokenUsage = 180 * 24 * time.Hour
	}
	if retention.Bindings <= 0 {
		retention.Bindings = 90 * 24 * time.Hour
	}
	if retention.InactiveUser <= 0 {
		retention.InactiveUser = 7 * 24 * time.Hour
	}

	return &Sweeper{
		users:     users,
		tokens:    tokens,
		otps:      otps,
		bindings:  bindings,
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	if now != nil {
		s.now = now
	}
	return s
}

// Run executes every sweep in order and stops at the first failure. Counts
// of the sweeps that completed are returned either way.
func (s *Sweeper) Run(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult
	now := s.now()

	var err error
	if result.DeletedOTPs, err = s.otps.DeleteExpiredOTPs(ctx, now); err != nil {
		return result, fmt.Errorf("sweep expired otps: %w", err)
	}
	if result.DeletedTokens, err = s.tokens.DeleteExpiredTokens(ctx, now); err != nil {
		return result, fmt.Errorf("sweep expired permanent tokens: %w", err)
	}
	if result.DeletedTokenUsage, err = s.tokens.DeleteUsageBefore(ctx, now.Add(-s.retention.TokenUsage)); err != nil {
		return result, fmt.Errorf("sweep token usage: %w", err)
	}
	if s.bindings != nil {
		if result.DeletedBindings, err = s.bindings.Prune(ctx, now.Add(-s.retention.Bindings)); err != nil {
			return result, fmt.Errorf("sweep device bindings: %w", err)
		}
	}
	if result.DeletedInactiveUsers, err = s.users.DeleteInactive(ctx, now.Add(-s.retention.InactiveUser)); err != nil {
		return result, fmt.Errorf("sweep inactive users: %w", err)
	}

	return result, nil
}

type CleanupHandler struct {
	sweeper    *Sweeper
	logger     *observability.Logger
	cronSecret string
}

func NewCleanupHandler(sweeper *Sweeper, logger *observability.Logger, cronSecret string) *CleanupHandler {
	return &CleanupHandler{
		sweeper:    sweeper,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.sweeper.Run(r.Context())
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{
			"error":      err.Error(),
			"request_id": observability.RequestID(r.Context()),
		})
		observability.CaptureError(err, map[string]string{"component": "maintenance"})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_otps":             result.DeletedOTPs,
		"deleted_permanent_tokens": result.DeletedTokens,
		"deleted_token_usage":      result.DeletedTokenUsage,
		"deleted_bindings":         result.DeletedBindings,
		"deleted_inactive_users":   result.DeletedInactiveUsers,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
