package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/didip/tollbooth/v6"
	"github.com/didip/tollbooth/v6/limiter"

	"authgate/internal/observability"
)

const rateLimitedBody = `{"error":"rate_limited","message":"too many login attempts, try again later"}`

// NewLoginLimiter limits login calls per client IP. ipHeader is the trusted
// override header, checked before X-Forwarded-For.
func NewLoginLimiter(perSecond float64, ipHeader string, logger *observability.Logger) *limiter.Limiter {
	lmt := tollbooth.NewLimiter(perSecond, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Hour})

	lookups := []string{"X-Forwarded-For", "X-Real-IP", "RemoteAddr"}
	if header := strings.TrimSpace(ipHeader); header != "" {
		lookups = append([]string{header}, lookups...)
	}
	lmt.SetIPLookups(lookups)
	lmt.SetMessage(rateLimitedBody)
	lmt.SetMessageContentType("application/json")
	lmt.SetOnLimitReached(func(_ http.ResponseWriter, r *http.Request) {
		logger.Warn("login_rate_limited", map[string]any{
			"path":       r.URL.Path,
			"request_id": observability.RequestID(r.Context()),
		})
	})
	return lmt
}

func limitLogin(lmt *limiter.Limiter, next http.HandlerFunc) http.Handler {
	if lmt == nil {
		return next
	}
	return tollbooth.LimitHandler(lmt, next)
}
