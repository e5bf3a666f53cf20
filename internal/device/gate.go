package device

import (
	"encoding/json"
	"net/http"

	"authgate/internal/autherr"
	"authgate/internal/identity"
	"authgate/internal/observability"
)

// Gate runs before every handler. It resolves the caller and stops signed-in,
// non-privileged callers coming from an unknown network identity.
type Gate struct {
	chain     *identity.Chain
	service   *Service
	extractor Extractor
	logger    *observability.Logger
}

func NewGate(chain *identity.Chain, service *Service, extractor Extractor, logger *observability.Logger) *Gate {
	return &Gate{chain: chain, service: service, extractor: extractor, logger: logger}
}

func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := g.chain.Resolve(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			writeRejection(w, err)
			return
		}
		if caller == nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := identity.WithIdentity(r.Context(), caller)
		if caller.User.Privileged() {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		info := g.extractor.FromRequest(r)
		allowed, err := g.service.Allowed(r.Context(), caller.User.ID, info)
		if err != nil {
			g.logger.Error("device_binding_check_failed", map[string]any{
				"user_id":    caller.User.ID,
				"request_id": observability.RequestID(r.Context()),
				"error":      err.Error(),
			})
			writeRejection(w, err)
			return
		}
		if !allowed {
			g.logger.Warn("device_not_recognized", map[string]any{
				"user_id":    caller.User.ID,
				"method":     caller.Method,
				"request_id": observability.RequestID(r.Context()),
			})
			writeRejection(w, autherr.ErrDeviceNotRecognized)
			return
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeRejection(w http.ResponseWriter, err error) {
	kind := autherr.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(autherr.HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   string(kind),
		"message": autherr.PublicMessage(err),
	})
}
