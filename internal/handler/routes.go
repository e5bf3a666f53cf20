package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v6/limiter"
	"github.com/gorilla/mux"

	"authgate/internal/device"
)

// HealthCheck reports whether one backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

type RouteOptions struct {
	Gate         *device.Gate
	LoginLimiter *limiter.Limiter
	Cleanup      http.HandlerFunc
	HealthChecks map[string]HealthCheck
}

// Routes mounts the API. Health and maintenance sit outside the device gate;
// the cleanup endpoint carries its own cron secret in Authorization.
func (h *Handler) Routes(options RouteOptions) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", health(options.HealthChecks)).Methods(http.MethodGet)
	if options.Cleanup != nil {
		router.HandleFunc("/internal/maintenance/cleanup", options.Cleanup)
	}

	api := router.PathPrefix("/api/user").Subrouter()
	if options.Gate != nil {
		api.Use(options.Gate.Middleware)
	}

	api.HandleFunc("/signup", h.Signup).Methods(http.MethodPost)
	api.Handle("/login/password", limitLogin(options.LoginLimiter, h.PasswordLogin)).Methods(http.MethodPost)
	api.Handle("/login/otp/init", limitLogin(options.LoginLimiter, h.InitOTP)).Methods(http.MethodPost)
	api.Handle("/login/otp/confirm", limitLogin(options.LoginLimiter, h.ConfirmOTP)).Methods(http.MethodPost)
	api.HandleFunc("/token/refresh", h.Refresh).Methods(http.MethodPost)
	api.HandleFunc("/logout", h.Logout).Methods(http.MethodPost)
	api.HandleFunc("/auth-test", h.AuthTest).Methods(http.MethodGet)
	api.HandleFunc("/info", h.Profile).Methods(http.MethodGet)
	api.HandleFunc("/info", h.DeleteAccount).Methods(http.MethodDelete)

	api.HandleFunc("/tokens", h.ListTokens).Methods(http.MethodGet)
	api.HandleFunc("/tokens", h.CreateToken).Methods(http.MethodPost)
	api.HandleFunc("/tokens", h.DeleteToken).Methods(http.MethodDelete)

	api.HandleFunc("/whitelist-ip", h.ListWhitelist).Methods(http.MethodGet)
	api.HandleFunc("/whitelist-ip", h.AddWhitelist).Methods(http.MethodPost)
	api.HandleFunc("/whitelist-ip", h.DeleteWhitelist).Methods(http.MethodDelete)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "not found"})
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method_not_allowed", Message: "method not allowed"})
	})
	return router
}

func health(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		body := map[string]any{"status": "ok", "checks": results}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}
		writeJSON(w, status, body)
	}
}
