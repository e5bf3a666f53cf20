package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"authgate/internal/autherr"
	"authgate/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func newValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return validate
}

// decodeJSON reads a size-limited body into dst and validates it. Failures
// come back as invalid_input errors.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return autherr.InvalidInput("invalid json body")
	}

	if err := h.validate.Struct(dst); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
			return autherr.InvalidInput(describeFieldError(fieldErrors[0]))
		}
		return autherr.InvalidInput("invalid request")
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_without":
		return fmt.Sprintf("%s is required", fe.Field())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", fe.Field())
	case "min":
		return fmt.Sprintf("%s must have at least %s %s", fe.Field(), fe.Param(), sizeUnit(fe))
	case "max":
		return fmt.Sprintf("%s must have at most %s %s", fe.Field(), fe.Param(), sizeUnit(fe))
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

func sizeUnit(fe validator.FieldError) string {
	if fe.Kind() == reflect.Slice {
		return "entries"
	}
	return "characters"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := autherr.KindOf(err)
	status := autherr.HTTPStatus(kind)

	var typed *autherr.Error
	if kind == autherr.KindLoginBlocked && errors.As(err, &typed) && !typed.Until.IsZero() {
		retryAfter := int(math.Ceil(time.Until(typed.Until).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}

	if status >= http.StatusInternalServerError {
		requestID := observability.RequestID(r.Context())
		h.logger.Error("request_failed", map[string]any{
			"kind":       string(kind),
			"path":       r.URL.Path,
			"request_id": requestID,
			"error":      err.Error(),
		})
		observability.CaptureError(err, map[string]string{"kind": string(kind), "request_id": requestID})
	}

	writeJSON(w, status, errorBody{Error: string(kind), Message: autherr.PublicMessage(err)})
}
