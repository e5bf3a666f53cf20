package autherr

import (
	"context"
	"errors"
	"net/http"
	"time"
)

type Kind string

const (
	KindMalformedToken        Kind = "malformed_token"
	KindMalformedHeader       Kind = "malformed_header"
	KindInvalidToken          Kind = "invalid_token"
	KindExpiredToken          Kind = "expired_token"
	KindUserNotFound          Kind = "user_not_found"
	KindUserInactive          Kind = "user_inactive"
	KindUserIDNotResolved     Kind = "user_id_not_resolved"
	KindTokenNotFound         Kind = "token_not_found"
	KindTokenInvalidOrExpired Kind = "token_invalid_or_expired"
	KindAmbiguousIdentifier   Kind = "ambiguous_identifier"
	KindMissingIdentifier     Kind = "missing_identifier"
	KindLoginBlocked          Kind = "login_blocked"
	KindOTPExpired            Kind = "otp_expired"
	KindInvalidOTP            Kind = "invalid_otp"
	KindInvalidCredentials    Kind = "invalid_credentials"
	KindStoreUnavailable      Kind = "store_unavailable"
	KindUserExists            Kind = "user_exists"
	KindAliasTaken            Kind = "alias_taken"
	KindDeviceNotRecognized   Kind = "device_not_recognized"
	KindForbidden             Kind = "forbidden"
	KindDeliveryFailed        Kind = "delivery_failed"
	KindInvalidInput          Kind = "invalid_input"
	KindInternal              Kind = "internal"
)

// Error is the single error type surfaced by the auth core. Two errors are
// considered equal by errors.Is when their kinds match.
type Error struct {
	Kind    Kind
	Message string
	// Until is set for KindLoginBlocked.
	Until time.Time
	Err   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

var (
	ErrMalformedToken        = &Error{Kind: KindMalformedToken, Message: "incorrect token format"}
	ErrMalformedHeader       = &Error{Kind: KindMalformedHeader, Message: "invalid authorization header"}
	ErrInvalidToken          = &Error{Kind: KindInvalidToken, Message: "invalid token"}
	ErrExpiredToken          = &Error{Kind: KindExpiredToken, Message: "token has expired"}
	ErrUserNotFound          = &Error{Kind: KindUserNotFound, Message: "user not found"}
	ErrUserInactive          = &Error{Kind: KindUserInactive, Message: "user is inactive"}
	ErrUserIDNotResolved     = &Error{Kind: KindUserIDNotResolved, Message: "user id not found in token"}
	ErrTokenNotFound         = &Error{Kind: KindTokenNotFound, Message: "token not found"}
	ErrTokenInvalidOrExpired = &Error{Kind: KindTokenInvalidOrExpired, Message: "token does not exist or is expired"}
	ErrAmbiguousIdentifier   = &Error{Kind: KindAmbiguousIdentifier, Message: "send either the username or the email, not both"}
	ErrMissingIdentifier     = &Error{Kind: KindMissingIdentifier, Message: "either username or email is required"}
	ErrLoginBlocked          = &Error{Kind: KindLoginBlocked, Message: "login temporarily blocked"}
	ErrOTPExpired            = &Error{Kind: KindOTPExpired, Message: "the otp is expired, please request a new one"}
	ErrInvalidOTP            = &Error{Kind: KindInvalidOTP, Message: "the otp entered is invalid"}
	ErrInvalidCredentials    = &Error{Kind: KindInvalidCredentials, Message: "invalid credentials"}
	ErrStoreUnavailable      = &Error{Kind: KindStoreUnavailable, Message: "credential store unavailable"}
	ErrUserExists            = &Error{Kind: KindUserExists, Message: "a user with the given username or email already exists"}
	ErrAliasTaken            = &Error{Kind: KindAliasTaken, Message: "a token with this alias already exists"}
	ErrDeviceNotRecognized   = &Error{Kind: KindDeviceNotRecognized, Message: "your ip address has changed to one from where you have never logged in before, please re-login"}
	ErrForbidden             = &Error{Kind: KindForbidden, Message: "you do not have permission to perform this action"}
	ErrDeliveryFailed        = &Error{Kind: KindDeliveryFailed, Message: "failed to deliver otp"}
	ErrInvalidInput          = &Error{Kind: KindInvalidInput, Message: "invalid input"}
)

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func LoginBlocked(until time.Time) *Error {
	return &Error{Kind: KindLoginBlocked, Message: ErrLoginBlocked.Message, Until: until}
}

func InvalidInput(message string) *Error {
	return &Error{Kind: KindInvalidInput, Message: message}
}

// Store lifts a failed store round trip into StoreUnavailable. Errors that
// already carry a kind pass through untouched.
func Store(err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	message := ErrStoreUnavailable.Message
	if errors.Is(err, context.DeadlineExceeded) {
		message = "credential store timed out"
	}
	return &Error{Kind: KindStoreUnavailable, Message: message, Err: err}
}

func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindMalformedToken, KindMalformedHeader, KindInvalidToken, KindExpiredToken,
		KindUserIDNotResolved, KindTokenNotFound, KindTokenInvalidOrExpired,
		KindInvalidCredentials, KindLoginBlocked, KindUserInactive:
		return http.StatusUnauthorized
	case KindDeviceNotRecognized, KindForbidden:
		return http.StatusForbidden
	case KindUserNotFound:
		return http.StatusNotFound
	case KindAmbiguousIdentifier, KindMissingIdentifier, KindInvalidOTP, KindOTPExpired, KindInvalidInput:
		return http.StatusBadRequest
	case KindUserExists, KindAliasTaken:
		return http.StatusConflict
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case KindDeliveryFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is what callers see. Internal failures never leak their cause.
func PublicMessage(err error) string {
	var typed *Error
	if errors.As(err, &typed) && typed.Kind != KindInternal {
		return typed.Error()
	}
	return "internal server error"
}
