package domain

//go:generate mockgen -destination=../mocks/mock_stores.go -package=mocks authgate/internal/domain UserStore,TokenStore,OTPStore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a single-row lookup matches nothing.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate is returned by stores on a unique constraint violation.
var ErrDuplicate = errors.New("duplicate record")

type UserStore interface {
	GetByID(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Create(ctx context.Context, user *User) error
	// RegisterFailedLogin increments the failure counter and, once it reaches
	// maxAttempts, resets it and locks the user until now+lockFor. It is a
	// single atomic operation.
	RegisterFailedLogin(ctx context.Context, userID string, maxAttempts int, lockFor time.Duration, now time.Time) (LoginFailure, error)
	// RecordSuccessfulLogin clears the failure counter and lockout and sets last login.
	RecordSuccessfulLogin(ctx context.Context, userID string, now time.Time) error
	// Delete removes the user with its tokens and OTPs. ErrNotFound when
	// no such user exists.
	Delete(ctx context.Context, id string) error
	DeleteInactive(ctx context.Context, joinedBefore time.Time) (int64, error)
}

type TokenStore interface {
	CreateToken(ctx context.Context, token *PermanentToken) error
	// ListTokens returns every token of the user ordered by creation, oldest first.
	ListTokens(ctx context.Context, userID string) ([]PermanentToken, error)
	DeleteToken(ctx context.Context, userID, tokenID, alias string) (*PermanentToken, error)
	InsertUsage(ctx context.Context, usage TokenUsage) error
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)
	DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type OTPStore interface {
	InsertOTP(ctx context.Context, otp *LoginOTP) error
	GetOTP(ctx context.Context, id string) (*LoginOTP, error)
	// ConsumeOTP deletes the record and reports whether this call removed it.
	ConsumeOTP(ctx context.Context, id string) (bool, error)
	DeleteOTPsForUser(ctx context.Context, userID string) error
	DeleteExpiredOTPs(ctx context.Context, now time.Time) (int64, error)
}
