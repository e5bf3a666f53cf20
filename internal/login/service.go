// Package login implements interactive sign-in: one-time passcodes, password
// login and registration, sharing one failure counter and lockout per user.
package login

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"authgate/internal/autherr"
	"authgate/internal/domain"
	"authgate/internal/jwtauth"
	"authgate/internal/observability"
)

const (
	defaultMaxAttempts  = 5
	defaultLockWindow   = 15 * time.Minute
	defaultOTPTTL       = 5 * time.Minute
	defaultStoreTimeout = 3 * time.Second

	defaultDeletionReason = "No reason given."
)

// Notifier delivers a passcode out of band.
type Notifier interface {
	SendOTP(ctx context.Context, user *domain.User, otp string, expiresAt time.Time) error
}

// DeletionArchive keeps a record of self-deleted accounts.
type DeletionArchive interface {
	RecordDeletion(ctx context.Context, record domain.DeletedUser) error
}

type TokenIssuer interface {
	IssuePair(user *domain.User) (jwtauth.TokenPair, error)
}

type Identifier struct {
	Username string
	Email    string
}

type OTPChallenge struct {
	ID        string    `json:"otpId"`
	ExpiresAt time.Time `json:"expiresAt"`
	// OTP is only set when passcodes are echoed (non-production).
	OTP string `json:"otp,omitempty"`
}

type Result struct {
	User   *domain.User
	Tokens jwtauth.TokenPair
}

type RegisterInput struct {
	Username string
	Email    string
	Password string
}

type Service struct {
	users    domain.UserStore
	otps     domain.OTPStore
	issuer   TokenIssuer
	notifier Notifier
	archive  DeletionArchive
	logger   *observability.Logger

	maxAttempts  int
	lockDuration time.Duration
	otpLength    int
	otpTTL       time.Duration
	bcryptCost   int
	storeTimeout time.Duration
	echoOTP      bool
	now          func() time.Time
}

func NewService(users domain.UserStore, otps domain.OTPStore, issuer TokenIssuer, notifier Notifier, logger *observability.Logger) *Service {
	return &Service{
		users:        users,
		otps:         otps,
		issuer:       issuer,
		notifier:     notifier,
		logger:       logger,
		maxAttempts:  defaultMaxAttempts,
		lockDuration: defaultLockWindow,
		otpLength:    DefaultOTPLength,
		otpTTL:       defaultOTPTTL,
		bcryptCost:   bcrypt.DefaultCost,
		storeTimeout: defaultStoreTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithSecurityConfig(maxAttempts int, lockDuration time.Duration, bcryptCost int, storeTimeout time.Duration) *Service {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
	if bcryptCost >= bcrypt.MinCost && bcryptCost <= bcrypt.MaxCost {
		s.bcryptCost = bcryptCost
	}
	if storeTimeout > 0 {
		s.storeTimeout = storeTimeout
	}
	return s
}

// WithOTPConfig sets passcode length and lifetime. When echo is true the
// passcode is returned to the caller and not delivered.
func (s *Service) WithOTPConfig(length int, ttl time.Duration, echo bool) *Service {
	if length > 0 {
		s.otpLength = length
	}
	if ttl > 0 {
		s.otpTTL = ttl
	}
	s.echoOTP = echo
	return s
}

func (s *Service) WithDeletionArchive(archive DeletionArchive) *Service {
	s.archive = archive
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) InitOTP(ctx context.Context, identifier Identifier) (OTPChallenge, error) {
	user, err := s.findUser(ctx, identifier)
	if err != nil {
		return OTPChallenge{}, err
	}
	if !user.IsActive {
		return OTPChallenge{}, autherr.ErrUserInactive
	}

	now := s.now()
	if user.LockedAt(now) {
		return OTPChallenge{}, autherr.LoginBlocked(*user.LockedUntil)
	}

	if err := s.withStore(ctx, func(ctx context.Context) error {
		return s.otps.DeleteOTPsForUser(ctx, user.ID)
	}); err != nil {
		return OTPChallenge{}, err
	}

	code, err := GenerateNumeric(s.otpLength)
	if err != nil {
		return OTPChallenge{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.bcryptCost)
	if err != nil {
		return OTPChallenge{}, fmt.Errorf("hash otp: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return OTPChallenge{}, fmt.Errorf("generate otp id: %w", err)
	}

	record := &domain.LoginOTP{
		ID:        id.String(),
		UserID:    user.ID,
		OTPHash:   string(hash),
		ExpiresAt: now.Add(s.otpTTL),
		CreatedAt: now,
	}
	if err := s.withStore(ctx, func(ctx context.Context) error {
		return s.otps.InsertOTP(ctx, record)
	}); err != nil {
		return OTPChallenge{}, err
	}

	challenge := OTPChallenge{ID: record.ID, ExpiresAt: record.ExpiresAt}
	if s.echoOTP {
		challenge.OTP = code
	} else if err := s.notifier.SendOTP(ctx, user, code, record.ExpiresAt); err != nil {
		s.logger.Error("otp_delivery_failed", map[string]any{"user_id": user.ID, "otp_id": record.ID, "error": err.Error()})
		if delErr := s.withStore(ctx, func(ctx context.Context) error {
			_, err := s.otps.ConsumeOTP(ctx, record.ID)
			return err
		}); delErr != nil {
			s.logger.Error("otp_cleanup_failed", map[string]any{"otp_id": record.ID, "error": delErr.Error()})
		}
		return OTPChallenge{}, autherr.Wrap(autherr.KindDeliveryFailed, autherr.ErrDeliveryFailed.Message, err)
	}

	s.logger.Info("otp_login_init", map[string]any{"user_id": user.ID, "otp_id": record.ID})
	return challenge, nil
}

// ConfirmOTP verifies a passcode. A record can succeed at most once.
func (s *Service) ConfirmOTP(ctx context.Context, otpID, code string) (Result, error) {
	otpID = strings.TrimSpace(otpID)
	code = strings.TrimSpace(code)
	if otpID == "" {
		return Result{}, autherr.ErrInvalidOTP
	}

	var record *domain.LoginOTP
	err := s.withStore(ctx, func(ctx context.Context) error {
		var err error
		record, err = s.otps.GetOTP(ctx, otpID)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Result{}, autherr.ErrInvalidOTP
		}
		return Result{}, err
	}

	user, err := s.userByID(ctx, record.UserID)
	if err != nil {
		return Result{}, err
	}

	now := s.now()
	if user.LockedAt(now) {
		return Result{}, autherr.LoginBlocked(*user.LockedUntil)
	}
	if record.Expired(now) {
		return Result{}, autherr.ErrOTPExpired
	}

	if bcrypt.CompareHashAndPassword([]byte(record.OTPHash), []byte(code)) != nil {
		return Result{}, s.registerFailure(ctx, user, now, autherr.ErrInvalidOTP)
	}

	var consumed bool
	if err := s.withStore(ctx, func(ctx context.Context) error {
		var err error
		consumed, err = s.otps.ConsumeOTP(ctx, record.ID)
		return err
	}); err != nil {
		return Result{}, err
	}
	if !consumed {
		return Result{}, autherr.ErrInvalidOTP
	}

	return s.complete(ctx, user, now, "otp")
}

// PasswordLogin authenticates with a password under the same lockout rules
// as passcodes. Unknown and inactive users get InvalidCredentials.
func (s *Service) PasswordLogin(ctx context.Context, identifier Identifier, password string) (Result, error) {
	user, err := s.findUser(ctx, identifier)
	if err != nil {
		if errors.Is(err, autherr.ErrUserNotFound) {
			return Result{}, autherr.ErrInvalidCredentials
		}
		return Result{}, err
	}
	if !user.IsActive {
		return Result{}, autherr.ErrInvalidCredentials
	}

	now := s.now()
	if user.LockedAt(now) {
		return Result{}, autherr.LoginBlocked(*user.LockedUntil)
	}

	if password == "" || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return Result{}, s.registerFailure(ctx, user, now, autherr.ErrInvalidCredentials)
	}

	return s.complete(ctx, user, now, "password")
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (*domain.User, error) {
	user, err := s.createUser(ctx, input, false)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user_registered", map[string]any{"user_id": user.ID})
	return user, nil
}

// BootstrapAdmin creates a staff superuser when none exists under the given
// username. All three values empty is a no-op.
func (s *Service) BootstrapAdmin(ctx context.Context, input RegisterInput) error {
	input.Username = strings.ToLower(strings.TrimSpace(input.Username))
	input.Email = strings.TrimSpace(input.Email)
	input.Password = strings.TrimSpace(input.Password)

	if input.Username == "" && input.Email == "" && input.Password == "" {
		return nil
	}
	if input.Username == "" || input.Email == "" || input.Password == "" {
		return fmt.Errorf("ADMIN_USERNAME, ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	err := s.withStore(ctx, func(ctx context.Context) error {
		_, err := s.users.GetByUsername(ctx, input.Username)
		return err
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	user, err := s.createUser(ctx, input, true)
	if err != nil {
		if errors.Is(err, autherr.ErrUserExists) {
			s.logger.Warn("admin_bootstrap_skipped", map[string]any{"reason": "username or email taken"})
			return nil
		}
		return err
	}

	s.logger.Info("admin_bootstrapped", map[string]any{"user_id": user.ID})
	return nil
}

func (s *Service) createUser(ctx context.Context, input RegisterInput, privileged bool) (*domain.User, error) {
	username := strings.ToLower(strings.TrimSpace(input.Username))
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if username == "" || email == "" || input.Password == "" {
		return nil, autherr.InvalidInput("username, email and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), s.bcryptCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return nil, autherr.InvalidInput("password is too long")
		}
		return nil, fmt.Errorf("hash password: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate user id: %w", err)
	}

	now := s.now()
	user := &domain.User{
		ID:           id.String(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		IsActive:     true,
		IsStaff:      privileged,
		IsSuperuser:  privileged,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.withStore(ctx, func(ctx context.Context) error {
		return s.users.Create(ctx, user)
	}); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return nil, autherr.ErrUserExists
		}
		return nil, err
	}
	return user, nil
}

// VerifyPassword re-checks a signed-in user's password.
func (s *Service) VerifyPassword(user *domain.User, password string) error {
	if user == nil || password == "" || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return autherr.ErrInvalidCredentials
	}
	return nil
}

// User returns an active user by id.
func (s *Service) User(ctx context.Context, id string) (*domain.User, error) {
	return s.userByID(ctx, strings.TrimSpace(id))
}

// DeleteAccount removes the signed-in user once the password checks out.
// Failing to archive the deletion is logged and does not undo it.
func (s *Service) DeleteAccount(ctx context.Context, user *domain.User, password, reason string) error {
	if user == nil {
		return autherr.ErrUserNotFound
	}
	if err := s.VerifyPassword(user, password); err != nil {
		s.logger.Warn("account_delete_rejected", map[string]any{"user_id": user.ID})
		return err
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultDeletionReason
	}

	if err := s.withStore(ctx, func(ctx context.Context) error {
		return s.users.Delete(ctx, user.ID)
	}); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return autherr.ErrUserNotFound
		}
		return err
	}

	if s.archive != nil {
		record := domain.DeletedUser{
			ID:         user.ID,
			Username:   user.Username,
			Email:      user.Email,
			IsStaff:    user.IsStaff,
			DateJoined: user.CreatedAt,
			LastLogin:  user.LastLogin,
			Reason:     reason,
			DeletedAt:  s.now(),
		}
		if err := s.withStore(ctx, func(ctx context.Context) error {
			return s.archive.RecordDeletion(ctx, record)
		}); err != nil {
			s.logger.Warn("account_archive_failed", map[string]any{"user_id": user.ID, "error": err.Error()})
		}
	}

	s.logger.Info("account_deleted", map[string]any{"user_id": user.ID})
	return nil
}

func (s *Service) complete(ctx context.Context, user *domain.User, now time.Time, method string) (Result, error) {
	if err := s.withStore(ctx, func(ctx context.Context) error {
		return s.users.RecordSuccessfulLogin(ctx, user.ID, now)
	}); err != nil {
		return Result{}, err
	}
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastLogin = &now

	tokens, err := s.issuer.IssuePair(user)
	if err != nil {
		return Result{}, err
	}

	s.logger.Info("login_succeeded", map[string]any{"user_id": user.ID, "method": method})
	return Result{User: user, Tokens: tokens}, nil
}

// registerFailure counts a failed attempt and returns either LoginBlocked,
// when this attempt reached the limit, or failure.
func (s *Service) registerFailure(ctx context.Context, user *domain.User, now time.Time, failure error) error {
	var state domain.LoginFailure
	if err := s.withStore(ctx, func(ctx context.Context) error {
		var err error
		state, err = s.users.RegisterFailedLogin(ctx, user.ID, s.maxAttempts, s.lockDuration, now)
		return err
	}); err != nil {
		return err
	}

	if state.LockedUntil != nil {
		s.logger.Warn("login_locked", map[string]any{"user_id": user.ID, "locked_until": state.LockedUntil.Format(time.RFC3339)})
		return autherr.LoginBlocked(*state.LockedUntil)
	}
	return failure
}

func (s *Service) findUser(ctx context.Context, identifier Identifier) (*domain.User, error) {
	username := strings.TrimSpace(identifier.Username)
	email := strings.TrimSpace(identifier.Email)

	switch {
	case username != "" && email != "":
		return nil, autherr.ErrAmbiguousIdentifier
	case username == "" && email == "":
		return nil, autherr.ErrMissingIdentifier
	}

	var user *domain.User
	err := s.withStore(ctx, func(ctx context.Context) error {
		var err error
		if username != "" {
			user, err = s.users.GetByUsername(ctx, strings.ToLower(username))
		} else {
			user, err = s.users.GetByEmail(ctx, strings.ToLower(email))
		}
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, autherr.ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

func (s *Service) userByID(ctx context.Context, id string) (*domain.User, error) {
	var user *domain.User
	err := s.withStore(ctx, func(ctx context.Context) error {
		var err error
		user, err = s.users.GetByID(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, autherr.ErrUserNotFound
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, autherr.ErrUserInactive
	}
	return user, nil
}

// withStore runs fn under the store timeout. domain.ErrNotFound and
// domain.ErrDuplicate pass through for the caller to map; anything else
// becomes StoreUnavailable.
func (s *Service) withStore(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	err := fn(ctx)
	if err == nil || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrDuplicate) {
		return err
	}
	return autherr.Store(err)
}
