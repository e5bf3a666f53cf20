// Package memory keeps users, permanent tokens and OTPs in process memory.
// It backs development mode when no DATABASE_URL is configured and the
// end-to-end tests. Data does not survive a restart.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"authgate/internal/domain"
)

type Store struct {
	mu     sync.RWMutex
	users  map[string]domain.User
	tokens map[string]domain.PermanentToken
	usages []domain.TokenUsage
	otps   map[string]domain.LoginOTP
}

func New() *Store {
	return &Store{
		users:  make(map[string]domain.User),
		tokens: make(map[string]domain.PermanentToken),
		otps:   make(map[string]domain.LoginOTP),
	}
}

func (s *Store) GetByID(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &user, nil
}

func (s *Store) GetByUsername(_ context.Context, username string) (*domain.User, error) {
	return s.findUser(func(u domain.User) bool { return strings.EqualFold(u.Username, username) })
}

func (s *Store) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	return s.findUser(func(u domain.User) bool { return strings.EqualFold(u.Email, email) })
}

func (s *Store) findUser(match func(domain.User) bool) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if match(user) {
			found := user
			return &found, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) Create(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.ID == user.ID ||
			strings.EqualFold(existing.Username, user.Username) ||
			strings.EqualFold(existing.Email, user.Email) {
			return domain.ErrDuplicate
		}
	}
	s.users[user.ID] = *user
	return nil
}

// SetPrivileges flips the staff and superuser flags. Memory-only helper for
// seeding development data and tests.
func (s *Store) SetPrivileges(userID string, staff, superuser bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	user.IsStaff = staff
	user.IsSuperuser = superuser
	s.users[userID] = user
	return nil
}

func (s *Store) RegisterFailedLogin(_ context.Context, userID string, maxAttempts int, lockFor time.Duration, now time.Time) (domain.LoginFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return domain.LoginFailure{}, domain.ErrNotFound
	}

	user.FailedLoginAttempts++
	if user.FailedLoginAttempts >= maxAttempts {
		until := now.Add(lockFor)
		user.FailedLoginAttempts = 0
		user.LockedUntil = &until
	}
	user.UpdatedAt = now
	s.users[userID] = user

	return domain.LoginFailure{FailedAttempts: user.FailedLoginAttempts, LockedUntil: user.LockedUntil}, nil
}

func (s *Store) RecordSuccessfulLogin(_ context.Context, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastLogin = &now
	user.UpdatedAt = now
	s.users[userID] = user
	return nil
}

// Delete drops the user together with its tokens, their usage and its OTPs.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.users, id)

	dropped := make(map[string]struct{})
	for tokenID, token := range s.tokens {
		if token.UserID == id {
			delete(s.tokens, tokenID)
			dropped[tokenID] = struct{}{}
		}
	}
	kept := s.usages[:0]
	for _, usage := range s.usages {
		if _, gone := dropped[usage.TokenID]; !gone {
			kept = append(kept, usage)
		}
	}
	s.usages = kept

	for otpID, otp := range s.otps {
		if otp.UserID == id {
			delete(s.otps, otpID)
		}
	}
	return nil
}

func (s *Store) DeleteInactive(_ context.Context, joinedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, user := range s.users {
		if !user.IsActive && user.CreatedAt.Before(joinedBefore) {
			delete(s.users, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) CreateToken(_ context.Context, token *domain.PermanentToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.tokens {
		if existing.UserID == token.UserID && existing.Alias == token.Alias {
			return domain.ErrDuplicate
		}
	}
	s.tokens[token.ID] = *token
	return nil
}

func (s *Store) ListTokens(_ context.Context, userID string) ([]domain.PermanentToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PermanentToken, 0)
	for _, token := range s.tokens {
		if token.UserID == userID {
			out = append(out, token)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) DeleteToken(_ context.Context, userID, tokenID, alias string) (*domain.PermanentToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, token := range s.tokens {
		if token.UserID != userID {
			continue
		}
		if (tokenID != "" && token.ID == tokenID) || (tokenID == "" && token.Alias == alias) {
			delete(s.tokens, id)
			return &token, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) InsertUsage(_ context.Context, usage domain.TokenUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.usages = append(s.usages, usage)
	return nil
}

// Usages returns the usage records of one token.
func (s *Store) Usages(tokenID string) []domain.TokenUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.TokenUsage
	for _, usage := range s.usages {
		if usage.TokenID == tokenID {
			out = append(out, usage)
		}
	}
	return out
}

func (s *Store) DeleteExpiredTokens(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, token := range s.tokens {
		if token.Expired(now) {
			delete(s.tokens, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) DeleteUsageBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.usages[:0]
	var deleted int64
	for _, usage := range s.usages {
		if usage.UsedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, usage)
	}
	s.usages = kept
	return deleted, nil
}

func (s *Store) InsertOTP(_ context.Context, otp *domain.LoginOTP) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.otps[otp.ID] = *otp
	return nil
}

func (s *Store) GetOTP(_ context.Context, id string) (*domain.LoginOTP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	otp, ok := s.otps[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &otp, nil
}

func (s *Store) ConsumeOTP(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.otps[id]; !ok {
		return false, nil
	}
	delete(s.otps, id)
	return true, nil
}

func (s *Store) DeleteOTPsForUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, otp := range s.otps {
		if otp.UserID == userID {
			delete(s.otps, id)
		}
	}
	return nil
}

func (s *Store) DeleteExpiredOTPs(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, otp := range s.otps {
		if otp.Expired(now) {
			delete(s.otps, id)
			deleted++
		}
	}
	return deleted, nil
}

var (
	_ domain.UserStore  = (*Store)(nil)
	_ domain.TokenStore = (*Store)(nil)
	_ domain.OTPStore   = (*Store)(nil)
)
