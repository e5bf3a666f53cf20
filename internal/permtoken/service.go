// Package permtoken issues and validates long-lived opaque API tokens.
//
// A token embeds its owner's id (see tokencodec), so authentication only
// compares the presented secret against that one user's stored hashes.
package permtoken

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"authgate/internal/autherr"
	"authgate/internal/domain"
	"authgate/internal/identity"
	"authgate/internal/observability"
	"authgate/internal/tokencodec"
)

const (
	Scheme = "Token"

	defaultTTL          = 90 * 24 * time.Hour
	defaultStoreTimeout = 3 * time.Second
	maxAliasLength      = 64
)

type Created struct {
	ID        string    `json:"id"`
	Alias     string    `json:"alias"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

type Summary struct {
	ID        string    `json:"id"`
	Alias     string    `json:"alias"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
	Expired   bool      `json:"expired"`
}

type Service struct {
	tokens       domain.TokenStore
	users        domain.UserStore
	codec        tokencodec.Codec
	logger       *observability.Logger
	ttl          time.Duration
	bcryptCost   int
	storeTimeout time.Duration
	now          func() time.Time

	usage sync.WaitGroup
}

func NewService(tokens domain.TokenStore, users domain.UserStore, codec tokencodec.Codec, logger *observability.Logger) *Service {
	return &Service{
		tokens:       tokens,
		users:        users,
		codec:        codec,
		logger:       logger,
		ttl:          defaultTTL,
		bcryptCost:   bcrypt.DefaultCost,
		storeTimeout: defaultStoreTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithSecurityConfig(ttl time.Duration, bcryptCost int, storeTimeout time.Duration) *Service {
	if ttl > 0 {
		s.ttl = ttl
	}
	if bcryptCost >= bcrypt.MinCost && bcryptCost <= bcrypt.MaxCost {
		s.bcryptCost = bcryptCost
	}
	if storeTimeout > 0 {
		s.storeTimeout = storeTimeout
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Create stores a new token and returns its plaintext. The plaintext is not
// kept anywhere and cannot be recovered later.
func (s *Service) Create(ctx context.Context, userID, alias string, expiresAt *time.Time) (Created, error) {
	alias = normalizeAlias(alias)
	if alias == "" {
		return Created{}, autherr.InvalidInput("alias is required")
	}
	if len(alias) > maxAliasLength {
		return Created{}, autherr.InvalidInput(fmt.Sprintf("alias must be at most %d characters", maxAliasLength))
	}

	now := s.now()
	expiry := now.Add(s.ttl)
	if expiresAt != nil {
		if !expiresAt.After(now) {
			return Created{}, autherr.InvalidInput("expiry must be in the future")
		}
		expiry = expiresAt.UTC()
	}

	plaintext, err := s.codec.Derive(userID)
	if err != nil {
		return Created{}, fmt.Errorf("derive permanent token: %w", err)
	}
	_, secret, err := s.codec.Split(plaintext)
	if err != nil {
		return Created{}, fmt.Errorf("split derived token: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.bcryptCost)
	if err != nil {
		return Created{}, fmt.Errorf("hash token secret: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Created{}, fmt.Errorf("generate token id: %w", err)
	}

	token := &domain.PermanentToken{
		ID:        id.String(),
		UserID:    userID,
		TokenHash: string(hash),
		Alias:     alias,
		ExpiresAt: expiry,
		CreatedAt: now,
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.tokens.CreateToken(storeCtx, token); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return Created{}, autherr.ErrAliasTaken
		}
		return Created{}, autherr.Store(err)
	}

	s.logger.Info("permanent_token_created", map[string]any{"user_id": userID, "token_id": token.ID, "alias": alias})

	return Created{
		ID:        token.ID,
		Alias:     alias,
		Token:     plaintext,
		ExpiresAt: expiry,
		CreatedAt: now,
	}, nil
}

func (s *Service) List(ctx context.Context, userID string) ([]Summary, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	tokens, err := s.tokens.ListTokens(storeCtx, userID)
	if err != nil {
		return nil, autherr.Store(err)
	}

	now := s.now()
	out := make([]Summary, 0, len(tokens))
	for i := range tokens {
		out = append(out, Summary{
			ID:        tokens[i].ID,
			Alias:     tokens[i].Alias,
			ExpiresAt: tokens[i].ExpiresAt,
			CreatedAt: tokens[i].CreatedAt,
			Expired:   tokens[i].Expired(now),
		})
	}
	return out, nil
}

// Delete removes one of the user's tokens by id or by alias.
func (s *Service) Delete(ctx context.Context, userID, tokenID, alias string) (Summary, error) {
	tokenID = strings.TrimSpace(tokenID)
	alias = normalizeAlias(alias)
	if tokenID == "" && alias == "" {
		return Summary{}, autherr.InvalidInput("either id or alias is required")
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	deleted, err := s.tokens.DeleteToken(storeCtx, userID, tokenID, alias)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Summary{}, autherr.ErrTokenNotFound
		}
		return Summary{}, autherr.Store(err)
	}

	s.logger.Info("permanent_token_deleted", map[string]any{"user_id": userID, "token_id": deleted.ID})

	return Summary{ID: deleted.ID, Alias: deleted.Alias, ExpiresAt: deleted.ExpiresAt, CreatedAt: deleted.CreatedAt}, nil
}

// Authenticate validates the value of a "Token <value>" header.
func (s *Service) Authenticate(ctx context.Context, header string) (*domain.User, *domain.PermanentToken, error) {
	raw, applicable, err := identity.SplitHeader(header, Scheme, autherr.ErrMalformedToken)
	if !applicable {
		return nil, nil, autherr.ErrMalformedToken
	}
	if err != nil {
		return nil, nil, err
	}

	userPart, secret, err := s.codec.Split(raw)
	if err != nil {
		return nil, nil, autherr.Wrap(autherr.KindMalformedToken, autherr.ErrMalformedToken.Message, err)
	}
	if userPart == "" || secret == "" {
		return nil, nil, autherr.ErrMalformedToken
	}

	userID, err := s.codec.ExtractUserID(userPart)
	if err != nil || userID == "" {
		return nil, nil, autherr.ErrUserIDNotResolved
	}
	if _, err := uuid.Parse(userID); err != nil {
		return nil, nil, autherr.ErrUserIDNotResolved
	}

	tokens, err := s.loadTokens(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if len(tokens) == 0 {
		return nil, nil, autherr.ErrTokenNotFound
	}

	now := s.now()
	var match *domain.PermanentToken
	for i := range tokens {
		if tokens[i].Expired(now) {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(tokens[i].TokenHash), []byte(secret)) == nil {
			match = &tokens[i]
			break
		}
	}
	if match == nil {
		return nil, nil, autherr.ErrTokenInvalidOrExpired
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	s.recordUsage(match.ID, now)

	return user, match, nil
}

func (s *Service) loadTokens(ctx context.Context, userID string) ([]domain.PermanentToken, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	tokens, err := s.tokens.ListTokens(ctx, userID)
	if err != nil {
		return nil, autherr.Store(err)
	}
	return tokens, nil
}

func (s *Service) loadUser(ctx context.Context, userID string) (*domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, autherr.ErrUserNotFound
		}
		return nil, autherr.Store(err)
	}
	if !user.IsActive {
		return nil, autherr.ErrUserInactive
	}
	return user, nil
}

// recordUsage never blocks or fails the authentication decision.
func (s *Service) recordUsage(tokenID string, usedAt time.Time) {
	id, err := uuid.NewV7()
	if err != nil {
		s.logger.Error("token_usage_record_failed", map[string]any{"token_id": tokenID, "error": err.Error()})
		return
	}

	s.usage.Add(1)
	go func() {
		defer s.usage.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.storeTimeout)
		defer cancel()

		if err := s.tokens.InsertUsage(ctx, domain.TokenUsage{ID: id.String(), TokenID: tokenID, UsedAt: usedAt}); err != nil {
			s.logger.Error("token_usage_record_failed", map[string]any{"token_id": tokenID, "error": err.Error()})
		}
	}()
}

// Wait blocks until in-flight usage records are written.
func (s *Service) Wait() {
	s.usage.Wait()
}

func (s *Service) Authenticator() identity.Authenticator {
	return tokenAuthenticator{service: s}
}

type tokenAuthenticator struct {
	service *Service
}

func (a tokenAuthenticator) Scheme() string {
	return Scheme
}

func (a tokenAuthenticator) Authenticate(ctx context.Context, header string) (*identity.Identity, error) {
	if identity.Scheme(header) != Scheme {
		return nil, nil
	}

	user, token, err := a.service.Authenticate(ctx, header)
	if err != nil {
		return nil, err
	}
	return &identity.Identity{User: user, Method: identity.MethodToken, TokenID: token.ID}, nil
}

func normalizeAlias(alias string) string {
	return strings.ToLower(strings.TrimSpace(alias))
}
