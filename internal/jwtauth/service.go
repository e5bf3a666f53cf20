package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"authgate/internal/autherr"
	"authgate/internal/domain"
	"authgate/internal/identity"
)

const (
	Scheme = "Bearer"

	TypeAccess  = "access"
	TypeRefresh = "refresh"

	defaultAccessTTL    = 5 * time.Minute
	defaultRefreshTTL   = 15 * 24 * time.Hour
	defaultStoreTimeout = 3 * time.Second
)

type Claims struct {
	TokenType string `json:"token_type"`
	UserID    string `json:"user_id"`
	jwt.RegisteredClaims
}

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}

type UserFinder interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
}

// RevocationStore tracks consumed refresh token ids.
type RevocationStore interface {
	// Consume marks jti as used for ttl and reports whether this call did it.
	Consume(ctx context.Context, jti string, ttl time.Duration) (bool, error)
}

type Service struct {
	users        UserFinder
	revocations  RevocationStore
	secret       []byte
	issuer       string
	accessTTL    time.Duration
	refreshTTL   time.Duration
	storeTimeout time.Duration
	now          func() time.Time
}

func NewService(users UserFinder, revocations RevocationStore, secret, issuer string) *Service {
	return &Service{
		users:        users,
		revocations:  revocations,
		secret:       []byte(secret),
		issuer:       issuer,
		accessTTL:    defaultAccessTTL,
		refreshTTL:   defaultRefreshTTL,
		storeTimeout: defaultStoreTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithTTLs(accessTTL, refreshTTL time.Duration) *Service {
	if accessTTL > 0 {
		s.accessTTL = accessTTL
	}
	if refreshTTL > 0 {
		s.refreshTTL = refreshTTL
	}
	return s
}

func (s *Service) WithStoreTimeout(timeout time.Duration) *Service {
	if timeout > 0 {
		s.storeTimeout = timeout
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) AccessTTL() time.Duration {
	return s.accessTTL
}

func (s *Service) IssuePair(user *domain.User) (TokenPair, error) {
	if user == nil || user.ID == "" {
		return TokenPair{}, fmt.Errorf("issue tokens: missing user")
	}

	access, err := s.sign(user.ID, TypeAccess, s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.sign(user.ID, TypeRefresh, s.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    Scheme,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

func (s *Service) sign(userID, tokenType string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		TokenType: tokenType,
		UserID:    userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return encoded, nil
}

// Verify checks signature, algorithm, expiry and claim shape.
func (s *Service) Verify(raw, tokenType string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, autherr.ErrInvalidToken
	}

	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	token, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, autherr.Wrap(autherr.KindExpiredToken, autherr.ErrExpiredToken.Message, err)
		}
		return nil, autherr.Wrap(autherr.KindInvalidToken, autherr.ErrInvalidToken.Message, err)
	}
	if !token.Valid {
		return nil, autherr.ErrInvalidToken
	}

	if claims.TokenType != tokenType {
		return nil, autherr.New(autherr.KindInvalidToken, "invalid token type")
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, autherr.New(autherr.KindInvalidToken, "token has no recognizable user identification")
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, autherr.New(autherr.KindInvalidToken, "invalid token issuer")
	}

	return claims, nil
}

func (s *Service) ResolveUser(ctx context.Context, claims *Claims) (*domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	user, err := s.users.GetByID(ctx, claims.Subject)
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

// Refresh exchanges a refresh token for a new pair. The old refresh token is
// consumed and can never be exchanged again.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.Verify(refreshToken, TypeRefresh)
	if err != nil {
		return TokenPair{}, err
	}

	consumed, err := s.consume(ctx, claims)
	if err != nil {
		return TokenPair{}, err
	}
	if !consumed {
		return TokenPair{}, autherr.New(autherr.KindInvalidToken, "token is blacklisted")
	}

	user, err := s.ResolveUser(ctx, claims)
	if err != nil {
		return TokenPair{}, err
	}

	return s.IssuePair(user)
}

// Revoke blacklists a refresh token. Revoking twice is not an error.
func (s *Service) Revoke(ctx context.Context, refreshToken string) error {
	claims, err := s.Verify(refreshToken, TypeRefresh)
	if err != nil {
		return err
	}

	_, err = s.consume(ctx, claims)
	return err
}

func (s *Service) consume(ctx context.Context, claims *Claims) (bool, error) {
	ttl := claims.ExpiresAt.Time.Sub(s.now())
	if ttl < time.Second {
		ttl = time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	consumed, err := s.revocations.Consume(ctx, claims.ID, ttl)
	if err != nil {
		return false, autherr.Store(fmt.Errorf("consume refresh token: %w", err))
	}
	return consumed, nil
}

// Authenticator adapts the service to the identity chain.
func (s *Service) Authenticator() identity.Authenticator {
	return bearerAuthenticator{service: s}
}

type bearerAuthenticator struct {
	service *Service
}

func (a bearerAuthenticator) Scheme() string {
	return Scheme
}

func (a bearerAuthenticator) Authenticate(ctx context.Context, header string) (*identity.Identity, error) {
	raw, ok, err := identity.SplitHeader(header, Scheme, autherr.ErrMalformedHeader)
	if !ok {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	claims, err := a.service.Verify(raw, TypeAccess)
	if err != nil {
		return nil, err
	}
	user, err := a.service.ResolveUser(ctx, claims)
	if err != nil {
		return nil, err
	}

	return &identity.Identity{User: user, Method: identity.MethodJWT, JTI: claims.ID}, nil
}
