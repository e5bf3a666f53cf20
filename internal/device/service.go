// Package device binds sessions to the network identities a user has logged
// in from. A signed-in, non-privileged caller is let through only from an IP
// it logged in from before, an IP it whitelisted, or a MAC it logged in
// with before.
package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"

	"authgate/internal/autherr"
	"authgate/internal/domain"
	"authgate/internal/observability"
)

const (
	WhitelistPageSize = 20

	defaultCacheTTL     = 5 * time.Minute
	defaultStoreTimeout = 3 * time.Second
	maxWhitelistBatch   = 50
)

type PasswordVerifier interface {
	VerifyPassword(user *domain.User, password string) error
}

type Service struct {
	store        Store
	passwords    PasswordVerifier
	logger       *observability.Logger
	cache        *ristretto.Cache[string, bool]
	cacheTTL     time.Duration
	storeTimeout time.Duration
	now          func() time.Time
}

func NewService(store Store, passwords PasswordVerifier, logger *observability.Logger) (*Service, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, bool]{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("init binding cache: %w", err)
	}

	return &Service{
		store:        store,
		passwords:    passwords,
		logger:       logger,
		cache:        cache,
		cacheTTL:     defaultCacheTTL,
		storeTimeout: defaultStoreTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithCacheTTL sets how long a positive lookup is trusted. Zero or negative
// disables caching.
func (s *Service) WithCacheTTL(ttl time.Duration) *Service {
	s.cacheTTL = ttl
	return s
}

func (s *Service) WithStoreTimeout(timeout time.Duration) *Service {
	if timeout > 0 {
		s.storeTimeout = timeout
	}
	return s
}

func (s *Service) Close() {
	s.cache.Close()
}

// RecordLogin stores the IP and MAC of a successful login. Failures are
// logged and never returned.
func (s *Service) RecordLogin(ctx context.Context, userID string, info ClientInfo) {
	now := s.now()

	if info.IP != "" {
		err := s.withTimeout(ctx, func(ctx context.Context) error {
			return s.store.RecordIP(ctx, Binding{ID: newBindingID(), UserID: userID, IP: info.IP, UserAgent: info.UserAgent, Timestamp: now})
		})
		if err != nil {
			s.logger.Warn("ip_binding_record_failed", map[string]any{"user_id": userID, "error": err.Error()})
		} else {
			s.remember(ipKey(userID, info.IP))
		}
	}

	if info.MAC != "" {
		err := s.withTimeout(ctx, func(ctx context.Context) error {
			return s.store.RecordMAC(ctx, Binding{ID: newBindingID(), UserID: userID, MAC: info.MAC, Timestamp: now})
		})
		if err != nil {
			s.logger.Warn("mac_binding_record_failed", map[string]any{"user_id": userID, "error": err.Error()})
		} else {
			s.remember(macKey(userID, info.MAC))
		}
	}
}

// Allowed reports whether the user may proceed from info. A request without
// a resolvable IP is never allowed.
func (s *Service) Allowed(ctx context.Context, userID string, info ClientInfo) (bool, error) {
	if info.IP == "" {
		return false, nil
	}

	if s.cached(ipKey(userID, info.IP)) || (info.MAC != "" && s.cached(macKey(userID, info.MAC))) {
		return true, nil
	}

	var known bool
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		if known, err = s.store.HasIP(ctx, userID, info.IP); err != nil || known {
			return err
		}
		known, err = s.store.IsWhitelisted(ctx, userID, info.IP)
		return err
	})
	if err != nil {
		return false, autherr.Store(err)
	}
	if known {
		s.remember(ipKey(userID, info.IP))
		return true, nil
	}

	if info.MAC == "" {
		return false, nil
	}
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		known, err = s.store.HasMAC(ctx, userID, info.MAC)
		return err
	})
	if err != nil {
		return false, autherr.Store(err)
	}
	if known {
		s.remember(macKey(userID, info.MAC))
	}
	return known, nil
}

func (s *Service) ListWhitelist(ctx context.Context, userID string, page int) ([]WhitelistEntry, error) {
	if page < 1 {
		page = 1
	}

	var entries []WhitelistEntry
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		entries, err = s.store.ListWhitelist(ctx, userID, page, WhitelistPageSize)
		return err
	})
	if err != nil {
		return nil, autherr.Store(err)
	}
	return entries, nil
}

// AddWhitelist whitelists ips for user after re-checking the password.
// Already whitelisted ips are skipped. It returns the first page of entries.
func (s *Service) AddWhitelist(ctx context.Context, user *domain.User, password string, ips []string) ([]WhitelistEntry, error) {
	if err := s.passwords.VerifyPassword(user, password); err != nil {
		return nil, err
	}

	normalized, err := normalizeIPs(ips)
	if err != nil {
		return nil, err
	}

	now := s.now()
	for _, ip := range normalized {
		var added bool
		err := s.withTimeout(ctx, func(ctx context.Context) error {
			var err error
			added, err = s.store.AddWhitelist(ctx, WhitelistEntry{ID: newBindingID(), UserID: user.ID, IP: ip, CreatedAt: now})
			return err
		})
		if err != nil {
			return nil, autherr.Store(err)
		}
		if !added {
			s.logger.Info("whitelist_ip_exists", map[string]any{"user_id": user.ID})
		}
	}

	s.logger.Info("whitelist_updated", map[string]any{"user_id": user.ID, "count": len(normalized)})
	return s.ListWhitelist(ctx, user.ID, 1)
}

func (s *Service) DeleteWhitelist(ctx context.Context, userID, id, ip string) ([]WhitelistEntry, error) {
	id = strings.TrimSpace(id)
	ip = strings.TrimSpace(ip)
	if id == "" && ip == "" {
		return nil, autherr.InvalidInput("either id or ip is required")
	}
	if ip != "" {
		parsed := net.ParseIP(ip)
		if parsed == nil {
			return nil, autherr.InvalidInput(fmt.Sprintf("%q is not a valid ip address", ip))
		}
		ip = parsed.String()
	}

	var deleted []WhitelistEntry
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		deleted, err = s.store.DeleteWhitelist(ctx, userID, id, ip)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, autherr.New(autherr.KindInvalidInput, "no whitelisted ip matches")
		}
		return nil, autherr.Store(err)
	}

	for _, entry := range deleted {
		s.cache.Del(ipKey(userID, entry.IP))
	}
	s.cache.Wait()

	s.logger.Info("whitelist_ip_deleted", map[string]any{"user_id": userID, "count": len(deleted)})
	return s.ListWhitelist(ctx, userID, 1)
}

// Prune drops IP and MAC bindings older than olderThan. The cache is cleared
// since cached answers may rest on pruned bindings.
func (s *Service) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	pruned, err := s.store.PruneBindings(ctx, olderThan)
	if err != nil {
		return pruned, err
	}
	s.cache.Clear()
	return pruned, nil
}

func (s *Service) cached(key string) bool {
	if s.cacheTTL <= 0 {
		return false
	}
	value, ok := s.cache.Get(key)
	return ok && value
}

func (s *Service) remember(key string) {
	if s.cacheTTL <= 0 {
		return
	}
	s.cache.SetWithTTL(key, true, 1, s.cacheTTL)
}

func (s *Service) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return fn(ctx)
}

func normalizeIPs(ips []string) ([]string, error) {
	if len(ips) == 0 {
		return nil, autherr.InvalidInput("at least one ip is required")
	}
	if len(ips) > maxWhitelistBatch {
		return nil, autherr.InvalidInput(fmt.Sprintf("at most %d ips per request", maxWhitelistBatch))
	}

	seen := make(map[string]struct{}, len(ips))
	out := make([]string, 0, len(ips))
	for _, raw := range ips {
		parsed := net.ParseIP(strings.TrimSpace(raw))
		if parsed == nil {
			return nil, autherr.InvalidInput(fmt.Sprintf("%q is not a valid ip address", raw))
		}
		ip := parsed.String()
		if _, dup := seen[ip]; dup {
			continue
		}
		seen[ip] = struct{}{}
		out = append(out, ip)
	}
	return out, nil
}

func ipKey(userID, ip string) string {
	return "ip\x00" + userID + "\x00" + ip
}

func macKey(userID, mac string) string {
	return "mac\x00" + userID + "\x00" + mac
}

func newBindingID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}
