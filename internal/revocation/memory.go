package revocation

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the single-process revocation store used in development mode.
type MemoryStore struct {
	mu        sync.Mutex
	revoked   map[string]time.Time
	maxMemory int
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		revoked:   make(map[string]time.Time),
		maxMemory: 5000,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Consume(_ context.Context, jti string, ttl time.Duration) (bool, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if until, ok := s.revoked[jti]; ok && now.Before(until) {
		return false, nil
	}
	s.revoked[jti] = now.Add(ttl)

	if len(s.revoked) > s.maxMemory {
		for key, until := range s.revoked {
			if !now.Before(until) {
				delete(s.revoked, key)
			}
		}
	}

	return true, nil
}
