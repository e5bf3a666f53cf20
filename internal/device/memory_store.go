package device

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the development-mode binding store used when no MONGO_URL
// is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	bindings  []Binding
	whitelist []WhitelistEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) RecordIP(_ context.Context, binding Binding) error {
	binding.MAC = ""
	return s.record(binding)
}

func (s *MemoryStore) RecordMAC(_ context.Context, binding Binding) error {
	binding.IP = ""
	return s.record(binding)
}

func (s *MemoryStore) record(binding Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings = append(s.bindings, binding)
	return nil
}

func (s *MemoryStore) HasIP(_ context.Context, userID, ip string) (bool, error) {
	return s.hasBinding(func(b Binding) bool { return b.UserID == userID && b.IP != "" && b.IP == ip }), nil
}

func (s *MemoryStore) HasMAC(_ context.Context, userID, mac string) (bool, error) {
	return s.hasBinding(func(b Binding) bool { return b.UserID == userID && b.MAC != "" && b.MAC == mac }), nil
}

func (s *MemoryStore) hasBinding(match func(Binding) bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, binding := range s.bindings {
		if match(binding) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) IsWhitelisted(_ context.Context, userID, ip string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.whitelist {
		if entry.UserID == userID && entry.IP == ip {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListWhitelist(_ context.Context, userID string, page, pageSize int) ([]WhitelistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var owned []WhitelistEntry
	for _, entry := range s.whitelist {
		if entry.UserID == userID {
			owned = append(owned, entry)
		}
	}
	sort.SliceStable(owned, func(i, j int) bool { return owned[i].CreatedAt.Before(owned[j].CreatedAt) })

	start := (page - 1) * pageSize
	if start >= len(owned) {
		return []WhitelistEntry{}, nil
	}
	end := start + pageSize
	if end > len(owned) {
		end = len(owned)
	}
	return owned[start:end], nil
}

func (s *MemoryStore) AddWhitelist(_ context.Context, entry WhitelistEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.whitelist {
		if existing.UserID == entry.UserID && existing.IP == entry.IP {
			return false, nil
		}
	}
	s.whitelist = append(s.whitelist, entry)
	return true, nil
}

func (s *MemoryStore) DeleteWhitelist(_ context.Context, userID, id, ip string) ([]WhitelistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept, deleted []WhitelistEntry
	for _, entry := range s.whitelist {
		if entry.UserID == userID && ((id != "" && entry.ID == id) || (ip != "" && entry.IP == ip)) {
			deleted = append(deleted, entry)
			continue
		}
		kept = append(kept, entry)
	}
	if len(deleted) == 0 {
		return nil, ErrNotFound
	}
	s.whitelist = kept
	return deleted, nil
}

func (s *MemoryStore) PruneBindings(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.bindings[:0]
	var pruned int64
	for _, binding := range s.bindings {
		if binding.Timestamp.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, binding)
	}
	s.bindings = kept
	return pruned, nil
}
