package device

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("binding not found")

// Binding records a network identity seen at a successful login. Exactly one
// of IP and MAC is set.
type Binding struct {
	ID        string
	UserID    string
	IP        string
	MAC       string
	UserAgent string
	Timestamp time.Time
}

type WhitelistEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	IP        string    `json:"ip"`
	CreatedAt time.Time `json:"createdAt"`
}

type Store interface {
	RecordIP(ctx context.Context, binding Binding) error
	RecordMAC(ctx context.Context, binding Binding) error
	HasIP(ctx context.Context, userID, ip string) (bool, error)
	HasMAC(ctx context.Context, userID, mac string) (bool, error)
	IsWhitelisted(ctx context.Context, userID, ip string) (bool, error)
	ListWhitelist(ctx context.Context, userID string, page, pageSize int) ([]WhitelistEntry, error)
	// AddWhitelist reports false when the ip was already whitelisted.
	AddWhitelist(ctx context.Context, entry WhitelistEntry) (bool, error)
	// DeleteWhitelist removes entries matching id or ip and returns them.
	// ErrNotFound when nothing matched.
	DeleteWhitelist(ctx context.Context, userID, id, ip string) ([]WhitelistEntry, error)
	PruneBindings(ctx context.Context, olderThan time.Time) (int64, error)
}
