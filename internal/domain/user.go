package domain

import "time"

type User struct {
	ID                  string
	Username            string
	Email               string
	PasswordHash        string
	IsActive            bool
	IsStaff             bool
	IsSuperuser         bool
	FailedLoginAttempts int
	LockedUntil         *time.Time
	LastLogin           *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Privileged users bypass device binding.
func (u *User) Privileged() bool {
	return u.IsStaff || u.IsSuperuser
}

func (u *User) LockedAt(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// LoginFailure is the counter state after a failed attempt was registered.
type LoginFailure struct {
	FailedAttempts int
	LockedUntil    *time.Time
}

type PermanentToken struct {
	ID        string
	UserID    string
	TokenHash string
	Alias     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (t *PermanentToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

type TokenUsage struct {
	ID      string
	TokenID string
	UsedAt  time.Time
}

type LoginOTP struct {
	ID        string
	UserID    string
	OTPHash   string
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (o *LoginOTP) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// DeletedUser is what remains of an account after its owner deleted it.
type DeletedUser struct {
	ID         string
	Username   string
	Email      string
	IsStaff    bool
	DateJoined time.Time
	LastLogin  *time.Time
	Reason     string
	DeletedAt  time.Time
}
