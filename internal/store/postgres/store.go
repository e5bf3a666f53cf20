// Package postgres implements the domain stores on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"authgate/internal/domain"
)

const uniqueViolation = "23505"

// DB is the subset of *pgxpool.Pool the stores use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db DB
}

func New(db DB) *Store {
	return &Store{db: db}
}

const userColumns = `id, username, email, password_hash, is_active, is_staff, is_superuser,
	failed_login_attempts, locked_until, last_login, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var user domain.User
	err := row.Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&user.IsActive, &user.IsStaff, &user.IsSuperuser,
		&user.FailedLoginAttempts, &user.LockedUntil, &user.LastLogin,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*domain.User, error) {
	if !validID(id) {
		return nil, domain.ErrNotFound
	}
	user, err := scanUser(s.db.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, id))
	if err != nil {
		return nil, mapError("query user by id", err)
	}
	return user, nil
}

func (s *Store) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	user, err := scanUser(s.db.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE lower(username) = lower($1)
	`, username))
	if err != nil {
		return nil, mapError("query user by username", err)
	}
	return user, nil
}

func (s *Store) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	user, err := scanUser(s.db.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE lower(email) = lower($1)
	`, email))
	if err != nil {
		return nil, mapError("query user by email", err)
	}
	return user, nil
}

func (s *Store) Create(ctx context.Context, user *domain.User) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (id, username, email, password_hash, is_active, is_staff, is_superuser, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, user.ID, user.Username, user.Email, user.PasswordHash, user.IsActive, user.IsStaff, user.IsSuperuser, user.CreatedAt.UTC())
	if err != nil {
		return mapError("insert user", err)
	}
	return nil
}

// RegisterFailedLogin bumps the counter and applies the lock in one
// statement. Every SET expression reads the pre-update row.
func (s *Store) RegisterFailedLogin(ctx context.Context, userID string, maxAttempts int, lockFor time.Duration, now time.Time) (domain.LoginFailure, error) {
	var failure domain.LoginFailure
	err := s.db.QueryRow(ctx, `
		UPDATE users
		SET
			failed_login_attempts = CASE
				WHEN failed_login_attempts + 1 >= $2 THEN 0
				ELSE failed_login_attempts + 1
			END,
			locked_until = CASE
				WHEN failed_login_attempts + 1 >= $2 THEN $3
				ELSE locked_until
			END,
			updated_at = $4
		WHERE id = $1
		RETURNING failed_login_attempts, locked_until
	`, userID, maxAttempts, now.UTC().Add(lockFor), now.UTC()).Scan(&failure.FailedAttempts, &failure.LockedUntil)
	if err != nil {
		return domain.LoginFailure{}, mapError("register failed login", err)
	}
	return failure, nil
}

func (s *Store) RecordSuccessfulLogin(ctx context.Context, userID string, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE users
		SET failed_login_attempts = 0, locked_until = NULL, last_login = $2, updated_at = $2
		WHERE id = $1
	`, userID, now.UTC())
	if err != nil {
		return mapError("record successful login", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return mapError("delete user", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteInactive(ctx context.Context, joinedBefore time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM users
		WHERE is_active = FALSE AND created_at < $1
	`, joinedBefore.UTC())
	if err != nil {
		return 0, mapError("delete inactive users", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) CreateToken(ctx context.Context, token *domain.PermanentToken) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO permanent_tokens (id, user_id, token_hash, alias, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, token.ID, token.UserID, token.TokenHash, token.Alias, token.ExpiresAt.UTC(), token.CreatedAt.UTC())
	if err != nil {
		return mapError("insert permanent token", err)
	}
	return nil
}

const tokenColumns = `id, user_id, token_hash, alias, expires_at, created_at`

func (s *Store) ListTokens(ctx context.Context, userID string) ([]domain.PermanentToken, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+tokenColumns+`
		FROM permanent_tokens
		WHERE user_id = $1
		ORDER BY created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, mapError("query permanent tokens", err)
	}
	defer rows.Close()

	tokens := make([]domain.PermanentToken, 0)
	for rows.Next() {
		var token domain.PermanentToken
		if err := rows.Scan(&token.ID, &token.UserID, &token.TokenHash, &token.Alias, &token.ExpiresAt, &token.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan permanent token: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate permanent tokens", err)
	}
	return tokens, nil
}

// DeleteToken removes one token of the user, by id when tokenID is set and
// by alias otherwise.
func (s *Store) DeleteToken(ctx context.Context, userID, tokenID, alias string) (*domain.PermanentToken, error) {
	query := `
		DELETE FROM permanent_tokens
		WHERE user_id = $1 AND alias = $2
		RETURNING ` + tokenColumns
	key := alias
	if tokenID != "" {
		if !validID(tokenID) {
			return nil, domain.ErrNotFound
		}
		query = `
		DELETE FROM permanent_tokens
		WHERE user_id = $1 AND id = $2
		RETURNING ` + tokenColumns
		key = tokenID
	}

	var token domain.PermanentToken
	err := s.db.QueryRow(ctx, query, userID, key).
		Scan(&token.ID, &token.UserID, &token.TokenHash, &token.Alias, &token.ExpiresAt, &token.CreatedAt)
	if err != nil {
		return nil, mapError("delete permanent token", err)
	}
	return &token, nil
}

func (s *Store) InsertUsage(ctx context.Context, usage domain.TokenUsage) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO token_usages (id, token_id, used_at)
		VALUES ($1, $2, $3)
	`, usage.ID, usage.TokenID, usage.UsedAt.UTC())
	if err != nil {
		return mapError("insert token usage", err)
	}
	return nil
}

func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM permanent_tokens WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, mapError("delete expired permanent tokens", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM token_usages WHERE used_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, mapError("delete token usage", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) InsertOTP(ctx context.Context, otp *domain.LoginOTP) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO login_otps (id, user_id, otp_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, otp.ID, otp.UserID, otp.OTPHash, otp.ExpiresAt.UTC(), otp.CreatedAt.UTC())
	if err != nil {
		return mapError("insert login otp", err)
	}
	return nil
}

func (s *Store) GetOTP(ctx context.Context, id string) (*domain.LoginOTP, error) {
	if !validID(id) {
		return nil, domain.ErrNotFound
	}
	var otp domain.LoginOTP
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, otp_hash, expires_at, created_at
		FROM login_otps
		WHERE id = $1
	`, id).Scan(&otp.ID, &otp.UserID, &otp.OTPHash, &otp.ExpiresAt, &otp.CreatedAt)
	if err != nil {
		return nil, mapError("query login otp", err)
	}
	return &otp, nil
}

// ConsumeOTP reports true only to the caller whose DELETE removed the row.
func (s *Store) ConsumeOTP(ctx context.Context, id string) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM login_otps WHERE id = $1`, id)
	if err != nil {
		return false, mapError("consume login otp", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) DeleteOTPsForUser(ctx context.Context, userID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM login_otps WHERE user_id = $1`, userID); err != nil {
		return mapError("delete user login otps", err)
	}
	return nil
}

func (s *Store) DeleteExpiredOTPs(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM login_otps WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, mapError("delete expired login otps", err)
	}
	return tag.RowsAffected(), nil
}

// validID keeps malformed ids away from uuid columns, where they would
// surface as a query error instead of a miss.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func mapError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.ErrDuplicate
	}
	return fmt.Errorf("%s: %w", op, err)
}
