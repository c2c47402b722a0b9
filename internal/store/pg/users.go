package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"corpsite.io/internal/auth"
)

var _ auth.CredentialStore = (*Store)(nil)

const userColumns = `id, email, name, password_hash, role, permissions, active, email_verified,
		login_attempts, lock_until, password_changed_at, last_login_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*auth.User, error) {
	var (
		u           auth.User
		role        string
		rawPerms    []byte
		lockUntil   sql.NullTime
		pwChangedAt sql.NullTime
		lastLoginAt sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &role, &rawPerms, &u.Active, &u.EmailVerified,
		&u.LoginAttempts, &lockUntil, &pwChangedAt, &lastLoginAt, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = auth.Role(role)
	if len(rawPerms) > 0 {
		if err := json.Unmarshal(rawPerms, &u.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions: %w", err)
		}
	}
	u.LockUntil = timePtr(lockUntil)
	u.PasswordChangedAt = timePtr(pwChangedAt)
	u.LastLoginAt = timePtr(lastLoginAt)
	return &u, nil
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `select `+userColumns+`
		from users
		where lower(email) = lower($1)`, strings.TrimSpace(email))
	return scanUser(row)
}

func (s *Store) FindByID(ctx context.Context, id string) (*auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `select `+userColumns+`
		from users
		where id = $1`, id)
	return scanUser(row)
}

func (s *Store) Create(ctx context.Context, u *auth.User) error {
	if s.db == nil {
		return errNoDB
	}
	perms := []byte("[]")
	if len(u.Permissions) > 0 {
		b, err := json.Marshal(u.Permissions)
		if err != nil {
			return fmt.Errorf("marshal permissions: %w", err)
		}
		perms = b
	}
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, email, name, password_hash, role, permissions, active, email_verified, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, u.ID, u.Email, u.Name, u.PasswordHash, string(u.Role), perms, u.Active, u.EmailVerified, u.CreatedAt.UTC(), u.UpdatedAt.UTC())
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error {
	return s.execUser(ctx, `
		update users
		set password_hash = $2, password_changed_at = $3, updated_at = $3
		where id = $1
	`, id, passwordHash, changedAt.UTC())
}

// IncrementLoginAttempts runs the failed-login transition, lock included, in
// a single UPDATE. Postgres evaluates every SET expression against the
// pre-update row under the row lock, so concurrent failures serialize.
func (s *Store) IncrementLoginAttempts(ctx context.Context, id string, now time.Time, policy auth.LockoutPolicy) (auth.LockState, error) {
	if s.db == nil {
		return auth.LockState{}, errNoDB
	}
	policy = policy.Normalized()
	var (
		st        auth.LockState
		lockUntil sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		update users
		set login_attempts = case when lock_until <= $2 then 1 else login_attempts + 1 end,
		    lock_until = case
		        when lock_until > $2 then lock_until
		        when (case when lock_until is null then login_attempts + 1 else 1 end) >= $3 then $4
		        else null
		    end,
		    updated_at = $2
		where id = $1
		returning login_attempts, lock_until
	`, id, now.UTC(), policy.MaxAttempts, now.Add(policy.LockDuration).UTC()).Scan(&st.Attempts, &lockUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.LockState{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.LockState{}, err
	}
	st.LockUntil = timePtr(lockUntil)
	return st, nil
}

func (s *Store) ClearLock(ctx context.Context, id string) error {
	return s.execUser(ctx, `update users set login_attempts = 0, lock_until = null where id = $1`, id)
}

// RecordLogin resets the lockout state unless a lock is in force at at.
func (s *Store) RecordLogin(ctx context.Context, id string, at time.Time) error {
	err := s.execUser(ctx, `
		update users
		set login_attempts = 0, lock_until = null, last_login_at = $2
		where id = $1 and (lock_until is null or lock_until <= $2)
	`, id, at.UTC())
	if !errors.Is(err, auth.ErrNotFound) {
		return err
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from users where id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return auth.ErrAccountLocked
	}
	return auth.ErrNotFound
}

// SetActive toggles the active flag of a user.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	return s.execUser(ctx, `update users set active = $2, updated_at = now() where id = $1`, id, active)
}

func (s *Store) execUser(ctx context.Context, query string, args ...any) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
