package auth

import (
	"context"
	"time"
)

// CredentialStore persists users and their lockout counters. Lookups return
// ErrNotFound when no user matches.
type CredentialStore interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)
	Create(ctx context.Context, u *User) error
	UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error

	// IncrementLoginAttempts applies LockState.Failed under the policy as one
	// atomic read-modify-write and returns the resulting state.
	IncrementLoginAttempts(ctx context.Context, id string, now time.Time, policy LockoutPolicy) (LockState, error)
	ClearLock(ctx context.Context, id string) error
	// RecordLogin clears the lockout state and stamps the last login time. It
	// fails with ErrAccountLocked when a lock is in force at at, so a login
	// racing the failure that locked the account cannot undo the lock.
	RecordLogin(ctx context.Context, id string, at time.Time) error
	SetActive(ctx context.Context, id string, active bool) error
}

// RefreshTokenStore keeps outstanding refresh tokens, keyed by token hash.
type RefreshTokenStore interface {
	Insert(ctx context.Context, tok *RefreshToken) error
	// FindAndDelete removes and returns the token in one step so that two
	// callers presenting the same hash cannot both obtain it. It returns
	// ErrNotFound when the hash is unknown.
	FindAndDelete(ctx context.Context, tokenHash string) (*RefreshToken, error)
	DeleteAllForUser(ctx context.Context, userID string) (int64, error)
}

// RevocationRegistry is the blacklist of access tokens revoked before expiry.
type RevocationRegistry interface {
	Add(ctx context.Context, fingerprint string, expiresAt time.Time) error
	Contains(ctx context.Context, fingerprint string) (bool, error)
}

// Purger removes records that expired before now. Stores implement it when
// they need an explicit sweep.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
