// Package memory holds in-process implementations of the auth stores, used
// in development and by tests. Every method is safe for concurrent use.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"corpsite.io/internal/auth"
)

// Users implements auth.CredentialStore.
type Users struct {
	mu      sync.RWMutex
	byID    map[string]*auth.User
	byEmail map[string]string // lower(email) -> id
}

var _ auth.CredentialStore = (*Users)(nil)

// NewUsers creates an empty credential store.
func NewUsers() *Users {
	return &Users{
		byID:    make(map[string]*auth.User),
		byEmail: make(map[string]string),
	}
}

func (s *Users) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return cloneUser(s.byID[id]), nil
}

func (s *Users) FindByID(ctx context.Context, id string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *Users) Create(ctx context.Context, u *auth.User) error {
	if u == nil || u.ID == "" {
		return &auth.Error{Code: auth.CodeValidation, Message: "user id is required"}
	}
	key := strings.ToLower(strings.TrimSpace(u.Email))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[key]; ok {
		return auth.ErrConflict
	}
	if _, ok := s.byID[u.ID]; ok {
		return auth.ErrConflict
	}
	s.byID[u.ID] = cloneUser(u)
	s.byEmail[key] = u.ID
	return nil
}

func (s *Users) UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error {
	return s.mutate(id, func(u *auth.User) {
		at := changedAt.UTC()
		u.PasswordHash = passwordHash
		u.PasswordChangedAt = &at
		u.UpdatedAt = at
	})
}

func (s *Users) IncrementLoginAttempts(ctx context.Context, id string, now time.Time, policy auth.LockoutPolicy) (auth.LockState, error) {
	var next auth.LockState
	err := s.mutate(id, func(u *auth.User) {
		next = u.LockState().Failed(policy, now)
		u.LoginAttempts = next.Attempts
		u.LockUntil = cloneTime(next.LockUntil)
	})
	return next, err
}

func (s *Users) ClearLock(ctx context.Context, id string) error {
	return s.mutate(id, func(u *auth.User) {
		u.LoginAttempts = 0
		u.LockUntil = nil
	})
}

func (s *Users) RecordLogin(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	if u.LockState().Locked(at) {
		return auth.ErrAccountLocked
	}
	t := at.UTC()
	u.LoginAttempts = 0
	u.LockUntil = nil
	u.LastLoginAt = &t
	return nil
}

// SetActive toggles the active flag.
func (s *Users) SetActive(ctx context.Context, id string, active bool) error {
	return s.mutate(id, func(u *auth.User) { u.Active = active })
}

func (s *Users) mutate(id string, fn func(*auth.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	fn(u)
	return nil
}

func cloneUser(u *auth.User) *auth.User {
	out := *u
	if u.Permissions != nil {
		out.Permissions = append([]string(nil), u.Permissions...)
	}
	out.LockUntil = cloneTime(u.LockUntil)
	out.PasswordChangedAt = cloneTime(u.PasswordChangedAt)
	out.LastLoginAt = cloneTime(u.LastLoginAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// RefreshTokens implements auth.RefreshTokenStore and auth.Purger.
type RefreshTokens struct {
	mu     sync.Mutex
	byHash map[string]auth.RefreshToken
}

var (
	_ auth.RefreshTokenStore = (*RefreshTokens)(nil)
	_ auth.Purger            = (*RefreshTokens)(nil)
)

// NewRefreshTokens creates an empty refresh token store.
func NewRefreshTokens() *RefreshTokens {
	return &RefreshTokens{byHash: make(map[string]auth.RefreshToken)}
}

func (s *RefreshTokens) Insert(ctx context.Context, tok *auth.RefreshToken) error {
	if tok == nil || tok.TokenHash == "" {
		return &auth.Error{Code: auth.CodeValidation, Message: "token hash is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[tok.TokenHash]; ok {
		return auth.ErrConflict
	}
	s.byHash[tok.TokenHash] = *tok
	return nil
}

func (s *RefreshTokens) FindAndDelete(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.byHash[tokenHash]
	if !ok {
		return nil, auth.ErrNotFound
	}
	delete(s.byHash, tokenHash)
	return &tok, nil
}

func (s *RefreshTokens) DeleteAllForUser(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for hash, tok := range s.byHash {
		if tok.UserID == userID {
			delete(s.byHash, hash)
			n++
		}
	}
	return n, nil
}

func (s *RefreshTokens) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for hash, tok := range s.byHash {
		if tok.Expired(now) {
			delete(s.byHash, hash)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored tokens, expired ones included.
func (s *RefreshTokens) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byHash)
}

// Revocations implements auth.RevocationRegistry. Entries stop matching at
// their expiry and are reclaimed by PurgeExpired.
type Revocations struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	now     func() time.Time
}

var (
	_ auth.RevocationRegistry = (*Revocations)(nil)
	_ auth.Purger             = (*Revocations)(nil)
)

// NewRevocations creates an empty registry. A nil clock means time.Now.
func NewRevocations(now func() time.Time) *Revocations {
	if now == nil {
		now = time.Now
	}
	return &Revocations{entries: make(map[string]time.Time), now: now}
}

func (r *Revocations) Add(ctx context.Context, fingerprint string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[fingerprint]; ok && cur.After(expiresAt) {
		return nil
	}
	r.entries[fingerprint] = expiresAt
	return nil
}

func (r *Revocations) Contains(ctx context.Context, fingerprint string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exp, ok := r.entries[fingerprint]
	if !ok {
		return false, nil
	}
	return exp.After(r.now()), nil
}

func (r *Revocations) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for fp, exp := range r.entries {
		if !exp.After(now) {
			delete(r.entries, fp)
			n++
		}
	}
	return n, nil
}

// Len returns the number of entries, expired ones included.
func (r *Revocations) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
