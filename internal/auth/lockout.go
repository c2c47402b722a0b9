package auth

import "time"

const (
	defaultMaxAttempts  = 5
	defaultLockDuration = 2 * time.Hour
)

// LockoutPolicy bounds brute-force attempts per account.
type LockoutPolicy struct {
	MaxAttempts  int
	LockDuration time.Duration
}

// DefaultLockoutPolicy locks an account for two hours after five failures.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{MaxAttempts: defaultMaxAttempts, LockDuration: defaultLockDuration}
}

// Normalized fills unset fields with the defaults.
func (p LockoutPolicy) Normalized() LockoutPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.LockDuration <= 0 {
		p.LockDuration = defaultLockDuration
	}
	return p
}

// LockState is the lockout view of one account: Unlocked(attempts) when
// LockUntil is nil, Locked(until) otherwise.
type LockState struct {
	Attempts  int
	LockUntil *time.Time
}

// Locked reports whether the lock is still in force at now.
func (s LockState) Locked(now time.Time) bool {
	return s.LockUntil != nil && s.LockUntil.After(now)
}

// Failed is the failed-login transition under p. A lapsed lock is cleared and
// the failure counts as the first one after it; the failure that brings the
// counter to p.MaxAttempts locks the account until now+p.LockDuration. A lock
// still in force is kept as is. Credential stores apply it as one atomic step.
func (s LockState) Failed(p LockoutPolicy, now time.Time) LockState {
	p = p.Normalized()
	if s.LockUntil != nil && !s.LockUntil.After(now) {
		s = LockState{}
	}
	next := LockState{Attempts: s.Attempts + 1, LockUntil: s.LockUntil}
	if next.LockUntil == nil && next.Attempts >= p.MaxAttempts {
		until := now.Add(p.LockDuration)
		next.LockUntil = &until
	}
	return next
}

// Reset is the successful-login and admin-unlock transition.
func (s LockState) Reset() LockState {
	return LockState{}
}
