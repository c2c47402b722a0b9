package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"corpsite.io/internal/ids"
	"corpsite.io/internal/obs"
)

const (
	defaultRefreshTTL   = 7 * 24 * time.Hour
	defaultStoreTimeout = 5 * time.Second
	refreshSecretBytes  = 32
)

// Deps are the collaborators a Service cannot run without.
type Deps struct {
	Users         CredentialStore
	RefreshTokens RefreshTokenStore
	Revocations   RevocationRegistry
	Codec         *TokenCodec
}

// Service orchestrates login, token rotation, revocation and password changes.
type Service struct {
	users    CredentialStore
	refresh  RefreshTokenStore
	revoked  RevocationRegistry
	codec    *TokenCodec
	hasher   Hasher
	resolver Resolver
	lockout  LockoutPolicy
	now      func() time.Time
	log      *logrus.Entry

	refreshTTL   time.Duration
	storeTimeout time.Duration

	dummyOnce sync.Once
	dummyHash string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithHasher replaces the default bcrypt hasher.
func WithHasher(h Hasher) ServiceOption {
	return func(s *Service) error {
		if h == nil {
			return errors.New("auth: hasher is nil")
		}
		s.hasher = h
		return nil
	}
}

// WithResolver replaces the default role table resolver.
func WithResolver(r Resolver) ServiceOption {
	return func(s *Service) error {
		if r == nil {
			return errors.New("auth: resolver is nil")
		}
		s.resolver = r
		return nil
	}
}

// WithLockoutPolicy configures brute-force lockout.
func WithLockoutPolicy(p LockoutPolicy) ServiceOption {
	return func(s *Service) error {
		s.lockout = p.Normalized()
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithStoreTimeout bounds every store call.
func WithStoreTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.storeTimeout = d
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger overrides the component logger.
func WithLogger(entry *logrus.Entry) ServiceOption {
	return func(s *Service) error {
		if entry != nil {
			s.log = entry
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(deps Deps, opts ...ServiceOption) (*Service, error) {
	switch {
	case deps.Users == nil:
		return nil, errors.New("auth: credential store is required")
	case deps.RefreshTokens == nil:
		return nil, errors.New("auth: refresh token store is required")
	case deps.Revocations == nil:
		return nil, errors.New("auth: revocation registry is required")
	case deps.Codec == nil:
		return nil, errors.New("auth: token codec is required")
	}
	svc := &Service{
		users:        deps.Users,
		refresh:      deps.RefreshTokens,
		revoked:      deps.Revocations,
		codec:        deps.Codec,
		hasher:       NewBcryptHasher(MinBcryptCost),
		resolver:     NewRoleResolver(nil),
		lockout:      DefaultLockoutPolicy(),
		now:          time.Now,
		log:          obs.Component("auth"),
		refreshTTL:   defaultRefreshTTL,
		storeTimeout: defaultStoreTimeout,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Resolver exposes the permission resolver in use.
func (s *Service) Resolver() Resolver { return s.resolver }

// AccessTTL returns the access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.codec.TTL() }

// RefreshTTL returns the refresh token lifetime.
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// LoginRequest carries credentials and the device they come from.
type LoginRequest struct {
	Email    string
	Password string
	Device   DeviceInfo
}

// Login verifies credentials and opens a new session.
func (s *Service) Login(ctx context.Context, req LoginRequest) (Session, error) {
	email := normalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return Session{}, invalidf("email and password are required")
	}

	user, err := s.findByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.burnHash(req.Password)
			obs.RecordLogin(string(CodeInvalidCredentials))
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, s.internal("find user by email", err)
	}

	now := s.now()
	if user.LockState().Locked(now) {
		obs.RecordLogin(string(CodeAccountLocked))
		return Session{}, ErrAccountLocked
	}

	if !s.hasher.Verify(user.PasswordHash, req.Password) {
		if err := s.registerFailure(ctx, user.ID, now); err != nil {
			return Session{}, err
		}
		obs.RecordLogin(string(CodeInvalidCredentials))
		return Session{}, ErrInvalidCredentials
	}

	if err := s.withStore(ctx, func(ctx context.Context) error {
		return s.users.RecordLogin(ctx, user.ID, now)
	}); err != nil {
		if errors.Is(err, ErrAccountLocked) {
			obs.RecordLogin(string(CodeAccountLocked))
			return Session{}, ErrAccountLocked
		}
		return Session{}, s.internal("record login", err)
	}
	user.LoginAttempts = 0
	user.LockUntil = nil
	user.LastLoginAt = &now

	if !user.Active {
		obs.RecordLogin(string(CodeAccountDisabled))
		return Session{}, ErrAccountDisabled
	}

	sess, err := s.issueSession(ctx, user, now, req.Device)
	if err != nil {
		return Session{}, err
	}
	obs.RecordLogin("success")
	return sess, nil
}

// registerFailure runs the failed-login transition. The store applies the
// counter and the lock together.
func (s *Service) registerFailure(ctx context.Context, userID string, now time.Time) error {
	var st LockState
	err := s.withStore(ctx, func(ctx context.Context) error {
		var err error
		st, err = s.users.IncrementLoginAttempts(ctx, userID, now, s.lockout)
		return err
	})
	if err != nil {
		return s.internal("increment login attempts", err)
	}
	if st.Attempts != s.lockout.MaxAttempts || !st.Locked(now) {
		return nil
	}
	obs.RecordLockout()
	s.log.WithFields(logrus.Fields{
		"user_id":    userID,
		"attempts":   st.Attempts,
		"lock_until": st.LockUntil.UTC().Format(time.RFC3339),
	}).Warn("account locked after repeated failed logins")
	return nil
}

// Refresh exchanges a refresh token for a new session. The presented token is
// consumed whether or not the exchange succeeds afterwards.
func (s *Service) Refresh(ctx context.Context, refreshToken string, device DeviceInfo) (Session, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		obs.RecordRefresh(string(CodeUnauthorized))
		return Session{}, ErrUnauthorized
	}

	var rec *RefreshToken
	err := s.withStore(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.refresh.FindAndDelete(ctx, hashToken(refreshToken))
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.RecordRefresh(string(CodeInvalidToken))
			return Session{}, ErrInvalidToken
		}
		return Session{}, s.internal("consume refresh token", err)
	}

	now := s.now()
	if rec.Expired(now) {
		obs.RecordRefresh(string(CodeInvalidToken))
		return Session{}, ErrInvalidToken
	}

	user, err := s.findByID(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.RecordRefresh(string(CodeUnauthorized))
			return Session{}, ErrUnauthorized
		}
		return Session{}, s.internal("find refresh token owner", err)
	}
	if !user.Active {
		obs.RecordRefresh(string(CodeAccountDisabled))
		return Session{}, ErrAccountDisabled
	}

	if device.Device == "" {
		device.Device = rec.Device
	}
	if device.IP == "" {
		device.IP = rec.IP
	}
	sess, err := s.issueSession(ctx, user, now, device)
	if err != nil {
		return Session{}, err
	}
	obs.RecordRefresh("success")
	return sess, nil
}

// Logout revokes accessToken for the rest of its lifetime and removes
// refreshToken. Either may be empty. Other sessions of the user stay valid.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if accessToken = strings.TrimSpace(accessToken); accessToken != "" {
		if claims, err := s.codec.Inspect(accessToken); err == nil {
			expiresAt := claims.ExpiresAt.Time
			if expiresAt.After(s.now()) {
				if err := s.withStore(ctx, func(ctx context.Context) error {
					return s.revoked.Add(ctx, Fingerprint(accessToken), expiresAt)
				}); err != nil {
					return s.internal("revoke access token", err)
				}
				obs.RecordRevocation()
			}
		}
	}
	if refreshToken = strings.TrimSpace(refreshToken); refreshToken != "" {
		err := s.withStore(ctx, func(ctx context.Context) error {
			_, err := s.refresh.FindAndDelete(ctx, hashToken(refreshToken))
			return err
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return s.internal("delete refresh token", err)
		}
	}
	return nil
}

// LogoutAll removes every refresh token of userID. Access tokens already
// handed out stay valid until they expire on their own.
func (s *Service) LogoutAll(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, invalidf("user id is required")
	}
	var n int64
	err := s.withStore(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.refresh.DeleteAllForUser(ctx, userID)
		return err
	})
	if err != nil {
		return 0, s.internal("delete refresh tokens", err)
	}
	return n, nil
}

// SetPassword re-hashes and stores newPassword and stamps the change time.
// Access tokens issued before that second stop authenticating.
func (s *Service) SetPassword(ctx context.Context, userID, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		var ae *Error
		if errors.As(err, &ae) {
			return err
		}
		return s.internal("hash password", err)
	}
	changedAt := s.now()
	err = s.withStore(ctx, func(ctx context.Context) error {
		return s.users.UpdatePassword(ctx, userID, hash, changedAt)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return s.internal("update password", err)
	}
	return nil
}

// ChangePassword verifies currentPassword, sets newPassword and opens a fresh
// session for the caller, since their current access token no longer passes.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string, device DeviceInfo) (Session, error) {
	if currentPassword == "" || newPassword == "" {
		return Session{}, invalidf("current and new password are required")
	}
	user, err := s.findByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrUnauthorized
		}
		return Session{}, s.internal("find user", err)
	}
	if !s.hasher.Verify(user.PasswordHash, currentPassword) {
		return Session{}, &Error{Code: CodeInvalidCredentials, Message: "current password is incorrect"}
	}
	if currentPassword == newPassword {
		return Session{}, invalidf("new password must differ from the current one")
	}
	if err := s.SetPassword(ctx, user.ID, newPassword); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user, s.now(), device)
}

// Register provisions a new user.
func (s *Service) Register(ctx context.Context, in NewUser) (*User, error) {
	email, err := parseEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if err := ValidatePassword(in.Password); err != nil {
		return nil, err
	}
	role := in.Role
	if role == "" {
		role = RoleViewer
	}
	if !role.Valid() {
		return nil, invalidf(fmt.Sprintf("unsupported role %q", role))
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		var ae *Error
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, s.internal("hash password", err)
	}
	now := s.now().UTC()
	user := &User{
		ID:            ids.New(),
		Email:         email,
		Name:          strings.TrimSpace(in.Name),
		PasswordHash:  hash,
		Role:          role,
		Permissions:   dedupe(in.Permissions),
		Active:        in.Active,
		EmailVerified: in.EmailVerified,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = s.withStore(ctx, func(ctx context.Context) error {
		return s.users.Create(ctx, user)
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, &Error{Code: CodeConflict, Message: "email is already registered"}
		}
		return nil, s.internal("create user", err)
	}
	return user, nil
}

// CheckDelegation reports whether actor may provision a user with role and
// the custom grants. Only a super-admin hands out super-admin, and every
// custom grant must already be satisfied by the actor's own role and grants.
func (s *Service) CheckDelegation(actor Identity, role Role, grants []string) error {
	if role == RoleSuperAdmin && actor.Role != RoleSuperAdmin {
		return &Error{Code: CodeInsufficientPermissions, Message: "only a super-admin can create a super-admin"}
	}
	var denied []string
	for _, grant := range dedupe(grants) {
		if len(s.resolver.Missing(actor.Role, actor.Permissions, grant)) > 0 {
			denied = append(denied, grant)
		}
	}
	if len(denied) > 0 {
		return &Error{
			Code:    CodeInsufficientPermissions,
			Message: "cannot grant permissions you do not hold: " + strings.Join(denied, ", "),
		}
	}
	return nil
}

// Unlock forces the account back to Unlocked(0).
func (s *Service) Unlock(ctx context.Context, userID string) error {
	err := s.withStore(ctx, func(ctx context.Context) error {
		return s.users.ClearLock(ctx, userID)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return s.internal("clear lock", err)
	}
	return nil
}

// SetActive enables or disables an account. Disabling also drops the
// user's refresh tokens; outstanding access tokens fail the status check on
// their next use.
func (s *Service) SetActive(ctx context.Context, userID string, active bool) error {
	err := s.withStore(ctx, func(ctx context.Context) error {
		if err := s.users.SetActive(ctx, userID, active); err != nil {
			return err
		}
		if active {
			return nil
		}
		_, err := s.refresh.DeleteAllForUser(ctx, userID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return s.internal("set active", err)
	}
	return nil
}

// User loads a user by id.
func (s *Service) User(ctx context.Context, userID string) (*User, error) {
	user, err := s.findByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, s.internal("find user", err)
	}
	return user, nil
}

// Authenticate runs the per-request token checks: revocation, signature and
// expiry, user existence and status, lock and password-change cut-off.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Identity, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return Identity{}, ErrUnauthorized
	}

	var revoked bool
	err := s.withStore(ctx, func(ctx context.Context) error {
		var err error
		revoked, err = s.revoked.Contains(ctx, Fingerprint(accessToken))
		return err
	})
	if err != nil {
		return Identity{}, s.internal("check revocation", err)
	}
	if revoked {
		return Identity{}, &Error{Code: CodeInvalidToken, Message: "token has been revoked"}
	}

	claims, err := s.codec.Verify(accessToken)
	if err != nil {
		return Identity{}, err
	}

	user, err := s.findByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Identity{}, &Error{Code: CodeUnauthorized, Message: "user no longer exists"}
		}
		return Identity{}, s.internal("find token subject", err)
	}
	if !user.Active {
		return Identity{}, ErrAccountDisabled
	}
	if user.LockState().Locked(s.now()) {
		return Identity{}, ErrAccountLocked
	}
	issuedAt := claims.IssuedAt.Time
	if changedAfter(user.PasswordChangedAt, issuedAt) {
		return Identity{}, &Error{Code: CodeTokenExpired, Message: "password changed, please log in again"}
	}

	return Identity{
		UserID:      user.ID,
		Email:       user.Email,
		Role:        user.Role,
		Permissions: append([]string(nil), user.Permissions...),
		TokenID:     claims.ID,
		IssuedAt:    issuedAt,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

// Authorize checks that id holds every required capability.
func (s *Service) Authorize(id Identity, required ...string) error {
	missing := s.resolver.Missing(id.Role, id.Permissions, required...)
	if len(missing) == 0 {
		return nil
	}
	return &Error{
		Code:    CodeInsufficientPermissions,
		Message: "missing permission: " + strings.Join(missing, ", "),
	}
}

// changedAfter compares at JWT second precision: a token issued in the same
// second as the change is still accepted.
func changedAfter(changedAt *time.Time, issuedAt time.Time) bool {
	if changedAt == nil {
		return false
	}
	return issuedAt.Unix() < changedAt.Unix()
}

func (s *Service) issueSession(ctx context.Context, user *User, now time.Time, device DeviceInfo) (Session, error) {
	access, accessExp, err := s.codec.Issue(user.ID, user.Role, now)
	if err != nil {
		return Session{}, s.internal("issue access token", err)
	}
	raw, rec, err := s.newRefreshToken(user.ID, now, device)
	if err != nil {
		return Session{}, s.internal("generate refresh token", err)
	}
	if err := s.withStore(ctx, func(ctx context.Context) error {
		return s.refresh.Insert(ctx, rec)
	}); err != nil {
		return Session{}, s.internal("store refresh token", err)
	}
	return Session{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     raw,
		RefreshExpiresAt: rec.ExpiresAt,
		User:             user.Profile(),
	}, nil
}

func (s *Service) newRefreshToken(userID string, now time.Time, device DeviceInfo) (string, *RefreshToken, error) {
	secret, err := ids.Secret(refreshSecretBytes)
	if err != nil {
		return "", nil, err
	}
	rec := &RefreshToken{
		ID:        ids.New(),
		UserID:    userID,
		TokenHash: hashToken(secret),
		ExpiresAt: now.Add(s.refreshTTL),
		Device:    truncate(device.Device, 255),
		IP:        truncate(device.IP, 64),
		CreatedAt: now,
	}
	return secret, rec, nil
}

func (s *Service) findByEmail(ctx context.Context, email string) (*User, error) {
	var user *User
	err := s.withStore(ctx, func(ctx context.Context) error {
		var err error
		user, err = s.users.FindByEmail(ctx, email)
		return err
	})
	return user, err
}

func (s *Service) findByID(ctx context.Context, id string) (*User, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrNotFound
	}
	var user *User
	err := s.withStore(ctx, func(ctx context.Context) error {
		var err error
		user, err = s.users.FindByID(ctx, id)
		return err
	})
	return user, err
}

// withStore runs fn under the store timeout. A deadline hit is an error like
// any other and callers fail closed on it.
func (s *Service) withStore(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Service) internal(op string, err error) error {
	s.log.WithError(err).WithField("op", op).Error("auth operation failed")
	return ErrInternal
}

// burnHash spends the same CPU as a real comparison so that unknown emails
// and wrong passwords take comparable time.
func (s *Service) burnHash(password string) {
	s.dummyOnce.Do(func() {
		h, err := s.hasher.Hash("corpsite-dummy-password")
		if err == nil {
			s.dummyHash = h
		}
	})
	if s.dummyHash != "" {
		_ = s.hasher.Verify(s.dummyHash, password)
	}
}

// Fingerprint is the revocation registry key of an access token.
func Fingerprint(token string) string {
	return hashToken(token)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// parseEmail accepts a bare address only. Display names, angle brackets and
// comments are rejected rather than stored.
func parseEmail(raw string) (string, error) {
	email := normalizeEmail(raw)
	if email == "" {
		return "", invalidf("valid email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", invalidf("valid email is required")
	}
	return email, nil
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
