package auth_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corpsite.io/internal/auth"
	"corpsite.io/internal/store/memory"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// plainHasher keeps tests fast; bcrypt itself is covered in password_test.go.
type plainHasher struct{}

func (plainHasher) Hash(p string) (string, error) { return "plain:" + p, nil }
func (plainHasher) Verify(h, p string) bool       { return h == "plain:"+p }

type fixture struct {
	svc     *auth.Service
	users   *memory.Users
	refresh *memory.RefreshTokens
	revoked *memory.Revocations
	clock   *clock
}

func newFixture(t *testing.T, opts ...auth.ServiceOption) *fixture {
	t.Helper()
	clk := &clock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	codec, err := auth.NewTokenCodec([]byte("0123456789abcdef0123456789abcdef"), auth.WithCodecClock(clk.Now))
	require.NoError(t, err)

	f := &fixture{
		users:   memory.NewUsers(),
		refresh: memory.NewRefreshTokens(),
		revoked: memory.NewRevocations(clk.Now),
		clock:   clk,
	}
	silent := logrus.New()
	silent.SetOutput(io.Discard)
	base := []auth.ServiceOption{
		auth.WithClock(clk.Now),
		auth.WithHasher(plainHasher{}),
		auth.WithLogger(logrus.NewEntry(silent)),
	}
	f.svc, err = auth.NewService(auth.Deps{
		Users:         f.users,
		RefreshTokens: f.refresh,
		Revocations:   f.revoked,
		Codec:         codec,
	}, append(base, opts...)...)
	require.NoError(t, err)
	return f
}

func (f *fixture) register(t *testing.T, email string, role auth.Role) *auth.User {
	t.Helper()
	u, err := f.svc.Register(context.Background(), auth.NewUser{
		Email: email, Name: "Test", Password: "s3cret-pass", Role: role, Active: true,
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) login(t *testing.T, email string) auth.Session {
	t.Helper()
	sess, err := f.svc.Login(context.Background(), auth.LoginRequest{Email: email, Password: "s3cret-pass"})
	require.NoError(t, err)
	return sess
}

func TestLoginSuccess(t *testing.T) {
	f := newFixture(t)
	f.register(t, "Editor@Example.com", auth.RoleEditor)

	sess, err := f.svc.Login(context.Background(), auth.LoginRequest{
		Email:    "  editor@example.com ",
		Password: "s3cret-pass",
		Device:   auth.DeviceInfo{Device: "firefox", IP: "10.0.0.1"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.AccessToken)
	assert.NotEmpty(t, sess.RefreshToken)
	assert.Equal(t, "editor@example.com", sess.User.Email)
	assert.True(t, f.clock.Now().Add(15*time.Minute).Equal(sess.AccessExpiresAt))
	assert.True(t, f.clock.Now().Add(7*24*time.Hour).Equal(sess.RefreshExpiresAt))
	require.NotNil(t, sess.User.LastLoginAt)

	raw, err := json.Marshal(sess.User)
	require.NoError(t, err)
	assert.NotContains(t, strings.ToLower(string(raw)), "password")
	assert.NotContains(t, string(raw), "plain:")

	assert.Equal(t, 1, f.refresh.Len())
}

func TestLoginUnknownEmailLooksLikeWrongPassword(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a@example.com", auth.RoleViewer)

	_, unknown := f.svc.Login(context.Background(), auth.LoginRequest{Email: "ghost@example.com", Password: "whatever1"})
	_, wrong := f.svc.Login(context.Background(), auth.LoginRequest{Email: "a@example.com", Password: "whatever1"})
	assert.ErrorIs(t, unknown, auth.ErrInvalidCredentials)
	assert.ErrorIs(t, wrong, auth.ErrInvalidCredentials)
	assert.Equal(t, unknown.Error(), wrong.Error())
}

func TestLoginLockoutAfterFiveFailures(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "a@example.com", auth.RoleViewer)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.Login(ctx, auth.LoginRequest{Email: "a@example.com", Password: "wrong-pass"})
		require.ErrorIs(t, err, auth.ErrInvalidCredentials, "attempt %d", i+1)
	}

	_, err := f.svc.Login(ctx, auth.LoginRequest{Email: "a@example.com", Password: "s3cret-pass"})
	require.ErrorIs(t, err, auth.ErrAccountLocked)

	stored, err := f.users.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.LoginAttempts, "a locked attempt must not be counted")
	require.NotNil(t, stored.LockUntil)
	assert.True(t, f.clock.Now().Add(2*time.Hour).Equal(*stored.LockUntil))

	f.clock.Advance(2*time.Hour + time.Second)
	sess, err := f.svc.Login(ctx, auth.LoginRequest{Email: "a@example.com", Password: "s3cret-pass"})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.AccessToken)

	stored, _ = f.users.FindByID(ctx, u.ID)
	assert.Zero(t, stored.LoginAttempts)
	assert.Nil(t, stored.LockUntil)
}

// pausingUsers holds the first FindByEmail after arm() until released, so a
// login can be frozen between reading the account and recording the result.
type pausingUsers struct {
	*memory.Users
	armed   atomic.Bool
	reached chan struct{}
	release chan struct{}
}

func (p *pausingUsers) arm() {
	p.reached = make(chan struct{})
	p.release = make(chan struct{})
	p.armed.Store(true)
}

func (p *pausingUsers) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	u, err := p.Users.FindByEmail(ctx, email)
	if p.armed.CompareAndSwap(true, false) {
		close(p.reached)
		<-p.release
	}
	return u, err
}

func TestLoginRacingTheLockingFailureIsRefused(t *testing.T) {
	clk := &clock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	codec, err := auth.NewTokenCodec([]byte("0123456789abcdef0123456789abcdef"), auth.WithCodecClock(clk.Now))
	require.NoError(t, err)
	users := &pausingUsers{Users: memory.NewUsers()}
	silent := logrus.New()
	silent.SetOutput(io.Discard)
	svc, err := auth.NewService(auth.Deps{
		Users:         users,
		RefreshTokens: memory.NewRefreshTokens(),
		Revocations:   memory.NewRevocations(clk.Now),
		Codec:         codec,
	}, auth.WithClock(clk.Now), auth.WithHasher(plainHasher{}), auth.WithLogger(logrus.NewEntry(silent)))
	require.NoError(t, err)

	ctx := context.Background()
	u, err := svc.Register(ctx, auth.NewUser{Email: "a@example.com", Password: "s3cret-pass", Active: true})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := svc.Login(ctx, auth.LoginRequest{Email: "a@example.com", Password: "wrong-pass"})
		require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	}

	users.arm()
	done := make(chan error, 1)
	go func() {
		_, err := svc.Login(ctx, auth.LoginRequest{Email: "a@example.com", Password: "s3cret-pass"})
		done <- err
	}()
	<-users.reached

	// the fifth failure lands while the correct login has already read Unlocked(4)
	_, err = svc.Login(ctx, auth.LoginRequest{Email: "a@example.com", Password: "wrong-pass"})
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	stored, err := users.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.LoginAttempts)
	require.NotNil(t, stored.LockUntil, "counter and lock are written together")

	close(users.release)
	assert.ErrorIs(t, <-done, auth.ErrAccountLocked)

	stored, err = users.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.LoginAttempts)
	require.NotNil(t, stored.LockUntil)
	assert.True(t, stored.LockUntil.Equal(clk.Now().Add(2*time.Hour)))
}

func TestLoginAfterLapsedLockCountsFirstFailure(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "a@example.com", auth.RoleViewer)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = f.svc.Login(ctx, auth.LoginRequest{Email: "a@example.com", Password: "wrong-pass"})
	}
	f.clock.Advance(3 * time.Hour)

	_, err := f.svc.Login(ctx, auth.LoginRequest{Email: "a@example.com", Password: "wrong-pass"})
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	stored, _ := f.users.FindByID(ctx, u.ID)
	assert.Equal(t, 1, stored.LoginAttempts)
	assert.Nil(t, stored.LockUntil)
}

func TestLoginInactiveAccount(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "a@example.com", auth.RoleViewer)
	require.NoError(t, f.users.SetActive(context.Background(), u.ID, false))

	_, err := f.svc.Login(context.Background(), auth.LoginRequest{Email: "a@example.com", Password: "s3cret-pass"})
	assert.ErrorIs(t, err, auth.ErrAccountDisabled)
	assert.Zero(t, f.refresh.Len())
}

func TestLoginValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Login(context.Background(), auth.LoginRequest{Email: "", Password: "x"})
	assert.Equal(t, auth.CodeValidation, auth.CodeOf(err))
}

func TestRefreshRotates(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a@example.com", auth.RoleAuthor)
	ctx := context.Background()
	sess := f.login(t, "a@example.com")

	f.clock.Advance(time.Minute)
	next, err := f.svc.Refresh(ctx, sess.RefreshToken, auth.DeviceInfo{})
	require.NoError(t, err)
	assert.NotEqual(t, sess.RefreshToken, next.RefreshToken)
	assert.NotEqual(t, sess.AccessToken, next.AccessToken)
	assert.Equal(t, 1, f.refresh.Len())

	_, err = f.svc.Refresh(ctx, sess.RefreshToken, auth.DeviceInfo{})
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	id, err := f.svc.Authenticate(ctx, next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleAuthor, id.Role)
}

func TestRefreshConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a@example.com", auth.RoleViewer)
	sess := f.login(t, "a@example.com")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Refresh(context.Background(), sess.RefreshToken, auth.DeviceInfo{})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, f.refresh.Len())
}

func TestRefreshExpired(t *testing.T) {
	f := newFixture(t, auth.WithRefreshTTL(time.Hour))
	f.register(t, "a@example.com", auth.RoleViewer)
	sess := f.login(t, "a@example.com")

	f.clock.Advance(time.Hour)
	_, err := f.svc.Refresh(context.Background(), sess.RefreshToken, auth.DeviceInfo{})
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	assert.Zero(t, f.refresh.Len(), "expired token is consumed")
}

func TestRefreshUnknownAndEmpty(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Refresh(context.Background(), "nope", auth.DeviceInfo{})
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	_, err = f.svc.Refresh(context.Background(), " ", auth.DeviceInfo{})
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestRefreshDisabledOwner(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "a@example.com", auth.RoleViewer)
	sess := f.login(t, "a@example.com")
	require.NoError(t, f.users.SetActive(context.Background(), u.ID, false))

	_, err := f.svc.Refresh(context.Background(), sess.RefreshToken, auth.DeviceInfo{})
	assert.ErrorIs(t, err, auth.ErrAccountDisabled)
}

func TestLogoutRevokesOnlyThatSession(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a@example.com", auth.RoleViewer)
	ctx := context.Background()
	first := f.login(t, "a@example.com")
	second := f.login(t, "a@example.com")

	require.NoError(t, f.svc.Logout(ctx, first.AccessToken, first.RefreshToken))

	_, err := f.svc.Authenticate(ctx, first.AccessToken)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	_, err = f.svc.Refresh(ctx, first.RefreshToken, auth.DeviceInfo{})
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = f.svc.Authenticate(ctx, second.AccessToken)
	assert.NoError(t, err)
	_, err = f.svc.Refresh(ctx, second.RefreshToken, auth.DeviceInfo{})
	assert.NoError(t, err)
}

func TestLogoutRevocationExpiresWithToken(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a@example.com", auth.RoleViewer)
	ctx := context.Background()
	sess := f.login(t, "a@example.com")

	require.NoError(t, f.svc.Logout(ctx, sess.AccessToken, ""))
	assert.Equal(t, 1, f.revoked.Len())

	f.clock.Advance(16 * time.Minute)
	n, err := f.revoked.PurgeExpired(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestLogoutToleratesGarbage(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.svc.Logout(context.Background(), "garbage", "unknown"))
	assert.Zero(t, f.revoked.Len())
}

func TestLogoutAllKeepsAccessTokens(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "a@example.com", auth.RoleViewer)
	other := f.register(t, "b@example.com", auth.RoleViewer)
	ctx := context.Background()
	a1 := f.login(t, "a@example.com")
	f.login(t, "a@example.com")
	f.login(t, "b@example.com")

	n, err := f.svc.LogoutAll(ctx, u.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Equal(t, 1, f.refresh.Len())

	_, err = f.svc.Refresh(ctx, a1.RefreshToken, auth.DeviceInfo{})
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	_, err = f.svc.Authenticate(ctx, a1.AccessToken)
	assert.NoError(t, err)

	_, err = f.svc.LogoutAll(ctx, other.ID)
	assert.NoError(t, err)
}

func TestPasswordChangeInvalidatesOlderAccessTokens(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "a@example.com", auth.RoleViewer)
	ctx := context.Background()
	old := f.login(t, "a@example.com")

	f.clock.Advance(2 * time.Second)
	fresh, err := f.svc.ChangePassword(ctx, u.ID, "s3cret-pass", "brand-new-pass", auth.DeviceInfo{})
	require.NoError(t, err)

	_, err = f.svc.Authenticate(ctx, old.AccessToken)
	assert.ErrorIs(t, err, auth.ErrTokenExpired)

	id, err := f.svc.Authenticate(ctx, fresh.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, id.UserID)

	// Refresh tokens survive a password change.
	_, err = f.svc.Refresh(ctx, old.RefreshToken, auth.DeviceInfo{})
	assert.NoError(t, err)

	_, err = f.svc.Login(ctx, auth.LoginRequest{Email: "a@example.com", Password: "brand-new-pass"})
	assert.NoError(t, err)
}

func TestChangePasswordRejectsWrongCurrent(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "a@example.com", auth.RoleViewer)
	ctx := context.Background()

	_, err := f.svc.ChangePassword(ctx, u.ID, "not-it-at-all", "brand-new-pass", auth.DeviceInfo{})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = f.svc.ChangePassword(ctx, u.ID, "s3cret-pass", "short", auth.DeviceInfo{})
	assert.Equal(t, auth.CodeValidation, auth.CodeOf(err))
	_, err = f.svc.ChangePassword(ctx, u.ID, "s3cret-pass", "s3cret-pass", auth.DeviceInfo{})
	assert.Equal(t, auth.CodeValidation, auth.CodeOf(err))
}

func TestSetPasswordUnknownUser(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.svc.SetPassword(context.Background(), "missing", "long-enough"), auth.ErrNotFound)
}

func TestAuthenticateUserStatus(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "a@example.com", auth.RoleViewer)
	ctx := context.Background()
	sess := f.login(t, "a@example.com")

	_, err := f.users.IncrementLoginAttempts(ctx, u.ID, f.clock.Now(), auth.LockoutPolicy{MaxAttempts: 1, LockDuration: time.Hour})
	require.NoError(t, err)
	_, err = f.svc.Authenticate(ctx, sess.AccessToken)
	assert.ErrorIs(t, err, auth.ErrAccountLocked)

	require.NoError(t, f.svc.Unlock(ctx, u.ID))
	_, err = f.svc.Authenticate(ctx, sess.AccessToken)
	assert.NoError(t, err)

	require.NoError(t, f.users.SetActive(context.Background(), u.ID, false))
	_, err = f.svc.Authenticate(ctx, sess.AccessToken)
	assert.ErrorIs(t, err, auth.ErrAccountDisabled)
}

func TestAuthenticateExpiredAndMissing(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a@example.com", auth.RoleViewer)
	ctx := context.Background()
	sess := f.login(t, "a@example.com")

	_, err := f.svc.Authenticate(ctx, "")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	_, err = f.svc.Authenticate(ctx, "a.b.c")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	f.clock.Advance(16 * time.Minute)
	_, err = f.svc.Authenticate(ctx, sess.AccessToken)
	assert.ErrorIs(t, err, auth.ErrTokenExpired)
}

func TestAuthenticateUsesStoredRole(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "a@example.com", auth.RoleEditor)
	sess := f.login(t, "a@example.com")

	id, err := f.svc.Authenticate(context.Background(), sess.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, id.UserID)
	assert.Equal(t, auth.RoleEditor, id.Role)
	assert.NotEmpty(t, id.TokenID)
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t)
	editor := auth.Identity{UserID: "u1", Role: auth.RoleEditor}

	err := f.svc.Authorize(editor, auth.PermUsersDelete)
	require.ErrorIs(t, err, auth.ErrInsufficientPermissions)
	assert.Contains(t, err.Error(), auth.PermUsersDelete)

	assert.NoError(t, f.svc.Authorize(editor, "blog:update", "media:delete"))
	assert.NoError(t, f.svc.Authorize(editor))

	granted := auth.Identity{UserID: "u1", Role: auth.RoleEditor, Permissions: []string{"users:*"}}
	assert.NoError(t, f.svc.Authorize(granted, auth.PermUsersDelete))
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t, "New@Example.com", "")
	assert.Equal(t, auth.RoleViewer, u.Role)
	assert.Equal(t, "new@example.com", u.Email)
	assert.Equal(t, "plain:s3cret-pass", u.PasswordHash)

	_, err := f.svc.Register(ctx, auth.NewUser{Email: "new@example.com", Password: "s3cret-pass"})
	assert.ErrorIs(t, err, auth.ErrConflict)

	_, err = f.svc.Register(ctx, auth.NewUser{Email: "x@example.com", Password: "s3cret-pass", Role: "root"})
	assert.Equal(t, auth.CodeValidation, auth.CodeOf(err))

	_, err = f.svc.Register(ctx, auth.NewUser{Email: "not-an-email", Password: "s3cret-pass"})
	assert.Equal(t, auth.CodeValidation, auth.CodeOf(err))

	_, err = f.svc.Register(ctx, auth.NewUser{Email: "y@example.com", Password: "short"})
	assert.Equal(t, auth.CodeValidation, auth.CodeOf(err))
}

func TestRegisterAcceptsBareAddressesOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, email := range []string{
		"Bob <bob@example.com>",
		"<bob@example.com>",
		"bob@example.com (Bob)",
		"bob@example.com, eve@example.com",
	} {
		_, err := f.svc.Register(ctx, auth.NewUser{Email: email, Password: "s3cret-pass", Active: true})
		assert.Equal(t, auth.CodeValidation, auth.CodeOf(err), "email %q", email)
	}

	u, err := f.svc.Register(ctx, auth.NewUser{Email: " Bob@Example.com ", Password: "s3cret-pass", Active: true})
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", u.Email)
	f.login(t, "bob@example.com")
}

func TestCheckDelegation(t *testing.T) {
	f := newFixture(t)
	admin := auth.Identity{UserID: "a1", Role: auth.RoleAdmin}
	editor := auth.Identity{UserID: "e1", Role: auth.RoleEditor, Permissions: []string{"jobs:*"}}
	root := auth.Identity{UserID: "r1", Role: auth.RoleSuperAdmin}

	cases := []struct {
		name   string
		actor  auth.Identity
		role   auth.Role
		grants []string
		ok     bool
	}{
		{"admin grants a held resource wildcard", admin, auth.RoleViewer, []string{"blog:*"}, true},
		{"admin grants a held exact capability", admin, auth.RoleViewer, []string{"users:read", "blog:delete"}, true},
		{"admin cannot grant users wildcard", admin, auth.RoleViewer, []string{"users:*"}, false},
		{"admin cannot grant users delete", admin, auth.RoleViewer, []string{"blog:read", "users:delete"}, false},
		{"admin cannot grant global wildcard", admin, auth.RoleViewer, []string{"*"}, false},
		{"admin cannot create super admin", admin, auth.RoleSuperAdmin, nil, false},
		{"custom grants count for the actor", editor, auth.RoleAuthor, []string{"jobs:delete"}, true},
		{"editor cannot grant settings", editor, auth.RoleAuthor, []string{"settings:update"}, false},
		{"super admin grants anything", root, auth.RoleSuperAdmin, []string{"users:*"}, true},
		{"blank grants are ignored", admin, auth.RoleViewer, []string{" ", ""}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.svc.CheckDelegation(tc.actor, tc.role, tc.grants)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, auth.ErrInsufficientPermissions)
		})
	}
}

func TestUnlockUnknownUser(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.svc.Unlock(context.Background(), "missing"), auth.ErrNotFound)
}

func TestSetActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t, "a@example.com", auth.RoleViewer)
	sess := f.login(t, "a@example.com")

	require.NoError(t, f.svc.SetActive(ctx, u.ID, false))
	assert.Zero(t, f.refresh.Len())
	_, err := f.svc.Authenticate(ctx, sess.AccessToken)
	assert.ErrorIs(t, err, auth.ErrAccountDisabled)

	require.NoError(t, f.svc.SetActive(ctx, u.ID, true))
	_, err = f.svc.Authenticate(ctx, sess.AccessToken)
	assert.NoError(t, err)

	assert.ErrorIs(t, f.svc.SetActive(ctx, "missing", false), auth.ErrNotFound)
}

type failingRevocations struct{}

func (failingRevocations) Add(context.Context, string, time.Time) error { return errors.New("redis down") }
func (failingRevocations) Contains(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestStoreFailureFailsClosed(t *testing.T) {
	codec, err := auth.NewTokenCodec([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	users := memory.NewUsers()
	silent := logrus.New()
	silent.SetOutput(io.Discard)
	svc, err := auth.NewService(auth.Deps{
		Users:         users,
		RefreshTokens: memory.NewRefreshTokens(),
		Revocations:   failingRevocations{},
		Codec:         codec,
	}, auth.WithHasher(plainHasher{}), auth.WithLogger(logrus.NewEntry(silent)))
	require.NoError(t, err)

	token, _, err := codec.Issue("u1", auth.RoleSuperAdmin, time.Now())
	require.NoError(t, err)
	_, err = svc.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, auth.ErrInternal)
}

type slowUsers struct {
	*memory.Users
}

func (s slowUsers) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStoreTimeout(t *testing.T) {
	codec, err := auth.NewTokenCodec([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	silent := logrus.New()
	silent.SetOutput(io.Discard)
	svc, err := auth.NewService(auth.Deps{
		Users:         slowUsers{memory.NewUsers()},
		RefreshTokens: memory.NewRefreshTokens(),
		Revocations:   memory.NewRevocations(nil),
		Codec:         codec,
	}, auth.WithHasher(plainHasher{}), auth.WithStoreTimeout(20*time.Millisecond), auth.WithLogger(logrus.NewEntry(silent)))
	require.NoError(t, err)

	_, err = svc.Login(context.Background(), auth.LoginRequest{Email: "a@example.com", Password: "s3cret-pass"})
	assert.ErrorIs(t, err, auth.ErrInternal)
}

func TestNewServiceRequiresDeps(t *testing.T) {
	_, err := auth.NewService(auth.Deps{})
	assert.Error(t, err)
}
