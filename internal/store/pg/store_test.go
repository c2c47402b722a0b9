package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"corpsite.io/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

var userCols = []string{"id", "email", "name", "password_hash", "role", "permissions", "active", "email_verified",
	"login_attempts", "lock_until", "password_changed_at", "last_login_at", "created_at", "updated_at"}

func TestFindByEmail(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	lock := now.Add(time.Hour)

	mock.ExpectQuery(`from users\s+where lower\(email\) = lower\(\$1\)`).
		WithArgs("ana@example.com").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow(
			"u1", "ana@example.com", "Ana", "hash", "editor", []byte(`["jobs:create"]`), true, false,
			5, lock, nil, nil, now, now,
		))

	u, err := store.FindByEmail(context.Background(), " ana@example.com ")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if u.ID != "u1" || u.Role != auth.RoleEditor || u.LoginAttempts != 5 {
		t.Fatalf("unexpected user: %+v", u)
	}
	if len(u.Permissions) != 1 || u.Permissions[0] != "jobs:create" {
		t.Fatalf("unexpected permissions: %v", u.Permissions)
	}
	if u.LockUntil == nil || !u.LockUntil.Equal(lock) {
		t.Fatalf("unexpected lock: %v", u.LockUntil)
	}
	if u.PasswordChangedAt != nil || u.LastLoginAt != nil {
		t.Fatal("expected nil optional timestamps")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFindByIDNotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(`from users\s+where id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(userCols))

	if _, err := store.FindByID(context.Background(), "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateConflict(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now()
	mock.ExpectExec("insert into users").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.Create(context.Background(), &auth.User{ID: "u1", Email: "a@example.com", Role: auth.RoleViewer, CreatedAt: now, UpdatedAt: now})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCreateStoresPermissionsAsJSON(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now()
	mock.ExpectExec("insert into users").
		WithArgs("u1", "a@example.com", "", "hash", "author", []byte(`["jobs:*"]`), true, false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Create(context.Background(), &auth.User{
		ID: "u1", Email: "a@example.com", PasswordHash: "hash", Role: auth.RoleAuthor,
		Permissions: []string{"jobs:*"}, Active: true, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIncrementLoginAttemptsLocksInSameStatement(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	policy := auth.LockoutPolicy{MaxAttempts: 5, LockDuration: 2 * time.Hour}
	until := now.Add(2 * time.Hour)

	mock.ExpectQuery(`update users\s+set login_attempts = case when lock_until <= \$2 then 1 else login_attempts \+ 1 end,\s+lock_until = case`).
		WithArgs("u1", now, 5, until).
		WillReturnRows(sqlmock.NewRows([]string{"login_attempts", "lock_until"}).AddRow(3, nil))
	mock.ExpectQuery(`returning login_attempts, lock_until`).
		WithArgs("u1", now, 5, until).
		WillReturnRows(sqlmock.NewRows([]string{"login_attempts", "lock_until"}).AddRow(5, until))
	mock.ExpectQuery("update users").
		WithArgs("ghost", now, 5, until).
		WillReturnRows(sqlmock.NewRows([]string{"login_attempts", "lock_until"}))

	ctx := context.Background()
	st, err := store.IncrementLoginAttempts(ctx, "u1", now, policy)
	if err != nil {
		t.Fatalf("IncrementLoginAttempts: %v", err)
	}
	if st.Attempts != 3 || st.LockUntil != nil {
		t.Fatalf("expected Unlocked(3), got %+v", st)
	}

	st, err = store.IncrementLoginAttempts(ctx, "u1", now, policy)
	if err != nil {
		t.Fatalf("IncrementLoginAttempts: %v", err)
	}
	if st.Attempts != 5 || st.LockUntil == nil || !st.LockUntil.Equal(until) {
		t.Fatalf("expected Locked(%v), got %+v", until, st)
	}

	if _, err := store.IncrementLoginAttempts(ctx, "ghost", now, policy); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIncrementLoginAttemptsNormalizesPolicy(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("update users").
		WithArgs("u1", now, 5, now.Add(2*time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"login_attempts", "lock_until"}).AddRow(1, nil))

	if _, err := store.IncrementLoginAttempts(context.Background(), "u1", now, auth.LockoutPolicy{}); err != nil {
		t.Fatalf("IncrementLoginAttempts: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLockMutations(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectExec(`update users set login_attempts = 0, lock_until = null where id = \$1`).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`set login_attempts = 0, lock_until = null, last_login_at = \$2\s+where id = \$1 and \(lock_until is null or lock_until <= \$2\)`).
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`update users set login_attempts = 0`).
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.ClearLock(ctx, "u1"); err != nil {
		t.Fatalf("ClearLock: %v", err)
	}
	if err := store.RecordLogin(ctx, "u1", now); err != nil {
		t.Fatalf("RecordLogin: %v", err)
	}
	if err := store.ClearLock(ctx, "ghost"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordLoginWhileLocked(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectExec(`set login_attempts = 0, lock_until = null, last_login_at`).
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select exists\(select 1 from users where id = \$1\)`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(`set login_attempts = 0, lock_until = null, last_login_at`).
		WithArgs("ghost", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select exists`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	if err := store.RecordLogin(ctx, "u1", now); !errors.Is(err, auth.ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
	if err := store.RecordLogin(ctx, "ghost", now); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdatePassword(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(`set password_hash = \$2, password_changed_at = \$3`).
		WithArgs("u1", "newhash", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.UpdatePassword(context.Background(), "u1", "newhash", time.Now()); err != nil {
		t.Fatalf("UpdatePassword: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSetActive(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(`update users set active = \$2`).
		WithArgs("u1", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`update users set active = \$2`).
		WithArgs("ghost", true).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	if err := store.SetActive(ctx, "u1", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if err := store.SetActive(ctx, "ghost", true); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRefreshTokenLifecycle(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Now().UTC()
	tok := &auth.RefreshToken{ID: "r1", UserID: "u1", TokenHash: "h1", ExpiresAt: now.Add(time.Hour), Device: "cli", IP: "127.0.0.1", CreatedAt: now}

	mock.ExpectExec("insert into refresh_tokens").
		WithArgs("r1", "u1", "h1", sqlmock.AnyArg(), "cli", "127.0.0.1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`delete from refresh_tokens\s+where token_hash = \$1\s+returning`).
		WithArgs("h1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "token_hash", "expires_at", "device", "ip", "created_at"}).
			AddRow("r1", "u1", "h1", tok.ExpiresAt, "cli", "127.0.0.1", now))
	mock.ExpectQuery(`delete from refresh_tokens`).
		WithArgs("h1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "token_hash", "expires_at", "device", "ip", "created_at"}))
	mock.ExpectExec(`delete from refresh_tokens where user_id = \$1`).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(`delete from refresh_tokens where expires_at <= \$1`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := store.Insert(ctx, tok); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := store.FindAndDelete(ctx, "h1")
	if err != nil {
		t.Fatalf("FindAndDelete: %v", err)
	}
	if got.UserID != "u1" || !got.ExpiresAt.Equal(tok.ExpiresAt) {
		t.Fatalf("unexpected token: %+v", got)
	}
	if _, err := store.FindAndDelete(ctx, "h1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second use, got %v", err)
	}
	n, err := store.DeleteAllForUser(ctx, "u1")
	if err != nil || n != 4 {
		t.Fatalf("DeleteAllForUser: n=%d err=%v", n, err)
	}
	n, err = store.PurgeExpired(ctx, now)
	if err != nil || n != 2 {
		t.Fatalf("PurgeExpired: n=%d err=%v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertUnknownUser(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("insert into refresh_tokens").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	err := store.Insert(context.Background(), &auth.RefreshToken{ID: "r1", UserID: "ghost", TokenHash: "h"})
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
