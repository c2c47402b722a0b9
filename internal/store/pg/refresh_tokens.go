package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"corpsite.io/internal/auth"
)

var (
	_ auth.RefreshTokenStore = (*Store)(nil)
	_ auth.Purger            = (*Store)(nil)
)

func (s *Store) Insert(ctx context.Context, tok *auth.RefreshToken) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, expires_at, device, ip, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, tok.ID, tok.UserID, tok.TokenHash, tok.ExpiresAt.UTC(), tok.Device, tok.IP, tok.CreatedAt.UTC())
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return auth.ErrConflict
			case pgErrForeignKeyViolation:
				return auth.ErrNotFound
			}
		}
		return err
	}
	return nil
}

// FindAndDelete consumes a token with DELETE ... RETURNING; only one of any
// number of concurrent callers gets the row back.
func (s *Store) FindAndDelete(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var tok auth.RefreshToken
	err := s.db.QueryRowContext(ctx, `
		delete from refresh_tokens
		where token_hash = $1
		returning id, user_id, token_hash, expires_at, device, ip, created_at
	`, tokenHash).Scan(&tok.ID, &tok.UserID, &tok.TokenHash, &tok.ExpiresAt, &tok.Device, &tok.IP, &tok.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *Store) DeleteAllForUser(ctx context.Context, userID string) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
