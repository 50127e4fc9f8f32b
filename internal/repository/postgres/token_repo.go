package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/goph-auth/internal/errs"
	"github.com/and161185/goph-auth/internal/model"
)

// TokenRepo implements TokenRepository using PostgreSQL.
type TokenRepo struct{ q Querier }

// NewTokenRepo constructs a token repository outside of a unit of work.
func NewTokenRepo(db *DB) *TokenRepo { return &TokenRepo{q: db.Pool} }

// Create inserts an issued token.
func (r *TokenRepo) Create(ctx context.Context, t *model.Token) error {
	const q = `
INSERT INTO tokens (jti, uid, created_at, created_at_timezone, expires_at, signed_value, is_revoked)
VALUES ($1, $2, $3, $4, $5, $6, false)`
	_, err := r.q.Exec(ctx, q, t.JTI, t.UID, t.CreatedAt, t.TZOffset, t.ExpiresAt, t.SignedValue)
	if isUniqueViolation(err) {
		return fmt.Errorf("jti %s: %w", t.JTI, errs.ErrAlreadyExists)
	}
	return storage("insert token", err)
}

// Get returns a token by jti.
func (r *TokenRepo) Get(ctx context.Context, jti uuid.UUID) (*model.Token, error) {
	const q = `
SELECT jti, uid, created_at, created_at_timezone, expires_at, signed_value, is_revoked, revoked_at
FROM tokens WHERE jti=$1`
	var t model.Token
	err := r.q.QueryRow(ctx, q, jti).Scan(
		&t.JTI, &t.UID, &t.CreatedAt, &t.TZOffset, &t.ExpiresAt, &t.SignedValue, &t.Revoked, &t.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, storage("select token", err)
	}
	return &t, nil
}

// Revoke marks a live token revoked.
func (r *TokenRepo) Revoke(ctx context.Context, jti uuid.UUID, at int64) error {
	const upd = `UPDATE tokens SET is_revoked=true, revoked_at=$2 WHERE jti=$1 AND is_revoked=false`
	tag, err := r.q.Exec(ctx, upd, jti, at)
	if err != nil {
		return storage("revoke token", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	const sel = `SELECT EXISTS (SELECT 1 FROM tokens WHERE jti=$1)`
	var exists bool
	if err := r.q.QueryRow(ctx, sel, jti).Scan(&exists); err != nil {
		return storage("revoke token", err)
	}
	if !exists {
		return errs.ErrNotFound
	}
	return errs.ErrTokenRevoked
}

// DeleteByUID removes all tokens of uid.
func (r *TokenRepo) DeleteByUID(ctx context.Context, uid int64) (int64, error) {
	const q = `DELETE FROM tokens WHERE uid=$1`
	tag, err := r.q.Exec(ctx, q, uid)
	if err != nil {
		return 0, storage("delete tokens", err)
	}
	return tag.RowsAffected(), nil
}

// LiveIDsByUID returns non-revoked jtis grouped by uid.
func (r *TokenRepo) LiveIDsByUID(ctx context.Context) (map[int64][]uuid.UUID, error) {
	const q = `SELECT uid, jti FROM tokens WHERE is_revoked=false ORDER BY uid, created_at`
	rows, err := r.q.Query(ctx, q)
	if err != nil {
		return nil, storage("live tokens", err)
	}
	defer rows.Close()

	out := map[int64][]uuid.UUID{}
	for rows.Next() {
		var (
			uid int64
			jti uuid.UUID
		)
		if err := rows.Scan(&uid, &jti); err != nil {
			return nil, storage("scan token", err)
		}
		out[uid] = append(out[uid], jti)
	}
	return out, storage("live tokens", rows.Err())
}
