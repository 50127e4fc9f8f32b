package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/goph-auth/internal/errs"
	"github.com/and161185/goph-auth/internal/model"
)

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ q Querier }

// NewUserRepo constructs a user repository outside of a unit of work.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{q: db.Pool} }

// Create inserts a new user row.
func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	const q = `
INSERT INTO users (uid, name, password_hash)
VALUES ($1, $2, $3)`
	_, err := r.q.Exec(ctx, q, u.UID, u.Name, u.PasswordHash)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %q: %w", u.Name, errs.ErrAlreadyExists)
	}
	return storage("insert user", err)
}

// GetByName selects a user by name.
func (r *UserRepo) GetByName(ctx context.Context, name string) (*model.User, error) {
	const q = `SELECT uid, name, password_hash FROM users WHERE name=$1`
	return r.scanOne(r.q.QueryRow(ctx, q, name))
}

// GetByUID selects a user by uid.
func (r *UserRepo) GetByUID(ctx context.Context, uid int64) (*model.User, error) {
	const q = `SELECT uid, name, password_hash FROM users WHERE uid=$1`
	return r.scanOne(r.q.QueryRow(ctx, q, uid))
}

func (r *UserRepo) scanOne(row pgx.Row) (*model.User, error) {
	var u model.User
	if err := row.Scan(&u.UID, &u.Name, &u.PasswordHash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, storage("select user", err)
	}
	return &u, nil
}

// UIDExists reports whether the uid is allocated.
func (r *UserRepo) UIDExists(ctx context.Context, uid int64) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM users WHERE uid=$1)`
	var ok bool
	if err := r.q.QueryRow(ctx, q, uid).Scan(&ok); err != nil {
		return false, storage("uid exists", err)
	}
	return ok, nil
}

// MaxUID returns the largest uid in use.
func (r *UserRepo) MaxUID(ctx context.Context) (int64, bool, error) {
	const q = `SELECT COALESCE(MAX(uid), 0) FROM users`
	var v int64
	if err := r.q.QueryRow(ctx, q).Scan(&v); err != nil {
		return 0, false, storage("max uid", err)
	}
	return v, v != 0, nil
}

// Delete removes the user row. Tokens must be removed by the caller first.
func (r *UserRepo) Delete(ctx context.Context, uid int64) error {
	const q = `DELETE FROM users WHERE uid=$1`
	tag, err := r.q.Exec(ctx, q, uid)
	if err != nil {
		return storage("delete user", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// List returns all users ordered by uid.
func (r *UserRepo) List(ctx context.Context) ([]model.User, error) {
	const q = `SELECT uid, name, password_hash FROM users ORDER BY uid`
	rows, err := r.q.Query(ctx, q)
	if err != nil {
		return nil, storage("list users", err)
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.UID, &u.Name, &u.PasswordHash); err != nil {
			return nil, storage("scan user", err)
		}
		out = append(out, u)
	}
	return out, storage("list users", rows.Err())
}
