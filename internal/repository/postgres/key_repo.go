package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/goph-auth/internal/errs"
	"github.com/and161185/goph-auth/internal/model"
)

// KeyRepo implements KeyPairRepository using PostgreSQL.
type KeyRepo struct{ q Querier }

// NewKeyRepo constructs a key pair repository outside of a unit of work.
func NewKeyRepo(db *DB) *KeyRepo { return &KeyRepo{q: db.Pool} }

// GetActive returns the active key pair.
func (r *KeyRepo) GetActive(ctx context.Context) (*model.KeyPair, error) {
	const q = `
SELECT id, private_key, public_key, created_at, created_at_timezone, is_active
FROM key_pairs WHERE is_active=true
ORDER BY id DESC LIMIT 1`
	var kp model.KeyPair
	err := r.q.QueryRow(ctx, q).Scan(&kp.ID, &kp.PrivatePEM, &kp.PublicPEM, &kp.CreatedAt, &kp.TZOffset, &kp.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, storage("select key pair", err)
	}
	return &kp, nil
}

// ReplaceActive deactivates all pairs and inserts kp as active. Both
// statements run under a savepoint so a lost race leaves the enclosing
// transaction usable.
func (r *KeyRepo) ReplaceActive(ctx context.Context, kp *model.KeyPair) (err error) {
	sp, err := r.q.Begin(ctx)
	if err != nil {
		return storage("savepoint", err)
	}
	defer func() {
		if err != nil {
			_ = sp.Rollback(context.WithoutCancel(ctx))
			return
		}
		if e := sp.Commit(ctx); e != nil {
			err = storage("release savepoint", e)
		}
	}()

	const deact = `UPDATE key_pairs SET is_active=false WHERE is_active=true`
	if _, err = sp.Exec(ctx, deact); err != nil {
		return storage("deactivate key pairs", err)
	}

	const ins = `
INSERT INTO key_pairs (private_key, public_key, created_at, created_at_timezone, is_active)
VALUES ($1, $2, $3, $4, true)
RETURNING id`
	if err = sp.QueryRow(ctx, ins, kp.PrivatePEM, kp.PublicPEM, kp.CreatedAt, kp.TZOffset).Scan(&kp.ID); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("active key pair: %w", errs.ErrAlreadyExists)
		}
		return storage("insert key pair", err)
	}
	kp.Active = true
	return nil
}

// CountActive returns the number of active pairs.
func (r *KeyRepo) CountActive(ctx context.Context) (int, error) {
	const q = `SELECT COUNT(*) FROM key_pairs WHERE is_active=true`
	var n int
	if err := r.q.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, storage("count key pairs", err)
	}
	return n, nil
}
