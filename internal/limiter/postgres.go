package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter with a sliding failure window and lockout.
type PG struct {
	q      querier
	policy Policy
	now    func() time.Time
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a limiter over a pool or any querier.
func NewPG(q querier, policy Policy) *PG {
	return &PG{q: q, policy: policy, now: time.Now}
}

// Allow reports whether login is currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, name string, peerHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM login_attempts WHERE name=$1 AND peer_hash=$2`
	var blockedUntil time.Time
	err := l.q.QueryRow(ctx, q, name, peerHash).Scan(&blockedUntil)
	switch {
	case err == nil:
		if now := l.now(); blockedUntil.After(now) {
			return false, blockedUntil.Sub(now), nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for (name, peer).
func (l *PG) Success(ctx context.Context, name string, peerHash []byte) error {
	const q = `DELETE FROM login_attempts WHERE name=$1 AND peer_hash=$2`
	_, err := l.q.Exec(ctx, q, name, peerHash)
	return err
}

// Failure records a failed attempt; reaching MaxFails inside Window blocks
// the pair for BlockFor.
func (l *PG) Failure(ctx context.Context, name string, peerHash []byte) (bool, time.Duration, error) {
	now := l.now()

	const q = `
INSERT INTO login_attempts (name, peer_hash, fail_count, blocked_until, updated_at)
VALUES ($1, $2, 1, 'epoch', $3)
ON CONFLICT (name, peer_hash) DO UPDATE
SET
  fail_count = CASE WHEN $3 - login_attempts.updated_at > $4::interval THEN 1 ELSE login_attempts.fail_count + 1 END,
  updated_at = $3
RETURNING fail_count`
	var fails int
	if err := l.q.QueryRow(ctx, q, name, peerHash, now, l.policy.Window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.policy.MaxFails {
		return false, 0, nil
	}
	const upd = `UPDATE login_attempts SET blocked_until=$3 WHERE name=$1 AND peer_hash=$2`
	if _, err := l.q.Exec(ctx, upd, name, peerHash, now.Add(l.policy.BlockFor)); err != nil {
		return false, 0, err
	}
	return true, l.policy.BlockFor, nil
}
