package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/goph-auth/internal/errs"
	"github.com/and161185/goph-auth/internal/model"
	"github.com/and161185/goph-auth/internal/repository"
)

var _ repository.ConfigAuditRepository = (*ConfigRepo)(nil)

// ConfigRepo stores configuration snapshot audit rows.
type ConfigRepo struct{ q Querier }

// NewConfigRepo constructs a config audit repository.
func NewConfigRepo(db *DB) *ConfigRepo { return &ConfigRepo{q: db.Pool} }

// Append inserts an audit row. Replaying a version is a no-op.
func (r *ConfigRepo) Append(ctx context.Context, a model.ConfigAudit) error {
	const q = `
INSERT INTO config_snapshots (version, created_at, created_at_timezone, values_json)
VALUES ($1, $2, $3, $4)
ON CONFLICT (version) DO NOTHING`
	_, err := r.q.Exec(ctx, q, a.Version, a.CreatedAt, a.TZOffset, a.ValuesJSON)
	return storage("insert config snapshot", err)
}

// Latest returns the most recent audit row.
func (r *ConfigRepo) Latest(ctx context.Context) (*model.ConfigAudit, error) {
	const q = `
SELECT version, created_at, created_at_timezone, values_json
FROM config_snapshots ORDER BY version DESC LIMIT 1`
	var a model.ConfigAudit
	if err := r.q.QueryRow(ctx, q).Scan(&a.Version, &a.CreatedAt, &a.TZOffset, &a.ValuesJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, storage("select config snapshot", err)
	}
	return &a, nil
}
