package repository

import (
	"context"

	"github.com/and161185/goph-auth/internal/model"
)

// ConfigAuditRepository keeps the audit trail of published configuration.
type ConfigAuditRepository interface {
	// Append stores the audit copy of a published snapshot.
	Append(ctx context.Context, a model.ConfigAudit) error
	// Latest returns the most recent audit row or errs.ErrNotFound.
	Latest(ctx context.Context) (*model.ConfigAudit, error)
}
