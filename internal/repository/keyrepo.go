package repository

import (
	"context"

	"github.com/and161185/goph-auth/internal/model"
)

// KeyPairRepository stores signing key pairs.
type KeyPairRepository interface {
	// GetActive returns the active pair or errs.ErrNotFound.
	GetActive(ctx context.Context) (*model.KeyPair, error)
	// ReplaceActive deactivates every pair and inserts kp as the active one,
	// atomically. Losing a concurrent race is errs.ErrAlreadyExists.
	ReplaceActive(ctx context.Context, kp *model.KeyPair) error
	// CountActive returns how many pairs are flagged active.
	CountActive(ctx context.Context) (int, error)
}
