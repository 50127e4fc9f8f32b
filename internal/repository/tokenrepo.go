package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/goph-auth/internal/model"
)

// TokenRepository is the revocation ledger.
type TokenRepository interface {
	// Create persists a freshly issued token.
	Create(ctx context.Context, t *model.Token) error
	// Get returns the token row by jti.
	Get(ctx context.Context, jti uuid.UUID) (*model.Token, error)
	// Revoke flips is_revoked once. Already revoked is errs.ErrTokenRevoked.
	Revoke(ctx context.Context, jti uuid.UUID, at int64) error
	// DeleteByUID removes every token of uid and returns the count.
	DeleteByUID(ctx context.Context, uid int64) (int64, error)
	// LiveIDsByUID groups non-revoked jtis by owner.
	LiveIDsByUID(ctx context.Context) (map[int64][]uuid.UUID, error)
}
