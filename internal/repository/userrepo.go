// Package repository declares persistence interfaces.
package repository

import (
	"context"

	"github.com/and161185/goph-auth/internal/model"
)

// UserRepository defines read/write operations for users.
type UserRepository interface {
	// Create inserts a user. A name or uid collision is errs.ErrAlreadyExists.
	Create(ctx context.Context, u *model.User) error
	// GetByName finds a user by name.
	GetByName(ctx context.Context, name string) (*model.User, error)
	// GetByUID finds a user by uid.
	GetByUID(ctx context.Context, uid int64) (*model.User, error)
	// UIDExists reports whether uid is taken.
	UIDExists(ctx context.Context, uid int64) (bool, error)
	// MaxUID returns the largest allocated uid; ok is false on an empty table.
	MaxUID(ctx context.Context) (uid int64, ok bool, err error)
	// Delete removes the user row.
	Delete(ctx context.Context, uid int64) error
	// List returns all users ordered by uid.
	List(ctx context.Context) ([]model.User, error)
}
