package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	pkgcrypto "github.com/and161185/goph-auth/internal/crypto"
	"github.com/and161185/goph-auth/internal/errs"
	"github.com/and161185/goph-auth/internal/model"
	"github.com/and161185/goph-auth/internal/repository"
)

// uidDraws bounds random uid allocation before falling back to max+1.
const uidDraws = 100

// CredentialStore owns user records and uid allocation. It works against
// whatever UserRepository the caller's unit of work provides.
type CredentialStore struct {
	cost int
	draw func() int64
}

// NewCredentialStore constructs a store hashing at the given bcrypt cost.
func NewCredentialStore(cost int) *CredentialStore {
	if cost == 0 {
		cost = pkgcrypto.DefaultCost
	}
	return &CredentialStore{
		cost: cost,
		draw: func() int64 { return model.MinUID + rand.Int64N(model.MaxUID-model.MinUID+1) },
	}
}

// Create registers name with a hashed password and returns the new uid.
func (c *CredentialStore) Create(ctx context.Context, users repository.UserRepository, name, password string) (int64, error) {
	name = normalizeName(name)
	if name == "" || password == "" {
		return 0, fmt.Errorf("empty name/password: %w", errs.ErrInvalidInput)
	}
	if _, err := users.GetByName(ctx, name); err == nil {
		return 0, fmt.Errorf("user %q: %w", name, errs.ErrAlreadyExists)
	} else if !errors.Is(err, errs.ErrNotFound) {
		return 0, err
	}

	hash, err := pkgcrypto.HashPassword(password, c.cost)
	if err != nil {
		return 0, err
	}
	uid, err := c.allocateUID(ctx, users)
	if err != nil {
		return 0, err
	}
	if err := users.Create(ctx, &model.User{UID: uid, Name: name, PasswordHash: hash}); err != nil {
		return 0, err
	}
	return uid, nil
}

// normalizeName is the stored form of a user name on every path.
func normalizeName(name string) string { return strings.TrimSpace(name) }

// allocateUID draws random uids, then falls back to max+1 (or MinUID).
func (c *CredentialStore) allocateUID(ctx context.Context, users repository.UserRepository) (int64, error) {
	for range uidDraws {
		uid := c.draw()
		taken, err := users.UIDExists(ctx, uid)
		if err != nil {
			return 0, err
		}
		if !taken {
			return uid, nil
		}
	}
	hi, ok, err := users.MaxUID(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return model.MinUID, nil
	}
	if hi >= model.MaxUID {
		return 0, fmt.Errorf("uid space exhausted: %w", errs.ErrAlreadyExists)
	}
	return hi + 1, nil
}

// Authenticate checks the password and returns the uid. Unknown user and
// wrong password both yield errs.ErrUnauthorized.
func (c *CredentialStore) Authenticate(ctx context.Context, users repository.UserRepository, name, password string) (int64, error) {
	name = normalizeName(name)
	if name == "" || password == "" {
		return 0, errs.ErrUnauthorized
	}
	u, err := users.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			pkgcrypto.BurnComparison(password)
			return 0, errs.ErrUnauthorized
		}
		return 0, err
	}
	if !pkgcrypto.VerifyPassword(password, u.PasswordHash) {
		return 0, errs.ErrUnauthorized
	}
	return u.UID, nil
}

// LookupUID resolves a name.
func (c *CredentialStore) LookupUID(ctx context.Context, users repository.UserRepository, name string) (int64, bool, error) {
	name = normalizeName(name)
	if name == "" {
		return 0, false, nil
	}
	u, err := users.GetByName(ctx, name)
	if errors.Is(err, errs.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return u.UID, true, nil
}

// LookupName resolves a uid.
func (c *CredentialStore) LookupName(ctx context.Context, users repository.UserRepository, uid int64) (string, bool, error) {
	u, err := users.GetByUID(ctx, uid)
	if errors.Is(err, errs.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return u.Name, true, nil
}
