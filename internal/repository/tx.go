package repository

import "context"

// Store exposes the repositories bound to one unit of work.
type Store interface {
	Users() UserRepository
	Tokens() TokenRepository
	Keys() KeyPairRepository
}

// Transactor runs fn inside a single unit of work. The unit commits when fn
// returns nil and rolls back on error or panic.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error
}
