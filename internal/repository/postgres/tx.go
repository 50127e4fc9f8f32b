package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/goph-auth/internal/repository"
)

var _ repository.Transactor = (*DB)(nil)

// WithinTx runs fn in one transaction. Commit on nil, rollback otherwise,
// including when fn panics.
func (db *DB) WithinTx(ctx context.Context, fn func(ctx context.Context, s repository.Store) error) (err error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return storage("begin", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = storage("commit", e)
		}
	}()

	return fn(ctx, txStore{q: tx})
}

type txStore struct{ q Querier }

func (s txStore) Users() repository.UserRepository { return &UserRepo{q: s.q} }
func (s txStore) Tokens() repository.TokenRepository { return &TokenRepo{q: s.q} }
func (s txStore) Keys() repository.KeyPairRepository { return &KeyRepo{q: s.q} }
