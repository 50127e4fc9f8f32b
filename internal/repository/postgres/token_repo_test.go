package postgres

import (
	"context"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/goph-auth/internal/errs"
	"github.com/and161185/goph-auth/internal/model"
)

func TestTokenRepo_CreateAndGet(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTokenRepo(db)
	ctx := context.Background()
	jti := uuid.Must(uuid.NewV4())
	tok := &model.Token{JTI: jti, UID: 123456, CreatedAt: 1000, TZOffset: 3, ExpiresAt: 1000 + 86400, SignedValue: "a.b.c"}

	mock.ExpectExec(`INSERT INTO tokens`).
		WithArgs(jti, tok.UID, tok.CreatedAt, tok.TZOffset, tok.ExpiresAt, tok.SignedValue).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Create(ctx, tok))

	cols := []string{"jti", "uid", "created_at", "created_at_timezone", "expires_at", "signed_value", "is_revoked", "revoked_at"}
	mock.ExpectQuery(`SELECT jti, uid, created_at, created_at_timezone, expires_at, signed_value, is_revoked, revoked_at FROM tokens WHERE jti=\$1`).
		WithArgs(jti).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(jti, int64(123456), int64(1000), 3, int64(1000+86400), "a.b.c", false, (*int64)(nil)))
	got, err := r.Get(ctx, jti)
	require.NoError(t, err)
	require.Equal(t, jti, got.JTI)
	require.False(t, got.Revoked)
	require.Nil(t, got.RevokedAt)

	mock.ExpectQuery(`FROM tokens WHERE jti=\$1`).
		WithArgs(jti).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.Get(ctx, jti)
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepo_Revoke(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTokenRepo(db)
	ctx := context.Background()
	jti := uuid.Must(uuid.NewV4())

	// live -> revoked
	mock.ExpectExec(`UPDATE tokens SET is_revoked=true, revoked_at=\$2 WHERE jti=\$1 AND is_revoked=false`).
		WithArgs(jti, int64(2000)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.Revoke(ctx, jti, 2000))

	// already revoked
	mock.ExpectExec(`UPDATE tokens SET is_revoked=true`).
		WithArgs(jti, int64(2001)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM tokens WHERE jti=\$1\)`).
		WithArgs(jti).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	require.ErrorIs(t, r.Revoke(ctx, jti, 2001), errs.ErrTokenRevoked)

	// unknown
	mock.ExpectExec(`UPDATE tokens SET is_revoked=true`).
		WithArgs(jti, int64(2002)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(jti).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	require.ErrorIs(t, r.Revoke(ctx, jti, 2002), errs.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepo_DeleteByUIDAndLive(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTokenRepo(db)
	ctx := context.Background()
	a, b, c := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())

	mock.ExpectExec(`DELETE FROM tokens WHERE uid=\$1`).
		WithArgs(int64(123456)).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	n, err := r.DeleteByUID(ctx, 123456)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	mock.ExpectQuery(`SELECT uid, jti FROM tokens WHERE is_revoked=false`).
		WillReturnRows(pgxmock.NewRows([]string{"uid", "jti"}).
			AddRow(int64(100001), a).
			AddRow(int64(100001), b).
			AddRow(int64(100002), c))
	live, err := r.LiveIDsByUID(ctx)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{a, b}, live[100001])
	require.Equal(t, []uuid.UUID{c}, live[100002])

	require.NoError(t, mock.ExpectationsWereMet())
}
