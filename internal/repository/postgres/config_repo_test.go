package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/goph-auth/internal/errs"
	"github.com/and161185/goph-auth/internal/model"
)

func TestConfigRepo_AppendAndLatest(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewConfigRepo(db)
	ctx := context.Background()
	a := model.ConfigAudit{Version: 1700000000123, CreatedAt: 1700000000, TZOffset: 1, ValuesJSON: []byte(`{"PORT_AUX":16203}`)}

	mock.ExpectExec(`INSERT INTO config_snapshots .* ON CONFLICT \(version\) DO NOTHING`).
		WithArgs(a.Version, a.CreatedAt, a.TZOffset, a.ValuesJSON).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Append(ctx, a))

	mock.ExpectQuery(`SELECT version, created_at, created_at_timezone, values_json FROM config_snapshots ORDER BY version DESC LIMIT 1`).
		WillReturnRows(pgxmock.NewRows([]string{"version", "created_at", "created_at_timezone", "values_json"}).
			AddRow(a.Version, a.CreatedAt, a.TZOffset, a.ValuesJSON))
	got, err := r.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, a.Version, got.Version)

	mock.ExpectQuery(`FROM config_snapshots`).WillReturnError(pgx.ErrNoRows)
	_, err = r.Latest(ctx)
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}
