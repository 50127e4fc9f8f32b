package postgres

import (
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v3"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	return &DB{Pool: mock}, mock
}
