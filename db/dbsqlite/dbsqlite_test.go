package dbsqlite_test

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/romshark/plow/db/dbsqlite"
	"github.com/romshark/plow/internal/testdb"

	"github.com/stretchr/testify/require"
)

func TestSuite(t *testing.T) {
	d, _ := testdb.NewSQLite(t, slog.Default())
	testdb.RunSuite(t, d)
}

func TestMigrateIdempotent(t *testing.T) {
	d, _ := testdb.NewSQLite(t, slog.Default())
	require.NoError(t, d.Migrate(t.Context()))

	var applied int
	err := d.SQL().QueryRowContext(t.Context(),
		`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied)
	require.NoError(t, err)
	require.Equal(t, 2, applied)
}

func TestOpenEmptyPath(t *testing.T) {
	_, err := dbsqlite.Open(t.Context(), slog.Default(), " ")
	require.Error(t, err)
}

func TestOpenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")

	d, err := dbsqlite.Open(t.Context(), slog.Default(), path)
	require.NoError(t, err)
	require.NoError(t, d.Migrate(t.Context()))
	_, err = d.SQL().ExecContext(t.Context(),
		`INSERT INTO projection_versions (id, version) VALUES (1, 9)`)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d = testdb.OpenSQLite(t, slog.Default(), path)
	var v int64
	err = d.SQL().QueryRowContext(t.Context(),
		`SELECT version FROM projection_versions WHERE id = 1`).Scan(&v)
	require.NoError(t, err)
	require.Equal(t, int64(9), v)
}
