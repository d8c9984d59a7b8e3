// Package testdb provides databases for tests.
package testdb

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/romshark/plow/db/dbpgx"
	"github.com/romshark/plow/db/dbsqlite"
	"github.com/romshark/plow/internal/backoff"
)

// EnvPGDSN is the environment variable holding the admin DSN of a PostgreSQL
// server used by tests. PostgreSQL tests are skipped if it's not set.
const EnvPGDSN = "PLOW_TEST_PG_DSN"

// NewSQLite creates a new migrated SQLite database in a temporary directory
// and returns it along with the path of the database file.
func NewSQLite(t testing.TB, log *slog.Logger) (db *dbsqlite.DB, path string) {
	t.Helper()
	path = filepath.Join(t.TempDir(), "plow.db")
	db = OpenSQLite(t, log, path)
	require.NoError(t, db.Migrate(t.Context()))
	return db, path
}

// OpenSQLite opens another handle onto the SQLite database file at path.
func OpenSQLite(t testing.TB, log *slog.Logger, path string) *dbsqlite.DB {
	t.Helper()
	db, err := dbsqlite.Open(t.Context(), log, path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

// NewDBPGX creates a new migrated dbpgx-based test database for the given test.
// Skips the test if EnvPGDSN isn't set.
func NewDBPGX(t testing.TB, log *slog.Logger) (db *dbpgx.DB, dsn string) {
	t.Helper()
	adminDSN := os.Getenv(EnvPGDSN)
	if adminDSN == "" {
		t.Skipf("%s not set", EnvPGDSN)
	}
	ctx := t.Context()

	// Derive a unique test DB name from the test name
	dbName := strings.ToLower("test_" + strings.ReplaceAll(t.Name(), "/", "_"))

	adminPool, err := pgxpool.New(ctx, adminDSN)
	require.NoError(t, err)
	defer adminPool.Close()

	dbNameSanitized := pgx.Identifier{dbName}.Sanitize()
	_, err = adminPool.Exec(ctx, `DROP DATABASE IF EXISTS `+dbNameSanitized)
	require.NoError(t, err)
	_, err = adminPool.Exec(ctx, `CREATE DATABASE `+dbNameSanitized)
	require.NoError(t, err)

	cfg, err := pgx.ParseConfig(adminDSN)
	require.NoError(t, err)
	testDSN := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, dbName)

	bo, err := backoff.New(100*time.Millisecond, 300*time.Millisecond, 2.0, 0, nil)
	require.NoError(t, err)

	db, err = dbpgx.Open(ctx, log, testDSN, 0, bo)
	require.NoError(t, err)
	t.Cleanup(func() {
		// t.Context is canceled by the time cleanup functions run.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		db.Close()
		p, err := pgxpool.New(ctx, adminDSN)
		if err != nil {
			return
		}
		defer p.Close()
		_, _ = p.Exec(ctx, `DROP DATABASE IF EXISTS `+dbNameSanitized)
	})

	require.NoError(t, db.Migrate(ctx))
	return db, testDSN
}
