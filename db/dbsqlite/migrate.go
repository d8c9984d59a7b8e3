package dbsqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

const migrationTable = "schema_migrations"

const (
	markerUp   = "-- +migrate Up"
	markerDown = "-- +migrate Down"
)

// applyMigrations executes every *.sql file in migrationFS at most once,
// ordered by file name, and records applied files in schema_migrations.
func applyMigrations(ctx context.Context, sqlDB *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	_, err = sqlDB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migrationTable+` (
		name       TEXT    PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		if err := applyMigration(ctx, sqlDB, migrationFS, file); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(
	ctx context.Context, sqlDB *sql.DB, migrationFS fs.FS, file string,
) error {
	content, err := fs.ReadFile(migrationFS, file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration transaction %s: %w", file, err)
	}
	defer func() { _ = tx.Rollback() }()

	var applied int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+migrationTable+` WHERE name = ?`, file,
	).Scan(&applied)
	if err != nil {
		return fmt.Errorf("check migration %s: %w", file, err)
	}
	if applied > 0 {
		return nil
	}

	if up := extractUp(string(content)); strings.TrimSpace(up) != "" {
		if _, err := tx.ExecContext(ctx, up); err != nil {
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`,
		file, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}

// extractUp returns the SQL between the Up and Down markers.
// Files without an Up marker are applied as a whole.
func extractUp(content string) string {
	upIdx := strings.Index(content, markerUp)
	if upIdx == -1 {
		return content
	}
	rest := content[upIdx+len(markerUp):]
	if downIdx := strings.Index(rest, markerDown); downIdx != -1 {
		return rest[:downIdx]
	}
	return rest
}
