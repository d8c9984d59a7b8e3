// Package dbsqlite implements plow's database interface on top of SQLite
// using the pure Go modernc.org/sqlite driver.
//
// SQLite allows a single writer at a time, so the pool is limited to one
// connection and all transactions are serialized. Transactions must not be
// nested: a function running inside TxRW or TxReadOnly must use the
// transaction it was given and never start another one.
// Database notifications aren't supported, engines relying on this backend
// must use polling.
package dbsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/romshark/plow/db"
	"github.com/romshark/plow/db/dbsqlite/migrations"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const dsnOptions = "_pragma=busy_timeout(5000)" +
	"&_pragma=journal_mode(WAL)" +
	"&_pragma=foreign_keys(1)" +
	"&_pragma=synchronous(NORMAL)"

// DB is a SQLite database implementing plow's DB interface.
type DB struct {
	log   *slog.Logger
	sqlDB *sql.DB
}

var (
	_ db.TxRW       = new(Tx)
	_ db.TxReadOnly = new(Tx)
	_ db.DB         = new(DB)
	_ db.Migrator   = new(DB)
)

// Open opens the SQLite database file at path, creating it if necessary.
func Open(ctx context.Context, log *slog.Logger, path string) (*DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := "file:" + filepath.Clean(path) + "?" + dsnOptions
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return &DB{log: log, sqlDB: sqlDB}, nil
}

// Migrate applies all pending schema migrations.
func (d *DB) Migrate(ctx context.Context) error {
	if err := applyMigrations(ctx, d.sqlDB, migrations.FS); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (d *DB) Close() error { return d.sqlDB.Close() }

// SQL returns the underlying database handle.
func (d *DB) SQL() *sql.DB { return d.sqlDB }

// TxRW starts a new read-write transaction and executes fn inside of it.
func (d *DB) TxRW(
	ctx context.Context, fn func(context.Context, db.TxRW) error,
) error {
	return d.withTx(ctx, false, func(ctx context.Context, tx *Tx) error {
		return fn(ctx, tx)
	})
}

// TxReadOnly starts a new read-only transaction and executes fn inside.
// The transaction is always rolled back.
func (d *DB) TxReadOnly(
	ctx context.Context, fn func(context.Context, db.TxReadOnly) error,
) error {
	return d.withTx(ctx, true, func(ctx context.Context, tx *Tx) error {
		return fn(ctx, tx)
	})
}

func (d *DB) withTx(
	ctx context.Context, readOnly bool, fn func(context.Context, *Tx) error,
) error {
	tx, err := d.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			if rb := tx.Rollback(); rb != nil {
				d.log.Error("rollback after panic failure",
					slog.Any("panic", p),
					slog.Any("err", rb))
			}
			panic(p)
		}
	}()

	if err := fn(ctx, &Tx{tx: tx}); err != nil {
		if rb := tx.Rollback(); rb != nil {
			return fmt.Errorf("rolling back transaction: %v (original: %w)", rb, err)
		}
		return err
	}
	if readOnly {
		if err := tx.Rollback(); err != nil {
			return fmt.Errorf("closing read-only transaction: %w", err)
		}
		return nil
	}
	if err := tx.Commit(); err != nil {
		if isBusyError(err) {
			return db.ErrVersionMismatch
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Tx is a SQLite transaction.
type Tx struct {
	tx *sql.Tx
}

func toMicros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

const selectEventColumns = `version, event_id, stream_id, stream_version,
	type, payload, time_us, vcs_revision`

type scanner interface{ Scan(dest ...any) error }

func scanEvent(row scanner) (e db.Event, err error) {
	var (
		tm          int64
		revisionVCS sql.NullString
	)
	err = row.Scan(
		&e.Version, &e.ID, &e.StreamID, &e.StreamVersion,
		&e.TypeName, &e.Payload, &tm, &revisionVCS,
	)
	if err != nil {
		return db.Event{}, err
	}
	e.Time = fromMicros(tm)
	e.RevisionVCS = revisionVCS.String
	return e, nil
}

func (t *Tx) ReadEventAtVersion(ctx context.Context, version int64) (db.Event, error) {
	e, err := scanEvent(t.tx.QueryRowContext(ctx,
		`SELECT `+selectEventColumns+` FROM events WHERE version = ?`, version))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return db.Event{}, db.ErrEventNotFound
		}
		return db.Event{}, fmt.Errorf("querying event at version: %w", err)
	}
	return e, nil
}

func (t *Tx) ReadEventAfterVersion(
	ctx context.Context, afterVersion int64,
) (db.Event, error) {
	e, err := scanEvent(t.tx.QueryRowContext(ctx, `
		SELECT `+selectEventColumns+`
		FROM events
		WHERE version > ?
		ORDER BY version ASC
		LIMIT 1
	`, afterVersion))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return db.Event{}, db.ErrEventNotFound
		}
		return db.Event{}, fmt.Errorf("querying event after version: %w", err)
	}
	return e, nil
}

func (t *Tx) ReadEvents(
	ctx context.Context, atVersion int64, reverse bool, buffer []db.Event,
) (int, error) {
	if len(buffer) < 1 {
		return 0, nil
	}
	query := `SELECT ` + selectEventColumns + ` FROM events
		WHERE version >= ? ORDER BY version ASC LIMIT ?`
	if reverse {
		query = `SELECT ` + selectEventColumns + ` FROM events
			WHERE version <= ? ORDER BY version DESC LIMIT ?`
	}
	return t.collect(ctx, buffer, query, atVersion, len(buffer))
}

func (t *Tx) ReadStream(
	ctx context.Context, streamID string, afterStreamVersion int64, buffer []db.Event,
) (int, error) {
	if len(buffer) < 1 {
		return 0, nil
	}
	return t.collect(ctx, buffer, `
		SELECT `+selectEventColumns+`
		FROM events
		WHERE stream_id = ? AND stream_version > ?
		ORDER BY stream_version ASC
		LIMIT ?
	`, streamID, afterStreamVersion, len(buffer))
}

func (t *Tx) collect(
	ctx context.Context, buffer []db.Event, query string, args ...any,
) (int, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("querying batch: %w", err)
	}
	defer rows.Close()
	i := 0
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return 0, fmt.Errorf("scanning row: %w", err)
		}
		buffer[i] = e
		i++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("rows error: %w", err)
	}
	return i, nil
}

func (t *Tx) ReadSystemVersion(ctx context.Context) (version int64, err error) {
	err = t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events`).Scan(&version)
	return version, err
}

func (t *Tx) ReadStreamVersion(
	ctx context.Context, streamID string,
) (version int64, err error) {
	err = t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(stream_version), 0) FROM events WHERE stream_id = ?`,
		streamID,
	).Scan(&version)
	return version, err
}

func (t *Tx) ReadProjectionVersion(
	ctx context.Context, id int32,
) (version int64, err error) {
	err = t.tx.QueryRowContext(ctx,
		`SELECT version FROM projection_versions WHERE id = ?`, id,
	).Scan(&version)
	return version, err
}

func (t *Tx) InitProjectionVersion(
	ctx context.Context, id int32,
) (version int64, err error) {
	_, err = t.tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO projection_versions (id, version) VALUES (?, 0)`, id)
	if err != nil {
		return 0, fmt.Errorf("creating projection_versions row for %d: %w", id, err)
	}
	err = t.tx.QueryRowContext(ctx,
		`SELECT version FROM projection_versions WHERE id = ?`, id,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("retrieving version for projection %d: %w", id, err)
	}
	return version, nil
}

func (t *Tx) SetProjectionVersion(ctx context.Context, id int32, version int64) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE projection_versions SET version = ? WHERE id = ?`, version, id)
	return err
}

func (t *Tx) AppendEvents(
	ctx context.Context,
	assumedVersion, expectedStreamVersion int64,
	events []db.Event,
) (int64, error) {
	if len(events) == 0 {
		return assumedVersion, nil
	}
	streamID := events[0].StreamID

	current, err := t.ReadSystemVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading system version: %w", err)
	}
	if current != assumedVersion {
		return 0, db.ErrVersionMismatch
	}
	if streamID != "" && expectedStreamVersion != db.AnyStreamVersion {
		v, err := t.ReadStreamVersion(ctx, streamID)
		if err != nil {
			return 0, fmt.Errorf("reading stream version: %w", err)
		}
		if v != expectedStreamVersion {
			return 0, db.ErrStreamVersionMismatch
		}
	}

	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO events (
			version, event_id, stream_id, stream_version,
			type, payload, time_us, vcs_revision
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for i, e := range events {
		if e.StreamID != streamID {
			return 0, fmt.Errorf("event %d belongs to stream %q, expected %q",
				i, e.StreamID, streamID)
		}
		revisionVCS := sql.NullString{String: e.RevisionVCS, Valid: e.RevisionVCS != ""}
		_, err := stmt.ExecContext(ctx,
			assumedVersion+int64(i)+1, e.ID, e.StreamID, e.StreamVersion,
			e.TypeName, e.Payload, toMicros(e.Time), revisionVCS,
		)
		if err != nil {
			switch {
			case isBusyError(err):
				// Another connection appended since this transaction's snapshot.
				return 0, db.ErrVersionMismatch
			case isConstraintError(err):
				if e.StreamID != "" {
					return 0, db.ErrStreamVersionMismatch
				}
				return 0, db.ErrVersionMismatch
			}
			return 0, fmt.Errorf("inserting event %d: %w", i, err)
		}
	}
	return assumedVersion + int64(len(events)), nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended result codes carry the primary code in the lowest byte.
	return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}
