// Package dbpgx implements plow's database interface with a PostgreSQL
// over a jackc/pgx/v5 SQL driver based implementation.
package dbpgx

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/romshark/plow/db"
	"github.com/romshark/plow/internal/backoff"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Channel is the notification channel the schema trigger publishes to.
const Channel = "plow_event_inserted"

var defaultBackoff backoff.Backoff

func DefaultBackoff() backoff.Backoff { return defaultBackoff }

func init() {
	var err error
	defaultBackoff, err = backoff.New(100*time.Millisecond, 2*time.Second, 2, .1, nil)
	if err != nil {
		panic(fmt.Errorf("init default backoff: %w", err))
	}
}

// DB is a pgx connection pool that implements plow's DB interface.
type DB struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

var (
	_ db.TxRW       = new(Tx)
	_ db.TxReadOnly = new(Tx)
	_ db.DB         = new(DB)
	_ db.Listener   = new(DB)
	_ db.Migrator   = new(DB)
)

// Open connects to the database using pgx. It will ping and retry until either
// a successful connection is established or ctx is canceled.
func Open(
	ctx context.Context, log *slog.Logger, dsn string, maxConns int32,
	backoffConf backoff.Backoff,
) (*DB, error) {
	if maxConns < 1 {
		maxConns = int32(runtime.NumCPU())
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid DSN: %w", err)
	}
	cfg.MaxConns = maxConns

	var pool *pgxpool.Pool
	for i, dur := range backoff.NewAtomic(backoffConf).Iter() {
		if err := backoff.Sleep(ctx, dur); err != nil { // First is always 0.
			return nil, fmt.Errorf("connecting database: %w", err)
		}

		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("creating pgx pool with config: %w", err)
		}

		ctxPing, cancel := context.WithTimeout(ctx, 1*time.Second)
		err = p.Ping(ctxPing)
		cancel()
		if err != nil {
			log.Error("pinging database",
				slog.Any("err", err),
				slog.Int("attempt", i))
			p.Close()
			continue
		}

		pool = p
		break
	}

	return &DB{log: log, pool: pool}, nil
}

// Migrate creates the plow schema if it doesn't exist yet.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Tx serializes access to a single pgx transaction, which isn't safe for
// concurrent use while guards and projections may share it.
type Tx struct {
	lock sync.Mutex
	tx   pgx.Tx
}

const selectEventColumns = `version, event_id::text, stream_id, stream_version,
	type, payload::text, time, vcs_revision`

func scanEvent(row pgx.Row) (e db.Event, err error) {
	var revisionVCS *string
	err = row.Scan(
		&e.Version, &e.ID, &e.StreamID, &e.StreamVersion,
		&e.TypeName, &e.Payload, &e.Time, &revisionVCS,
	)
	if err != nil {
		return db.Event{}, err
	}
	if revisionVCS != nil {
		e.RevisionVCS = *revisionVCS
	}
	return e, nil
}

func (t *Tx) ReadEventAtVersion(
	ctx context.Context, version int64,
) (db.Event, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	e, err := scanEvent(t.tx.QueryRow(ctx, `
		SELECT `+selectEventColumns+` FROM plow.events WHERE version=$1
	`, version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return db.Event{}, db.ErrEventNotFound
		}
		return db.Event{}, fmt.Errorf("querying event at version: %w", err)
	}
	return e, nil
}

func (t *Tx) ReadEventAfterVersion(
	ctx context.Context, afterVersion int64,
) (db.Event, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	e, err := scanEvent(t.tx.QueryRow(ctx, `
		SELECT `+selectEventColumns+`
		FROM plow.events
		WHERE version>$1
		ORDER BY version ASC
		LIMIT 1
	`, afterVersion))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return db.Event{}, db.ErrEventNotFound
		}
		return db.Event{}, fmt.Errorf("querying event after version: %w", err)
	}
	return e, nil
}

func (t *Tx) ReadEvents(
	ctx context.Context, atVersion int64, reverse bool, buffer []db.Event,
) (read int, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if len(buffer) < 1 {
		return 0, nil
	}
	query := `
		SELECT ` + selectEventColumns + `
		FROM plow.events
		WHERE version >= $1
		ORDER BY version ASC
		LIMIT $2
	`
	if reverse {
		query = `
			SELECT ` + selectEventColumns + `
			FROM plow.events
			WHERE version <= $1
			ORDER BY version DESC
			LIMIT $2
		`
	}
	return t.collect(ctx, buffer, query, atVersion, len(buffer))
}

func (t *Tx) ReadStream(
	ctx context.Context, streamID string, afterStreamVersion int64, buffer []db.Event,
) (read int, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if len(buffer) < 1 {
		return 0, nil
	}
	return t.collect(ctx, buffer, `
		SELECT `+selectEventColumns+`
		FROM plow.events
		WHERE stream_id = $1 AND stream_version > $2
		ORDER BY stream_version ASC
		LIMIT $3
	`, streamID, afterStreamVersion, len(buffer))
}

// collect must be called with t.lock held.
func (t *Tx) collect(
	ctx context.Context, buffer []db.Event, query string, args ...any,
) (int, error) {
	rows, err := t.tx.Query(ctx, query, args...)
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
	t.lock.Lock()
	defer t.lock.Unlock()

	err = t.tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM plow.events
	`).Scan(&version)
	return version, err
}

func (t *Tx) ReadStreamVersion(
	ctx context.Context, streamID string,
) (version int64, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	err = t.tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(stream_version), 0) FROM plow.events WHERE stream_id=$1
	`, streamID).Scan(&version)
	return version, err
}

func (t *Tx) ReadProjectionVersion(
	ctx context.Context, id int32,
) (version int64, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	err = t.tx.QueryRow(ctx, `
		SELECT version FROM plow.projection_versions WHERE id=$1
	`, id).Scan(&version)
	return version, err
}

func (t *Tx) InitProjectionVersion(
	ctx context.Context, id int32,
) (version int64, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	_, err = t.tx.Exec(ctx, `
		INSERT INTO plow.projection_versions (id, version) VALUES ($1, 0)
		ON CONFLICT (id) DO NOTHING
	`, id)
	if err != nil {
		return 0, fmt.Errorf("creating projection_versions row for %d: %w",
			id, err)
	}
	err = t.tx.QueryRow(ctx,
		`SELECT version FROM plow.projection_versions WHERE id = $1`,
		id,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("retrieving version for projection %d: %w", id, err)
	}
	return version, nil
}

func (t *Tx) SetProjectionVersion(ctx context.Context, id int32, version int64) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	_, err := t.tx.Exec(ctx, `
		UPDATE plow.projection_versions SET version=$1 WHERE id=$2
	`, version, id)
	return err
}

func (t *Tx) AppendEvents(
	ctx context.Context,
	assumedVersion, expectedStreamVersion int64,
	events []db.Event,
) (version int64, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if len(events) == 0 {
		return assumedVersion, nil
	}
	streamID := events[0].StreamID

	var current int64
	err = t.tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM plow.events
	`).Scan(&current)
	if err != nil {
		return 0, mapWriteErr(fmt.Errorf("reading system version: %w", err))
	}
	if current != assumedVersion {
		return 0, db.ErrVersionMismatch
	}

	if streamID != "" && expectedStreamVersion != db.AnyStreamVersion {
		var streamVersion int64
		err = t.tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(stream_version), 0)
			FROM plow.events WHERE stream_id=$1
		`, streamID).Scan(&streamVersion)
		if err != nil {
			return 0, mapWriteErr(fmt.Errorf("reading stream version: %w", err))
		}
		if streamVersion != expectedStreamVersion {
			return 0, db.ErrStreamVersionMismatch
		}
	}

	rows := make([][]any, len(events))
	for i, e := range events {
		if e.StreamID != streamID {
			return 0, fmt.Errorf("event %d belongs to stream %q, expected %q",
				i, e.StreamID, streamID)
		}
		id, err := uuid.Parse(e.ID)
		if err != nil {
			return 0, fmt.Errorf("event %d: parsing id: %w", i, err)
		}
		var revisionVCS *string
		if e.RevisionVCS != "" {
			revisionVCS = &e.RevisionVCS
		}
		rows[i] = []any{
			assumedVersion + int64(i) + 1, id, e.StreamID, e.StreamVersion,
			e.TypeName, e.Payload, e.Time, revisionVCS,
		}
	}
	_, err = t.tx.CopyFrom(ctx,
		pgx.Identifier{"plow", "events"},
		[]string{
			"version", "event_id", "stream_id", "stream_version",
			"type", "payload", "time", "vcs_revision",
		},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, mapWriteErr(fmt.Errorf("inserting events: %w", err))
	}
	return assumedVersion + int64(len(events)), nil
}

// mapWriteErr treats serialization failures and unique violations as
// optimistic concurrency conflicts.
func mapWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001": // serialization_failure
		return db.ErrVersionMismatch
	case "23505": // unique_violation
		if pgErr.ConstraintName == "events_stream_idx" {
			return db.ErrStreamVersionMismatch
		}
		return db.ErrVersionMismatch
	}
	return err
}

func (t *Tx) Exec(
	ctx context.Context, sql string, args ...any,
) (pgconn.CommandTag, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.tx.Exec(ctx, sql, args...)
}

func (t *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.tx.Query(ctx, sql, args...)
}

func (t *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.tx.QueryRow(ctx, sql, args...)
}

func (d *DB) ListenEventInserted(
	ctx context.Context, onReady func(), onEventInserted func(version int64) error,
) error {
	// Dedicated connection from the pool.
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection from pool: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, `LISTEN `+pgx.Identifier{Channel}.Sanitize()); err != nil {
		return fmt.Errorf("executing listen: %w", err)
	}

	if onReady != nil {
		onReady()
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		version, err := strconv.ParseInt(n.Payload, 10, 64)
		if err != nil {
			return fmt.Errorf("bad payload in notification on %s: %q",
				Channel, n.Payload)
		}
		if err := onEventInserted(version); err != nil {
			return err
		}
	}
}

// TxRW starts a new read-write transaction and executes fn inside of it.
// If fn returns an error or panic occurs, the transaction is rolled back,
// otherwise it is committed.
func (d *DB) TxRW(
	ctx context.Context, fn func(context.Context, db.TxRW) error,
) error {
	return d.withTx(ctx, pgx.ReadWrite, func(ctx context.Context, tx *Tx) error {
		return fn(ctx, tx)
	})
}

// TxReadOnly starts a new read-only transaction and executes fn inside.
func (d *DB) TxReadOnly(
	ctx context.Context, fn func(context.Context, db.TxReadOnly) error,
) error {
	return d.withTx(ctx, pgx.ReadOnly, func(ctx context.Context, tx *Tx) error {
		return fn(ctx, tx)
	})
}

func (d *DB) withTx(
	ctx context.Context, mode pgx.TxAccessMode, fn func(context.Context, *Tx) error,
) (err error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: mode,
	})
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			if rb := tx.Rollback(ctx); rb != nil {
				d.log.Error("rollback after panic failure",
					slog.Any("panic", p),
					slog.Any("err", rb))
			}
			panic(p)
		}
	}()

	if err := fn(ctx, &Tx{tx: tx}); err != nil {
		if rb := tx.Rollback(ctx); rb != nil {
			return fmt.Errorf("rolling back transaction: %v (original: %w)", rb, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if mapped := mapWriteErr(err); errors.Is(mapped, db.ErrVersionMismatch) {
			return mapped
		}
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (d *DB) Exec(
	ctx context.Context, sql string, args ...any,
) (pgconn.CommandTag, error) {
	return d.pool.Exec(ctx, sql, args...)
}

func (d *DB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return d.pool.QueryRow(ctx, sql, args...)
}

func (d *DB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return d.pool.Query(ctx, sql, args...)
}

func (d *DB) Close() {
	d.pool.Close()
}
