// Package dbopen opens the event store selected by a DSN.
package dbopen

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/romshark/plow/db"
	"github.com/romshark/plow/db/dbpgx"
	"github.com/romshark/plow/db/dbsqlite"
)

// Kind identifies a storage backend.
type Kind string

const (
	KindPostgres Kind = "postgres"
	KindSQLite   Kind = "sqlite"
)

// Store is an opened event store.
type Store interface {
	db.DB
	db.Migrator
}

// KindOf returns the backend the DSN refers to.
func KindOf(dsn string) Kind {
	dsn = strings.TrimSpace(dsn)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return KindPostgres
	}
	return KindSQLite
}

// Open opens and migrates the store. The returned close function
// releases it.
func Open(
	ctx context.Context, log *slog.Logger, dsn string, pgMaxConns int32,
) (store Store, closeFn func(), err error) {
	switch KindOf(dsn) {
	case KindPostgres:
		d, err := dbpgx.Open(ctx, log, dsn, pgMaxConns, dbpgx.DefaultBackoff())
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres: %w", err)
		}
		store, closeFn = d, d.Close
	default:
		d, err := dbsqlite.Open(ctx, log, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite: %w", err)
		}
		store = d
		closeFn = func() {
			if err := d.Close(); err != nil {
				log.Error("closing sqlite", slog.Any("err", err))
			}
		}
	}
	if err := store.Migrate(ctx); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("migrating: %w", err)
	}
	log.Info("event store ready", slog.String("kind", string(KindOf(dsn))))
	return store, closeFn, nil
}
