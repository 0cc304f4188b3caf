package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

const postgresDriver = "pgx"

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

var postgresDDL = []string{
	`CREATE TABLE IF NOT EXISTS datakit_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS objects (
		id         TEXT PRIMARY KEY,
		kind       TEXT NOT NULL,
		attributes TEXT NOT NULL,
		seq        BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_objects_kind ON objects(kind, seq, id)`,
	`CREATE INDEX IF NOT EXISTS idx_objects_seq ON objects(seq, id)`,
}

// PostgresBackend stores records in a Postgres database.
type PostgresBackend struct {
	sqlBackend
}

// OpenPostgres connects to dsn and ensures the datakit tables exist.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresBackend, error) {
	openMu.Lock()
	db, err := sqlOpen(postgresDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range postgresDDL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute ddl: %w", err)
		}
	}
	return &PostgresBackend{sqlBackend: sqlBackend{db: db, bind: dollar}}, nil
}

// Reset empties the datakit tables.
func (b *PostgresBackend) Reset(ctx context.Context) error {
	return b.truncate(ctx)
}

var _ Backend = (*PostgresBackend)(nil)
