package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// sqlitePragmas are applied to every connection pool: WAL so readers do not
// block the single writer, and a busy timeout for cross-process locking.
var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// migrations[i] upgrades a database at user_version i to i+1.
var migrations = []func(*sql.DB) error{
	// v1: ordered full loads
	func(db *sql.DB) error {
		_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_objects_seq ON objects(seq, id)`)
		return err
	},
}

// SQLiteBackend stores records in a SQLite database file.
type SQLiteBackend struct {
	sqlBackend
	path string
}

// OpenSQLite opens the database at path, creating it when missing. The
// schema is applied and migrated to the current user_version on every open.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	db, err := openSQLiteDB(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteBackend{sqlBackend: sqlBackend{db: db, bind: questionMark}, path: path}, nil
}

func openSQLiteDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure %s: %w", path, err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema %s: %w", path, err)
	}
	return db, nil
}

// Path returns the database file path.
func (b *SQLiteBackend) Path() string { return b.path }

// Reset deletes the database file with its WAL and shared-memory companions
// and recreates an empty database in its place.
func (b *SQLiteBackend) Reset(_ context.Context) error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("reset: close: %w", err)
	}
	for _, p := range []string{b.path, b.path + "-wal", b.path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("reset: %w", err)
		}
	}
	db, err := openSQLiteDB(b.path)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	b.db = db
	b.storeID = ""
	return nil
}

func applyPragmas(db *sql.DB) error {
	for _, pragma := range sqlitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return migrate(db)
}

// migrate runs the migrations the database has not seen yet.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for v := version; v < len(migrations); v++ {
		if err := migrations[v](db); err != nil {
			return fmt.Errorf("migrate to v%d: %w", v+1, err)
		}
	}
	if version == len(migrations) {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", len(migrations))); err != nil {
		return fmt.Errorf("write user_version: %w", err)
	}
	return nil
}

// verifyPragma is used by tests.
func (b *SQLiteBackend) verifyPragma(name, expected string) error {
	var value string
	if err := b.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

var _ Backend = (*SQLiteBackend)(nil)
