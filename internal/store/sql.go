package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/datakit/internal/oid"
	"github.com/roach88/datakit/internal/storeerr"
)

const (
	metaStoreID   = "store_id"
	metaModelHash = "model_hash"
	metaMaxSeq    = "max_seq"
)

// sqlBackend implements Backend over database/sql. The SQLite and Postgres
// backends differ only in how they open the database, in their DDL and in
// the placeholder syntax.
type sqlBackend struct {
	db   *sql.DB
	bind func(n int) string

	storeID string
}

func questionMark(int) string { return "?" }

func dollar(n int) string { return "$" + strconv.Itoa(n) }

func (b *sqlBackend) Meta(ctx context.Context) (Meta, error) {
	values, err := b.readMeta(ctx)
	if err != nil {
		return Meta{}, err
	}
	if values[metaStoreID] == "" {
		if err := b.writeMeta(ctx, b.db, metaStoreID, oid.NewStoreIdentifier(), false); err != nil {
			return Meta{}, err
		}
		// Read back: a concurrent opener may have won the insert.
		if values, err = b.readMeta(ctx); err != nil {
			return Meta{}, err
		}
	}

	m := Meta{StoreID: values[metaStoreID], ModelHash: values[metaModelHash]}
	if s := values[metaMaxSeq]; s != "" {
		if m.MaxSeq, err = strconv.ParseInt(s, 10, 64); err != nil {
			return Meta{}, fmt.Errorf("parse %s: %w", metaMaxSeq, err)
		}
	}
	b.storeID = m.StoreID
	return m, nil
}

func (b *sqlBackend) readMeta(ctx context.Context) (map[string]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key, value FROM datakit_meta`)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	defer rows.Close()

	values := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan metadata: %w", err)
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metadata: %w", err)
	}
	return values, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (b *sqlBackend) writeMeta(ctx context.Context, db execer, key, value string, overwrite bool) error {
	conflict := "DO NOTHING"
	if overwrite {
		conflict = "DO UPDATE SET value = excluded.value"
	}
	q := fmt.Sprintf(`INSERT INTO datakit_meta (key, value) VALUES (%s, %s) ON CONFLICT(key) %s`,
		b.bind(1), b.bind(2), conflict)
	if _, err := db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("write metadata %s: %w", key, err)
	}
	return nil
}

func (b *sqlBackend) SetModelHash(ctx context.Context, hash string) error {
	return b.writeMeta(ctx, b.db, metaModelHash, hash, true)
}

func (b *sqlBackend) ensureStoreID(ctx context.Context) (string, error) {
	if b.storeID != "" {
		return b.storeID, nil
	}
	m, err := b.Meta(ctx)
	if err != nil {
		return "", err
	}
	return m.StoreID, nil
}

// Load returns records ordered by seq ASC, id ASC for deterministic results.
func (b *sqlBackend) Load(ctx context.Context, kinds []string) ([]Record, error) {
	storeID, err := b.ensureStoreID(ctx)
	if err != nil {
		return nil, err
	}
	if kinds != nil && len(kinds) == 0 {
		return nil, nil
	}

	q := `SELECT id, kind, attributes, seq FROM objects`
	args := make([]any, 0, len(kinds))
	if kinds != nil {
		marks := make([]string, len(kinds))
		for i, k := range kinds {
			marks[i] = b.bind(i + 1)
			args = append(args, k)
		}
		q += ` WHERE kind IN (` + strings.Join(marks, ", ") + `)`
	}
	q += ` ORDER BY seq ASC, id ASC`

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("load objects: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var key, kind, attrs string
		var seq int64
		if err := rows.Scan(&key, &kind, &attrs, &seq); err != nil {
			return nil, fmt.Errorf("scan object: %w", err)
		}
		decoded, err := unmarshalAttributes(attrs)
		if err != nil {
			return nil, fmt.Errorf("object %s: %w", key, err)
		}
		out = append(out, Record{ID: oid.Permanent(storeID, kind, key), Attributes: decoded, Seq: seq})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate objects: %w", err)
	}
	return out, nil
}

func (b *sqlBackend) Get(ctx context.Context, id oid.ID) (Record, bool, error) {
	q := fmt.Sprintf(`SELECT attributes, seq FROM objects WHERE id = %s AND kind = %s`, b.bind(1), b.bind(2))

	var attrs string
	var seq int64
	err := b.db.QueryRowContext(ctx, q, id.Key(), id.Kind()).Scan(&attrs, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get object %s: %w", id, err)
	}
	decoded, err := unmarshalAttributes(attrs)
	if err != nil {
		return Record{}, false, fmt.Errorf("object %s: %w", id, err)
	}
	return Record{ID: id, Attributes: decoded, Seq: seq}, true, nil
}

// Apply writes the change set in one transaction.
func (b *sqlBackend) Apply(ctx context.Context, cs ChangeSet, seq int64) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	insertQ := fmt.Sprintf(`INSERT INTO objects (id, kind, attributes, seq) VALUES (%s, %s, %s, %s)`,
		b.bind(1), b.bind(2), b.bind(3), b.bind(4))
	updateQ := fmt.Sprintf(`UPDATE objects SET attributes = %s, seq = %s WHERE id = %s AND kind = %s`,
		b.bind(1), b.bind(2), b.bind(3), b.bind(4))
	deleteQ := fmt.Sprintf(`DELETE FROM objects WHERE id = %s`, b.bind(1))

	for _, r := range cs.Inserted {
		attrs, err := marshalAttributes(r.Attributes)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertQ, r.ID.Key(), r.Kind(), attrs, seq); err != nil {
			return fmt.Errorf("insert %s: %w", r.ID, err)
		}
	}
	for _, r := range cs.Updated {
		attrs, err := marshalAttributes(r.Attributes)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, updateQ, attrs, seq, r.ID.Key(), r.Kind())
		if err != nil {
			return fmt.Errorf("update %s: %w", r.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return storeerr.NotFound("commit", r.ID.String())
		}
	}
	for _, id := range cs.Deleted {
		if _, err := tx.ExecContext(ctx, deleteQ, id.Key()); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	if err := b.writeMeta(ctx, tx, metaMaxSeq, strconv.FormatInt(seq, 10), true); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// truncate removes all rows from the datakit tables.
func (b *sqlBackend) truncate(ctx context.Context) error {
	for _, stmt := range []string{`DELETE FROM objects`, `DELETE FROM datakit_meta`} {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	b.storeID = ""
	return nil
}

func (b *sqlBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
func (b *sqlBackend) DB() *sql.DB {
	return b.db
}
