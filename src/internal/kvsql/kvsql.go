// Package kvsql executes the statements behind a sdbm store.
// Every function takes the connection or transaction to run on, and returns
// engine errors unchanged.
package kvsql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"io/fs"
	"slices"
	"strings"

	"github.com/jmoiron/sqlx"
	pkgerrors "github.com/pkg/errors"

	"sdbm.io/sdbm/src/internal/dbutil"
)

// TableName is the single table holding every entry of a store.
const TableName = "sdbm"

//go:embed *.sql
var migfs embed.FS

// ListMigrations returns the schema scripts in the order they are applied.
func ListMigrations() []string {
	migs, err := loadMigrations()
	if err != nil {
		panic(err)
	}
	return migs
}

func loadMigrations() ([]string, error) {
	ents, err := migfs.ReadDir(".")
	if err != nil {
		return nil, err
	}
	slices.SortFunc(ents, func(a, b fs.DirEntry) int {
		return strings.Compare(a.Name(), b.Name())
	})
	var ret []string
	for _, ent := range ents {
		data, err := migfs.ReadFile(ent.Name())
		if err != nil {
			return nil, err
		}
		ret = append(ret, string(data))
	}
	return ret, nil
}

// SetupDB idempotently creates the schema.
// It is safe to call on every open.
func SetupDB(ctx context.Context, db *sqlx.DB) error {
	migs := ListMigrations()
	return dbutil.DoTx(ctx, db, func(tx *sqlx.Tx) error {
		for i, mig := range migs {
			for _, stmt := range splitStatements(mig) {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return pkgerrors.Wrapf(err, "applying migration %d", i)
				}
			}
		}
		return nil
	})
}

func splitStatements(script string) []string {
	var ret []string
	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			ret = append(ret, stmt)
		}
	}
	return ret
}

// Get returns the value stored under key.
// The bool is false when there is no entry for key.
func Get(ctx context.Context, q sqlx.QueryerContext, key []byte) ([]byte, bool, error) {
	var value []byte
	err := sqlx.GetContext(ctx, q, &value, `SELECT "value" FROM "sdbm" WHERE "key" = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return nonNil(value), true, nil
}

// Exists reports whether there is an entry for key.
func Exists(ctx context.Context, q sqlx.QueryerContext, key []byte) (bool, error) {
	var exists bool
	if err := sqlx.GetContext(ctx, q, &exists, `SELECT EXISTS(SELECT 1 FROM "sdbm" WHERE "key" = ?)`, key); err != nil {
		return false, err
	}
	return exists, nil
}

// Put updates the entry for key in place, or inserts one if there is none.
// Both statements run on tx, so the existence check cannot race the write.
func Put(ctx context.Context, tx *sqlx.Tx, key, value []byte) error {
	exists, err := Exists(ctx, tx, key)
	if err != nil {
		return err
	}
	if exists {
		_, err = tx.ExecContext(ctx, `UPDATE "sdbm" SET "value" = ? WHERE "key" = ?`, value, key)
	} else {
		_, err = tx.ExecContext(ctx, `INSERT INTO "sdbm" ("key", "value") VALUES (?, ?)`, key, value)
	}
	return err
}

// Delete removes the entry for key, returning the number of rows removed.
// Removing an absent key is not an error.
func Delete(ctx context.Context, ex sqlx.ExecerContext, key []byte) (int64, error) {
	res, err := ex.ExecContext(ctx, `DELETE FROM "sdbm" WHERE "key" = ?`, key)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteAll removes every entry.
func DeleteAll(ctx context.Context, ex sqlx.ExecerContext) (int64, error) {
	res, err := ex.ExecContext(ctx, `DELETE FROM "sdbm"`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count returns the number of entries.
func Count(ctx context.Context, q sqlx.QueryerContext) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, q, &n, `SELECT count(*) FROM "sdbm"`); err != nil {
		return 0, err
	}
	return n, nil
}

// KeyRow is a key, with the rowid that orders it.
type KeyRow struct {
	RowID int64  `db:"rowid"`
	Key   []byte `db:"key"`
}

// FirstKeys returns up to limit keys, in rowid order.
// Pages are ordered by rowid rather than by key, because SQLite sorts every TEXT key
// below every BLOB key, and a key cursor would skip one or the other.
func FirstKeys(ctx context.Context, q sqlx.QueryerContext, limit int) ([]KeyRow, error) {
	var rows []KeyRow
	if err := sqlx.SelectContext(ctx, q, &rows, `SELECT rowid AS "rowid", "key" FROM "sdbm" ORDER BY rowid LIMIT ?`, limit); err != nil {
		return nil, err
	}
	return nonNilKeys(rows), nil
}

// KeysAfter returns up to limit keys with a rowid strictly greater than after.
func KeysAfter(ctx context.Context, q sqlx.QueryerContext, after int64, limit int) ([]KeyRow, error) {
	var rows []KeyRow
	if err := sqlx.SelectContext(ctx, q, &rows, `SELECT rowid AS "rowid", "key" FROM "sdbm" WHERE rowid > ? ORDER BY rowid LIMIT ?`, after, limit); err != nil {
		return nil, err
	}
	return nonNilKeys(rows), nil
}

// Row is one entry as stored.
type Row struct {
	RowID int64  `db:"rowid"`
	Key   []byte `db:"key"`
	Value []byte `db:"value"`
}

// FirstRows is FirstKeys, including the stored values.
func FirstRows(ctx context.Context, q sqlx.QueryerContext, limit int) ([]Row, error) {
	var rows []Row
	if err := sqlx.SelectContext(ctx, q, &rows, `SELECT rowid AS "rowid", "key", "value" FROM "sdbm" ORDER BY rowid LIMIT ?`, limit); err != nil {
		return nil, err
	}
	return nonNilRows(rows), nil
}

// RowsAfter is KeysAfter, including the stored values.
func RowsAfter(ctx context.Context, q sqlx.QueryerContext, after int64, limit int) ([]Row, error) {
	var rows []Row
	if err := sqlx.SelectContext(ctx, q, &rows, `SELECT rowid AS "rowid", "key", "value" FROM "sdbm" WHERE rowid > ? ORDER BY rowid LIMIT ?`, after, limit); err != nil {
		return nil, err
	}
	return nonNilRows(rows), nil
}

// nonNil turns a scanned empty BLOB into an empty slice.
// A nil slice would be bound as NULL if it were passed back as a parameter.
func nonNil(x []byte) []byte {
	if x == nil {
		return []byte{}
	}
	return x
}

func nonNilKeys(rows []KeyRow) []KeyRow {
	for i := range rows {
		rows[i].Key = nonNil(rows[i].Key)
	}
	return rows
}

func nonNilRows(rows []Row) []Row {
	for i := range rows {
		rows[i].Key = nonNil(rows[i].Key)
		rows[i].Value = nonNil(rows[i].Value)
	}
	return rows
}
