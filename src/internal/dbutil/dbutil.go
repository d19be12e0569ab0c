package dbutil

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Pragma is applied by the driver to every connection it opens.
type Pragma struct {
	Name  string
	Value string
}

// OpenDB opens the SQLite file at p.
// The returned pool is limited to a single connection, so every statement issued
// through it is serialized on that connection.
func OpenDB(p string, pragmas ...Pragma) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", DSN(p, pragmas...))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// DSN builds a data source name for the modernc.org/sqlite driver.
// Transactions begin IMMEDIATE, so a transaction which reads before it writes
// waits for other writers up front instead of failing with SQLITE_BUSY on its first write.
func DSN(p string, pragmas ...Pragma) string {
	// How To for PRAGMAs with the modernc.org/sqlite driver
	// https://pkg.go.dev/modernc.org/sqlite@v1.34.4#Driver.Open
	q := url.Values{}
	q.Set("_txlock", "immediate")
	for _, pr := range pragmas {
		q.Add("_pragma", pr.Name+"("+pr.Value+")")
	}
	return "file:" + uriPathEscaper.Replace(filepath.Clean(p)) + "?" + q.Encode()
}

// SQLite percent-decodes the path of a file: URI and ends it at the first '?' or '#'.
var uriPathEscaper = strings.NewReplacer("%", "%25", "?", "%3F", "#", "%23")

func DoTx(ctx context.Context, db *sqlx.DB, f func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := f(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func DoTx1[T any](ctx context.Context, db *sqlx.DB, f func(tx *sqlx.Tx) (T, error)) (T, error) {
	var ret T
	if err := DoTx(ctx, db, func(tx *sqlx.Tx) error {
		var err error
		ret, err = f(tx)
		return err
	}); err != nil {
		return ret, err
	}
	return ret, nil
}
