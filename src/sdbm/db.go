package sdbm

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/jmoiron/sqlx"

	"sdbm.io/sdbm/src/internal/dbutil"
	"sdbm.io/sdbm/src/internal/kvsql"
)

// Mapping is a mutable map from byte string keys to codec'd values.
type Mapping interface {
	// Get decodes the value stored under key into dst.
	// It returns ErrKeyNotFound if there is no entry for key.
	Get(ctx context.Context, key []byte, dst any) error
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key []byte, value any) error
	// Delete removes the entry for key.
	// Unlike Get, it does not fail if there is no such entry.
	Delete(ctx context.Context, key []byte) error
	Has(ctx context.Context, key []byte) (bool, error)
	// Keys yields every key in the store.
	Keys(ctx context.Context) iter.Seq2[[]byte, error]
	Len(ctx context.Context) (int, error)
	Sync(ctx context.Context) error
	Close() error
}

var _ Mapping = &DB{}

// DB is an open store.
// All of its operations are serialized through a single connection to the file.
type DB struct {
	path      string
	flag      Flag
	readonly  bool
	codec     Codec
	scanBatch int

	mu sync.Mutex
	// db is nil once the DB is closed.
	db *sqlx.DB
}

func (d *DB) Path() string {
	return d.path
}

func (d *DB) Flag() Flag {
	return d.flag
}

func (d *DB) ReadOnly() bool {
	return d.readonly
}

func (d *DB) Codec() Codec {
	return d.codec
}

func (d *DB) Get(ctx context.Context, key []byte, dst any) error {
	db, err := d.conn()
	if err != nil {
		return err
	}
	data, ok, err := kvsql.Get(ctx, db, normKey(key))
	if err != nil {
		return err
	}
	if !ok {
		return ErrKeyNotFound{Key: key}
	}
	return d.codec.Decode(data, dst)
}

// GetBytes returns the stored bytes for key without decoding them.
func (d *DB) GetBytes(ctx context.Context, key []byte) ([]byte, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}
	data, ok, err := kvsql.Get(ctx, db, normKey(key))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrKeyNotFound{Key: key}
	}
	return data, nil
}

func (d *DB) Has(ctx context.Context, key []byte) (bool, error) {
	db, err := d.conn()
	if err != nil {
		return false, err
	}
	return kvsql.Exists(ctx, db, normKey(key))
}

// Set encodes value and stores it under key.
// The existence check and the write happen in one transaction,
// which is rolled back if any statement fails.
func (d *DB) Set(ctx context.Context, key []byte, value any) error {
	if d.readonly {
		return ErrReadOnly{Path: d.path}
	}
	data, err := d.codec.Encode(value)
	if err != nil {
		return err
	}
	db, err := d.conn()
	if err != nil {
		return err
	}
	return dbutil.DoTx(ctx, db, func(tx *sqlx.Tx) error {
		return kvsql.Put(ctx, tx, normKey(key), data)
	})
}

// SetAny is Set for keys of a type only known at runtime.
// key must be accepted by KeyOf.
func (d *DB) SetAny(ctx context.Context, key any, value any) error {
	if d.readonly {
		return ErrReadOnly{Path: d.path}
	}
	k, err := KeyOf(key)
	if err != nil {
		return err
	}
	return d.Set(ctx, k, value)
}

// SetMany stores every entry of ents in a single transaction.
// Either all of them are written or none are.
func (d *DB) SetMany(ctx context.Context, ents map[string]any) error {
	if d.readonly {
		return ErrReadOnly{Path: d.path}
	}
	encoded := make(map[string][]byte, len(ents))
	for k, v := range ents {
		data, err := d.codec.Encode(v)
		if err != nil {
			return err
		}
		encoded[k] = data
	}
	db, err := d.conn()
	if err != nil {
		return err
	}
	return dbutil.DoTx(ctx, db, func(tx *sqlx.Tx) error {
		for k, data := range encoded {
			if err := kvsql.Put(ctx, tx, []byte(k), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *DB) Delete(ctx context.Context, key []byte) error {
	if d.readonly {
		return ErrReadOnly{Path: d.path}
	}
	db, err := d.conn()
	if err != nil {
		return err
	}
	return dbutil.DoTx(ctx, db, func(tx *sqlx.Tx) error {
		_, err := kvsql.Delete(ctx, tx, normKey(key))
		return err
	})
}

// Clear deletes every entry and returns how many there were.
func (d *DB) Clear(ctx context.Context) (int, error) {
	if d.readonly {
		return 0, ErrReadOnly{Path: d.path}
	}
	db, err := d.conn()
	if err != nil {
		return 0, err
	}
	n, err := dbutil.DoTx1(ctx, db, func(tx *sqlx.Tx) (int64, error) {
		return kvsql.DeleteAll(ctx, tx)
	})
	return int(n), err
}

// Len counts the entries in the store.
func (d *DB) Len(ctx context.Context) (int, error) {
	db, err := d.conn()
	if err != nil {
		return 0, err
	}
	return kvsql.Count(ctx, db)
}

// Keys yields the keys in the store, in storage order.
// Keys are fetched in batches and the connection is released between batches,
// so the caller may use the DB, including writing to it, while iterating.
// After an error is yielded the sequence ends.
func (d *DB) Keys(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		rows := scan(ctx, d, kvsql.FirstKeys, kvsql.KeysAfter, func(r kvsql.KeyRow) int64 { return r.RowID })
		for row, err := range rows {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(row.Key, nil) {
				return
			}
		}
	}
}

// Item is one entry yielded by Items.
type Item struct {
	Key   []byte
	data  []byte
	codec Codec
}

// Decode decodes the item's value into dst.
func (it Item) Decode(dst any) error {
	return it.codec.Decode(it.data, dst)
}

// Bytes returns the encoded value.
func (it Item) Bytes() []byte {
	return it.data
}

// Items is Keys, also yielding each value.
func (d *DB) Items(ctx context.Context) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		rows := scan(ctx, d, kvsql.FirstRows, kvsql.RowsAfter, func(r kvsql.Row) int64 { return r.RowID })
		for row, err := range rows {
			if err != nil {
				yield(Item{}, err)
				return
			}
			if !yield(Item{Key: row.Key, data: row.Value, codec: d.codec}, nil) {
				return
			}
		}
	}
}

// Sync does nothing. Every write is committed before it returns.
func (d *DB) Sync(ctx context.Context) error {
	return nil
}

// Close releases the connection to the store.
// Closing an already closed DB does nothing.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

func (d *DB) String() string {
	return fmt.Sprintf("sdbm.DB{path: %q, flag: %v}", d.path, d.flag)
}

func (d *DB) conn() (*sqlx.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil, ErrClosed
	}
	return d.db, nil
}

// scan pages through the table in rowid order, d.scanBatch rows at a time.
func scan[T any](
	ctx context.Context,
	d *DB,
	first func(context.Context, sqlx.QueryerContext, int) ([]T, error),
	after func(context.Context, sqlx.QueryerContext, int64, int) ([]T, error),
	rowIDOf func(T) int64,
) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		var last int64
		for started := false; ; started = true {
			db, err := d.conn()
			if err != nil {
				yield(zero, err)
				return
			}
			var page []T
			if !started {
				page, err = first(ctx, db, d.scanBatch)
			} else {
				page, err = after(ctx, db, last, d.scanBatch)
			}
			if err != nil {
				yield(zero, err)
				return
			}
			for _, x := range page {
				if !yield(x, nil) {
					return
				}
			}
			if len(page) < d.scanBatch {
				return
			}
			last = rowIDOf(page[len(page)-1])
		}
	}
}

// KeyOf converts the key types accepted by SetAny into a byte string.
// It accepts []byte, string, and *bytes.Buffer, and returns ErrInvalidKey for anything else.
func KeyOf(x any) ([]byte, error) {
	switch x := x.(type) {
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	case *bytes.Buffer:
		if x != nil {
			return x.Bytes(), nil
		}
	}
	return nil, ErrInvalidKey{Type: fmt.Sprintf("%T", x)}
}

// normKey keeps a nil key from being bound as NULL.
func normKey(key []byte) []byte {
	if key == nil {
		return []byte{}
	}
	return key
}
