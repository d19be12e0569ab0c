package sdbm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"sdbm.io/sdbm/src/internal/dbutil"
	"sdbm.io/sdbm/src/internal/testutil"
)

func TestGetSetDelete(t *testing.T) {
	ctx := testutil.Context(t)
	db := openTest(t, testutil.StorePath(t), FlagCreate)

	var out []byte
	err := db.Get(ctx, []byte("a"), &out)
	require.True(t, IsErrKeyNotFound(err))
	require.True(t, IsErrNotFound(err))

	require.NoError(t, db.Set(ctx, []byte("a"), []byte("b")))
	require.Equal(t, []byte("b"), get(t, db, "a"))
	require.NoError(t, db.Set(ctx, []byte("a"), []byte("c")))
	require.Equal(t, []byte("c"), get(t, db, "a"))

	require.NoError(t, db.Delete(ctx, []byte("a")))
	err = db.Get(ctx, []byte("a"), &out)
	require.True(t, IsErrKeyNotFound(err))
}

// Get fails on a missing key, Delete does not.
func TestDeleteAbsentIsNoop(t *testing.T) {
	ctx := testutil.Context(t)
	db := openTest(t, testutil.StorePath(t), FlagCreate)

	require.NoError(t, db.Delete(ctx, []byte("missing")))
	require.NoError(t, db.Set(ctx, []byte("a"), 1))
	require.NoError(t, db.Delete(ctx, []byte("a")))
	require.NoError(t, db.Delete(ctx, []byte("a")))
	require.Equal(t, 0, dbLen(t, db))

	var x int
	require.True(t, IsErrKeyNotFound(db.Get(ctx, []byte("a"), &x)))
}

func TestOverwriteKeepsLen(t *testing.T) {
	ctx := testutil.Context(t)
	db := openTest(t, testutil.StorePath(t), FlagCreate)

	require.NoError(t, db.Set(ctx, []byte("k"), "v1"))
	require.Equal(t, 1, dbLen(t, db))
	require.NoError(t, db.Set(ctx, []byte("k"), "v2"))
	require.Equal(t, 1, dbLen(t, db))

	var s string
	require.NoError(t, db.Get(ctx, []byte("k"), &s))
	require.Equal(t, "v2", s)
}

func TestIterLen(t *testing.T) {
	ctx := testutil.Context(t)
	db := openTest(t, testutil.StorePath(t), FlagCreate)

	require.NoError(t, db.Set(ctx, []byte("a"), []byte("b")))
	require.NoError(t, db.Set(ctx, []byte("c"), []byte("d")))
	require.ElementsMatch(t, []string{"a", "c"}, keys(t, db))
	require.Equal(t, 2, dbLen(t, db))

	// each call starts over.
	require.ElementsMatch(t, []string{"a", "c"}, keys(t, db))
}

func TestKeysAcrossBatches(t *testing.T) {
	ctx := testutil.Context(t)
	db := openTest(t, testutil.StorePath(t), FlagCreate, WithScanBatch(3))

	var want []string
	for i := 0; i < 10; i++ {
		k := fmt.Sprintf("key-%02d", i)
		want = append(want, k)
		require.NoError(t, db.Set(ctx, []byte(k), i))
	}
	require.Equal(t, want, keys(t, db))

	// stopping early is fine.
	var n int
	for _, err := range db.Keys(ctx) {
		require.NoError(t, err)
		n++
		if n == 4 {
			break
		}
	}
	require.Equal(t, 4, n)
}

func TestKeysTextKeys(t *testing.T) {
	ctx := testutil.Context(t)
	p := testutil.StorePath(t)
	require.NoError(t, With(ctx, p, FlagCreate, DefaultMode, func(db *DB) error {
		return db.Set(ctx, []byte("blob"), 0)
	}))
	// other programs sharing the table may store keys as TEXT.
	raw, err := dbutil.OpenDB(p)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := raw.Exec(`INSERT INTO "sdbm" ("key", "value") VALUES (?, x'00')`, fmt.Sprintf("text-%d", i))
		require.NoError(t, err)
	}
	require.NoError(t, raw.Close())

	db := openTest(t, p, FlagRead, WithScanBatch(3))
	got := keys(t, db)
	require.Len(t, got, 11)
	require.Equal(t, dbLen(t, db), len(got))
	require.Equal(t, "blob", got[0])
	require.Equal(t, "text-9", got[10])
	var n int
	for _, err := range db.Items(ctx) {
		require.NoError(t, err)
		n++
	}
	require.Equal(t, 11, n)
}

func TestKeysWhileWriting(t *testing.T) {
	ctx := testutil.Context(t)
	db := openTest(t, testutil.StorePath(t), FlagCreate, WithScanBatch(2))

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, db.Set(ctx, []byte(k), k))
	}
	for k, err := range db.Keys(ctx) {
		require.NoError(t, err)
		var v string
		require.NoError(t, db.Get(ctx, k, &v))
		require.NoError(t, db.Set(ctx, k, v+v))
	}
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		var v string
		require.NoError(t, db.Get(ctx, []byte(k), &v))
		require.Equal(t, k+k, v)
	}
}

func TestItems(t *testing.T) {
	ctx := testutil.Context(t)
	db := openTest(t, testutil.StorePath(t), FlagCreate, WithScanBatch(1))

	require.NoError(t, db.SetMany(ctx, map[string]any{
		"x": 1,
		"y": 2,
		"z": 3,
	}))
	got := map[string]int{}
	for it, err := range db.Items(ctx) {
		require.NoError(t, err)
		var v int
		require.NoError(t, it.Decode(&v))
		got[string(it.Key)] = v
	}
	require.Equal(t, map[string]int{"x": 1, "y": 2, "z": 3}, got)
}

func TestHasClear(t *testing.T) {
	ctx := testutil.Context(t)
	db := openTest(t, testutil.StorePath(t), FlagCreate)

	ok, err := db.Has(ctx, []byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, db.Set(ctx, []byte("a"), true))
	ok, err = db.Has(ctx, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, db.Set(ctx, []byte("b"), false))
	n, err := db.Clear(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 0, dbLen(t, db))
	n, err = db.Clear(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestEmptyAndNilKey(t *testing.T) {
	ctx := testutil.Context(t)
	db := openTest(t, testutil.StorePath(t), FlagCreate)

	require.NoError(t, db.Set(ctx, nil, "nil"))
	require.NoError(t, db.Set(ctx, []byte{}, "empty"))
	require.Equal(t, 1, dbLen(t, db))
	var s string
	require.NoError(t, db.Get(ctx, nil, &s))
	require.Equal(t, "empty", s)
	require.Equal(t, []string{""}, keys(t, db))
}

func TestSetAny(t *testing.T) {
	ctx := testutil.Context(t)
	db := openTest(t, testutil.StorePath(t), FlagCreate)

	require.NoError(t, db.SetAny(ctx, "s", 1))
	require.NoError(t, db.SetAny(ctx, []byte("b"), 2))
	require.NoError(t, db.SetAny(ctx, bytes.NewBufferString("buf"), 3))
	require.ElementsMatch(t, []string{"s", "b", "buf"}, keys(t, db))

	err := db.SetAny(ctx, 42, 4)
	require.True(t, IsErrInvalidArgument(err))
	require.ErrorAs(t, err, &ErrInvalidKey{})
	require.Equal(t, 3, dbLen(t, db))
}

func TestEncodeErrorWritesNothing(t *testing.T) {
	ctx := testutil.Context(t)
	db := openTest(t, testutil.StorePath(t), FlagCreate, WithCodec(RawCodec{}))

	require.Error(t, db.Set(ctx, []byte("a"), 123))
	require.Equal(t, 0, dbLen(t, db))
}

func TestOpenRead(t *testing.T) {
	ctx := testutil.Context(t)
	p := testutil.StorePath(t)

	_, err := Open(ctx, p, FlagRead, DefaultMode)
	require.True(t, IsErrStoreNotFound(err))
	require.ErrorIs(t, err, fs.ErrNotExist)
	_, err = os.Stat(p)
	require.ErrorIs(t, err, fs.ErrNotExist)

	require.NoError(t, With(ctx, p, FlagCreate, DefaultMode, func(db *DB) error {
		return db.Set(ctx, []byte("a"), []byte("b"))
	}))

	db := openTest(t, p, FlagRead)
	require.True(t, db.ReadOnly())
	require.Equal(t, []byte("b"), get(t, db, "a"))

	err = db.Set(ctx, []byte("a"), []byte("c"))
	require.True(t, IsErrReadOnly(err))
	require.True(t, IsErrReadOnly(db.SetAny(ctx, "a", []byte("c"))))
	require.True(t, IsErrReadOnly(db.Delete(ctx, []byte("a"))))
	_, err = db.Clear(ctx)
	require.True(t, IsErrReadOnly(err))
	require.True(t, IsErrReadOnly(db.SetMany(ctx, map[string]any{"a": []byte("c")})))
	require.Equal(t, []byte("b"), get(t, db, "a"))
	require.Equal(t, 1, dbLen(t, db))
}

func TestOpenWrite(t *testing.T) {
	ctx := testutil.Context(t)
	p := testutil.StorePath(t)

	_, err := Open(ctx, p, FlagWrite, DefaultMode)
	require.True(t, IsErrNotFound(err))

	require.NoError(t, With(ctx, p, FlagCreate, DefaultMode, func(db *DB) error {
		return db.Set(ctx, []byte("a"), []byte("b"))
	}))

	db := openTest(t, p, FlagWrite)
	require.False(t, db.ReadOnly())
	require.Equal(t, []byte("b"), get(t, db, "a"))
	require.NoError(t, db.Set(ctx, []byte("a"), []byte("c")))
	require.Equal(t, []byte("c"), get(t, db, "a"))
}

func TestOpenEscapedPaths(t *testing.T) {
	ctx := testutil.Context(t)
	for _, name := range []string{"a#b.db", "a?b.db", "a%41b.db", "with space.db"} {
		dir := t.TempDir()
		p := filepath.Join(dir, name)
		require.NoError(t, With(ctx, p, FlagCreate, DefaultMode, func(db *DB) error {
			return db.Set(ctx, []byte("k"), []byte(name))
		}))
		db := openTest(t, p, FlagRead)
		require.Equal(t, []byte(name), get(t, db, "k"))

		ents, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, ents, 1, "%q", name)
		require.Equal(t, name, ents[0].Name())
	}
}

func TestOpenDirectory(t *testing.T) {
	ctx := testutil.Context(t)
	_, err := Open(ctx, t.TempDir(), FlagRead, DefaultMode)
	require.True(t, IsErrStoreNotFound(err))
}

func TestOpenCreate(t *testing.T) {
	ctx := testutil.Context(t)
	p := testutil.StorePath(t)

	require.NoError(t, With(ctx, p, FlagCreate, DefaultMode, func(db *DB) error {
		if err := db.Set(ctx, []byte("a"), []byte("b")); err != nil {
			return err
		}
		require.Equal(t, []byte("b"), get(t, db, "a"))
		return nil
	}))
	info, err := os.Stat(p)
	require.NoError(t, err)
	require.True(t, info.Mode().IsRegular())

	db := openTest(t, p, FlagCreate)
	require.Equal(t, []byte("b"), get(t, db, "a"))
}

func TestOpenNew(t *testing.T) {
	ctx := testutil.Context(t)
	p := testutil.StorePath(t)

	require.NoError(t, With(ctx, p, FlagNew, DefaultMode, func(db *DB) error {
		if err := db.Set(ctx, []byte("a"), []byte("b")); err != nil {
			return err
		}
		require.Equal(t, []byte("b"), get(t, db, "a"))
		return nil
	}))

	db := openTest(t, p, FlagNew)
	require.Equal(t, 0, dbLen(t, db))
	var out []byte
	require.True(t, IsErrKeyNotFound(db.Get(ctx, []byte("a"), &out)))
}

func TestOpenNewReplacesGarbage(t *testing.T) {
	ctx := testutil.Context(t)
	p := testutil.StorePath(t)
	require.NoError(t, os.WriteFile(p, []byte("not a database"), 0o600))

	db := openTest(t, p, FlagNew)
	require.NoError(t, db.Set(ctx, []byte("a"), 1))
	require.Equal(t, 1, dbLen(t, db))
}

func TestLifecycleLogs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := logctx.NewContext(testutil.Context(t), zap.New(core))
	p := testutil.StorePath(t)

	require.NoError(t, With(ctx, p, FlagNew, DefaultMode, func(db *DB) error { return nil }))
	require.Equal(t, 0, logs.FilterMessageSnippet("removed existing file").Len())
	require.Equal(t, 1, logs.FilterMessageSnippet("opened store").Len())
	require.Equal(t, 1, logs.FilterMessage("closed store "+p).Len())

	require.NoError(t, With(ctx, p, FlagNew, DefaultMode, func(db *DB) error { return nil }))
	require.Equal(t, 1, logs.FilterMessage("removed existing file "+p).Len())
	require.Equal(t, 2, logs.FilterMessageSnippet("closed store").Len())
}

func TestOpenInvalidFlag(t *testing.T) {
	ctx := testutil.Context(t)
	p := testutil.StorePath(t)

	for _, f := range []Flag{0, 'x', 'R', 'C'} {
		_, err := Open(ctx, p, f, DefaultMode)
		require.True(t, IsErrInvalidArgument(err), "flag %q", f)
		require.ErrorAs(t, err, &ErrInvalidFlag{})
	}
	// nothing was created.
	_, err := os.Stat(p)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestClose(t *testing.T) {
	ctx := testutil.Context(t)
	p := testutil.StorePath(t)
	db, err := Open(ctx, p, FlagCreate, DefaultMode)
	require.NoError(t, err)
	require.NoError(t, db.Set(ctx, []byte("a"), 1))
	require.NoError(t, db.Sync(ctx))

	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	var x int
	require.ErrorIs(t, db.Get(ctx, []byte("a"), &x), ErrClosed)
	require.ErrorIs(t, db.Set(ctx, []byte("a"), 2), ErrClosed)
	require.ErrorIs(t, db.Delete(ctx, []byte("a")), ErrClosed)
	_, err = db.Len(ctx)
	require.ErrorIs(t, err, ErrClosed)
	for _, err := range db.Keys(ctx) {
		require.ErrorIs(t, err, ErrClosed)
	}

	// the file is intact.
	db2 := openTest(t, p, FlagRead)
	require.NoError(t, db2.Get(ctx, []byte("a"), &x))
	require.Equal(t, 1, x)
}

func TestWithClosesOnError(t *testing.T) {
	ctx := testutil.Context(t)
	p := testutil.StorePath(t)

	var leaked *DB
	errBoom := errors.New("boom")
	err := With(ctx, p, FlagCreate, DefaultMode, func(db *DB) error {
		leaked = db
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	_, err = leaked.Len(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestWithClosesOnPanic(t *testing.T) {
	ctx := testutil.Context(t)
	p := testutil.StorePath(t)

	var leaked *DB
	require.Panics(t, func() {
		_ = With(ctx, p, FlagCreate, DefaultMode, func(db *DB) error {
			leaked = db
			panic("boom")
		})
	})
	_, err := leaked.Len(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentHandles(t *testing.T) {
	ctx := testutil.Context(t)
	p := testutil.StorePath(t)
	db1 := openTest(t, p, FlagCreate)
	db2 := openTest(t, p, FlagWrite)

	const n = 25
	eg, ctx2 := errgroup.WithContext(ctx)
	for i, db := range []*DB{db1, db2} {
		eg.Go(func() error {
			for j := 0; j < n; j++ {
				if err := db.Set(ctx2, []byte(fmt.Sprintf("%d-%d", i, j)), j); err != nil {
					return err
				}
				// both handles also fight over one shared key.
				if err := db.Set(ctx2, []byte("shared"), i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.Equal(t, 2*n+1, dbLen(t, db1))
	require.Equal(t, 2*n+1, dbLen(t, db2))
}

func TestAccessors(t *testing.T) {
	p := filepath.Join(t.TempDir(), "sub.db")
	db := openTest(t, p, FlagCreate)
	require.Equal(t, p, db.Path())
	require.Equal(t, FlagCreate, db.Flag())
	require.Equal(t, fmt.Sprintf("sdbm.DB{path: %q, flag: c}", p), db.String())
	require.Equal(t, DefaultCodec, db.Codec())
}

func openTest(t testing.TB, p string, flag Flag, opts ...Option) *DB {
	ctx := testutil.Context(t)
	db, err := Open(ctx, p, flag, DefaultMode, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

func get(t testing.TB, db *DB, key string) []byte {
	var out []byte
	require.NoError(t, db.Get(context.TODO(), []byte(key), &out))
	return out
}

func keys(t testing.TB, db *DB) []string {
	var ret []string
	for k, err := range db.Keys(context.TODO()) {
		require.NoError(t, err)
		ret = append(ret, string(k))
	}
	return ret
}

func dbLen(t testing.TB, db *DB) int {
	n, err := db.Len(context.TODO())
	require.NoError(t, err)
	return n
}
