// Package sdbm implements a dbm-style persistent key/value store kept in a single SQLite file.
//
// A store is opened with one of the classic dbm flags:
//
//	r  open an existing store, read only
//	w  open an existing store, read and write
//	c  open a store, creating it if needed (the default)
//	n  always create a new, empty store
//
// Keys are byte strings stored as they are. Values pass through a Codec, so any value
// the codec understands round trips through the store.
package sdbm

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/zap"

	"sdbm.io/sdbm/src/internal/dbutil"
	"sdbm.io/sdbm/src/internal/kvsql"
)

const (
	// DefaultMode is the permission bitmask applied to a store before the umask.
	DefaultMode fs.FileMode = 0o666
	// DefaultJournalMode keeps a store in a single file while it is at rest.
	DefaultJournalMode = "DELETE"
	// DefaultBusyTimeout bounds how long a write waits for another connection's lock.
	DefaultBusyTimeout = 5 * time.Second
	// DefaultScanBatch is the number of keys fetched per query while iterating.
	DefaultScanBatch = 256
)

// Options configure how a store is opened.
type Options struct {
	Codec       Codec
	JournalMode string
	BusyTimeout time.Duration
	ScanBatch   int
}

func DefaultOptions() Options {
	return Options{
		Codec:       DefaultCodec,
		JournalMode: DefaultJournalMode,
		BusyTimeout: DefaultBusyTimeout,
		ScanBatch:   DefaultScanBatch,
	}
}

type Option func(*Options)

func WithCodec(c Codec) Option {
	return func(o *Options) {
		o.Codec = c
	}
}

// WithJournalMode sets the SQLite journal mode, e.g. "DELETE" or "WAL".
func WithJournalMode(mode string) Option {
	return func(o *Options) {
		o.JournalMode = mode
	}
}

func WithBusyTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.BusyTimeout = d
	}
}

func WithScanBatch(n int) Option {
	return func(o *Options) {
		o.ScanBatch = n
	}
}

func (o Options) pragmas() []dbutil.Pragma {
	var ret []dbutil.Pragma
	if o.BusyTimeout > 0 {
		ret = append(ret, dbutil.Pragma{Name: "busy_timeout", Value: strconv.FormatInt(o.BusyTimeout.Milliseconds(), 10)})
	}
	if o.JournalMode != "" {
		ret = append(ret, dbutil.Pragma{Name: "journal_mode", Value: o.JournalMode})
	}
	return ret
}

// Open opens the store at p.
//
// The permission bits of mode, less the process umask, are applied to the file
// on every open. Open fails with ErrInvalidFlag for an unknown flag, and with
// ErrStoreNotFound when flag is FlagRead or FlagWrite and there is no file at p.
func Open(ctx context.Context, p string, flag Flag, mode fs.FileMode, opts ...Option) (*DB, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Codec == nil {
		o.Codec = DefaultCodec
	}
	if o.ScanBatch <= 0 {
		o.ScanBatch = DefaultScanBatch
	}
	if err := flag.Validate(); err != nil {
		return nil, err
	}
	mode = mode.Perm() &^ currentUmask()

	if flag == FlagNew {
		if err := removeStore(ctx, p); err != nil {
			return nil, err
		}
	}
	if flag.mustExist() {
		info, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrStoreNotFound{Path: p}
		} else if err != nil {
			return nil, err
		}
		if !info.Mode().IsRegular() {
			return nil, ErrStoreNotFound{Path: p}
		}
	}

	db, err := dbutil.OpenDB(p, o.pragmas()...)
	if err != nil {
		return nil, err
	}
	if err := kvsql.SetupDB(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := os.Chmod(p, mode); err != nil {
		db.Close()
		return nil, err
	}
	logctx.Debugf(ctx, "opened store %s flag=%v mode=%v", p, flag, mode)
	return &DB{
		path:      p,
		flag:      flag,
		readonly:  flag == FlagRead,
		codec:     o.Codec,
		scanBatch: o.ScanBatch,
		db:        db,
	}, nil
}

// With opens the store at p, calls fn with it, and closes it on every way out of fn,
// including a panic.
// If fn succeeds, an error from closing the store is returned.
func With(ctx context.Context, p string, flag Flag, mode fs.FileMode, fn func(*DB) error, opts ...Option) (retErr error) {
	db, err := Open(ctx, p, flag, mode, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			if retErr == nil {
				retErr = err
			} else {
				logctx.Warn(ctx, "closing store", zap.String("path", p), zap.Error(err))
			}
			return
		}
		logctx.Debugf(ctx, "closed store %s", p)
	}()
	return fn(db)
}

// removeStore deletes the store file and any journal files SQLite left next to it.
func removeStore(ctx context.Context, p string) error {
	for _, suffix := range []string{"", "-journal", "-wal", "-shm"} {
		err := os.Remove(p + suffix)
		switch {
		case err == nil:
			logctx.Debugf(ctx, "removed existing file %s", p+suffix)
		case !errors.Is(err, fs.ErrNotExist):
			return err
		}
	}
	return nil
}
