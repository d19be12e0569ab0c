package sdbm

import (
	"errors"
	"fmt"
	"io/fs"
)

// ErrClosed is returned by every operation on a DB after Close.
var ErrClosed = errors.New("sdbm: database is closed")

// ErrStoreNotFound is returned when opening a store that does not exist with
// FlagRead or FlagWrite.
type ErrStoreNotFound struct {
	Path string
}

func (e ErrStoreNotFound) Error() string {
	return fmt.Sprintf("sdbm: no store at %q", e.Path)
}

func (e ErrStoreNotFound) Unwrap() error {
	return fs.ErrNotExist
}

// ErrKeyNotFound is returned by Get when there is no entry for the key.
type ErrKeyNotFound struct {
	Key []byte
}

func (e ErrKeyNotFound) Error() string {
	return fmt.Sprintf("sdbm: key %q not found", e.Key)
}

// IsErrNotFound returns true for both a missing store and a missing key.
func IsErrNotFound(err error) bool {
	return errors.As(err, &ErrStoreNotFound{}) || errors.As(err, &ErrKeyNotFound{})
}

func IsErrKeyNotFound(err error) bool {
	return errors.As(err, &ErrKeyNotFound{})
}

func IsErrStoreNotFound(err error) bool {
	return errors.As(err, &ErrStoreNotFound{})
}

// ErrInvalidFlag is returned for an open flag other than r, w, c, or n.
type ErrInvalidFlag struct {
	Flag string
}

func (e ErrInvalidFlag) Error() string {
	return fmt.Sprintf("sdbm: flag must be one of 'r', 'w', 'c', or 'n', have %q", e.Flag)
}

// ErrInvalidKey is returned when a key is not a byte string.
type ErrInvalidKey struct {
	Type string
}

func (e ErrInvalidKey) Error() string {
	return fmt.Sprintf("sdbm: keys must be bytes or strings, have %s", e.Type)
}

// IsErrInvalidArgument returns true for a bad open flag or a bad key type.
func IsErrInvalidArgument(err error) bool {
	return errors.As(err, &ErrInvalidFlag{}) || errors.As(err, &ErrInvalidKey{})
}

// ErrReadOnly is returned for any write to a DB opened with FlagRead.
type ErrReadOnly struct {
	Path string
}

func (e ErrReadOnly) Error() string {
	return fmt.Sprintf("sdbm: database %q opened for reading only", e.Path)
}

func IsErrReadOnly(err error) bool {
	return errors.As(err, &ErrReadOnly{})
}
