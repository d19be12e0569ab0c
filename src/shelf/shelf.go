// Package shelf stores values of one Go type under string keys, on top of any sdbm.Mapping.
package shelf

import (
	"context"
	"iter"

	"sdbm.io/sdbm/src/sdbm"
)

// Shelf is a typed view of a Mapping.
// Keys are stored as their UTF-8 bytes, values go through the Mapping's codec.
type Shelf[V any] struct {
	m sdbm.Mapping
}

func New[V any](m sdbm.Mapping) *Shelf[V] {
	return &Shelf[V]{m: m}
}

// Open opens a store with sdbm.Open and wraps it in a Shelf.
// Closing the Shelf closes the store.
func Open[V any](ctx context.Context, p string, flag sdbm.Flag, opts ...sdbm.Option) (*Shelf[V], error) {
	db, err := sdbm.Open(ctx, p, flag, sdbm.DefaultMode, opts...)
	if err != nil {
		return nil, err
	}
	return New[V](db), nil
}

// Get returns the value stored under key, or an sdbm.ErrKeyNotFound.
func (s *Shelf[V]) Get(ctx context.Context, key string) (V, error) {
	var v V
	if err := s.m.Get(ctx, []byte(key), &v); err != nil {
		var zero V
		return zero, err
	}
	return v, nil
}

// GetOr returns the value stored under key, or def if there is none.
func (s *Shelf[V]) GetOr(ctx context.Context, key string, def V) (V, error) {
	v, err := s.Get(ctx, key)
	if sdbm.IsErrKeyNotFound(err) {
		return def, nil
	}
	return v, err
}

func (s *Shelf[V]) Put(ctx context.Context, key string, v V) error {
	return s.m.Set(ctx, []byte(key), v)
}

func (s *Shelf[V]) Delete(ctx context.Context, key string) error {
	return s.m.Delete(ctx, []byte(key))
}

func (s *Shelf[V]) Has(ctx context.Context, key string) (bool, error) {
	return s.m.Has(ctx, []byte(key))
}

func (s *Shelf[V]) Keys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for k, err := range s.m.Keys(ctx) {
			if !yield(string(k), err) {
				return
			}
		}
	}
}

func (s *Shelf[V]) Len(ctx context.Context) (int, error) {
	return s.m.Len(ctx)
}

func (s *Shelf[V]) Sync(ctx context.Context) error {
	return s.m.Sync(ctx)
}

func (s *Shelf[V]) Close() error {
	return s.m.Close()
}
