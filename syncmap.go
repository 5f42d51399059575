package reqcache

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// SyncMapStore is an in-process store using sync.Map
type SyncMapStore[T any] struct {
	sync.Map
}

var _ Store[any] = &SyncMapStore[any]{}

func NewSyncMapStore[T any]() *SyncMapStore[T] {
	return &SyncMapStore[T]{}
}

func (s *SyncMapStore[T]) Set(_ context.Context, key string, value T) error {
	s.Store(key, value)
	return nil
}

func (s *SyncMapStore[T]) Get(_ context.Context, key string) (T, error) {
	var zero T
	v, ok := s.Load(key)
	if !ok {
		return zero, errors.Wrapf(&ErrKeyNotFound{}, "key not found in syncmap for key: %s", key)
	}
	return v.(T), nil
}

func (s *SyncMapStore[T]) Del(_ context.Context, key string) error {
	s.Delete(key)
	return nil
}

// Clear removes every value
func (s *SyncMapStore[T]) Clear(_ context.Context) error {
	s.Map.Clear()
	return nil
}
