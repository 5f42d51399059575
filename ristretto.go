package reqcache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkg/errors"
)

// RistrettoStore is an in-process store using ristretto
type RistrettoStore[T any] struct {
	cache *ristretto.Cache[string, T]
	ttl   time.Duration
}

var _ Store[any] = &RistrettoStore[any]{}

// RistrettoConfig holds configuration for RistrettoStore
type RistrettoConfig[T any] struct {
	*ristretto.Config[string, T]

	// TTL bounds how long a snapshot is kept at all, independent of any Policy.
	// Zero means no expiration.
	TTL time.Duration
}

// DefaultRistrettoConfig returns a configuration sized for a handful of resources
func DefaultRistrettoConfig[T any]() *RistrettoConfig[T] {
	return &RistrettoConfig[T]{
		Config: &ristretto.Config[string, T]{
			NumCounters: 1e4,
			MaxCost:     1 << 10,
			BufferItems: 64,
		},
	}
}

// NewRistrettoStore creates a new ristretto-based store
func NewRistrettoStore[T any](config *RistrettoConfig[T]) (*RistrettoStore[T], error) {
	cache, err := ristretto.NewCache(config.Config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ristretto cache")
	}

	return &RistrettoStore[T]{
		cache: cache,
		ttl:   config.TTL,
	}, nil
}

// Set stores a value with cost of 1.
// A write rejected by the admission policy is dropped silently; the next Get simply misses.
func (r *RistrettoStore[T]) Set(_ context.Context, key string, value T) error {
	if r.cache.SetWithTTL(key, value, 1, r.ttl) {
		r.cache.Wait()
	}
	return nil
}

// Get retrieves a value
func (r *RistrettoStore[T]) Get(_ context.Context, key string) (T, error) {
	var zero T
	value, found := r.cache.Get(key)
	if !found {
		return zero, errors.Wrapf(&ErrKeyNotFound{}, "key not found in ristretto for key: %s", key)
	}
	return value, nil
}

// Del removes a value.
// Wait makes sure a buffered Set for the same key cannot reappear after Del returns.
func (r *RistrettoStore[T]) Del(_ context.Context, key string) error {
	r.cache.Del(key)
	r.cache.Wait()
	return nil
}

// Close stops the ristretto background goroutines
func (r *RistrettoStore[T]) Close() error {
	r.cache.Close()
	return nil
}

// Clear removes every value
func (r *RistrettoStore[T]) Clear(_ context.Context) error {
	r.cache.Clear()
	return nil
}
