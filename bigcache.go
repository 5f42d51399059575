package reqcache

import (
	"context"

	"github.com/allegro/bigcache/v3"
	"github.com/pkg/errors"
)

// BigCacheStore is an off-heap store using BigCache.
// It only holds []byte values; wrap it with JSONTransform to persist snapshots.
type BigCacheStore struct {
	cache *bigcache.BigCache
}

var _ Store[[]byte] = &BigCacheStore{}

// BigCacheConfig holds configuration for BigCacheStore
type BigCacheConfig struct {
	bigcache.Config
}

// NewBigCacheStore creates a new BigCache-based store
func NewBigCacheStore(ctx context.Context, config BigCacheConfig) (*BigCacheStore, error) {
	cache, err := bigcache.New(ctx, config.Config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create bigcache")
	}

	return &BigCacheStore{
		cache: cache,
	}, nil
}

// Set stores a value
func (b *BigCacheStore) Set(_ context.Context, key string, value []byte) error {
	if err := b.cache.Set(key, value); err != nil {
		return errors.Wrapf(err, "failed to set value in bigcache for key: %s", key)
	}
	return nil
}

// Get retrieves a value
func (b *BigCacheStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := b.cache.Get(key)
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return nil, errors.Wrapf(&ErrKeyNotFound{}, "key not found in bigcache for key: %s", key)
		}
		return nil, errors.Wrapf(err, "failed to get value from bigcache for key: %s", key)
	}
	return data, nil
}

// Del removes a value. Deleting a missing key is not an error.
func (b *BigCacheStore) Del(_ context.Context, key string) error {
	if err := b.cache.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return errors.Wrapf(err, "failed to delete value from bigcache for key: %s", key)
	}
	return nil
}

// Close closes the store and releases resources
func (b *BigCacheStore) Close() error {
	if err := b.cache.Close(); err != nil {
		return errors.Wrap(err, "failed to close bigcache")
	}
	return nil
}

// Clear removes every value
func (b *BigCacheStore) Clear(_ context.Context) error {
	if err := b.cache.Reset(); err != nil {
		return errors.Wrap(err, "failed to reset bigcache")
	}
	return nil
}
