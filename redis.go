package reqcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces snapshots in a shared Redis
const DefaultRedisKeyPrefix = "reqcache:"

// RedisStore is a store using Redis, shared between processes and surviving restarts.
// Values are stored as JSON.
type RedisStore[T any] struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

var _ Store[any] = &RedisStore[any]{}

// RedisConfig holds configuration for RedisStore
type RedisConfig struct {
	// Client is the Redis client (supports both single and cluster)
	Client redis.UniversalClient

	// KeyPrefix is the prefix for all keys, DefaultRedisKeyPrefix if empty
	KeyPrefix string

	// TTL is the time-to-live for stored values
	// Zero means no expiration
	TTL time.Duration
}

// NewRedisStore creates a new Redis-based store with configuration
func NewRedisStore[T any](config *RedisConfig) *RedisStore[T] {
	if config.Client == nil {
		panic("Client is required")
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}

	return &RedisStore[T]{
		client:    config.Client,
		keyPrefix: keyPrefix,
		ttl:       config.TTL,
	}
}

func (r *RedisStore[T]) prefixedKey(key string) string {
	return r.keyPrefix + key
}

// Set stores a value
func (r *RedisStore[T]) Set(ctx context.Context, key string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal value for key: %s", key)
	}

	if err := r.client.Set(ctx, r.prefixedKey(key), data, r.ttl).Err(); err != nil {
		return errors.Wrapf(err, "failed to set value in redis for key: %s", key)
	}
	return nil
}

// Get retrieves a value
func (r *RedisStore[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T

	data, err := r.client.Get(ctx, r.prefixedKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, errors.Wrapf(&ErrKeyNotFound{}, "key not found in redis for key: %s", key)
		}
		return zero, errors.Wrapf(err, "failed to get value from redis for key: %s", key)
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return zero, errors.Wrapf(err, "failed to unmarshal value for key: %s", key)
	}
	return value, nil
}

// Del removes a value
func (r *RedisStore[T]) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefixedKey(key)).Err(); err != nil {
		return errors.Wrapf(err, "failed to delete value from redis for key: %s", key)
	}
	return nil
}

// Clear removes every key under the store's prefix, on every master of a cluster
func (r *RedisStore[T]) Clear(ctx context.Context) error {
	if cluster, ok := r.client.(*redis.ClusterClient); ok {
		return cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			return r.clearNode(ctx, node)
		})
	}
	return r.clearNode(ctx, r.client)
}

func (r *RedisStore[T]) clearNode(ctx context.Context, client redis.Cmdable) error {
	iter := client.Scan(ctx, 0, r.keyPrefix+"*", 100).Iterator()
	pipe := client.Pipeline()
	for iter.Next(ctx) {
		pipe.Del(ctx, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return errors.Wrapf(err, "failed to scan redis keys with prefix: %s", r.keyPrefix)
	}
	if pipe.Len() == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "failed to delete redis keys with prefix: %s", r.keyPrefix)
	}
	return nil
}
