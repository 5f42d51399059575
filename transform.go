package reqcache

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// transformStore wraps a Store[A] and exposes it as a Store[B]
type transformStore[A, B any] struct {
	store  Store[A]
	encode func(B) (A, error)
	decode func(A) (B, error)
}

// Transform adapts a store to another value type with custom encode/decode functions
func Transform[A, B any](
	store Store[A],
	encode func(B) (A, error),
	decode func(A) (B, error),
) Store[B] {
	return &transformStore[A, B]{
		store:  store,
		encode: encode,
		decode: decode,
	}
}

// Set encodes the value and stores it in the underlying store
func (t *transformStore[A, B]) Set(ctx context.Context, key string, value B) error {
	encoded, err := t.encode(value)
	if err != nil {
		return errors.Wrapf(err, "failed to encode value for key: %s", key)
	}
	return t.store.Set(ctx, key, encoded)
}

// Get retrieves the value from the underlying store and decodes it
func (t *transformStore[A, B]) Get(ctx context.Context, key string) (B, error) {
	var zero B
	encoded, err := t.store.Get(ctx, key)
	if err != nil {
		return zero, err
	}
	decoded, err := t.decode(encoded)
	if err != nil {
		return zero, errors.Wrapf(err, "failed to decode value for key: %s", key)
	}
	return decoded, nil
}

// Del removes the value from the underlying store
func (t *transformStore[A, B]) Del(ctx context.Context, key string) error {
	return t.store.Del(ctx, key)
}

// JSONTransform exposes a Store[[]byte] as a Store[T] using JSON
func JSONTransform[T any](store Store[[]byte]) Store[T] {
	return Transform(
		store,
		func(value T) ([]byte, error) {
			return json.Marshal(value)
		},
		func(data []byte) (T, error) {
			var value T
			err := json.Unmarshal(data, &value)
			return value, err
		},
	)
}
