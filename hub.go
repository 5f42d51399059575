package reqcache

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Invalidator is implemented by RequestCache of any value type
type Invalidator interface {
	Name() string
	Invalidate(ctx context.Context, key string) error
	ClearAll(ctx context.Context) error
}

var _ Invalidator = &RequestCache[any]{}

type binding struct {
	target Invalidator
	keys   []string
}

// Hub routes domain events to the caches holding data affected by them.
// Mutating API calls report the entity kind they touched; logout clears everything.
type Hub struct {
	mu       sync.RWMutex
	bindings map[string][]binding
	tracked  []Invalidator
}

func NewHub() *Hub {
	return &Hub{
		bindings: make(map[string][]binding),
	}
}

// Bind invalidates keys of target whenever an entity of kind changes.
// The target is also tracked for Logout.
func (h *Hub) Bind(kind string, target Invalidator, keys ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.bindings[kind] = append(h.bindings[kind], binding{target: target, keys: keys})
	h.trackLocked(target)
}

// Track registers target to be cleared on Logout
func (h *Hub) Track(target Invalidator) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.trackLocked(target)
}

func (h *Hub) trackLocked(target Invalidator) {
	for _, t := range h.tracked {
		if t == target {
			return
		}
	}
	h.tracked = append(h.tracked, target)
}

// EntityChanged invalidates every key bound to kind. Unknown kinds are a no-op.
func (h *Hub) EntityChanged(ctx context.Context, kind string) error {
	h.mu.RLock()
	bindings := h.bindings[kind]
	h.mu.RUnlock()

	var result *multierror.Error
	for _, b := range bindings {
		for _, key := range b.keys {
			if err := b.target.Invalidate(ctx, key); err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "invalidate %s in %s failed", key, b.target.Name()))
			}
		}
	}
	return result.ErrorOrNil()
}

// Logout clears every tracked cache
func (h *Hub) Logout(ctx context.Context) error {
	h.mu.RLock()
	tracked := make([]Invalidator, len(h.tracked))
	copy(tracked, h.tracked)
	h.mu.RUnlock()

	var result *multierror.Error
	for _, t := range tracked {
		if err := t.ClearAll(ctx); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "clear %s failed", t.Name()))
		}
	}
	return result.ErrorOrNil()
}
