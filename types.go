package reqcache

import (
	"context"
	"time"
)

// State represents the staleness state of an entry
type State int8

const (
	StateEmpty State = iota // No data has ever been fetched
	StateFresh              // Data is younger than the policy's FreshDuration
	StateStale              // Data is older than FreshDuration but still usable as a fallback
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Fetcher retrieves the current value of a resource from the backend.
// The context carries the policy's fetch deadline.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Store defines the interface for a generic key-value store used to persist snapshots
type Store[T any] interface {
	Get(ctx context.Context, key string) (T, error)
	Set(ctx context.Context, key string, value T) error
	Del(ctx context.Context, key string) error
}

// Snapshot is the persisted form of an entry: last known good data and when it was fetched.
// A zero FetchedAt marks an invalidated snapshot.
type Snapshot[T any] struct {
	Data      T         `json:"data"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// EntryInfo is a read-only view of an entry
type EntryInfo[T any] struct {
	Data      T
	HasData   bool
	FetchedAt time.Time
	Fetching  bool
}

// State reports the staleness of the entry under the given policy
func (e EntryInfo[T]) State(policy Policy) State {
	return stateOf(e.HasData, e.FetchedAt, NowFunc(), policy.FreshDuration)
}

func stateOf(hasData bool, fetchedAt, now time.Time, freshDuration time.Duration) State {
	if !hasData {
		return StateEmpty
	}
	if !fetchedAt.IsZero() && now.Sub(fetchedAt) < freshDuration {
		return StateFresh
	}
	return StateStale
}

// Clearer is implemented by stores that can drop everything they hold at once.
// ClearAll uses it to also remove snapshots persisted by earlier processes.
type Clearer interface {
	Clear(ctx context.Context) error
}
