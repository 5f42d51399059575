package reqcache

import (
	"context"
	"time"
)

// EventKind identifies what happened inside the cache
type EventKind int8

const (
	EventHit          EventKind = iota // Served fresh data without fetching
	EventFetchStart                    // A caller became the fetching caller for a key
	EventFetchSuccess                  // The fetcher returned a value
	EventFetchFailure                  // The fetcher returned an error
	EventFetchTimeout                  // The fetcher exceeded the policy's FetchTimeout
	EventJoin                          // A caller attached to an in-flight fetch
	EventWaitExpired                   // A piggy-backing caller gave up waiting
	EventServeStale                    // Stale data was returned after a failure or expired wait
	EventServeDefault                  // The caller's default value was returned
	EventStoreHit                      // A fresh snapshot from the store satisfied the fetch
	EventInvalidate
	EventClear
)

var eventKindNames = [...]string{
	EventHit:          "hit",
	EventFetchStart:   "fetch_start",
	EventFetchSuccess: "fetch_success",
	EventFetchFailure: "fetch_failure",
	EventFetchTimeout: "fetch_timeout",
	EventJoin:         "join",
	EventWaitExpired:  "wait_expired",
	EventServeStale:   "serve_stale",
	EventServeDefault: "serve_default",
	EventStoreHit:     "store_hit",
	EventInvalidate:   "invalidate",
	EventClear:        "clear",
}

func (k EventKind) String() string {
	if int(k) >= 0 && int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return "unknown"
}

// Event is emitted on the diagnostic side channel.
// Failures reach callers of Get only through events and logs.
type Event struct {
	Cache    string
	Key      string
	Kind     EventKind
	Err      error
	Duration time.Duration // set for fetch outcomes
}

// Observer receives cache events. Implementations must be fast and must not block.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc is a function adapter that implements Observer interface
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) Observe(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// NopObserver discards every event
type NopObserver struct{}

func (NopObserver) Observe(context.Context, Event) {}

// MultiObserver fans events out to several observers in order
type MultiObserver []Observer

func (m MultiObserver) Observe(ctx context.Context, ev Event) {
	for _, o := range m {
		o.Observe(ctx, ev)
	}
}
