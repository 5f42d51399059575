package reqcache

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var (
	DefaultStoreTimeout = 5 * time.Second
	NowFunc             = time.Now
)

// RequestCache serves the best available value for a resource: fresh data without a
// network call, stale data when the backend fails, or a caller-supplied default when
// nothing was ever fetched. Concurrent callers for the same key share a single fetch.
//
// Use one RequestCache per resource domain (value type), namespacing keys as needed.
type RequestCache[T any] struct {
	name         string
	logger       *slog.Logger
	observer     Observer
	store        Store[*Snapshot[T]]
	storeTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry[T]
}

// entry is guarded by RequestCache.mu
type entry[T any] struct {
	data       T
	hasData    bool
	fetchedAt  time.Time  // zero means never populated or invalidated
	flight     *flight[T] // non-nil while a fetch is in flight
	generation uint64     // bumped by Invalidate
	hydrated   bool       // snapshot store already consulted

	// storeMu serializes store writes for the entry. It is never acquired while holding mu.
	storeMu sync.Mutex
}

// flight is the shared handle every caller for a key attaches to while a fetch runs.
// Fields are written before done is closed and only read after.
type flight[T any] struct {
	done     chan struct{}
	value    T
	ok       bool // value holds fresh or stale data; otherwise callers use their default
	fresh    bool
	panicErr *PanicError
}

// New creates a new request cache
func New[T any](opts ...Option[T]) *RequestCache[T] {
	c := &RequestCache[T]{
		name:         "default",
		logger:       slog.Default(),
		observer:     NopObserver{},
		storeTimeout: DefaultStoreTimeout,
		entries:      make(map[string]*entry[T]),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.name == "" {
		panic("name must not be empty")
	}
	if c.storeTimeout <= 0 {
		panic("storeTimeout must be positive")
	}

	return c
}

// Name returns the name the cache reports in events
func (c *RequestCache[T]) Name() string {
	return c.name
}

// Get returns the best available value for key. It never fails: backend errors and
// timeouts fall back to stale data, then to defaultValue.
//
// An invalid policy or a nil fetcher panics, and so does a fetcher panic for the caller
// that started the fetch.
func (c *RequestCache[T]) Get(ctx context.Context, key string, fetcher Fetcher[T], policy Policy, defaultValue T) T {
	if fetcher == nil {
		panic("fetcher is required")
	}
	policy.mustValidate()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry[T]{}
		c.entries[key] = e
	}

	if e.flight == nil && stateOf(e.hasData, e.fetchedAt, NowFunc(), policy.FreshDuration) == StateFresh {
		data := e.data
		c.mu.Unlock()
		c.emit(ctx, Event{Key: key, Kind: EventHit})
		return data
	}

	if fl := e.flight; fl != nil {
		c.mu.Unlock()
		c.emit(ctx, Event{Key: key, Kind: EventJoin})
		return c.wait(ctx, key, e, fl, policy, defaultValue)
	}

	// The flight is installed in the same critical section that observed Idle
	fl := &flight[T]{done: make(chan struct{})}
	e.flight = fl
	gen := e.generation
	c.mu.Unlock()

	c.emit(ctx, Event{Key: key, Kind: EventFetchStart})
	go c.run(context.WithoutCancel(ctx), key, e, fl, gen, fetcher, policy)

	select {
	case <-fl.done:
		if fl.panicErr != nil {
			panic(fl.panicErr)
		}
		return c.resolve(ctx, key, fl, defaultValue)
	case <-ctx.Done():
		c.logger.WarnContext(ctx, "context done during fetch, serving fallback", "key", key, "error", ctx.Err())
		return c.fallback(ctx, key, e, defaultValue)
	}
}

// GetAll calls Get for every key in parallel. Each key degrades on its own.
func (c *RequestCache[T]) GetAll(ctx context.Context, keys []string, fetchers []Fetcher[T], policy Policy, defaults []T) []T {
	if len(fetchers) != len(keys) || len(defaults) != len(keys) {
		panic(fmt.Sprintf("keys, fetchers and defaults must have the same length: %d, %d, %d",
			len(keys), len(fetchers), len(defaults)))
	}
	policy.mustValidate()

	results := make([]T, len(keys))

	var (
		g          errgroup.Group
		panicOnce  sync.Once
		panicValue any
	)
	for i := range keys {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					panicOnce.Do(func() { panicValue = r })
				}
			}()
			results[i] = c.Get(ctx, keys[i], fetchers[i], policy, defaults[i])
			return nil
		})
	}
	_ = g.Wait()

	if panicValue != nil {
		panic(panicValue)
	}
	return results
}

// Invalidate marks the entry stale so the next Get fetches, keeping the data as a
// fallback. Invalidating an unknown key is a no-op.
func (c *RequestCache[T]) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		e.fetchedAt = time.Time{}
		e.generation++
	}
	c.mu.Unlock()

	if ok {
		c.emit(ctx, Event{Key: key, Kind: EventInvalidate})
	}

	if c.store == nil {
		return nil
	}

	var snapshot *Snapshot[T]
	if ok {
		e.storeMu.Lock()
		defer e.storeMu.Unlock()

		// Read under storeMu so a write-through that finished first is not undone with older data
		c.mu.Lock()
		if e.hasData {
			snapshot = &Snapshot[T]{Data: e.data}
		}
		c.mu.Unlock()
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	if snapshot == nil {
		persisted, err := c.store.Get(storeCtx, key)
		if err != nil {
			if IsErrKeyNotFound(err) {
				return nil
			}
			return errors.Wrapf(err, "get snapshot failed for key: %s", key)
		}
		if persisted == nil || persisted.FetchedAt.IsZero() {
			return nil
		}
		snapshot = &Snapshot[T]{Data: persisted.Data}
	}

	if err := c.store.Set(storeCtx, key, snapshot); err != nil {
		return errors.Wrapf(err, "set snapshot failed for key: %s", key)
	}
	return nil
}

// Clear removes the entry for key. A fetch still in flight for it completes for its
// own callers but is not stored.
func (c *RequestCache[T]) Clear(ctx context.Context, key string) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()

	c.emit(ctx, Event{Key: key, Kind: EventClear})

	if c.store == nil {
		return nil
	}
	if ok {
		e.storeMu.Lock()
		defer e.storeMu.Unlock()
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	if err := c.store.Del(storeCtx, key); err != nil {
		return errors.Wrapf(err, "delete snapshot failed for key: %s", key)
	}
	return nil
}

// ClearAll removes every entry, e.g. on logout
func (c *RequestCache[T]) ClearAll(ctx context.Context) error {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	entries := make([]*entry[T], 0, len(c.entries))
	for key, e := range c.entries {
		keys = append(keys, key)
		entries = append(entries, e)
	}
	c.entries = make(map[string]*entry[T])
	c.mu.Unlock()

	for _, key := range keys {
		c.emit(ctx, Event{Key: key, Kind: EventClear})
	}

	if c.store == nil {
		return nil
	}

	for _, e := range entries {
		e.storeMu.Lock()
		defer e.storeMu.Unlock()
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	if clearer, ok := c.store.(Clearer); ok {
		if err := clearer.Clear(storeCtx); err != nil {
			return errors.Wrap(err, "clear store failed")
		}
		return nil
	}

	var result *multierror.Error
	for _, key := range keys {
		if err := c.store.Del(storeCtx, key); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "delete snapshot failed for key: %s", key))
		}
	}
	return result.ErrorOrNil()
}

// Inspect returns a view of the entry for key without triggering a fetch
func (c *RequestCache[T]) Inspect(key string) (EntryInfo[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return EntryInfo[T]{}, false
	}
	return EntryInfo[T]{
		Data:      e.data,
		HasData:   e.hasData,
		FetchedAt: e.fetchedAt,
		Fetching:  e.flight != nil,
	}, true
}

// Keys returns the keys currently held, sorted
func (c *RequestCache[T]) Keys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	sort.Strings(keys)
	return keys
}

func (c *RequestCache[T]) wait(ctx context.Context, key string, e *entry[T], fl *flight[T], policy Policy, defaultValue T) T {
	timer := time.NewTimer(policy.WaitBudget())
	defer timer.Stop()

	select {
	case <-fl.done:
		return c.resolve(ctx, key, fl, defaultValue)
	case <-timer.C:
		c.emit(ctx, Event{Key: key, Kind: EventWaitExpired})
	case <-ctx.Done():
		c.emit(ctx, Event{Key: key, Kind: EventWaitExpired, Err: ctx.Err()})
	}

	// The flight keeps running; this caller settles for what is available now
	return c.fallback(ctx, key, e, defaultValue)
}

func (c *RequestCache[T]) resolve(ctx context.Context, key string, fl *flight[T], defaultValue T) T {
	if fl.ok {
		if !fl.fresh {
			c.emit(ctx, Event{Key: key, Kind: EventServeStale})
		}
		return fl.value
	}
	c.emit(ctx, Event{Key: key, Kind: EventServeDefault})
	return defaultValue
}

func (c *RequestCache[T]) fallback(ctx context.Context, key string, e *entry[T], defaultValue T) T {
	c.mu.Lock()
	data, ok := e.data, e.hasData
	c.mu.Unlock()

	if ok {
		c.emit(ctx, Event{Key: key, Kind: EventServeStale})
		return data
	}
	c.emit(ctx, Event{Key: key, Kind: EventServeDefault})
	return defaultValue
}

// run performs the fetch for a flight and always releases it
func (c *RequestCache[T]) run(ctx context.Context, key string, e *entry[T], fl *flight[T], gen uint64, fetcher Fetcher[T], policy Policy) {
	var fetched bool

	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			c.logger.ErrorContext(ctx, "panic during fetch",
				"key", key,
				"panic", r,
				"stack", string(stack))
			fl.panicErr = &PanicError{Key: key, Value: r, Stack: stack}
		}
		c.release(e, fl)
		if fetched && c.store != nil {
			c.persist(ctx, key, e)
		}
	}()

	// Hydration and the fetch share one deadline
	fetchCtx, cancel := context.WithTimeout(ctx, policy.FetchTimeout)
	defer cancel()

	if data, fresh := c.hydrate(fetchCtx, key, e, gen, policy); fresh {
		c.emit(ctx, Event{Key: key, Kind: EventStoreHit})
		fl.value, fl.ok, fl.fresh = data, true, true
		return
	}

	start := time.Now()
	value, err := c.callFetcher(fetchCtx, key, fetcher, policy.FetchTimeout)
	elapsed := time.Since(start)

	if err != nil {
		kind := EventFetchFailure
		if errors.Is(err, context.DeadlineExceeded) {
			kind = EventFetchTimeout
		}
		c.emit(ctx, Event{Key: key, Kind: kind, Err: err, Duration: elapsed})

		var pe *PanicError
		if errors.As(err, &pe) {
			c.logger.ErrorContext(ctx, "panic during fetch",
				"key", key,
				"panic", pe.Value,
				"stack", string(pe.Stack))
			fl.panicErr = pe
		} else {
			c.logger.WarnContext(ctx, "fetch failed, serving fallback", "key", key, "error", err)
		}

		c.mu.Lock()
		fl.value, fl.ok = e.data, e.hasData
		c.mu.Unlock()
		return
	}

	c.emit(ctx, Event{Key: key, Kind: EventFetchSuccess, Duration: elapsed})

	now := NowFunc()
	c.mu.Lock()
	e.data, e.hasData = value, true
	if e.generation == gen {
		e.fetchedAt = now
	} else {
		// Invalidated while fetching: the result may predate the change
		e.fetchedAt = time.Time{}
	}
	c.mu.Unlock()

	fl.value, fl.ok, fl.fresh = value, true, true
	fetched = true
}

func (c *RequestCache[T]) release(e *entry[T], fl *flight[T]) {
	c.mu.Lock()
	if e.flight == fl {
		e.flight = nil
	}
	c.mu.Unlock()
	close(fl.done)
}

// callFetcher enforces the deadline of fetchCtx even if the fetcher ignores its context
func (c *RequestCache[T]) callFetcher(fetchCtx context.Context, key string, fetcher Fetcher[T], timeout time.Duration) (T, error) {
	var zero T

	type result struct {
		value T
		err   error
	}
	resChan := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resChan <- result{err: &PanicError{Key: key, Value: r, Stack: debug.Stack()}}
			}
		}()
		value, err := fetcher(fetchCtx)
		resChan <- result{value: value, err: err}
	}()

	select {
	case res := <-resChan:
		if res.err != nil {
			if IsPanicError(res.err) {
				return zero, res.err
			}
			return zero, errors.Wrapf(res.err, "fetch failed for key: %s", key)
		}
		return res.value, nil
	case <-fetchCtx.Done():
		return zero, errors.Wrapf(fetchCtx.Err(), "fetch timed out after %s for key: %s", timeout, key)
	}
}

// hydrate loads the persisted snapshot the first time an entry fetches.
// It reports whether the snapshot is fresh enough to skip the fetch.
func (c *RequestCache[T]) hydrate(ctx context.Context, key string, e *entry[T], gen uint64, policy Policy) (T, bool) {
	var zero T
	if c.store == nil {
		return zero, false
	}

	c.mu.Lock()
	if e.hydrated {
		c.mu.Unlock()
		return zero, false
	}
	e.hydrated = true
	c.mu.Unlock()

	storeCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	persisted, err := c.loadSnapshot(storeCtx, key)
	if err != nil {
		if !IsErrKeyNotFound(err) {
			c.logger.WarnContext(ctx, "failed to load snapshot", "key", key, "error", err)
		}
		return zero, false
	}
	if persisted == nil {
		return zero, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e.hasData {
		return zero, false
	}
	e.data, e.hasData = persisted.Data, true
	if e.generation == gen {
		e.fetchedAt = persisted.FetchedAt
	}
	if stateOf(true, e.fetchedAt, NowFunc(), policy.FreshDuration) == StateFresh {
		return e.data, true
	}
	return zero, false
}

// loadSnapshot reads the store within the deadline of ctx, even if the store ignores it.
// A panicking store is reported as an error.
func (c *RequestCache[T]) loadSnapshot(ctx context.Context, key string) (*Snapshot[T], error) {
	type result struct {
		snapshot *Snapshot[T]
		err      error
	}
	resChan := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resChan <- result{err: errors.Errorf("panic in store get for key %s: %v", key, r)}
			}
		}()
		snapshot, err := c.store.Get(ctx, key)
		resChan <- result{snapshot: snapshot, err: err}
	}()

	select {
	case res := <-resChan:
		return res.snapshot, res.err
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "load snapshot timed out for key: %s", key)
	}
}

// persist writes the entry as it is once storeMu is held, so a later fetch or an
// Invalidate that landed meanwhile is never overwritten with an older state.
func (c *RequestCache[T]) persist(ctx context.Context, key string, e *entry[T]) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WarnContext(ctx, "panic while persisting snapshot", "key", key, "panic", r)
		}
	}()

	e.storeMu.Lock()
	defer e.storeMu.Unlock()

	c.mu.Lock()
	attached := c.entries[key] == e
	snapshot := &Snapshot[T]{Data: e.data, FetchedAt: e.fetchedAt}
	c.mu.Unlock()
	if !attached {
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	if err := c.store.Set(storeCtx, key, snapshot); err != nil {
		c.logger.WarnContext(ctx, "failed to persist snapshot", "key", key, "error", err)
	}
}

func (c *RequestCache[T]) emit(ctx context.Context, ev Event) {
	ev.Cache = c.name
	c.observer.Observe(ctx, ev)
}

// Option is a functional option for configuring a RequestCache
type Option[T any] func(*RequestCache[T])

// WithName sets the name reported in events and metrics labels
func WithName[T any](name string) Option[T] {
	return func(c *RequestCache[T]) {
		c.name = name
	}
}

// WithLogger sets the logger for the cache.
// If not set, slog.Default() is used.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(c *RequestCache[T]) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver sets the receiver of diagnostic events
func WithObserver[T any](observer Observer) Option[T] {
	return func(c *RequestCache[T]) {
		if observer != nil {
			c.observer = observer
		}
	}
}

// WithStore persists last known good data so it survives restarts.
// The store is consulted once per entry, on its first fetch, within the policy's
// FetchTimeout, and written after every successful fetch. Store failures and panics are
// logged and never affect Get.
// ClearAll empties a store implementing Clearer, so give every cache its own prefix or table.
func WithStore[T any](store Store[*Snapshot[T]]) Option[T] {
	return func(c *RequestCache[T]) {
		c.store = store
	}
}

// WithStoreTimeout bounds each store operation issued from a fetch
func WithStoreTimeout[T any](timeout time.Duration) Option[T] {
	return func(c *RequestCache[T]) {
		c.storeTimeout = timeout
	}
}
