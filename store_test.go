package reqcache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/allegro/bigcache/v3"
	"github.com/redis/go-redis/v9"
	"github.com/redis/go-redis/v9/maintnotifications"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newRedisClient(tb testing.TB) (*redis.Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(tb)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: "disabled",
		},
	})

	tb.Cleanup(func() {
		client.Close()
	})

	return client, mr
}

func newGORMDB(tb testing.TB) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(tb, err)

	// Every connection to :memory: opens a separate database
	sqlDB, err := db.DB()
	require.NoError(tb, err)
	sqlDB.SetMaxOpenConns(1)
	return db
}

func newGORMStore[T any](tb testing.TB, db *gorm.DB, tableName, keyPrefix string) *GORMStore[T] {
	store := NewGORMStore[T](&GORMConfig{
		DB:        db,
		TableName: tableName,
		KeyPrefix: keyPrefix,
	})
	require.NoError(tb, store.Migrate(context.Background()))
	return store
}

func newBigCacheStore(tb testing.TB) *BigCacheStore {
	store, err := NewBigCacheStore(context.Background(), BigCacheConfig{
		Config: bigcache.DefaultConfig(10 * time.Minute),
	})
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = store.Close() })
	return store
}

func newRistrettoStore[T any](tb testing.TB) *RistrettoStore[T] {
	store, err := NewRistrettoStore(DefaultRistrettoConfig[T]())
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = store.Close() })
	return store
}

type snapshotStoreCase struct {
	name  string
	store func(t *testing.T) Store[*Snapshot[stats]]
}

func snapshotStoreCases() []snapshotStoreCase {
	return []snapshotStoreCase{
		{"syncmap", func(t *testing.T) Store[*Snapshot[stats]] {
			return NewSyncMapStore[*Snapshot[stats]]()
		}},
		{"ristretto", func(t *testing.T) Store[*Snapshot[stats]] {
			return newRistrettoStore[*Snapshot[stats]](t)
		}},
		{"bigcache", func(t *testing.T) Store[*Snapshot[stats]] {
			return JSONTransform[*Snapshot[stats]](newBigCacheStore(t))
		}},
		{"redis", func(t *testing.T) Store[*Snapshot[stats]] {
			client, _ := newRedisClient(t)
			return NewRedisStore[*Snapshot[stats]](&RedisConfig{Client: client})
		}},
		{"gorm", func(t *testing.T) Store[*Snapshot[stats]] {
			return newGORMStore[*Snapshot[stats]](t, newGORMDB(t), "snapshots", "")
		}},
	}
}

func TestSnapshotStores(t *testing.T) {
	ctx := context.Background()
	fetchedAt := time.Now().Truncate(time.Second)

	for _, tc := range snapshotStoreCases() {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.store(t)

			_, err := store.Get(ctx, "missing")
			assert.True(t, IsErrKeyNotFound(err))

			require.NoError(t, store.Set(ctx, "stats", &Snapshot[stats]{Data: stats{Total: 7}, FetchedAt: fetchedAt}))

			snapshot, err := store.Get(ctx, "stats")
			require.NoError(t, err)
			require.NotNil(t, snapshot)
			assert.Equal(t, stats{Total: 7}, snapshot.Data)
			assert.True(t, fetchedAt.Equal(snapshot.FetchedAt))

			require.NoError(t, store.Set(ctx, "stats", &Snapshot[stats]{Data: stats{Total: 8}}))
			snapshot, err = store.Get(ctx, "stats")
			require.NoError(t, err)
			assert.Equal(t, stats{Total: 8}, snapshot.Data)
			assert.True(t, snapshot.FetchedAt.IsZero())

			require.NoError(t, store.Del(ctx, "stats"))
			_, err = store.Get(ctx, "stats")
			assert.True(t, IsErrKeyNotFound(err))

			require.NoError(t, store.Del(ctx, "stats"), "deleting a missing key is not an error")
		})
	}
}

func TestCacheWithStore(t *testing.T) {
	ctx := context.Background()
	policy := testPolicy()

	for _, tc := range snapshotStoreCases() {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.store(t)

			t.Run("write through after fetch", func(t *testing.T) {
				c := New(WithStore(store))
				var calls atomic.Int32
				value := c.Get(ctx, "stats", valueFetcher(&calls, stats{Total: 10}), policy, stats{})
				assert.Equal(t, stats{Total: 10}, value)

				require.Eventually(t, func() bool {
					snapshot, err := store.Get(ctx, "stats")
					return err == nil && snapshot.Data.Total == 10 && !snapshot.FetchedAt.IsZero()
				}, time.Second, 5*time.Millisecond)
			})

			t.Run("fresh snapshot is served without fetching", func(t *testing.T) {
				rec := &recorder{}
				restarted := New(WithStore(store), WithObserver[stats](rec))
				var calls atomic.Int32
				value := restarted.Get(ctx, "stats", valueFetcher(&calls, stats{Total: 99}), policy, stats{})
				assert.Equal(t, stats{Total: 10}, value)
				assert.Equal(t, int32(0), calls.Load())
				assert.Equal(t, 1, rec.count(EventStoreHit))
			})

			t.Run("stale snapshot survives a failed fetch", func(t *testing.T) {
				require.NoError(t, store.Set(ctx, "stats", &Snapshot[stats]{Data: stats{Total: 5}}))

				restarted := New(WithStore(store))
				var calls atomic.Int32
				value := restarted.Get(ctx, "stats", failingFetcher[stats](&calls), policy, stats{})
				assert.Equal(t, stats{Total: 5}, value)
				assert.Equal(t, int32(1), calls.Load())
			})

			t.Run("invalidate persists a stale snapshot", func(t *testing.T) {
				require.NoError(t, store.Set(ctx, "stats", &Snapshot[stats]{Data: stats{Total: 6}, FetchedAt: time.Now()}))

				c := New(WithStore(store))
				require.NoError(t, c.Invalidate(ctx, "stats"))

				snapshot, err := store.Get(ctx, "stats")
				require.NoError(t, err)
				assert.Equal(t, stats{Total: 6}, snapshot.Data)
				assert.True(t, snapshot.FetchedAt.IsZero())

				require.NoError(t, c.Invalidate(ctx, "unknown"))
			})

			t.Run("clear removes the snapshot", func(t *testing.T) {
				c := New(WithStore(store))
				var calls atomic.Int32
				c.Get(ctx, "stats", valueFetcher(&calls, stats{Total: 10}), policy, stats{})
				require.Eventually(t, func() bool {
					snapshot, err := store.Get(ctx, "stats")
					return err == nil && snapshot.Data.Total == 10
				}, time.Second, 5*time.Millisecond)

				require.NoError(t, c.Clear(ctx, "stats"))
				_, err := store.Get(ctx, "stats")
				assert.True(t, IsErrKeyNotFound(err))
			})

			t.Run("clear all empties the store", func(t *testing.T) {
				c := New(WithStore(store))
				var calls atomic.Int32
				c.Get(ctx, "a", valueFetcher(&calls, stats{Total: 1}), policy, stats{})
				c.Get(ctx, "b", valueFetcher(&calls, stats{Total: 2}), policy, stats{})
				require.Eventually(t, func() bool {
					_, errA := store.Get(ctx, "a")
					_, errB := store.Get(ctx, "b")
					return errA == nil && errB == nil
				}, time.Second, 5*time.Millisecond)

				require.NoError(t, c.ClearAll(ctx))
				for _, key := range []string{"a", "b"} {
					_, err := store.Get(ctx, key)
					assert.True(t, IsErrKeyNotFound(err), key)
				}
			})
		})
	}
}

func TestCacheStoreFailureDoesNotAffectGet(t *testing.T) {
	ctx := context.Background()
	client, mr := newRedisClient(t)
	store := NewRedisStore[*Snapshot[stats]](&RedisConfig{Client: client})
	mr.Close()

	c := New(WithStore(store), WithStoreTimeout[stats](100*time.Millisecond))
	var calls atomic.Int32
	value := c.Get(ctx, "stats", valueFetcher(&calls, stats{Total: 3}), testPolicy(), stats{})
	assert.Equal(t, stats{Total: 3}, value)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRedisStoreKeys(t *testing.T) {
	ctx := context.Background()
	client, mr := newRedisClient(t)

	t.Run("default prefix", func(t *testing.T) {
		store := NewRedisStore[string](&RedisConfig{Client: client})
		require.NoError(t, store.Set(ctx, "key1", "value1"))

		rawValue, err := mr.Get(DefaultRedisKeyPrefix + "key1")
		require.NoError(t, err)
		assert.Equal(t, `"value1"`, rawValue)

		value, err := store.Get(ctx, "key1")
		require.NoError(t, err)
		assert.Equal(t, "value1", value)
	})

	t.Run("corrupt value", func(t *testing.T) {
		store := NewRedisStore[*Snapshot[stats]](&RedisConfig{Client: client, KeyPrefix: "bad:"})
		require.NoError(t, mr.Set("bad:stats", "{not json"))

		_, err := store.Get(ctx, "stats")
		require.Error(t, err)
		assert.False(t, IsErrKeyNotFound(err))
	})

	t.Run("snapshot stored as json", func(t *testing.T) {
		store := NewRedisStore[*Snapshot[stats]](&RedisConfig{Client: client, KeyPrefix: "snap:"})
		require.NoError(t, store.Set(ctx, "stats", &Snapshot[stats]{Data: stats{Total: 4}}))

		rawValue, err := mr.Get("snap:stats")
		require.NoError(t, err)
		assert.JSONEq(t, `{"data":{"total":4},"fetchedAt":"0001-01-01T00:00:00Z"}`, rawValue)
	})

	t.Run("ttl", func(t *testing.T) {
		store := NewRedisStore[string](&RedisConfig{Client: client, KeyPrefix: "ttl:", TTL: time.Minute})
		require.NoError(t, store.Set(ctx, "key1", "value1"))
		assert.Equal(t, time.Minute, mr.TTL("ttl:key1"))

		mr.FastForward(2 * time.Minute)
		_, err := store.Get(ctx, "key1")
		assert.True(t, IsErrKeyNotFound(err))
	})

	t.Run("clear only touches its prefix", func(t *testing.T) {
		mine := NewRedisStore[string](&RedisConfig{Client: client, KeyPrefix: "mine:"})
		other := NewRedisStore[string](&RedisConfig{Client: client, KeyPrefix: "other:"})
		require.NoError(t, mine.Set(ctx, "a", "1"))
		require.NoError(t, mine.Set(ctx, "b", "2"))
		require.NoError(t, other.Set(ctx, "a", "3"))

		require.NoError(t, mine.Clear(ctx))
		assert.False(t, mr.Exists("mine:a"))
		assert.False(t, mr.Exists("mine:b"))
		assert.True(t, mr.Exists("other:a"))

		require.NoError(t, mine.Clear(ctx), "clearing an empty prefix is not an error")
	})
}

func TestRedisStoreMissingClient(t *testing.T) {
	assert.Panics(t, func() {
		NewRedisStore[string](&RedisConfig{})
	})
}

func TestGORMStore(t *testing.T) {
	ctx := context.Background()
	db := newGORMDB(t)

	t.Run("prefix isolation", func(t *testing.T) {
		mine := newGORMStore[string](t, db, "shared_snapshots", "mine:")
		other := newGORMStore[string](t, db, "shared_snapshots", "other:")

		require.NoError(t, mine.Set(ctx, "a", "1"))
		require.NoError(t, other.Set(ctx, "a", "2"))

		value, err := mine.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "1", value)

		require.NoError(t, mine.Clear(ctx))
		_, err = mine.Get(ctx, "a")
		assert.True(t, IsErrKeyNotFound(err))

		value, err = other.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "2", value)
	})

	t.Run("upsert", func(t *testing.T) {
		store := newGORMStore[[]int](t, db, "upsert_snapshots", "")
		require.NoError(t, store.Set(ctx, "k", []int{1}))
		require.NoError(t, store.Set(ctx, "k", []int{1, 2}))

		value, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2}, value)

		var count int64
		require.NoError(t, db.Table("upsert_snapshots").Count(&count).Error)
		assert.Equal(t, int64(1), count)
	})

	t.Run("validation", func(t *testing.T) {
		assert.Panics(t, func() { NewGORMStore[string](&GORMConfig{TableName: "t"}) })
		assert.Panics(t, func() { NewGORMStore[string](&GORMConfig{DB: db}) })
	})
}

func TestBigCacheStore(t *testing.T) {
	ctx := context.Background()
	store := newBigCacheStore(t)

	require.NoError(t, store.Set(ctx, "a", []byte("1")))
	require.NoError(t, store.Set(ctx, "b", []byte("2")))

	value, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), value)

	require.NoError(t, store.Clear(ctx))
	_, err = store.Get(ctx, "b")
	assert.True(t, IsErrKeyNotFound(err))
}

func TestRistrettoStoreTTL(t *testing.T) {
	ctx := context.Background()
	config := DefaultRistrettoConfig[string]()
	config.TTL = 50 * time.Millisecond
	store, err := NewRistrettoStore(config)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Set(ctx, "a", "1"))
	value, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", value)

	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, "a")
		return IsErrKeyNotFound(err)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSyncMapStoreClear(t *testing.T) {
	ctx := context.Background()
	store := NewSyncMapStore[int]()
	require.NoError(t, store.Set(ctx, "a", 1))
	require.NoError(t, store.Set(ctx, "b", 2))

	require.NoError(t, store.Clear(ctx))
	_, err := store.Get(ctx, "a")
	assert.True(t, IsErrKeyNotFound(err))
	_, err = store.Get(ctx, "b")
	assert.True(t, IsErrKeyNotFound(err))
}

// slowStore blocks every call until ctx is done. With ignoreCtx it blocks until release
// is closed instead.
type slowStore struct {
	ignoreCtx bool
	release   chan struct{}
}

func newSlowStore(t *testing.T, ignoreCtx bool) *slowStore {
	s := &slowStore{ignoreCtx: ignoreCtx, release: make(chan struct{})}
	t.Cleanup(func() { close(s.release) })
	return s
}

func (s *slowStore) wait(ctx context.Context) error {
	if s.ignoreCtx {
		<-s.release
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *slowStore) Get(ctx context.Context, key string) (*Snapshot[stats], error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return nil, &ErrKeyNotFound{}
}

func (s *slowStore) Set(ctx context.Context, key string, value *Snapshot[stats]) error {
	return s.wait(ctx)
}

func (s *slowStore) Del(ctx context.Context, key string) error {
	return s.wait(ctx)
}

func TestCacheSlowStoreStaysWithinFetchTimeout(t *testing.T) {
	ctx := context.Background()
	policy := testPolicy()
	policy.FetchTimeout = 100 * time.Millisecond

	t.Run("store ignoring its context", func(t *testing.T) {
		c := New(WithStore[stats](newSlowStore(t, true)), WithStoreTimeout[stats](400*time.Millisecond))

		fetcher := func(ctx context.Context) (stats, error) {
			<-ctx.Done()
			return stats{}, ctx.Err()
		}

		start := time.Now()
		value := c.Get(ctx, "stats", fetcher, policy, stats{Total: -1})
		elapsed := time.Since(start)

		assert.Equal(t, stats{Total: -1}, value)
		assert.GreaterOrEqual(t, elapsed, policy.FetchTimeout)
		assert.Less(t, elapsed, 200*time.Millisecond)
	})

	t.Run("store timeout longer than fetch timeout", func(t *testing.T) {
		rec := &recorder{}
		c := New(
			WithStore[stats](newSlowStore(t, false)),
			WithStoreTimeout[stats](time.Second),
			WithObserver[stats](rec),
		)

		fetcher := func(ctx context.Context) (stats, error) {
			<-ctx.Done()
			return stats{}, ctx.Err()
		}

		start := time.Now()
		value := c.Get(ctx, "stats", fetcher, policy, stats{Total: -1})

		assert.Equal(t, stats{Total: -1}, value)
		assert.Less(t, time.Since(start), 200*time.Millisecond)
		assert.Equal(t, 1, rec.count(EventFetchTimeout))
	})

	t.Run("slow store leaves time for the fetch", func(t *testing.T) {
		c := New(WithStore[stats](newSlowStore(t, false)), WithStoreTimeout[stats](30*time.Millisecond))

		var calls atomic.Int32
		start := time.Now()
		value := c.Get(ctx, "stats", valueFetcher(&calls, stats{Total: 2}), policy, stats{Total: -1})

		assert.Equal(t, stats{Total: 2}, value)
		assert.Equal(t, int32(1), calls.Load())
		assert.Less(t, time.Since(start), policy.FetchTimeout)
	})
}

func TestCacheInvalidateStoreTimeout(t *testing.T) {
	ctx := context.Background()
	c := New(WithStore[stats](newSlowStore(t, false)), WithStoreTimeout[stats](50*time.Millisecond))

	var calls atomic.Int32
	c.Get(ctx, "stats", valueFetcher(&calls, stats{Total: 1}), testPolicy(), stats{})

	start := time.Now()
	err := c.Invalidate(ctx, "stats")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	start = time.Now()
	require.Error(t, c.Clear(ctx, "stats"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

// gatedStore holds its first Set until gate is closed
type gatedStore struct {
	*SyncMapStore[*Snapshot[stats]]
	sets    atomic.Int32
	entered chan struct{}
	gate    chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		SyncMapStore: NewSyncMapStore[*Snapshot[stats]](),
		entered:      make(chan struct{}),
		gate:         make(chan struct{}),
	}
}

func (s *gatedStore) Set(ctx context.Context, key string, value *Snapshot[stats]) error {
	if s.sets.Add(1) == 1 {
		close(s.entered)
		<-s.gate
	}
	return s.SyncMapStore.Set(ctx, key, value)
}

func TestCacheInvalidateDuringWriteThrough(t *testing.T) {
	ctx := context.Background()
	policy := testPolicy()

	t.Run("invalidate while the snapshot is being written", func(t *testing.T) {
		store := newGatedStore()
		c := New(WithStore[stats](store))

		var calls atomic.Int32
		value := c.Get(ctx, "stats", valueFetcher(&calls, stats{Total: 1}), policy, stats{})
		require.Equal(t, stats{Total: 1}, value)

		select {
		case <-store.entered:
		case <-time.After(time.Second):
			t.Fatal("write-through never started")
		}

		invalidated := make(chan error, 1)
		go func() { invalidated <- c.Invalidate(ctx, "stats") }()
		require.Eventually(t, func() bool {
			info, _ := c.Inspect("stats")
			return info.FetchedAt.IsZero()
		}, time.Second, time.Millisecond)

		close(store.gate)
		require.NoError(t, <-invalidated)

		snapshot, err := store.Get(ctx, "stats")
		require.NoError(t, err)
		assert.Equal(t, stats{Total: 1}, snapshot.Data)
		assert.True(t, snapshot.FetchedAt.IsZero(), "the invalidated snapshot must not be written back as fresh")

		restarted := New(WithStore[stats](store))
		value = restarted.Get(ctx, "stats", valueFetcher(&calls, stats{Total: 2}), policy, stats{})
		assert.Equal(t, stats{Total: 2}, value)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("invalidate while the fetch is running", func(t *testing.T) {
		store := NewSyncMapStore[*Snapshot[stats]]()
		c := New(WithStore[stats](store))

		var calls atomic.Int32
		release := make(chan struct{})
		done := make(chan stats)
		go func() {
			done <- c.Get(ctx, "stats", blockingFetcher(&calls, release, stats{Total: 1}), policy, stats{})
		}()
		waitFetching(t, c, "stats")

		require.NoError(t, c.Invalidate(ctx, "stats"))
		close(release)
		assert.Equal(t, stats{Total: 1}, <-done)

		require.Eventually(t, func() bool {
			snapshot, err := store.Get(ctx, "stats")
			return err == nil && snapshot.Data.Total == 1
		}, time.Second, time.Millisecond)

		snapshot, err := store.Get(ctx, "stats")
		require.NoError(t, err)
		assert.True(t, snapshot.FetchedAt.IsZero())
	})
}

// panickingStore panics on reads and writes
type panickingStore struct {
	sets atomic.Int32
}

func (s *panickingStore) Get(context.Context, string) (*Snapshot[stats], error) {
	panic("store get bug")
}

func (s *panickingStore) Set(context.Context, string, *Snapshot[stats]) error {
	s.sets.Add(1)
	panic("store set bug")
}

func (s *panickingStore) Del(context.Context, string) error {
	return nil
}

func TestCacheStorePanicDoesNotAffectGet(t *testing.T) {
	ctx := context.Background()
	store := &panickingStore{}
	c := New(WithStore[stats](store))

	var calls atomic.Int32
	var value stats
	assert.NotPanics(t, func() {
		value = c.Get(ctx, "stats", valueFetcher(&calls, stats{Total: 4}), testPolicy(), stats{})
	})
	assert.Equal(t, stats{Total: 4}, value)
	assert.Equal(t, int32(1), calls.Load())

	require.Eventually(t, func() bool { return store.sets.Load() == 1 }, time.Second, time.Millisecond)

	info, _ := c.Inspect("stats")
	assert.False(t, info.Fetching)
}
