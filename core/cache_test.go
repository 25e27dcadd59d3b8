package core

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestQueryCache_ReadMissing(t *testing.T) {
	c := NewQueryCache(Config{})
	if _, ok := c.Read(Key("cabins")); ok {
		t.Fatalf("expected no entry in a new cache")
	}
	assert.Equal(t, 0, c.Len())
}

func TestQueryCache_Freshness(t *testing.T) {
	c := NewQueryCache(Config{StaleTime: time.Minute})
	k := Key("cabins")

	c.Write(k, []string{"001"}, t0)
	e, ok := c.Read(k)
	require.True(t, ok)

	assert.Equal(t, StatusFresh, e.Status)
	assert.True(t, c.IsFresh(e, t0.Add(59*time.Second)))
	assert.False(t, c.IsFresh(e, t0.Add(time.Minute)))
}

func TestQueryCache_ZeroStaleTime(t *testing.T) {
	c := NewQueryCache(Config{})
	k := Key("cabins")

	c.Write(k, 1, t0)
	e, _ := c.Read(k)
	if c.IsFresh(e, t0) {
		t.Errorf("expected entry with zero stale time never to be fresh")
	}
}

func TestQueryCache_SubscribersInOrder(t *testing.T) {
	c := NewQueryCache(Config{})
	k := Key("bookings", "page", 1)

	var calls []string
	c.Subscribe(k, func(CacheEntry) { calls = append(calls, "first") })
	c.Subscribe(k, func(CacheEntry) { calls = append(calls, "second") })
	c.Subscribe(k, func(CacheEntry) { calls = append(calls, "third") })

	c.Write(k, "data", t0)
	assert.Equal(t, []string{"first", "second", "third"}, calls)
}

func TestQueryCache_NotifiedBeforeReturn(t *testing.T) {
	c := NewQueryCache(Config{})
	k := Key("cabins")

	var got []Status
	c.Subscribe(k, func(e CacheEntry) {
		// callbacks may read the cache
		cur, _ := c.Read(k)
		got = append(got, cur.Status)
	})

	c.Write(k, 1, t0)
	c.MarkErrored(k, errors.New("boom"), t0)
	c.Invalidate(Exact(k))

	assert.Equal(t, []Status{StatusFresh, StatusErrored, StatusStale}, got)
}

func TestQueryCache_Unsubscribe(t *testing.T) {
	c := NewQueryCache(Config{})
	k := Key("cabins")

	n := 0
	unsub := c.Subscribe(k, func(CacheEntry) { n++ })
	c.Write(k, 1, t0)
	unsub()
	unsub()
	c.Write(k, 2, t0)

	assert.Equal(t, 1, n)
	assert.Equal(t, 0, c.SubscriberCount(k))
}

func TestQueryCache_UnsubscribeDuringDelivery(t *testing.T) {
	c := NewQueryCache(Config{})
	k := Key("cabins")

	var second int
	var unsubSecond func()
	c.Subscribe(k, func(CacheEntry) { unsubSecond() })
	unsubSecond = c.Subscribe(k, func(CacheEntry) { second++ })

	c.Write(k, 1, t0)
	assert.Equal(t, 0, second, "unsubscribed callback must not be called")
}

func TestQueryCache_RacingWritesDeliverLatest(t *testing.T) {
	c := NewQueryCache(Config{})
	k := Key("user")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	var mu sync.Mutex
	var first, second []any
	c.Subscribe(k, func(e CacheEntry) {
		mu.Lock()
		first = append(first, e.Data)
		mu.Unlock()
		once.Do(func() {
			close(entered)
			<-release
		})
	})
	c.Subscribe(k, func(e CacheEntry) {
		mu.Lock()
		second = append(second, e.Data)
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		c.Write(k, "v1", t0)
		close(done)
	}()
	<-entered

	// the second write completes while the first is still delivering
	c.Write(k, "v2", t0)
	close(release)
	<-done

	cur, _ := c.Read(k)
	assert.Equal(t, "v2", cur.Data)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{"v1", "v2"}, first)
	assert.Equal(t, []any{"v2"}, second, "an older entry must not follow a newer one")
}

func TestQueryCache_CallbackNotConcurrent(t *testing.T) {
	c := NewQueryCache(Config{})
	k := Key("cabins")

	var running, overlaps atomic.Int32
	var last atomic.Value
	c.Subscribe(k, func(e CacheEntry) {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		last.Store(e.Data)
		time.Sleep(10 * time.Microsecond)
		running.Add(-1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Write(k, i, t0)
		}(i)
	}
	wg.Wait()

	cur, _ := c.Read(k)
	assert.Equal(t, int32(0), overlaps.Load())
	assert.Equal(t, cur.Data, last.Load(), "the last delivery is the cached value")
}

func TestQueryCache_WriteFromCallback(t *testing.T) {
	c := NewQueryCache(Config{})
	k := Key("user")

	var got []any
	c.Subscribe(k, func(e CacheEntry) {
		got = append(got, e.Data)
		if e.Data == "draft" {
			c.Write(k, "saved", t0)
		}
	})

	c.Write(k, "draft", t0)
	assert.Equal(t, []any{"draft", "saved"}, got)
}

func TestQueryCache_FetchingKeepsData(t *testing.T) {
	c := NewQueryCache(Config{})
	k := Key("cabins")

	c.Write(k, "old", t0)
	c.MarkFetching(k)

	e, ok := c.Read(k)
	require.True(t, ok)
	assert.Equal(t, StatusFetching, e.Status)
	assert.Equal(t, "old", e.Data)
	assert.True(t, e.HasData)
}

func TestQueryCache_ErroredKeepsData(t *testing.T) {
	c := NewQueryCache(Config{})
	k := Key("cabins")
	boom := errors.New("boom")

	c.Write(k, "old", t0)
	c.MarkErrored(k, boom, t0.Add(time.Second))

	e, _ := c.Read(k)
	assert.Equal(t, StatusErrored, e.Status)
	assert.Equal(t, "old", e.Data)
	assert.ErrorIs(t, e.Err, boom)

	c.Write(k, "new", t0.Add(2*time.Second))
	e, _ = c.Read(k)
	assert.NoError(t, e.Err)
	assert.Equal(t, StatusFresh, e.Status)
}

func TestQueryCache_InvalidateScope(t *testing.T) {
	c := NewQueryCache(Config{StaleTime: time.Hour})
	p1 := Key("bookings", "page", 1)
	p2 := Key("bookings", "page", 2)
	cabins := Key("cabins")

	for _, k := range []QueryKey{p1, p2, cabins} {
		c.Write(k, k.String(), t0)
	}

	keys := c.Invalidate(Prefix("bookings"))
	assert.Len(t, keys, 2)

	for _, k := range []QueryKey{p1, p2} {
		e, _ := c.Read(k)
		assert.Equal(t, StatusStale, e.Status, k.String())
		assert.Equal(t, k.String(), e.Data, "stale entries keep their data")
	}

	e, _ := c.Read(cabins)
	assert.Equal(t, StatusFresh, e.Status)
	assert.Equal(t, int64(2), c.Metrics().Invalidations.Load())
}

func TestQueryCache_InvalidateNothing(t *testing.T) {
	c := NewQueryCache(Config{})
	assert.Empty(t, c.Invalidate(Prefix("bookings")))
}

func TestQueryCache_Remove(t *testing.T) {
	c := NewQueryCache(Config{})
	watched := Key("bookings", "page", 1)
	idle := Key("bookings", "page", 2)

	c.Write(watched, 1, t0)
	c.Write(idle, 2, t0)
	c.Subscribe(watched, func(CacheEntry) {})

	keys := c.Remove(Prefix("bookings"))
	assert.Len(t, keys, 2)

	_, ok := c.Read(watched)
	assert.False(t, ok)
	_, ok = c.Read(idle)
	assert.False(t, ok)
	assert.Equal(t, 1, c.SubscriberCount(watched), "subscriptions survive Remove")
}

func TestQueryCache_Clear(t *testing.T) {
	c := NewQueryCache(Config{})
	k := Key("user")

	n := 0
	c.Subscribe(k, func(CacheEntry) { n++ })
	c.Write(k, "ada", t0)
	c.Clear()

	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.SubscriberCount(k))

	c.Write(k, "grace", t0)
	assert.Equal(t, 1, n, "subscriptions are dropped by Clear")
}

func TestQueryCache_ObservedKeys(t *testing.T) {
	c := NewQueryCache(Config{})
	a, b := Key("cabins"), Key("bookings")

	c.Write(a, 1, t0)
	c.Write(b, 1, t0)
	c.Subscribe(b, func(CacheEntry) {})

	assert.Equal(t, []QueryKey{b}, c.ObservedKeys())
	assert.ElementsMatch(t, []QueryKey{a, b}, c.Keys())
}

func TestQueryCache_EvictsInactiveByCapacity(t *testing.T) {
	c := NewQueryCache(Config{GCTime: time.Hour, MaxInactive: 1})
	a, b := Key("cabins"), Key("bookings")

	c.Write(a, 1, t0)
	c.Write(b, 2, t0)

	_, ok := c.Read(a)
	assert.False(t, ok, "oldest inactive entry should be evicted")
	_, ok = c.Read(b)
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Metrics().Evictions.Load())
}

func TestQueryCache_KeepsObservedEntries(t *testing.T) {
	c := NewQueryCache(Config{GCTime: time.Hour, MaxInactive: 1})
	a, b := Key("cabins"), Key("bookings")

	c.Subscribe(a, func(CacheEntry) {})
	c.Write(a, 1, t0)
	c.Write(b, 2, t0)

	_, ok := c.Read(a)
	assert.True(t, ok, "observed entries are never evicted")
}

func TestQueryCache_EvictsAfterGCTime(t *testing.T) {
	c := NewQueryCache(Config{GCTime: 20 * time.Millisecond})
	k := Key("cabins")

	unsub := c.Subscribe(k, func(CacheEntry) {})
	c.Write(k, 1, t0)
	unsub()

	require.Eventually(t, func() bool {
		_, ok := c.Read(k)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestQueryCache_NoEvictionByDefault(t *testing.T) {
	c := NewQueryCache(Config{})
	for i := 0; i < 100; i++ {
		c.Write(Key("bookings", "page", i), i, t0)
	}
	assert.Equal(t, 100, c.Len())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "fresh", StatusFresh.String())
	assert.Equal(t, "fetching", StatusFetching.String())
	assert.Equal(t, "unknown", Status(0).String())
}
