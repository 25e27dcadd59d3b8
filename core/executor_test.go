package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: t0} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestExecutor(t *testing.T, conf Config) (*QueryCache, *Executor, *testClock) {
	t.Helper()
	clk := newTestClock()
	c := NewQueryCache(conf)
	e := NewExecutor(c, conf, WithLogger(zaptest.NewLogger(t)), WithClock(clk.Now))
	t.Cleanup(e.Close)
	return c, e, clk
}

// counting returns a fetcher that returns val and counts its calls.
func counting(val any) (Fetcher, *atomic.Int32) {
	var n atomic.Int32
	return func(context.Context) (any, error) {
		n.Add(1)
		return val, nil
	}, &n
}

// blocking returns a fetcher that waits for release before returning val.
func blocking(val any, release <-chan struct{}) (Fetcher, *atomic.Int32) {
	var n atomic.Int32
	return func(context.Context) (any, error) {
		n.Add(1)
		<-release
		return val, nil
	}, &n
}

func TestExecutor_FreshHit(t *testing.T) {
	c, e, clk := newTestExecutor(t, Config{})
	ctx := context.Background()
	k := Key("cabins")
	fetch, calls := counting([]string{"001", "002"})

	v, err := e.Request(ctx, k, fetch, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"001", "002"}, v)

	clk.Advance(30 * time.Second)
	v, err = e.Request(ctx, k, fetch, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"001", "002"}, v)
	assert.Equal(t, int32(1), calls.Load(), "fresh entry must not be refetched")

	clk.Advance(time.Minute)
	_, err = e.Request(ctx, k, fetch, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	m := c.Metrics()
	assert.Equal(t, int64(1), m.Hits.Load())
	assert.Equal(t, int64(2), m.Misses.Load())
	assert.Equal(t, int64(2), m.Fetches.Load())
}

func TestExecutor_DefaultStaleTime(t *testing.T) {
	c, e, _ := newTestExecutor(t, Config{StaleTime: time.Minute})
	k := Key("settings")
	fetch, calls := counting("settings")

	_, err := e.Request(context.Background(), k, fetch, UseDefault)
	require.NoError(t, err)
	_, err = e.Request(context.Background(), k, fetch, UseDefault)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	entry, _ := c.Read(k)
	assert.Equal(t, time.Minute, entry.StaleTime)
}

func TestExecutor_NilFetcher(t *testing.T) {
	_, e, _ := newTestExecutor(t, Config{})

	_, err := e.Request(context.Background(), Key("cabins"), nil, 0)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestExecutor_Dedup(t *testing.T) {
	c, e, _ := newTestExecutor(t, Config{})
	k := Key("bookings", "status", "all")
	release := make(chan struct{})
	fetch, calls := blocking("rows", release)

	const callers = 5
	var wg sync.WaitGroup
	results := make([]any, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.Request(context.Background(), k, fetch, 0)
		}(i)
	}

	require.Eventually(t, func() bool { return e.Waiters(k) == callers },
		time.Second, time.Millisecond)

	entry, ok := c.Read(k)
	require.True(t, ok)
	assert.Equal(t, StatusFetching, entry.Status)

	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent requests must share one fetch")
	for i := 0; i < callers; i++ {
		assert.NoError(t, errs[i])
		assert.Equal(t, "rows", results[i])
	}
	assert.Equal(t, int64(callers), c.Metrics().Deduplicated.Load())
}

func TestExecutor_DedupSharesError(t *testing.T) {
	_, e, _ := newTestExecutor(t, Config{})
	k := Key("bookings")
	release := make(chan struct{})
	boom := errors.New("boom")

	var calls atomic.Int32
	fetch := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return nil, boom
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Request(context.Background(), k, fetch, 0)
		}(i)
	}
	require.Eventually(t, func() bool { return e.Waiters(k) == 3 },
		time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, err := range errs {
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.ErrorIs(t, err, boom)
	}
}

func TestExecutor_ErrorKeepsData(t *testing.T) {
	c, e, _ := newTestExecutor(t, Config{})
	k := Key("cabins")
	boom := errors.New("boom")

	e.Set(k, "last good")
	_, err := e.Request(context.Background(), k, func(context.Context) (any, error) {
		return nil, boom
	}, 0)
	require.Error(t, err)

	entry, _ := c.Read(k)
	assert.Equal(t, StatusErrored, entry.Status)
	assert.Equal(t, "last good", entry.Data)
	assert.ErrorIs(t, entry.Err, boom)
	assert.Equal(t, int64(1), c.Metrics().Errors.Load())
}

func TestExecutor_StaleResponseOrdering(t *testing.T) {
	c, e, _ := newTestExecutor(t, Config{})
	ctx := context.Background()
	k := Key("bookings")

	releaseA := make(chan struct{})
	releaseB := make(chan struct{})
	fetchA, _ := blocking("A", releaseA)
	fetchB, _ := blocking("B", releaseB)

	aDone := make(chan any, 1)
	go func() {
		v, _ := e.Request(ctx, k, fetchA, 0)
		aDone <- v
	}()
	require.Eventually(t, func() bool { return e.Waiters(k) == 1 },
		time.Second, time.Millisecond)

	// the invalidation detaches flight A so the next request starts B
	e.Invalidate(Exact(k))

	bDone := make(chan any, 1)
	go func() {
		v, _ := e.Request(ctx, k, fetchB, 0)
		bDone <- v
	}()
	require.Eventually(t, func() bool { return e.Waiters(k) == 2 },
		time.Second, time.Millisecond)

	close(releaseB)
	assert.Equal(t, "B", <-bDone)

	close(releaseA)
	assert.Equal(t, "A", <-aDone, "each caller still gets its own flight's result")

	entry, ok := c.Read(k)
	require.True(t, ok)
	assert.Equal(t, "B", entry.Data, "older flight must not overwrite newer data")
	assert.Equal(t, StatusFresh, entry.Status)
	assert.Equal(t, int64(1), c.Metrics().Discarded.Load())
}

func TestExecutor_InvalidatedFlightStoredStale(t *testing.T) {
	c, e, _ := newTestExecutor(t, Config{})
	k := Key("bookings")
	release := make(chan struct{})
	fetch, _ := blocking("before", release)

	done := make(chan struct{})
	go func() {
		_, _ = e.Request(context.Background(), k, fetch, time.Hour)
		close(done)
	}()
	require.Eventually(t, func() bool { return e.Waiters(k) == 1 },
		time.Second, time.Millisecond)

	e.Invalidate(Prefix("bookings"))
	close(release)
	<-done

	entry, _ := c.Read(k)
	assert.Equal(t, "before", entry.Data)
	assert.Equal(t, StatusStale, entry.Status,
		"data fetched before an invalidation must not be served as fresh")
}

func TestExecutor_SetSupersedesFlight(t *testing.T) {
	c, e, _ := newTestExecutor(t, Config{})
	k := Key("user")
	release := make(chan struct{})
	fetch, _ := blocking("anonymous", release)

	done := make(chan struct{})
	go func() {
		_, _ = e.Request(context.Background(), k, fetch, time.Hour)
		close(done)
	}()
	require.Eventually(t, func() bool { return e.Waiters(k) == 1 },
		time.Second, time.Millisecond)

	e.Set(k, "ada")
	close(release)
	<-done

	entry, _ := c.Read(k)
	assert.Equal(t, "ada", entry.Data)
}

func TestExecutor_RequestAfterSetSkipsSupersededFlight(t *testing.T) {
	c, e, _ := newTestExecutor(t, Config{})
	k := Key("user")
	release := make(chan struct{})
	stale, _ := blocking("anonymous", release)

	done := make(chan struct{})
	go func() {
		_, _ = e.Request(context.Background(), k, stale, 0)
		close(done)
	}()
	require.Eventually(t, func() bool { return e.Waiters(k) == 1 },
		time.Second, time.Millisecond)

	e.Set(k, "ada")

	fresh, calls := counting("ada")
	v, err := e.Request(context.Background(), k, fresh, 0)
	require.NoError(t, err)
	assert.Equal(t, "ada", v)
	assert.Equal(t, int32(1), calls.Load(), "a new fetch is started")

	close(release)
	<-done

	entry, _ := c.Read(k)
	assert.Equal(t, "ada", entry.Data)
	assert.Equal(t, int64(2), c.Metrics().Fetches.Load())
}

func TestExecutor_RequestAfterRemoveFetchesAgain(t *testing.T) {
	c, e, _ := newTestExecutor(t, Config{})
	k := Key("cabins")
	release := make(chan struct{})
	old, _ := blocking("old", release)

	done := make(chan struct{})
	go func() {
		_, _ = e.Request(context.Background(), k, old, 0)
		close(done)
	}()
	require.Eventually(t, func() bool { return e.Waiters(k) == 1 },
		time.Second, time.Millisecond)

	keys := e.Remove(Prefix("cabins"))
	assert.Len(t, keys, 1)

	fresh, calls := counting("new")
	v, err := e.Request(context.Background(), k, fresh, 0)
	require.NoError(t, err)
	assert.Equal(t, "new", v)
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	<-done

	entry, ok := c.Read(k)
	require.True(t, ok)
	assert.Equal(t, "new", entry.Data, "the removed flight does not write back")
}

func TestExecutor_CallerCancel(t *testing.T) {
	c, e, _ := newTestExecutor(t, Config{})
	k := Key("cabins")
	release := make(chan struct{})
	fetch, calls := blocking("cabins", release)

	ctx, cancel := context.WithCancel(context.Background())
	leaver := make(chan error, 1)
	go func() {
		_, err := e.Request(ctx, k, fetch, 0)
		leaver <- err
	}()

	stayer := make(chan any, 1)
	go func() {
		v, _ := e.Request(context.Background(), k, fetch, 0)
		stayer <- v
	}()
	require.Eventually(t, func() bool { return e.Waiters(k) == 2 },
		time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-leaver, context.Canceled)

	close(release)
	assert.Equal(t, "cabins", <-stayer)
	assert.Equal(t, int32(1), calls.Load())

	entry, _ := c.Read(k)
	assert.Equal(t, "cabins", entry.Data, "the fetch completes after a caller leaves")
}

func TestExecutor_Retries(t *testing.T) {
	_, e, _ := newTestExecutor(t, Config{QueryRetries: 2, RetryDelay: time.Millisecond})
	k := Key("cabins")

	var calls atomic.Int32
	v, err := e.Request(context.Background(), k, func(context.Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("flaky")
		}
		return "ok", nil
	}, 0)

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecutor_RetriesExhausted(t *testing.T) {
	c, e, _ := newTestExecutor(t, Config{QueryRetries: 1, RetryDelay: time.Millisecond})
	k := Key("cabins")
	boom := errors.New("boom")

	var calls atomic.Int32
	_, err := e.Request(context.Background(), k, func(context.Context) (any, error) {
		calls.Add(1)
		return nil, boom
	}, 0)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(1), c.Metrics().Errors.Load(), "only the final outcome is recorded")
}

func TestExecutor_ResetDiscardsLateFlight(t *testing.T) {
	c, e, _ := newTestExecutor(t, Config{})
	k := Key("user")
	release := make(chan struct{})
	fetch, _ := blocking("ada", release)

	done := make(chan struct{})
	go func() {
		_, _ = e.Request(context.Background(), k, fetch, time.Hour)
		close(done)
	}()
	require.Eventually(t, func() bool { return e.Waiters(k) == 1 },
		time.Second, time.Millisecond)

	e.Reset()
	close(release)
	<-done

	_, ok := c.Read(k)
	assert.False(t, ok, "a flight from the previous session must not repopulate the cache")
}

func TestExecutor_OnSubscriberObserved(t *testing.T) {
	c, e, clk := newTestExecutor(t, Config{})
	k := Key("cabins")
	fetch, calls := counting("cabins")

	assert.False(t, e.OnSubscriberObserved(k), "no fetcher known yet")

	_, err := e.Request(context.Background(), k, fetch, time.Minute)
	require.NoError(t, err)

	c.Subscribe(k, func(CacheEntry) {})
	assert.False(t, e.OnSubscriberObserved(k), "fresh keys are not refetched")

	clk.Advance(2 * time.Minute)
	assert.True(t, e.OnSubscriberObserved(k))
	e.Wait()
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecutor_OnAttentionRegained(t *testing.T) {
	c, e, _ := newTestExecutor(t, Config{})
	ctx := context.Background()
	observed, unobserved := Key("bookings"), Key("cabins")
	fetchObserved, observedCalls := counting("bookings")
	fetchUnobserved, unobservedCalls := counting("cabins")

	_, err := e.Request(ctx, observed, fetchObserved, 0)
	require.NoError(t, err)
	_, err = e.Request(ctx, unobserved, fetchUnobserved, 0)
	require.NoError(t, err)

	var notified atomic.Int32
	c.Subscribe(observed, func(CacheEntry) { notified.Add(1) })

	assert.Equal(t, 1, e.OnAttentionRegained())
	e.Wait()

	assert.Equal(t, int32(2), observedCalls.Load())
	assert.Equal(t, int32(1), unobservedCalls.Load(), "unobserved keys stay stale")
	assert.Equal(t, int32(1), notified.Load())
}

func TestExecutor_RefetchActive(t *testing.T) {
	c, e, _ := newTestExecutor(t, Config{})
	ctx := context.Background()
	a, b := Key("bookings", "page", 1), Key("bookings", "page", 2)
	fetchA, callsA := counting("a")
	fetchB, callsB := counting("b")

	_, _ = e.Request(ctx, a, fetchA, time.Hour)
	_, _ = e.Request(ctx, b, fetchB, time.Hour)
	c.Subscribe(a, func(CacheEntry) {})

	keys := e.Invalidate(Prefix("bookings"))
	assert.Equal(t, 1, e.RefetchActive(keys))
	e.Wait()

	assert.Equal(t, int32(2), callsA.Load())
	assert.Equal(t, int32(1), callsB.Load())

	entry, _ := c.Read(b)
	assert.Equal(t, StatusStale, entry.Status)
}

func TestExecutor_CloseStopsRefetch(t *testing.T) {
	c, e, _ := newTestExecutor(t, Config{})
	k := Key("cabins")
	fetch, calls := counting("cabins")

	_, _ = e.Request(context.Background(), k, fetch, 0)
	c.Subscribe(k, func(CacheEntry) {})
	e.Close()

	assert.Equal(t, 0, e.OnAttentionRegained())
	assert.Equal(t, int32(1), calls.Load())
}
