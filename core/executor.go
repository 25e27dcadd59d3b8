package core

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Executor serves reads from the cache and performs the fetches it
// cannot serve. Concurrent requests for one key share a single fetch.
type Executor struct {
	cache      *QueryCache
	group      singleflight.Group
	now        func() time.Time
	log        *zap.Logger
	retries    int
	retryDelay time.Duration

	mu      sync.Mutex
	waiters map[string]int

	// background refetches run on bg and are tracked by wg
	bg   context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewExecutor creates an executor over cache.
func NewExecutor(cache *QueryCache, conf Config, opts ...Option) *Executor {
	o := newOptions(opts)
	bg, stop := context.WithCancel(context.Background())

	if conf.QueryRetries < 0 {
		conf.QueryRetries = 0
	}

	return &Executor{
		cache:      cache,
		now:        o.now,
		log:        o.log,
		retries:    conf.QueryRetries,
		retryDelay: conf.RetryDelay,
		waiters:    make(map[string]int),
		bg:         bg,
		stop:       stop,
	}
}

// Request returns the data for key. Fresh cached data is returned without
// calling fetch. Otherwise the caller joins the fetch in flight for key,
// or starts one. A negative staleTime keeps the key's current stale time
// (the configured default for new keys).
//
// Returning early because ctx ended does not cancel the fetch; it still
// completes and updates the cache.
func (e *Executor) Request(ctx context.Context, key QueryKey, fetch Fetcher, staleTime time.Duration) (any, error) {
	if fetch == nil {
		return nil, &ValidationError{Field: "fetch", Reason: "no fetch function for " + key.Resource}
	}
	e.cache.register(key, fetch, staleTime)

	if entry, ok := e.cache.Read(key); ok && e.cache.IsFresh(entry, e.now()) {
		e.cache.rec.hit()
		return entry.Data, nil
	}
	e.cache.rec.miss()

	return e.join(ctx, key, fetch)
}

func (e *Executor) join(ctx context.Context, key QueryKey, fetch Fetcher) (any, error) {
	canon := key.Canonical()

	// the fetch outlives any single caller
	fctx := context.WithoutCancel(ctx)
	ch := e.group.DoChan(canon, func() (any, error) {
		return e.fetch(fctx, key, fetch)
	})

	e.track(canon, 1)
	defer e.track(canon, -1)

	select {
	case res := <-ch:
		if res.Shared {
			e.cache.rec.shared()
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Executor) fetch(ctx context.Context, key QueryKey, fetch Fetcher) (any, error) {
	t := e.cache.begin(key)
	e.cache.rec.fetch()

	var data any
	err := retry.Do(
		func() error {
			v, err := fetch(ctx)
			if err != nil {
				return err
			}
			data = v
			return nil
		},
		retry.Attempts(uint(e.retries)+1),
		retry.Delay(e.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		err = &FetchError{Key: key, Err: err}
		e.cache.rec.failure()
		e.log.Debug("fetch failed", zap.Stringer("key", key), zap.Error(err))
	}

	if !e.cache.commit(t, key, data, err, e.now()) {
		e.cache.rec.discard()
		e.log.Debug("fetch result superseded",
			zap.Stringer("key", key),
			zap.Uint64("attempt", t.seq))
	}
	return data, err
}

func (e *Executor) track(canon string, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.waiters[canon] += n
	if e.waiters[canon] <= 0 {
		delete(e.waiters, canon)
	}
}

// Waiters returns the number of callers currently waiting on the fetch
// for key.
func (e *Executor) Waiters(key QueryKey) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waiters[key.Canonical()]
}

// Set writes data for key directly, superseding fetches in flight. The
// superseded fetch is detached so later requests do not join it.
func (e *Executor) Set(key QueryKey, data any) {
	e.cache.Write(key, data, e.now())
	e.group.Forget(key.Canonical())
}

// Remove drops the entries selected by m and detaches their in-flight
// fetches. The next request for a removed key fetches it again.
func (e *Executor) Remove(m Matcher) []QueryKey {
	keys := e.cache.Remove(m)
	for _, k := range keys {
		e.group.Forget(k.Canonical())
	}
	return keys
}

// Invalidate marks the entries selected by m stale and detaches their
// in-flight fetches, so the next request starts a new fetch instead of
// joining one that may return pre-invalidation data.
func (e *Executor) Invalidate(m Matcher) []QueryKey {
	keys := e.cache.Invalidate(m)
	for _, k := range keys {
		e.group.Forget(k.Canonical())
	}
	return keys
}

// RefetchActive refetches, in the background, those of keys that have
// at least one subscriber. Unobserved keys stay stale until next read.
func (e *Executor) RefetchActive(keys []QueryKey) int {
	n := 0
	for _, k := range keys {
		if e.cache.SubscriberCount(k) == 0 {
			continue
		}
		if e.refetch(k) {
			n++
		}
	}
	return n
}

// OnSubscriberObserved is the trigger for a consumer starting to observe
// key. A key that is not fresh is refetched if its fetcher is known.
func (e *Executor) OnSubscriberObserved(key QueryKey) bool {
	if !e.needsFetch(key, e.now()) {
		return false
	}
	return e.refetch(key)
}

// OnAttentionRegained is the trigger for the consumer regaining focus.
// Every observed key that is not fresh is refetched.
func (e *Executor) OnAttentionRegained() int {
	now := e.now()
	n := 0
	for _, k := range e.cache.ObservedKeys() {
		if !e.needsFetch(k, now) {
			continue
		}
		if e.refetch(k) {
			n++
		}
	}
	return n
}

func (e *Executor) needsFetch(key QueryKey, now time.Time) bool {
	entry, ok := e.cache.Read(key)
	if !ok {
		return true
	}
	return entry.Status != StatusFetching && !e.cache.IsFresh(entry, now)
}

func (e *Executor) refetch(key QueryKey) bool {
	f, ok := e.cache.fetcherFor(key)
	if !ok {
		return false
	}
	if e.bg.Err() != nil {
		return false
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.join(e.bg, key, f); err != nil {
			e.log.Debug("background refetch failed", zap.Stringer("key", key), zap.Error(err))
		}
	}()
	return true
}

// Wait blocks until every background refetch started so far has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Reset clears the cache and detaches every fetch in flight. Fetches
// that complete afterwards do not repopulate the cache.
func (e *Executor) Reset() {
	keys := e.cache.Keys()
	e.cache.Clear()
	for _, k := range keys {
		e.group.Forget(k.Canonical())
	}
}

// Close stops triggering refetches and waits for running ones.
func (e *Executor) Close() {
	e.stop()
	e.wg.Wait()
}
