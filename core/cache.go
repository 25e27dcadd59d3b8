package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Status of a cache entry.
type Status int

const (
	StatusFresh Status = iota + 1
	StatusStale
	StatusFetching
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusFresh:
		return "fresh"
	case StatusStale:
		return "stale"
	case StatusFetching:
		return "fetching"
	case StatusErrored:
		return "errored"
	}
	return "unknown"
}

// CacheEntry is a snapshot of what the cache holds for one key. Data is
// kept across Fetching, Stale and Errored so consumers can keep showing
// the last good value.
type CacheEntry struct {
	Key       QueryKey
	Data      any
	HasData   bool
	Status    Status
	FetchedAt time.Time
	Err       error
	StaleTime time.Duration
}

// Fetcher loads the data for a query key.
type Fetcher func(ctx context.Context) (any, error)

type subscription struct {
	cb     func(CacheEntry)
	active atomic.Bool

	// mu guards the fields below. One goroutine at a time drains pending,
	// so cb is never called concurrently and never with an older entry
	// than the last one it saw.
	mu       sync.Mutex
	pending  *CacheEntry
	version  uint64
	last     uint64
	draining bool
}

// deliver hands e, the version-th change of the key, to the subscription.
// When another goroutine is already calling cb, e is left for it and
// replaces any older entry still waiting.
func (s *subscription) deliver(e CacheEntry, version uint64) {
	s.mu.Lock()
	if version <= s.last || (s.pending != nil && version <= s.version) {
		s.mu.Unlock()
		return
	}
	s.pending, s.version = &e, version
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()

	done := false
	defer func() {
		if !done {
			// cb panicked
			s.mu.Lock()
			s.draining = false
			s.mu.Unlock()
		}
	}()

	for {
		s.mu.Lock()
		if s.pending == nil {
			s.draining = false
			s.mu.Unlock()
			done = true
			return
		}
		next := *s.pending
		s.pending = nil
		s.last = s.version
		s.mu.Unlock()

		if s.active.Load() {
			s.cb(next)
		}
	}
}

type cacheItem struct {
	entry   CacheEntry
	present bool
	subs    []*subscription
	fetcher Fetcher

	// ordering guard, see commit
	started     uint64
	applied     uint64
	invalidated uint64
	inflight    int

	// changes counts the notifications built for this key
	changes uint64
}

// ticket identifies one fetch attempt for the ordering guard.
type ticket struct {
	epoch uint64
	seq   uint64
}

// delivery is a notification collected under the lock and sent after it
// is released, so callbacks may read the cache.
type delivery struct {
	entry   CacheEntry
	version uint64
	subs    []*subscription
}

func (d delivery) send() {
	for _, s := range d.subs {
		if s.active.Load() {
			s.deliver(d.entry, d.version)
		}
	}
}

// QueryCache is the in-memory store of fetched results for one client
// session. The zero value is not usable; create one with NewQueryCache.
// It starts empty and Clear returns it to that state when the session ends.
type QueryCache struct {
	mu        sync.RWMutex
	items     map[string]*cacheItem
	staleTime time.Duration
	epoch     uint64
	rec       *recorder

	// keys without subscribers, evicted after GCTime; nil when disabled
	idle *expirable.LRU[string, struct{}]
}

// NewQueryCache creates an empty cache. conf.StaleTime is applied to
// keys that were never given one. Inactive entries are evicted only when
// conf.GCTime is positive.
func NewQueryCache(conf Config) *QueryCache {
	c := &QueryCache{
		items:     make(map[string]*cacheItem),
		staleTime: conf.StaleTime,
		rec:       newRecorder(),
	}
	if conf.GCTime > 0 {
		c.idle = expirable.NewLRU[string, struct{}](conf.MaxInactive, c.evict, conf.GCTime)
	}
	return c
}

// Metrics returns the counters shared by the cache and its executor.
func (c *QueryCache) Metrics() *CacheMetrics {
	return c.rec.m
}

// item returns the item for key, creating it. Must be called with the
// write lock held.
func (c *QueryCache) item(key QueryKey) *cacheItem {
	canon := key.Canonical()
	it, ok := c.items[canon]
	if !ok {
		it = &cacheItem{entry: CacheEntry{Key: key, StaleTime: c.staleTime}}
		c.items[canon] = it
	}
	return it
}

func (it *cacheItem) delivery() delivery {
	subs := make([]*subscription, len(it.subs))
	copy(subs, it.subs)
	it.changes++
	return delivery{entry: it.entry, version: it.changes, subs: subs}
}

// Read returns the entry for key. It has no side effects.
func (c *QueryCache) Read(key QueryKey) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, ok := c.items[key.Canonical()]
	if !ok || !it.present {
		return CacheEntry{}, false
	}
	return it.entry, true
}

// IsFresh reports whether entry can be served without a refetch at now.
func (c *QueryCache) IsFresh(entry CacheEntry, now time.Time) bool {
	return entry.Status == StatusFresh && now.Sub(entry.FetchedAt) < entry.StaleTime
}

// Write stores data as the fresh value of key and notifies its
// subscribers. A direct write supersedes every fetch already started for
// the key: their results will be discarded.
func (c *QueryCache) Write(key QueryKey, data any, now time.Time) {
	c.mu.Lock()
	it := c.item(key)
	it.applied = it.started
	setData(it, data, now)
	d := it.delivery()
	idle := len(it.subs) == 0
	c.mu.Unlock()

	d.send()
	if idle {
		c.markIdle(key.Canonical())
	}
}

// MarkFetching flags key as being fetched. Existing data is kept.
func (c *QueryCache) MarkFetching(key QueryKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it := c.item(key)
	it.present = true
	it.entry.Status = StatusFetching
}

// MarkErrored records a failed fetch for key and notifies its
// subscribers. Existing data is kept.
func (c *QueryCache) MarkErrored(key QueryKey, err error, now time.Time) {
	c.mu.Lock()
	it := c.item(key)
	setError(it, err, now)
	d := it.delivery()
	c.mu.Unlock()

	d.send()
}

func setData(it *cacheItem, data any, now time.Time) {
	it.present = true
	it.entry.Data = data
	it.entry.HasData = true
	it.entry.Status = StatusFresh
	it.entry.FetchedAt = now
	it.entry.Err = nil
}

func setError(it *cacheItem, err error, now time.Time) {
	it.present = true
	it.entry.Status = StatusErrored
	it.entry.Err = err
	it.entry.FetchedAt = now
}

// Invalidate marks every entry selected by m as stale, keeping its data,
// and notifies the subscribers of each. It returns the affected keys so
// the caller can refetch the observed ones.
func (c *QueryCache) Invalidate(m Matcher) []QueryKey {
	c.mu.Lock()
	var (
		keys []QueryKey
		ds   []delivery
	)
	for _, it := range c.items {
		if !it.present || !m.Match(it.entry.Key) {
			continue
		}
		it.entry.Status = StatusStale
		it.invalidated = it.started
		keys = append(keys, it.entry.Key)
		ds = append(ds, it.delivery())
	}
	c.mu.Unlock()

	c.rec.invalidation(int64(len(keys)))
	for _, d := range ds {
		d.send()
	}
	return keys
}

// Remove drops the entries selected by m. Subscriptions on removed keys
// survive and see the key as absent until it is fetched again.
func (c *QueryCache) Remove(m Matcher) []QueryKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keys []QueryKey
	for canon, it := range c.items {
		if !it.present || !m.Match(it.entry.Key) {
			continue
		}
		keys = append(keys, it.entry.Key)
		if len(it.subs) == 0 && it.inflight == 0 {
			delete(c.items, canon)
			continue
		}
		it.present = false
		it.applied = it.started
		it.entry = CacheEntry{Key: it.entry.Key, StaleTime: it.entry.StaleTime}
	}
	return keys
}

// Clear drops every entry and subscription. Fetches still in flight when
// Clear is called never write to the cache.
func (c *QueryCache) Clear() {
	c.mu.Lock()
	for _, it := range c.items {
		for _, s := range it.subs {
			s.active.Store(false)
		}
	}
	c.items = make(map[string]*cacheItem)
	c.epoch++
	c.mu.Unlock()

	if c.idle != nil {
		c.idle.Purge()
	}
}

// Subscribe registers cb to be called with the new entry whenever key is
// written, errored or invalidated. Callbacks run synchronously in
// registration order. cb is never called concurrently with itself; when
// writers race, it sees the changes of key in the order they were made
// and may skip intermediate ones. The returned function unsubscribes;
// after it returns cb is not called again.
func (c *QueryCache) Subscribe(key QueryKey, cb func(CacheEntry)) (unsubscribe func()) {
	s := &subscription{cb: cb}
	s.active.Store(true)
	canon := key.Canonical()

	c.mu.Lock()
	it := c.item(key)
	it.subs = append(it.subs, s)
	first := len(it.subs) == 1
	c.mu.Unlock()

	if first {
		c.markActive(canon)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.active.Store(false)
			c.unsubscribe(canon, s)
		})
	}
}

func (c *QueryCache) unsubscribe(canon string, s *subscription) {
	c.mu.Lock()
	it, ok := c.items[canon]
	if !ok {
		c.mu.Unlock()
		return
	}
	for i, v := range it.subs {
		if v == s {
			it.subs = append(it.subs[:i], it.subs[i+1:]...)
			break
		}
	}
	idle := len(it.subs) == 0
	c.mu.Unlock()

	if idle {
		c.markIdle(canon)
	}
}

// SubscriberCount returns the number of active subscriptions on key.
func (c *QueryCache) SubscriberCount(key QueryKey) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if it, ok := c.items[key.Canonical()]; ok {
		return len(it.subs)
	}
	return 0
}

// Keys returns the keys that currently have an entry.
func (c *QueryCache) Keys() []QueryKey {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]QueryKey, 0, len(c.items))
	for _, it := range c.items {
		if it.present {
			keys = append(keys, it.entry.Key)
		}
	}
	return keys
}

// ObservedKeys returns the keys with at least one subscriber.
func (c *QueryCache) ObservedKeys() []QueryKey {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var keys []QueryKey
	for _, it := range c.items {
		if len(it.subs) > 0 {
			keys = append(keys, it.entry.Key)
		}
	}
	return keys
}

// Len returns the number of entries.
func (c *QueryCache) Len() int {
	return len(c.Keys())
}

// register remembers how key is fetched so later triggers can refetch it.
// A negative staleTime keeps the key's current stale time.
func (c *QueryCache) register(key QueryKey, f Fetcher, staleTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it := c.item(key)
	it.fetcher = f
	if staleTime >= 0 {
		it.entry.StaleTime = staleTime
	}
}

func (c *QueryCache) fetcherFor(key QueryKey) (Fetcher, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, ok := c.items[key.Canonical()]
	if !ok || it.fetcher == nil {
		return nil, false
	}
	return it.fetcher, true
}

// begin starts a fetch attempt for key and marks it fetching.
func (c *QueryCache) begin(key QueryKey) ticket {
	c.mu.Lock()
	defer c.mu.Unlock()

	it := c.item(key)
	it.started++
	it.inflight++
	it.present = true
	it.entry.Status = StatusFetching
	return ticket{epoch: c.epoch, seq: it.started}
}

// commit applies the outcome of the fetch identified by t. The outcome
// is dropped when a fetch started later has already been applied, or
// when the cache was cleared since t was issued. A result from a fetch
// that was started before an invalidation is stored as stale.
func (c *QueryCache) commit(t ticket, key QueryKey, data any, err error, now time.Time) bool {
	c.mu.Lock()
	if t.epoch != c.epoch {
		c.mu.Unlock()
		return false
	}
	it := c.item(key)
	it.inflight--
	if t.seq <= it.applied {
		if it.inflight == 0 && it.entry.Status == StatusFetching {
			// every newer fetch already finished; settle the status they left
			it.entry.Status = StatusStale
		}
		c.mu.Unlock()
		return false
	}
	it.applied = t.seq
	if err != nil {
		setError(it, err, now)
	} else {
		setData(it, data, now)
		if t.seq <= it.invalidated {
			it.entry.Status = StatusStale
		}
	}
	d := it.delivery()
	idle := len(it.subs) == 0
	c.mu.Unlock()

	d.send()
	if idle {
		c.markIdle(key.Canonical())
	}
	return true
}

func (c *QueryCache) markIdle(canon string) {
	if c.idle != nil {
		c.idle.Add(canon, struct{}{})
	}
}

func (c *QueryCache) markActive(canon string) {
	if c.idle != nil {
		c.idle.Remove(canon)
	}
}

// evict is the idle LRU's eviction callback. It also fires when a key is
// removed from the LRU on re-subscription, so it re-checks that the key
// is still unobserved.
func (c *QueryCache) evict(canon string, _ struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[canon]
	if !ok || len(it.subs) > 0 || it.inflight > 0 {
		return
	}
	delete(c.items, canon)
	c.rec.eviction()
}
