package core

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// CacheMetrics tracks cache and executor activity for one client session.
type CacheMetrics struct {
	Hits          atomic.Int64
	Misses        atomic.Int64
	Fetches       atomic.Int64
	Deduplicated  atomic.Int64 // requests answered by a fetch shared with others
	Discarded     atomic.Int64 // results dropped by the ordering guard
	Invalidations atomic.Int64
	Errors        atomic.Int64
	Evictions     atomic.Int64
}

// Snapshot returns a point-in-time snapshot of metrics
func (m *CacheMetrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"hits":          m.Hits.Load(),
		"misses":        m.Misses.Load(),
		"fetches":       m.Fetches.Load(),
		"deduplicated":  m.Deduplicated.Load(),
		"discarded":     m.Discarded.Load(),
		"invalidations": m.Invalidations.Load(),
		"errors":        m.Errors.Load(),
		"evictions":     m.Evictions.Load(),
	}
}

// HitRate returns the cache hit rate (0.0 to 1.0)
func (m *CacheMetrics) HitRate() float64 {
	hits := m.Hits.Load()
	total := hits + m.Misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// recorder updates the internal counters and mirrors them to OpenTelemetry.
type recorder struct {
	m *CacheMetrics

	otelHits          metric.Int64Counter
	otelMisses        metric.Int64Counter
	otelFetches       metric.Int64Counter
	otelInvalidations metric.Int64Counter
	otelErrors        metric.Int64Counter
	otelEvictions     metric.Int64Counter
}

func newRecorder() *recorder {
	r := &recorder{m: &CacheMetrics{}}

	meter := otel.Meter("github.com/wildoasis/dashcache/core")

	r.otelHits, _ = meter.Int64Counter("dashcache.query.hits",
		metric.WithDescription("Number of reads served from fresh cache entries"))
	r.otelMisses, _ = meter.Int64Counter("dashcache.query.misses",
		metric.WithDescription("Number of reads that needed a fetch"))
	r.otelFetches, _ = meter.Int64Counter("dashcache.query.fetches",
		metric.WithDescription("Number of gateway fetches started"))
	r.otelInvalidations, _ = meter.Int64Counter("dashcache.cache.invalidations",
		metric.WithDescription("Number of cache entries marked stale"))
	r.otelErrors, _ = meter.Int64Counter("dashcache.query.errors",
		metric.WithDescription("Number of failed fetches"))
	r.otelEvictions, _ = meter.Int64Counter("dashcache.cache.evictions",
		metric.WithDescription("Number of inactive entries evicted"))

	return r
}

func add(c metric.Int64Counter, n int64) {
	if c != nil && n != 0 {
		c.Add(context.Background(), n)
	}
}

func (r *recorder) hit() {
	r.m.Hits.Add(1)
	add(r.otelHits, 1)
}

func (r *recorder) miss() {
	r.m.Misses.Add(1)
	add(r.otelMisses, 1)
}

func (r *recorder) fetch() {
	r.m.Fetches.Add(1)
	add(r.otelFetches, 1)
}

func (r *recorder) shared() {
	r.m.Deduplicated.Add(1)
}

func (r *recorder) discard() {
	r.m.Discarded.Add(1)
}

func (r *recorder) invalidation(n int64) {
	r.m.Invalidations.Add(n)
	add(r.otelInvalidations, n)
}

func (r *recorder) failure() {
	r.m.Errors.Add(1)
	add(r.otelErrors, 1)
}

func (r *recorder) eviction() {
	r.m.Evictions.Add(1)
	add(r.otelEvictions, 1)
}
