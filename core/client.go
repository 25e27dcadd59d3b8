package core

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Client is the surface the dashboard talks to. It owns the cache of one
// session together with the executor, coordinator and workflow built on it.
type Client struct {
	gw    Gateway
	cache *QueryCache
	exec  *Executor
	coord *MutationCoordinator
	flow  *Workflow
	log   *zap.Logger

	closed atomic.Bool
}

// NewClient creates a client reading and writing through gw. blobs may be
// nil when no resource owns a blob.
func NewClient(gw Gateway, blobs BlobStore, conf Config, opts ...Option) (*Client, error) {
	if gw == nil {
		return nil, fmt.Errorf("dashcache: no gateway defined")
	}
	o := newOptions(opts)

	c := &Client{gw: gw, log: o.log}
	c.cache = NewQueryCache(conf)
	c.exec = NewExecutor(c.cache, conf, opts...)
	c.coord = NewMutationCoordinator(c.exec, opts...)
	if blobs != nil {
		c.flow = NewWorkflow(gw, blobs, c.coord, conf, opts...)
	}
	return c, nil
}

// Cache returns the client's query cache.
func (c *Client) Cache() *QueryCache { return c.cache }

// Workflow returns the resource workflow, nil without a blob store.
func (c *Client) Workflow() *Workflow { return c.flow }

// Metrics returns the cache counters of the session.
func (c *Client) Metrics() *CacheMetrics { return c.cache.Metrics() }

// Subscribe calls cb on every change of key and refetches key if it is
// not fresh and was queried before.
func (c *Client) Subscribe(key QueryKey, cb func(CacheEntry)) func() {
	unsub := c.cache.Subscribe(key, cb)
	if !c.closed.Load() {
		c.exec.OnSubscriberObserved(key)
	}
	return unsub
}

// GetSnapshot returns the cached entry for key without fetching.
func (c *Client) GetSnapshot(key QueryKey) (CacheEntry, bool) {
	return c.cache.Read(key)
}

// RunQuery returns the data for key, fetching it with fetch unless a
// fresh entry exists. Pass UseDefault as staleTime for the configured
// default.
func (c *Client) RunQuery(ctx context.Context, key QueryKey, fetch Fetcher, staleTime time.Duration) (any, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.exec.Request(ctx, key, fetch, staleTime)
}

// RunMutation executes req and invalidates what it names.
func (c *Client) RunMutation(ctx context.Context, req MutationRequest) (any, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.coord.Execute(ctx, req)
}

// CreateOrUpdateResource runs the resource workflow. An empty id creates.
func (c *Client) CreateOrUpdateResource(ctx context.Context, resource string, payload Row, id string) (Row, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if c.flow == nil {
		return nil, fmt.Errorf("dashcache: no blob store defined")
	}
	return c.flow.CreateOrUpdate(ctx, resource, payload, id)
}

// ListKey is the query key List uses for resource and filter.
func ListKey(resource string, filter *Filter) QueryKey {
	if filter == nil {
		return Key(resource)
	}
	return Key(resource, "filter", map[string]any{
		"field":  filter.Field,
		"method": filter.Method,
		"value":  filter.Value,
	})
}

// List reads the rows of resource through the cache.
func (c *Client) List(ctx context.Context, resource string, filter *Filter, staleTime time.Duration) ([]Row, error) {
	var f *Filter
	if filter != nil {
		v := *filter
		f = &v
	}
	return Query[[]Row](ctx, c, ListKey(resource, f), func(ctx context.Context) ([]Row, error) {
		return c.gw.List(ctx, resource, f)
	}, staleTime)
}

// Remove deletes the row with id and invalidates every read of resource.
func (c *Client) Remove(ctx context.Context, resource, id string) ([]Row, error) {
	return Mutate[[]Row](ctx, c, MutationRequest{
		Name:     "remove",
		Resource: resource,
		Execute: func(ctx context.Context) (any, error) {
			return c.gw.Remove(ctx, resource, id)
		},
		Invalidates: []Matcher{Prefix(resource)},
	})
}

// SetQueryData writes data for key directly, as after a login.
func (c *Client) SetQueryData(key QueryKey, data any) {
	c.exec.Set(key, data)
}

// Invalidate marks the entries selected by matchers stale and refetches
// the observed ones.
func (c *Client) Invalidate(matchers ...Matcher) []QueryKey {
	return c.coord.Invalidate(matchers...)
}

// RemoveQueries drops the entries selected by matchers without
// refetching. Subscribers of removed keys stay registered.
func (c *Client) RemoveQueries(matchers ...Matcher) []QueryKey {
	var keys []QueryKey
	for _, m := range matchers {
		keys = append(keys, c.exec.Remove(m)...)
	}
	return keys
}

// AttentionRegained refetches every observed key that is not fresh. Call
// it when the dashboard regains focus.
func (c *Client) AttentionRegained() int {
	if c.closed.Load() {
		return 0
	}
	return c.exec.OnAttentionRegained()
}

// Reset ends the session: every entry and subscription is dropped and
// fetches still running never write back.
func (c *Client) Reset() {
	c.exec.Reset()
	c.log.Debug("session cache cleared")
}

// Wait blocks until the background refetches started so far are done.
func (c *Client) Wait() {
	c.exec.Wait()
}

// Close resets the client and waits for background refetches. Calls
// after Close fail with ErrClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.exec.Close()
	c.exec.Reset()
	return nil
}

// Query runs a typed query through c.
func Query[T any](ctx context.Context, c *Client, key QueryKey, fetch func(context.Context) (T, error), staleTime time.Duration) (T, error) {
	var zero T

	v, err := c.RunQuery(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}, staleTime)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("query %s: cached %T, want %T", key.Resource, v, zero)
	}
	return t, nil
}

// Mutate runs a typed mutation through c.
func Mutate[T any](ctx context.Context, c *Client, req MutationRequest) (T, error) {
	var zero T

	v, err := c.RunMutation(ctx, req)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("mutation %s: returned %T, want %T", req.Name, v, zero)
	}
	return t, nil
}
