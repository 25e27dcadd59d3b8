package serv

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/wildoasis/dashcache/core"
)

// MemoryGateway keeps resources in process memory. It backs local runs
// and demos; nothing survives a restart.
type MemoryGateway struct {
	mu     sync.RWMutex
	tables map[string]*memTable
}

type memTable struct {
	rows   []core.Row
	nextID int64
}

// NewMemoryGateway returns an empty memory gateway
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{tables: make(map[string]*memTable)}
}

func (g *MemoryGateway) table(resource string) *memTable {
	t, ok := g.tables[resource]
	if !ok {
		t = &memTable{nextID: 1}
		g.tables[resource] = t
	}
	return t
}

// Seed adds rows to a resource as-is. Rows without an id get the next one.
func (g *MemoryGateway) Seed(resource string, rows ...core.Row) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.table(resource)
	for _, r := range rows {
		r = r.Clone()
		if r.ID() == "" {
			r[core.IDField] = t.nextID
		}
		if n, err := strconv.ParseInt(r.ID(), 10, 64); err == nil && n >= t.nextID {
			t.nextID = n + 1
		}
		t.rows = append(t.rows, r)
	}
}

// Resources returns the names of the resources holding rows
func (g *MemoryGateway) Resources() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	names := make([]string, 0, len(g.tables))
	for name := range g.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns copies of the rows of resource that match filter
func (g *MemoryGateway) List(ctx context.Context, resource string, filter *core.Filter) ([]core.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, &core.LoadError{Resource: resource, Err: err}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	t, ok := g.tables[resource]
	if !ok {
		return []core.Row{}, nil
	}

	rows := make([]core.Row, 0, len(t.rows))
	for _, r := range t.rows {
		match, err := matchFilter(r, filter)
		if err != nil {
			return nil, &core.LoadError{Resource: resource, Err: err}
		}
		if match {
			rows = append(rows, r.Clone())
		}
	}
	return rows, nil
}

// Insert stores row under a new numeric id
func (g *MemoryGateway) Insert(ctx context.Context, resource string, row core.Row) (core.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.table(resource)
	r := row.Clone()
	if r == nil {
		r = core.Row{}
	}
	r[core.IDField] = t.nextID
	t.nextID++
	t.rows = append(t.rows, r)
	return r.Clone(), nil
}

// Update sets the fields of row on the row with id. The id itself
// cannot be changed.
func (g *MemoryGateway) Update(ctx context.Context, resource, id string, row core.Row) (core.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tables[resource]
	if ok {
		for _, r := range t.rows {
			if r.ID() != id {
				continue
			}
			for k, v := range row {
				if k != core.IDField {
					r[k] = v
				}
			}
			return r.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%s %s: %w", resource, id, core.ErrNotFound)
}

// Remove deletes the row with id. Removing a missing row is not an error,
// which keeps it safe to retry.
func (g *MemoryGateway) Remove(ctx context.Context, resource, id string) ([]core.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tables[resource]
	if !ok {
		return []core.Row{}, nil
	}

	removed := []core.Row{}
	kept := t.rows[:0]
	for _, r := range t.rows {
		if r.ID() == id {
			removed = append(removed, r.Clone())
			continue
		}
		kept = append(kept, r)
	}
	t.rows = kept
	return removed, nil
}

func matchFilter(r core.Row, f *core.Filter) (bool, error) {
	if f == nil {
		return true, nil
	}

	v, ok := r[f.Field]
	if !ok {
		return false, nil
	}

	switch f.Method {
	case core.MethodEq:
		return compare(v, f.Value) == 0, nil
	case core.MethodNeq:
		return compare(v, f.Value) != 0, nil
	case core.MethodGt:
		return compare(v, f.Value) > 0, nil
	case core.MethodGte:
		return compare(v, f.Value) >= 0, nil
	case core.MethodLt:
		return compare(v, f.Value) < 0, nil
	case core.MethodLte:
		return compare(v, f.Value) <= 0, nil
	}
	return false, fmt.Errorf("unknown filter method: %q", f.Method)
}

// compare orders two values numerically when both are numbers and by
// their string form otherwise
func compare(a, b any) int {
	as, bs := core.FormatValue(a), core.FormatValue(b)

	af, aerr := strconv.ParseFloat(as, 64)
	bf, berr := strconv.ParseFloat(bs, 64)
	if aerr == nil && berr == nil {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}

	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}
