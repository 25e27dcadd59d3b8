package core

import (
	"encoding/json"
	"fmt"
)

// QueryKey identifies a cached read: the resource it reads and the
// filter or sort options it was read with.
type QueryKey struct {
	Resource string
	Params   map[string]any
}

// Key creates a query key. Params are given as name/value pairs:
//
//	core.Key("bookings", "status", "checked-in")
func Key(resource string, params ...any) QueryKey {
	k := QueryKey{Resource: resource}
	if len(params) == 0 {
		return k
	}
	k.Params = make(map[string]any, len(params)/2)
	for i := 0; i+1 < len(params); i += 2 {
		name, ok := params[i].(string)
		if !ok {
			name = fmt.Sprint(params[i])
		}
		k.Params[name] = params[i+1]
	}
	return k
}

// Canonical returns the serialized form of the key used as the cache
// index. Map keys are sorted by the encoder so structurally equal keys
// always serialize to the same bytes.
func (k QueryKey) Canonical() string {
	p := k.Params
	if p == nil {
		p = map[string]any{}
	}
	b, err := json.Marshal([]any{k.Resource, p})
	if err != nil {
		// unencodable params (funcs, channels) fall back to fmt, which also
		// prints maps in key order
		return fmt.Sprintf("[%q,%v]", k.Resource, p)
	}
	return string(b)
}

// Equal reports whether two keys have the same canonical form.
func (k QueryKey) Equal(o QueryKey) bool {
	return k.Canonical() == o.Canonical()
}

func (k QueryKey) String() string {
	return k.Canonical()
}

type matchKind int

const (
	matchExact matchKind = iota
	matchPrefix
	matchAll
)

// Matcher selects the cache entries an invalidation applies to.
type Matcher struct {
	kind     matchKind
	canon    string
	resource string
	params   map[string]string
}

// Exact matches only the given key.
func Exact(k QueryKey) Matcher {
	return Matcher{kind: matchExact, canon: k.Canonical()}
}

// Prefix matches every key of the resource. Use Where to narrow it to
// keys carrying specific parameter values.
func Prefix(resource string) Matcher {
	return Matcher{kind: matchPrefix, resource: resource}
}

// All matches every cached key.
func All() Matcher {
	return Matcher{kind: matchAll}
}

// Where restricts a prefix matcher to keys whose param name equals value.
func (m Matcher) Where(name string, value any) Matcher {
	if m.kind != matchPrefix {
		return m
	}
	params := make(map[string]string, len(m.params)+1)
	for k, v := range m.params {
		params[k] = v
	}
	params[name] = canonicalValue(value)
	m.params = params
	return m
}

// Match reports whether the key is selected by the matcher.
func (m Matcher) Match(k QueryKey) bool {
	switch m.kind {
	case matchAll:
		return true
	case matchExact:
		return k.Canonical() == m.canon
	}

	if k.Resource != m.resource {
		return false
	}
	for name, want := range m.params {
		v, ok := k.Params[name]
		if !ok || canonicalValue(v) != want {
			return false
		}
	}
	return true
}

func (m Matcher) String() string {
	switch m.kind {
	case matchAll:
		return "*"
	case matchExact:
		return m.canon
	}
	if len(m.params) == 0 {
		return m.resource + "/*"
	}
	return fmt.Sprintf("%s/*%v", m.resource, m.params)
}

func canonicalValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
