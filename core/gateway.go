package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Row is a single record as exchanged with the resource gateway.
type Row map[string]any

// IDField is the column every resource uses as its primary key.
const IDField = "id"

// ID returns the row's primary key as a string, or "" if the row
// has not been persisted yet.
func (r Row) ID() string {
	id, ok := r[IDField]
	if !ok || id == nil {
		return ""
	}
	return FormatValue(id)
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	c := make(Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// Filter method names, as understood by every gateway.
const (
	MethodEq  = "eq"
	MethodNeq = "neq"
	MethodGt  = "gt"
	MethodGte = "gte"
	MethodLt  = "lt"
	MethodLte = "lte"
)

// Filter restricts a List call to rows whose Field compares to Value
// using Method.
type Filter struct {
	Field  string `json:"field"`
	Method string `json:"method"`
	Value  any    `json:"value"`
}

// Eq is shorthand for an equality filter.
func Eq(field string, value any) *Filter {
	return &Filter{Field: field, Method: MethodEq, Value: value}
}

// Blob is raw binary data waiting to be uploaded to a blob store.
type Blob struct {
	Name        string
	ContentType string
	Data        []byte
}

// Gateway performs reads and writes against the backend that owns the
// resources. Implementations live in the serv package.
type Gateway interface {
	// List returns the rows of a resource, optionally filtered. A failed
	// read returns a *LoadError.
	List(ctx context.Context, resource string, filter *Filter) ([]Row, error)

	// Insert creates a row and returns it as persisted (with its id).
	Insert(ctx context.Context, resource string, row Row) (Row, error)

	// Update replaces the given fields of the row with the given id.
	Update(ctx context.Context, resource string, id string, row Row) (Row, error)

	// Remove deletes the row with the given id and returns the deleted rows.
	Remove(ctx context.Context, resource string, id string) ([]Row, error)
}

// BlobStore uploads blobs and resolves their public location.
type BlobStore interface {
	Upload(ctx context.Context, bucket, path string, blob Blob) error
	PublicPath(bucket, path string) string
}

// FormatValue renders ids and filter values the same way regardless of
// whether they came from JSON (float64), a SQL driver (int64) or a caller.
func FormatValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return FormatValue(float64(v))
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case json.Number:
		return v.String()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
