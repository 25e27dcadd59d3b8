package core

import (
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"
)

// UseDefault asks RunQuery to apply the configured default stale time.
const UseDefault time.Duration = -1

// defaultCompensationAttempts bounds the rollback retries of the
// resource workflow.
const defaultCompensationAttempts = 3

// Config controls the cache behaviour of a client session.
type Config struct {
	// StaleTime is how long fetched data is served without a refetch
	// when a query does not give its own. Zero means always refetch.
	StaleTime time.Duration

	// GCTime evicts entries that have had no subscriber for this long.
	// Zero disables eviction.
	GCTime time.Duration

	// MaxInactive caps the number of unobserved entries kept when GCTime
	// is set. Zero means no cap.
	MaxInactive int

	// QueryRetries is the number of extra attempts for a failed fetch.
	QueryRetries int

	// RetryDelay is the base backoff delay for query and rollback retries.
	RetryDelay time.Duration

	// CompensationAttempts is how many times a rollback is tried before
	// the workflow reports an orphan record.
	CompensationAttempts int

	// Resources holds per-resource blob settings for the workflow.
	Resources map[string]ResourceSpec
}

// ResourceSpec describes where a resource keeps its blob.
type ResourceSpec struct {
	// Bucket the blob is uploaded to. Defaults to the resource name.
	Bucket string
	// BlobField is the row field holding the blob reference. Defaults to "image".
	BlobField string
}

// Option configures a client and the components it builds.
type Option func(*options)

type options struct {
	log   *zap.Logger
	now   func() time.Time
	token func() string
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithTokenSource replaces the random token used in blob paths.
func WithTokenSource(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.token = fn
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		log:   zap.NewNop(),
		now:   time.Now,
		token: func() string { return xid.New().String() },
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
