package core

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// MutationRequest is a write to run through the coordinator.
type MutationRequest struct {
	// Name and Resource label the write in errors and logs.
	Name     string
	Resource string

	// Execute performs the write against the gateway.
	Execute func(ctx context.Context) (any, error)

	// Invalidates selects the cached reads the write makes stale.
	Invalidates []Matcher

	// Primes are keys set directly to the write's result, e.g. the
	// current user after a login.
	Primes []QueryKey
}

// MutationCoordinator runs writes and turns their success into cache
// invalidation. It never retries: writes are not idempotent in general.
type MutationCoordinator struct {
	exec *Executor
	log  *zap.Logger
}

// NewMutationCoordinator creates a coordinator that invalidates through exec.
func NewMutationCoordinator(exec *Executor, opts ...Option) *MutationCoordinator {
	o := newOptions(opts)
	return &MutationCoordinator{exec: exec, log: o.log}
}

// Execute runs req. On success the matching cache entries are marked
// stale and the observed ones refetched before the result is returned.
// On failure the cache is untouched and the error is returned as a
// *MutationError, unless it already is one of the structured errors.
func (m *MutationCoordinator) Execute(ctx context.Context, req MutationRequest) (any, error) {
	if req.Execute == nil {
		return nil, &ValidationError{Field: "mutation", Reason: "no execute function"}
	}

	res, err := req.Execute(ctx)
	if err != nil {
		m.log.Debug("mutation failed",
			zap.String("name", req.Name),
			zap.String("resource", req.Resource),
			zap.Error(err))
		return nil, asMutationError(req, err)
	}

	for _, k := range req.Primes {
		m.exec.Set(k, res)
	}
	m.Invalidate(req.Invalidates...)
	return res, nil
}

// Invalidate marks the entries selected by matchers stale and refetches
// those that are observed. It returns the affected keys.
func (m *MutationCoordinator) Invalidate(matchers ...Matcher) []QueryKey {
	var keys []QueryKey
	for _, mt := range matchers {
		keys = append(keys, m.exec.Invalidate(mt)...)
	}
	n := m.exec.RefetchActive(keys)

	if len(keys) != 0 {
		m.log.Debug("invalidated",
			zap.Int("keys", len(keys)),
			zap.Int("refetching", n))
	}
	return keys
}

func asMutationError(req MutationRequest, err error) error {
	var (
		me *MutationError
		ve *ValidationError
		ue *UploadFailedError
		ce *CompensationFailedError
	)
	switch {
	case errors.As(err, &me), errors.As(err, &ve), errors.As(err, &ue), errors.As(err, &ce):
		return err
	}
	op := req.Name
	if op == "" {
		op = "mutation"
	}
	return &MutationError{Op: op, Resource: req.Resource, Err: err}
}
