package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"
)

// WorkflowState is a step of the resource creation workflow.
type WorkflowState int

const (
	StateStart WorkflowState = iota
	StateDeterminingBlobSource
	StatePersistingRecord
	StateUploadingBlob
	StateCompensating
	StateCommitted
	StatePersistFailed
	StateCompensatedFailure
	StateCompensationFailed
)

var stateNames = [...]string{
	StateStart:                 "start",
	StateDeterminingBlobSource: "determining-blob-source",
	StatePersistingRecord:      "persisting-record",
	StateUploadingBlob:         "uploading-blob",
	StateCompensating:          "compensating",
	StateCommitted:             "committed",
	StatePersistFailed:         "persist-failed",
	StateCompensatedFailure:    "compensated-failure",
	StateCompensationFailed:    "compensation-failed",
}

func (s WorkflowState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether the workflow stops in s.
func (s WorkflowState) Terminal() bool {
	return s >= StateCommitted
}

// Workflow creates and edits records that own exactly one blob, making
// sure no record is left pointing at a blob that was never stored.
type Workflow struct {
	gw        Gateway
	blobs     BlobStore
	coord     *MutationCoordinator
	resources map[string]ResourceSpec
	attempts  uint
	delay     time.Duration
	token     func() string
	log       *zap.Logger

	// Observe, when set, is called on every state transition.
	Observe func(resource string, s WorkflowState)
}

// NewWorkflow creates a workflow writing through gw and blobs and
// invalidating through coord.
func NewWorkflow(gw Gateway, blobs BlobStore, coord *MutationCoordinator, conf Config, opts ...Option) *Workflow {
	o := newOptions(opts)

	attempts := conf.CompensationAttempts
	if attempts <= 0 {
		attempts = defaultCompensationAttempts
	}

	return &Workflow{
		gw:        gw,
		blobs:     blobs,
		coord:     coord,
		resources: conf.Resources,
		attempts:  uint(attempts),
		delay:     conf.RetryDelay,
		token:     o.token,
		log:       o.log,
	}
}

// Spec returns the blob settings for resource, with defaults applied.
func (w *Workflow) Spec(resource string) ResourceSpec {
	spec := w.resources[resource]
	if spec.Bucket == "" {
		spec.Bucket = resource
	}
	if spec.BlobField == "" {
		spec.BlobField = "image"
	}
	return spec
}

// BlobPath builds the storage path for a blob: the token, a dash and the
// original name with path separators removed.
func BlobPath(token, name string) string {
	name = strings.NewReplacer("/", "", "\\", "").Replace(name)
	return token + "-" + name
}

// run is one execution of the workflow.
type run struct {
	w        *Workflow
	resource string
	id       string
	spec     ResourceSpec
	state    WorkflowState
	log      *zap.Logger
}

func (r *run) to(s WorkflowState) {
	r.log.Debug("workflow transition",
		zap.Stringer("from", r.state),
		zap.Stringer("to", s))
	r.state = s
	if r.w.Observe != nil {
		r.w.Observe(r.resource, s)
	}
}

// CreateOrUpdate persists payload as a record of resource. An empty id
// creates a new record; otherwise the record with that id is updated.
//
// The payload's blob field holds either a string, the reference to a
// blob already stored, or a Blob to upload. A new blob's public path is
// written to the record before the upload, and if the upload fails the
// record write is undone: a created record is removed and an edited one
// restored to its previous fields.
func (w *Workflow) CreateOrUpdate(ctx context.Context, resource string, payload Row, id string) (Row, error) {
	r := &run{
		w:        w,
		resource: resource,
		id:       id,
		spec:     w.Spec(resource),
		log:      w.log.With(zap.String("resource", resource), zap.String("id", id)),
	}

	r.to(StateDeterminingBlobSource)
	blob, err := r.blobSource(payload)
	if err != nil {
		return nil, err
	}

	row := payload.Clone()
	var path string
	if blob != nil {
		path = BlobPath(w.token(), blob.Name)
		row[r.spec.BlobField] = w.blobs.PublicPath(r.spec.Bucket, path)
	}

	var previous Row
	if id != "" && blob != nil {
		if previous, err = r.snapshot(ctx); err != nil {
			r.to(StatePersistFailed)
			return nil, err
		}
	}

	r.to(StatePersistingRecord)
	saved, err := r.persist(ctx, row)
	if err != nil {
		r.to(StatePersistFailed)
		return nil, err
	}

	if blob != nil {
		r.to(StateUploadingBlob)
		if err := w.blobs.Upload(ctx, r.spec.Bucket, path, *blob); err != nil {
			return nil, r.compensate(ctx, saved, previous, path, err)
		}
	}

	r.to(StateCommitted)
	w.coord.Invalidate(Prefix(resource))
	return saved, nil
}

func (r *run) blobSource(payload Row) (*Blob, error) {
	field := r.spec.BlobField
	v, ok := payload[field]
	if !ok || v == nil {
		return nil, &ValidationError{Field: field, Reason: "is required"}
	}

	switch v := v.(type) {
	case string:
		if v == "" {
			return nil, &ValidationError{Field: field, Reason: "is empty"}
		}
		return nil, nil
	case Blob:
		return checkBlob(field, &v)
	case *Blob:
		return checkBlob(field, v)
	}
	return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("unsupported value %T", v)}
}

func checkBlob(field string, b *Blob) (*Blob, error) {
	switch {
	case b == nil:
		return nil, &ValidationError{Field: field, Reason: "is required"}
	case b.Name == "":
		return nil, &ValidationError{Field: field, Reason: "blob has no name"}
	case len(b.Data) == 0:
		return nil, &ValidationError{Field: field, Reason: "blob is empty"}
	}
	return b, nil
}

// snapshot reads the record being edited so it can be restored.
func (r *run) snapshot(ctx context.Context) (Row, error) {
	rows, err := r.w.gw.List(ctx, r.resource, Eq(IDField, r.id))
	if err != nil {
		return nil, &MutationError{Op: "snapshot", Resource: r.resource, Err: err}
	}
	if len(rows) == 0 {
		return nil, &MutationError{Op: "snapshot", Resource: r.resource,
			Err: fmt.Errorf("%s %s: %w", r.resource, r.id, ErrNotFound)}
	}
	return rows[0], nil
}

func (r *run) persist(ctx context.Context, row Row) (Row, error) {
	if r.id == "" {
		saved, err := r.w.gw.Insert(ctx, r.resource, row)
		if err != nil {
			return nil, &MutationError{Op: "insert", Resource: r.resource, Err: err}
		}
		return saved, nil
	}

	saved, err := r.w.gw.Update(ctx, r.resource, r.id, row)
	if err != nil {
		return nil, &MutationError{Op: "update", Resource: r.resource, Err: err}
	}
	return saved, nil
}

// compensate undoes the record write after a failed upload. A created
// record is removed. An edited record is written back with Update(id,
// previous), which restores every column of the snapshot; a column the
// edit set that was missing from the snapshot keeps its edited value,
// since Update cannot drop columns.
func (r *run) compensate(ctx context.Context, saved, previous Row, path string, uploadErr error) error {
	r.to(StateCompensating)

	recordID := r.id
	if recordID == "" {
		recordID = saved.ID()
	}

	// the rollback must run even if the caller gave up
	cctx := context.WithoutCancel(ctx)

	err := retry.Do(
		func() error {
			if recordID == "" {
				return retry.Unrecoverable(errors.New("persisted record has no id"))
			}
			if r.id == "" {
				_, err := r.w.gw.Remove(cctx, r.resource, recordID)
				return err
			}
			_, err := r.w.gw.Update(cctx, r.resource, r.id, previous)
			return err
		},
		retry.Attempts(r.w.attempts),
		retry.Delay(r.w.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(cctx),
	)

	if err != nil {
		r.to(StateCompensationFailed)
		r.log.Error("rollback failed, orphan record left behind",
			zap.String("record_id", recordID),
			zap.String("path", path),
			zap.NamedError("upload_error", uploadErr),
			zap.NamedError("rollback_error", err))
		return &CompensationFailedError{
			Resource:      r.resource,
			RecordID:      recordID,
			Path:          path,
			UploadErr:     uploadErr,
			CompensateErr: err,
		}
	}

	r.to(StateCompensatedFailure)
	r.log.Warn("upload failed, record rolled back",
		zap.String("record_id", recordID),
		zap.String("path", path),
		zap.Error(uploadErr))
	return &UploadFailedError{
		Resource: r.resource,
		RecordID: recordID,
		Path:     path,
		Err:      uploadErr,
	}
}
