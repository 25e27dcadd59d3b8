package core

import (
	"errors"
	"fmt"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	// ErrNotFound is returned by gateways when the addressed row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned when a client is used after Close.
	ErrClosed = errors.New("client closed")
)

// Severity lets callers decide how loudly to report a failure.
type Severity int

const (
	SeverityError Severity = iota
	// SeverityCritical means the backend was left inconsistent and needs
	// manual cleanup.
	SeverityCritical
)

func (s Severity) String() string {
	if s == SeverityCritical {
		return "critical"
	}
	return "error"
}

// SeverityOf returns the severity carried by err, SeverityError if none.
func SeverityOf(err error) Severity {
	var s interface{ Severity() Severity }
	if errors.As(err, &s) {
		return s.Severity()
	}
	return SeverityError
}

// LoadError is returned by a gateway when a list read fails.
type LoadError struct {
	Resource string
	Err      error
}

func (e *LoadError) Error() string {
	// Casers are stateful, so one is built per call.
	return cases.Title(language.English).String(e.Resource) + " could not be loaded"
}

func (e *LoadError) Unwrap() error { return e.Err }

// FetchError is a failed read recorded on a cache entry. The entry keeps
// the last good data.
type FetchError struct {
	Key QueryKey
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Key.Resource, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ValidationError rejects input before any gateway call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// MutationError is a failed gateway write. It is never cached.
type MutationError struct {
	Op       string
	Resource string
	Err      error
}

func (e *MutationError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Resource, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// UploadFailedError means the blob upload failed after the record was
// persisted, and the record was rolled back.
type UploadFailedError struct {
	Resource string
	RecordID string
	Path     string
	Err      error
}

func (e *UploadFailedError) Error() string {
	return fmt.Sprintf("upload %s for %s %s failed, record rolled back: %v",
		e.Path, e.Resource, e.RecordID, e.Err)
}

func (e *UploadFailedError) Unwrap() error { return e.Err }

func (e *UploadFailedError) State() WorkflowState { return StateCompensatedFailure }

func (e *UploadFailedError) Severity() Severity { return SeverityError }

// CompensationFailedError means the blob upload failed and undoing the
// record write failed too. RecordID names the record left behind.
type CompensationFailedError struct {
	Resource      string
	RecordID      string
	Path          string
	UploadErr     error
	CompensateErr error
}

func (e *CompensationFailedError) Error() string {
	return fmt.Sprintf("upload %s failed and %s %s could not be rolled back, manual cleanup required: upload: %v; rollback: %v",
		e.Path, e.Resource, e.RecordID, e.UploadErr, e.CompensateErr)
}

func (e *CompensationFailedError) Unwrap() []error {
	return []error{e.UploadErr, e.CompensateErr}
}

func (e *CompensationFailedError) State() WorkflowState { return StateCompensationFailed }

func (e *CompensationFailedError) Severity() Severity { return SeverityCritical }
