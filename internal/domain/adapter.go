package domain

import (
	"context"
	"errors"
	"net"
	"time"
)

// Operation is one database-specific action an adapter can perform.
type Operation string

const (
	OperationBackup        Operation = "backup"
	OperationRestore       Operation = "restore"
	OperationPatchApply    Operation = "patch-apply"
	OperationPatchRollback Operation = "patch-rollback"
	OperationHealthProbe   Operation = "health-probe"
)

// AdapterRequest describes one adapter call.
type AdapterRequest struct {
	Operation Operation
	Target    DatabaseInstance
	RunID     string
	Attempt   int
	Options   map[string]string
}

// AdapterResult is the outcome of a successful adapter call.
type AdapterResult struct {
	ArtifactRef       string
	EstimatedDuration time.Duration
	Output            string
}

// Adapter performs database operations for one engine kind. The context
// carries the call timeout and the cancellation signal.
type Adapter interface {
	Execute(ctx context.Context, req AdapterRequest) (AdapterResult, error)
}

// AdapterResolver returns the adapter for an engine kind.
type AdapterResolver interface {
	For(engine EngineKind) (Adapter, error)
}

// ErrorClass decides whether a failure may be retried.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassFatal
)

func (c ErrorClass) String() string {
	if c == ClassFatal {
		return "fatal"
	}
	return "transient"
}

// OperationError carries the class an adapter assigned to a failure.
type OperationError struct {
	Class ErrorClass
	Err   error
}

func (e *OperationError) Error() string { return e.Err.Error() }
func (e *OperationError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Class: ClassTransient, Err: err}
}

// Fatal marks err as not retryable (bad credentials, invalid parameters,
// storage exhausted on the target).
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Class: ClassFatal, Err: err}
}

// Classify returns the class of an adapter error. Explicit marks win;
// timeouts and network errors are transient, and so is anything unmarked.
func Classify(err error) ErrorClass {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Class
	}
	if errors.Is(err, ErrLeaseTimeout) || errors.Is(err, ErrCancelled) {
		return ClassFatal
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassTransient
}
