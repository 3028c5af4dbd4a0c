// internal/domain/locker.go
package domain

import (
	"context"
	"errors"
)

var (
	// ErrLockNotAcquired is returned when a lock cannot be acquired, for example,
	// if it's already held by another process.
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLeaseBusy is returned when another run holds the database lease.
	ErrLeaseBusy = errors.New("database lease busy")
	// ErrLeaseTimeout is the cancellation cause of a force-revoked lease.
	ErrLeaseTimeout = errors.New("lease timeout")
	// ErrTimeout is the cancellation cause of an adapter call that ran out of time.
	ErrTimeout = errors.New("timeout")
	// ErrCancelled is the cancellation cause of an operator-cancelled run.
	ErrCancelled = errors.New("cancelled")
)

// Lock represents an acquired distributed lock.
type Lock interface {
	// Unlock releases the lock.
	Unlock(ctx context.Context) error
}

// Locker defines the interface for a distributed locking mechanism.
type Locker interface {
	// Lock attempts to acquire a lock for the given name.
	// It should be a non-blocking call. If the lock is already held,
	// it must return ErrLockNotAcquired.
	Lock(ctx context.Context, name string) (Lock, error)
}
