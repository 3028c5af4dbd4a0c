// internal/infra/etcd/etcd_locker.go
package etcd

import (
	"context"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"dbops-orchestrator/internal/domain"
)

const (
	// LockPrefix is the root of the distributed database leases in etcd.
	LockPrefix = "/dbops/locks/"
	// LockSessionTTL bounds how long a crashed holder keeps a database locked.
	LockSessionTTL = 10 // seconds
	// lockTryTimeout caps a single TryLock round trip.
	lockTryTimeout = 100 * time.Millisecond
)

// etcdLock implements domain.Lock.
type etcdLock struct {
	mutex   *concurrency.Mutex
	session *concurrency.Session
	name    string
}

// Unlock releases the mutex and closes its session, which revokes the lease.
func (l *etcdLock) Unlock(ctx context.Context) error {
	defer func() { _ = l.session.Close() }()

	if err := l.mutex.Unlock(ctx); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.name, err)
	}
	return nil
}

// etcdLocker implements domain.Locker. It guards the in-process lease table
// so that two orchestrator instances never work on the same database.
type etcdLocker struct {
	client *clientv3.Client
}

func NewEtcdLocker(client *clientv3.Client) domain.Locker {
	return &etcdLocker{client: client}
}

// Lock tries once to take the named mutex. A held mutex yields
// domain.ErrLockNotAcquired.
func (l *etcdLocker) Lock(ctx context.Context, name string) (domain.Lock, error) {
	// every lock gets its own session, so releasing one never touches another
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(LockSessionTTL), concurrency.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session for lock %s: %w", name, err)
	}

	mutex := concurrency.NewMutex(session, LockPrefix+name)

	tryCtx, cancel := context.WithTimeout(ctx, lockTryTimeout)
	defer cancel()

	if err := mutex.TryLock(tryCtx); err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) || errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.ErrLockNotAcquired
		}
		return nil, fmt.Errorf("failed to try acquiring etcd lock %s: %w", name, err)
	}

	return &etcdLock{
		mutex:   mutex,
		session: session,
		name:    name,
	}, nil
}
