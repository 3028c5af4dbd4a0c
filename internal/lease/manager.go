// Package lease grants exclusive per-database execution rights with a hard
// timeout. A lease that outlives its timeout is revoked and its holder is
// cancelled through the lease context.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dbops-orchestrator/internal/domain"
	"dbops-orchestrator/internal/metrics"
)

const guardPrefix = "db/"

// Lease is the exclusive right to operate on one database.
type Lease struct {
	DatabaseID string
	RunID      string
	AcquiredAt time.Time
	ExpiresAt  time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	guard  domain.Lock
}

// Context is cancelled with domain.ErrLeaseTimeout when the lease is revoked
// and with context.Canceled when it is released.
func (l *Lease) Context() context.Context {
	return l.ctx
}

// Revoked reports whether the lease was taken away on timeout.
func (l *Lease) Revoked() bool {
	return errors.Is(context.Cause(l.ctx), domain.ErrLeaseTimeout)
}

// Option configures a Manager.
type Option func(*Manager)

// WithGuard backs every lease with a distributed lock so that several
// orchestrator processes never operate on the same database.
func WithGuard(locker domain.Locker) Option {
	return func(m *Manager) { m.guard = locker }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager holds the lease table. All methods are safe for concurrent use.
type Manager struct {
	mu             sync.Mutex
	leases         map[string]*Lease
	timeout        time.Duration
	acquireTimeout time.Duration
	guard          domain.Locker
	now            func() time.Time
	logger         *slog.Logger
}

// NewManager creates a manager whose leases expire after timeout.
// acquireTimeout bounds the distributed guard call.
func NewManager(timeout, acquireTimeout time.Duration, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		leases:         make(map[string]*Lease),
		timeout:        timeout,
		acquireTimeout: acquireTimeout,
		now:            time.Now,
		logger:         logger.With("component", "lease-manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire grants the lease on databaseID to runID without blocking on
// another holder. It returns domain.ErrLeaseBusy if the database is leased.
func (m *Manager) Acquire(ctx context.Context, databaseID, runID string) (*Lease, error) {
	now := m.now()
	leaseCtx, cancel := context.WithCancelCause(context.Background())
	l := &Lease{
		DatabaseID: databaseID,
		RunID:      runID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.timeout),
		ctx:        leaseCtx,
		cancel:     cancel,
	}

	m.mu.Lock()
	if held, ok := m.leases[databaseID]; ok {
		m.mu.Unlock()
		cancel(nil)
		m.logger.Debug("lease busy", "database_id", databaseID, "run_id", runID, "holder", held.RunID)
		return nil, domain.ErrLeaseBusy
	}
	// Reserve the slot before the guard call so no local contender slips in.
	m.leases[databaseID] = l
	m.mu.Unlock()
	metrics.LeasesHeld.Inc()

	if m.guard != nil {
		guardCtx, guardCancel := context.WithTimeout(ctx, m.acquireTimeout)
		lock, err := m.guard.Lock(guardCtx, guardPrefix+databaseID)
		guardCancel()
		if err != nil {
			if m.drop(l) {
				metrics.LeasesHeld.Dec()
			}
			cancel(nil)
			if errors.Is(err, domain.ErrLockNotAcquired) {
				return nil, domain.ErrLeaseBusy
			}
			return nil, fmt.Errorf("acquire lease guard for %s: %w", databaseID, err)
		}
		m.mu.Lock()
		l.guard = lock
		stillHeld := m.leases[databaseID] == l
		m.mu.Unlock()
		if !stillHeld {
			// revoked while the guard call was in flight
			m.unlockGuard(lock, databaseID)
			return nil, domain.ErrLeaseTimeout
		}
	}

	m.logger.Debug("lease acquired", "database_id", databaseID, "run_id", runID, "expires_at", l.ExpiresAt)
	return l, nil
}

// Release gives the lease back. Releasing a revoked lease is a no-op.
func (m *Manager) Release(l *Lease) {
	if l == nil || !m.drop(l) {
		return
	}
	metrics.LeasesHeld.Dec()
	l.cancel(context.Canceled)
	if l.guard != nil {
		m.unlockGuard(l.guard, l.DatabaseID)
	}
	m.logger.Debug("lease released", "database_id", l.DatabaseID, "run_id", l.RunID)
}

// RevokeExpired force-revokes every lease whose timeout has passed at now.
// Holders observe the revocation through the lease context.
func (m *Manager) RevokeExpired(now time.Time) []*Lease {
	m.mu.Lock()
	var expired []*Lease
	var guards []domain.Lock
	for id, l := range m.leases {
		if !now.Before(l.ExpiresAt) {
			delete(m.leases, id)
			expired = append(expired, l)
			guards = append(guards, l.guard)
		}
	}
	m.mu.Unlock()

	for i, l := range expired {
		metrics.LeasesHeld.Dec()
		metrics.LeaseRevocationsTotal.Inc()
		l.cancel(domain.ErrLeaseTimeout)
		if guards[i] != nil {
			m.unlockGuard(guards[i], l.DatabaseID)
		}
		m.logger.Warn("lease revoked on timeout",
			"database_id", l.DatabaseID,
			"run_id", l.RunID,
			"held_for", now.Sub(l.AcquiredAt).String(),
		)
	}
	return expired
}

// Held reports whether databaseID is currently leased.
func (m *Manager) Held(databaseID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.leases[databaseID]
	return ok
}

// Active returns the number of leases currently held.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

// drop removes l from the table if it is still the current holder.
func (m *Manager) drop(l *Lease) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leases[l.DatabaseID] != l {
		return false
	}
	delete(m.leases, l.DatabaseID)
	return true
}

func (m *Manager) unlockGuard(lock domain.Lock, databaseID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.acquireTimeout)
		defer cancel()
		if err := lock.Unlock(ctx); err != nil {
			m.logger.Error("failed to release lease guard", "database_id", databaseID, "error", err)
		}
	}()
}
