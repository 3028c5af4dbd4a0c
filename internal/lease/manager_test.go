package lease

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbops-orchestrator/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAcquireIsExclusivePerDatabase(t *testing.T) {
	m := NewManager(time.Minute, time.Second, discardLogger())
	ctx := context.Background()

	l1, err := m.Acquire(ctx, "db1", "run-1")
	require.NoError(t, err)
	assert.True(t, m.Held("db1"))

	_, err = m.Acquire(ctx, "db1", "run-2")
	assert.ErrorIs(t, err, domain.ErrLeaseBusy)

	l3, err := m.Acquire(ctx, "db2", "run-3")
	require.NoError(t, err)
	assert.Equal(t, 2, m.Active())

	m.Release(l1)
	assert.False(t, m.Held("db1"))
	assert.ErrorIs(t, context.Cause(l1.Context()), context.Canceled)
	assert.False(t, l1.Revoked())

	l2, err := m.Acquire(ctx, "db1", "run-2")
	require.NoError(t, err)
	m.Release(l2)
	m.Release(l3)
	assert.Equal(t, 0, m.Active())
}

func TestConcurrentAcquireGrantsOneHolder(t *testing.T) {
	m := NewManager(time.Minute, time.Second, discardLogger())
	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Acquire(context.Background(), "db1", "run"); err == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), granted.Load())
}

func TestRevokeExpiredCancelsHolder(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(10*time.Minute, time.Second, discardLogger(), WithClock(clock.Now))

	l, err := m.Acquire(context.Background(), "db1", "run-1")
	require.NoError(t, err)

	assert.Empty(t, m.RevokeExpired(clock.Now().Add(9*time.Minute)))
	assert.NoError(t, l.Context().Err())

	revoked := m.RevokeExpired(clock.Now().Add(10 * time.Minute))
	require.Len(t, revoked, 1)
	assert.True(t, l.Revoked())
	assert.ErrorIs(t, context.Cause(l.Context()), domain.ErrLeaseTimeout)
	assert.False(t, m.Held("db1"))

	// the late release of a revoked lease must not free a newer holder
	next, err := m.Acquire(context.Background(), "db1", "run-2")
	require.NoError(t, err)
	m.Release(l)
	assert.True(t, m.Held("db1"))
	m.Release(next)
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	unlocked chan string
	err      error
}

type fakeLock struct {
	l    *fakeLocker
	name string
}

func (f *fakeLock) Unlock(context.Context) error {
	f.l.mu.Lock()
	delete(f.l.held, f.name)
	f.l.mu.Unlock()
	f.l.unlocked <- f.name
	return nil
}

func (f *fakeLocker) Lock(_ context.Context, name string) (domain.Lock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.held[name] {
		return nil, domain.ErrLockNotAcquired
	}
	f.held[name] = true
	return &fakeLock{l: f, name: name}, nil
}

func TestGuardBacksLease(t *testing.T) {
	locker := &fakeLocker{held: map[string]bool{}, unlocked: make(chan string, 4)}
	m := NewManager(time.Minute, time.Second, discardLogger(), WithGuard(locker))

	// another process holds the guard
	locker.held["db/db1"] = true
	_, err := m.Acquire(context.Background(), "db1", "run-1")
	assert.ErrorIs(t, err, domain.ErrLeaseBusy)
	assert.False(t, m.Held("db1"))

	l, err := m.Acquire(context.Background(), "db2", "run-2")
	require.NoError(t, err)
	m.Release(l)
	select {
	case name := <-locker.unlocked:
		assert.Equal(t, "db/db2", name)
	case <-time.After(time.Second):
		t.Fatal("guard was not released")
	}

	locker.err = errors.New("etcd unavailable")
	_, err = m.Acquire(context.Background(), "db3", "run-3")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrLeaseBusy)
	assert.False(t, m.Held("db3"))
}
