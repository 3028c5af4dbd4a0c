package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbops-orchestrator/internal/domain"
	"dbops-orchestrator/internal/engine"
	"dbops-orchestrator/internal/infra/memory"
	"dbops-orchestrator/internal/scheduler"
)

type countingAdapter struct {
	mu    sync.Mutex
	calls map[domain.Operation]int
}

func (a *countingAdapter) Execute(_ context.Context, req domain.AdapterRequest) (domain.AdapterResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[req.Operation]++
	return domain.AdapterResult{ArtifactRef: "/backups/" + req.RunID}, nil
}

func (a *countingAdapter) For(domain.EngineKind) (domain.Adapter, error) { return a, nil }

func (a *countingAdapter) count(op domain.Operation) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

func testConfig() Config {
	return Config{
		Scheduler: scheduler.Config{
			TickInterval:     10 * time.Millisecond,
			QueryTimeout:     time.Second,
			QueueCapacity:    8,
			BacklogThreshold: time.Hour,
		},
		WorkerPoolSize: 2,
		ShutdownGrace:  time.Second,
		Engine: engine.Config{
			DefaultRetry:   domain.RetryPolicy{MaxAttempts: 3},
			AdapterTimeout: time.Second,
		},
		LeaseTimeout:        time.Hour,
		LeaseAcquireTimeout: 100 * time.Millisecond,
		EscalationInterval:  time.Hour,
	}
}

func setup(t *testing.T) (*Orchestrator, *memory.Store, *countingAdapter) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore(logger)
	store.PutDatabase(&domain.DatabaseInstance{
		ID: "db1", Name: "erp", Engine: domain.EngineOracle,
		Environment: domain.EnvironmentProduction, BackupRetentionDays: 7, Active: true,
	})
	adapter := &countingAdapter{calls: make(map[domain.Operation]int)}
	o, err := New(testConfig(), store, adapter, nil, logger)
	require.NoError(t, err)
	return o, store, adapter
}

func start(t *testing.T, o *Orchestrator) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	require.Eventually(t, o.Running, time.Second, 5*time.Millisecond)
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("orchestrator did not stop")
		}
	}
}

func latest(t *testing.T, store *memory.Store, defID string) *domain.JobRun {
	t.Helper()
	runs, err := store.ListRuns(context.Background(), defID, 1, 1)
	require.NoError(t, err)
	if len(runs) == 0 {
		return nil
	}
	return runs[0]
}

func TestRun_ExecutesDueOneShot(t *testing.T) {
	o, store, adapter := setup(t)
	now := time.Now()
	def := &domain.JobDefinition{
		ID: "adhoc-backup", Name: "adhoc backup", Kind: domain.JobKindBackup, DatabaseID: "db1",
		Schedule: domain.Schedule{At: now.Add(-time.Minute)}, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Save(context.Background(), def))

	stop := start(t, o)
	require.Eventually(t, func() bool {
		r := latest(t, store, def.ID)
		return r != nil && r.State == domain.RunSucceeded && r.Final
	}, 2*time.Second, 10*time.Millisecond)
	stop()

	assert.Equal(t, 1, adapter.count(domain.OperationBackup))
	got, err := store.Get(context.Background(), def.ID)
	require.NoError(t, err)
	assert.True(t, got.Retired, "one-shot definitions fire once")
	assert.False(t, o.Running())
}

func TestRun_RecoversInterruptedRun(t *testing.T) {
	o, store, adapter := setup(t)
	ctx := context.Background()
	now := time.Now()
	def := &domain.JobDefinition{
		ID: "nightly", Name: "nightly", Kind: domain.JobKindBackup, DatabaseID: "db1",
		Schedule: domain.Schedule{At: now.Add(-time.Hour)}, Retired: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Save(ctx, def))
	run := domain.NewRun(def, def.Schedule.At, now.Add(-time.Hour))
	require.NoError(t, store.CreateRun(ctx, run))
	require.NoError(t, run.Apply(domain.EventLeaseAcquired, now.Add(-time.Hour)))
	require.NoError(t, store.UpdateRunState(ctx, run))

	stop := start(t, o)
	require.Eventually(t, func() bool {
		r := latest(t, store, def.ID)
		return r != nil && r.Attempt == 2 && r.State == domain.RunSucceeded
	}, 2*time.Second, 10*time.Millisecond)
	stop()

	first, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, first.State)
	assert.Equal(t, engine.CauseInterrupted, first.Cause)
	assert.True(t, first.Final)
	assert.Equal(t, 1, adapter.count(domain.OperationBackup))
}

func TestSubmitAndCancel_NeedActiveTerm(t *testing.T) {
	o, _, _ := setup(t)
	assert.ErrorIs(t, o.Submit(context.Background(), &engine.Task{}), ErrNotRunning)
	_, err := o.Cancel("run-1")
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.False(t, o.Stats().Running)
}

func TestSubmit_RunsImmediately(t *testing.T) {
	o, store, adapter := setup(t)
	ctx := context.Background()
	now := time.Now()
	def := &domain.JobDefinition{
		ID: "weekly", Name: "weekly", Kind: domain.JobKindBackup, DatabaseID: "db1",
		Schedule: domain.Schedule{Cron: "0 3 * * 0"}, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Save(ctx, def))
	db, err := store.GetDatabase(ctx, "db1")
	require.NoError(t, err)

	stop := start(t, o)
	defer stop()

	run := domain.NewRun(def, now, now)
	run.Manual = true
	require.NoError(t, store.CreateRun(ctx, run))
	require.NoError(t, o.Submit(ctx, &engine.Task{Run: run, Definition: def, Database: db}))

	require.Eventually(t, func() bool {
		r, err := store.GetRun(ctx, run.ID)
		return err == nil && r.State == domain.RunSucceeded
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, adapter.count(domain.OperationBackup))
	assert.True(t, o.Stats().Running)
}
