package usecase

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
	"dbops-orchestrator/internal/engine"
	"dbops-orchestrator/internal/escalation"
	"dbops-orchestrator/internal/infra/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDispatcher struct {
	mu        sync.Mutex
	running   bool
	submitted []*engine.Task
	cancelled []string
}

func (d *fakeDispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *fakeDispatcher) Submit(_ context.Context, task *engine.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitted = append(d.submitted, task)
	return nil
}

func (d *fakeDispatcher) Cancel(runID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, runID)
	return true, nil
}

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newJobService(t *testing.T) (*JobService, *memory.Store, *fakeDispatcher) {
	t.Helper()
	store := memory.NewStore(testLogger())
	store.PutDatabase(&domain.DatabaseInstance{
		ID: "db1", Name: "erp", Engine: domain.EngineOracle, Environment: domain.EnvironmentProduction, Active: true,
	})
	store.PutDatabase(&domain.DatabaseInstance{
		ID: "old", Name: "legacy", Engine: domain.EngineSQLServer, Environment: domain.EnvironmentDevelopment,
	})
	d := &fakeDispatcher{running: true}
	svc := NewJobService(store, d, testLogger())
	svc.SetClock(func() time.Time { return t0 })
	return svc, store, d
}

func backup(db string) *domain.JobDefinition {
	return &domain.JobDefinition{
		Name: "nightly", Kind: domain.JobKindBackup, DatabaseID: db,
		Schedule: domain.Schedule{Cron: "0 1 * * *"},
	}
}

func TestJobService_SaveAssignsIDAndKeepsCreation(t *testing.T) {
	svc, _, _ := newJobService(t)
	ctx := context.Background()
	job := backup("db1")
	require.NoError(t, svc.Save(ctx, job))
	require.NotEmpty(t, job.ID)
	assert.Equal(t, t0, job.CreatedAt)

	svc.SetClock(func() time.Time { return t0.Add(time.Hour) })
	job.Schedule.Cron = "0 2 * * *"
	require.NoError(t, svc.Save(ctx, job))
	got, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, t0, got.CreatedAt, "updates keep the occurrence anchor")
	assert.Equal(t, t0.Add(time.Hour), got.UpdatedAt)
	assert.Equal(t, "0 2 * * *", got.Schedule.Cron)
}

func TestJobService_ReseedKeepsOneShotRetired(t *testing.T) {
	svc, store, _ := newJobService(t)
	ctx := context.Background()
	at := t0.Add(time.Hour)
	job := &domain.JobDefinition{
		ID: "psu", Name: "psu", Kind: domain.JobKindPatchApply, DatabaseID: "db1",
		Schedule: domain.Schedule{At: at},
	}
	require.NoError(t, svc.Save(ctx, job))
	require.NoError(t, store.RetireDefinition(ctx, "psu"))

	again := *job
	again.Retired = false
	require.NoError(t, svc.Save(ctx, &again))
	got, err := svc.Get(ctx, "psu")
	require.NoError(t, err)
	assert.True(t, got.Retired, "same trigger")

	again.Schedule.At = at.Add(24 * time.Hour)
	require.NoError(t, svc.Save(ctx, &again))
	got, err = svc.Get(ctx, "psu")
	require.NoError(t, err)
	assert.False(t, got.Retired, "rescheduled")
}

func TestJobService_SaveRejects(t *testing.T) {
	svc, _, _ := newJobService(t)
	ctx := context.Background()

	bad := backup("db1")
	bad.Schedule.Cron = "not a cron"
	assert.ErrorIs(t, svc.Save(ctx, bad), ErrInvalidJob)

	assert.ErrorIs(t, svc.Save(ctx, backup("nowhere")), domain.ErrDatabaseNotFound)
}

func TestJobService_SaveRejectsTimeoutPastLease(t *testing.T) {
	svc, _, _ := newJobService(t)
	svc.SetLeaseTimeout(6 * time.Hour)
	ctx := context.Background()

	job := backup("db1")
	job.Timeout = 6 * time.Hour
	assert.ErrorIs(t, svc.Save(ctx, job), ErrInvalidJob)

	job.Timeout = 5 * time.Hour
	assert.NoError(t, svc.Save(ctx, job))
}

func TestJobService_Submit(t *testing.T) {
	svc, store, d := newJobService(t)
	ctx := context.Background()
	job := backup("db1")
	require.NoError(t, svc.Save(ctx, job))

	run, err := svc.Submit(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, run.Manual)
	assert.Equal(t, 1, run.Attempt)
	require.Len(t, d.submitted, 1)
	assert.Equal(t, run.ID, d.submitted[0].Run.ID)

	stored, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunPending, stored.State)

	history, err := svc.ListHistory(ctx, job.ID, 1, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestJobService_SubmitGates(t *testing.T) {
	svc, store, d := newJobService(t)
	ctx := context.Background()

	inactive := backup("old")
	require.NoError(t, svc.Save(ctx, inactive))
	_, err := svc.Submit(ctx, inactive.ID)
	assert.ErrorIs(t, err, ErrDatabaseInactive)

	patch := &domain.JobDefinition{
		Name: "patch", Kind: domain.JobKindPatchApply, DatabaseID: "db1",
		Schedule: domain.Schedule{At: t0}, RollbackEligible: true,
	}
	require.NoError(t, svc.Save(ctx, patch))
	_, err = svc.Submit(ctx, patch.ID)
	assert.ErrorIs(t, err, ErrOutsideWindow)

	store.PutWindow(&domain.MaintenanceWindow{
		ID: "now", DatabaseID: "db1", Start: t0.Add(-time.Hour), End: t0.Add(time.Hour),
	})
	_, err = svc.Submit(ctx, patch.ID)
	assert.NoError(t, err)

	d.running = false
	_, err = svc.Submit(ctx, patch.ID)
	assert.ErrorIs(t, err, ErrNotLeader)
	assert.Len(t, d.submitted, 1)
}

func TestJobService_CancelRun(t *testing.T) {
	svc, store, d := newJobService(t)
	ctx := context.Background()
	job := backup("db1")
	require.NoError(t, svc.Save(ctx, job))
	run, err := svc.Submit(ctx, job.ID)
	require.NoError(t, err)

	inFlight, err := svc.CancelRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, inFlight)
	assert.Equal(t, []string{run.ID}, d.cancelled)

	require.NoError(t, run.Apply(domain.EventLeaseAcquired, t0))
	require.NoError(t, run.Apply(domain.EventSucceeded, t0))
	require.NoError(t, store.UpdateRunTerminal(ctx, run))
	_, err = svc.CancelRun(ctx, run.ID)
	assert.ErrorIs(t, err, domain.ErrRunFinal)

	_, err = svc.CancelRun(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestJobService_CancelRunRejectsRollingBack(t *testing.T) {
	svc, store, d := newJobService(t)
	ctx := context.Background()
	job := backup("db1")
	require.NoError(t, svc.Save(ctx, job))
	run, err := svc.Submit(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, run.Apply(domain.EventLeaseAcquired, t0))
	require.NoError(t, run.Fail(t0, "adapter_error", errors.New("rman exited 1")))
	require.NoError(t, run.Apply(domain.EventRollbackStarted, t0))
	require.NoError(t, store.UpdateRunState(ctx, run))

	_, err = svc.CancelRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunNotCancellable)
	assert.Empty(t, d.cancelled)
}

func TestIncidentService_Resolve(t *testing.T) {
	store := memory.NewStore(testLogger())
	tracker, err := escalation.NewTracker(store, nil, nil, time.Minute, testLogger())
	require.NoError(t, err)
	svc := NewIncidentService(store, tracker, testLogger())
	ctx := context.Background()

	inc, err := tracker.Raise(ctx, &domain.Incident{Title: "listener down", Severity: domain.SeverityHigh})
	require.NoError(t, err)
	open, err := svc.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, svc.Resolve(ctx, inc.ID, ""))
	got, err := svc.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.False(t, got.Open())
	assert.Equal(t, "resolved by operator", got.Resolution)
	assert.ErrorIs(t, svc.Resolve(ctx, inc.ID, "again"), domain.ErrIncidentResolved)
}

type fakeElection struct {
	campaigns atomic.Int32
	resigns   atomic.Int32
	lost      chan struct{}
	leader    atomic.Bool
}

func (e *fakeElection) Campaign(ctx context.Context) (<-chan struct{}, error) {
	if e.campaigns.Add(1) > 1 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	e.leader.Store(true)
	return e.lost, nil
}

func (e *fakeElection) Resign(context.Context) error {
	e.resigns.Add(1)
	e.leader.Store(false)
	return nil
}

func (e *fakeElection) IsLeader() bool { return e.leader.Load() }

type blockingRunner struct {
	started chan struct{}
	cause   chan error
}

func (r *blockingRunner) Run(ctx context.Context) error {
	r.started <- struct{}{}
	<-ctx.Done()
	r.cause <- context.Cause(ctx)
	return nil
}

func TestSchedulerService_StopsOnLostLeadership(t *testing.T) {
	election := &fakeElection{lost: make(chan struct{})}
	runner := &blockingRunner{started: make(chan struct{}, 1), cause: make(chan error, 1)}
	svc := NewSchedulerService(election, runner, "node-1", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	<-runner.started
	assert.True(t, election.IsLeader())
	close(election.lost)
	assert.ErrorIs(t, <-runner.cause, ErrLeadershipLost)

	require.Eventually(t, func() bool { return election.campaigns.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), election.resigns.Load())
	assert.False(t, election.IsLeader())

	cancel()
	assert.NoError(t, <-done)
}

func TestSchedulerService_WithoutElection(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{}, 1), cause: make(chan error, 1)}
	svc := NewSchedulerService(nil, runner, "node-1", testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	<-runner.started
	cancel()
	assert.True(t, errors.Is(<-runner.cause, context.Canceled))
	assert.NoError(t, <-done)
}
