package memory

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbops-orchestrator/internal/domain"
	"dbops-orchestrator/internal/infra/storetest"
)

func newTestStore() *Store {
	return NewStore(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestListDueAdvancesFromLastScheduledRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	def := &domain.JobDefinition{
		ID: "nightly", Name: "nightly", Kind: domain.JobKindBackup, DatabaseID: "db1",
		Schedule: domain.Schedule{Cron: "0 1 * * *"}, CreatedAt: created,
	}
	require.NoError(t, s.Save(ctx, def))

	now := created.Add(50 * time.Hour)
	due, err := s.ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, created.Add(time.Hour), due[0].ScheduledFor)

	require.NoError(t, s.CreateRun(ctx, domain.NewRun(def, due[0].ScheduledFor, now)))
	due, err = s.ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, created.Add(25*time.Hour), due[0].ScheduledFor, "next elapsed occurrence follows the recorded one")

	manual := domain.NewRun(def, now, now)
	manual.Manual = true
	require.NoError(t, s.CreateRun(ctx, manual))
	due, err = s.ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, created.Add(25*time.Hour), due[0].ScheduledFor, "manual submissions do not consume occurrences")
}

func TestListDueSkipsRetiredAndBrokenDefinitions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	oneShot := &domain.JobDefinition{
		ID: "once", Name: "once", Kind: domain.JobKindRestore, DatabaseID: "db1",
		Schedule: domain.Schedule{At: now.Add(-time.Minute)},
	}
	broken := &domain.JobDefinition{
		ID: "broken", Name: "broken", Kind: domain.JobKindBackup, DatabaseID: "db1",
		Schedule: domain.Schedule{Cron: "not a cron"},
	}
	require.NoError(t, s.Save(ctx, oneShot))
	require.NoError(t, s.Save(ctx, broken))

	due, err := s.ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "once", due[0].Definition.ID)

	require.NoError(t, s.RetireDefinition(ctx, "once"))
	due, err = s.ListDue(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestTerminalRunIsImmutable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	now := time.Now()
	def := &domain.JobDefinition{ID: "j", Kind: domain.JobKindBackup, DatabaseID: "db1"}
	run := domain.NewRun(def, now, now)
	require.NoError(t, s.CreateRun(ctx, run))

	require.NoError(t, run.Apply(domain.EventLeaseAcquired, now))
	require.NoError(t, s.UpdateRunState(ctx, run))
	active, err := s.ListActiveRuns(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, run.Apply(domain.EventSucceeded, now))
	require.NoError(t, s.UpdateRunTerminal(ctx, run))

	err = s.UpdateRunState(ctx, run)
	assert.ErrorIs(t, err, domain.ErrRunFinal)
	err = s.UpdateRunTerminal(ctx, run)
	assert.ErrorIs(t, err, domain.ErrRunFinal)

	active, err = s.ListActiveRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, got.State)
	assert.True(t, got.Final)
}

func TestListRunsNewestFirstWithPages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	def := &domain.JobDefinition{ID: "j", Kind: domain.JobKindBackup, DatabaseID: "db1"}
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.CreateRun(ctx, domain.NewRun(def, at, at)))
	}

	page1, err := s.ListRuns(ctx, "j", 1, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, base.Add(4*time.Hour), page1[0].ScheduledFor)

	page3, err := s.ListRuns(ctx, "j", 3, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, base, page3[0].ScheduledFor)

	empty, err := s.ListRuns(ctx, "j", 4, 2)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestIncidentLevelNeverDecreases(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	inc := &domain.Incident{ID: "i1", Title: "backup failed", Severity: domain.SeverityHigh, OpenedAt: time.Now()}
	require.NoError(t, s.RaiseIncident(ctx, inc))

	require.NoError(t, s.UpdateIncidentLevel(ctx, "i1", 2))
	assert.ErrorIs(t, s.UpdateIncidentLevel(ctx, "i1", 1), domain.ErrLevelRegression)

	got, err := s.GetIncident(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Level)

	require.NoError(t, s.ResolveIncident(ctx, "i1", time.Now(), "fixed"))
	assert.ErrorIs(t, s.UpdateIncidentLevel(ctx, "i1", 3), domain.ErrIncidentResolved)

	open, err := s.ListOpenIncidents(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.PutDatabase(&domain.DatabaseInstance{ID: "db1", Engine: domain.EngineOracle, Active: true})

	db, err := s.GetDatabase(ctx, "db1")
	require.NoError(t, err)
	db.Active = false

	again, err := s.GetDatabase(ctx, "db1")
	require.NoError(t, err)
	assert.True(t, again.Active)

	_, err = s.GetDatabase(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrDatabaseNotFound)
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store {
		return NewStore(slog.New(slog.NewTextHandler(io.Discard, nil)))
	})
}
