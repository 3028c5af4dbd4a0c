// Package storetest holds the behaviour every store backend must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbops-orchestrator/internal/domain"
)

// Store is what a backend offers.
type Store interface {
	domain.Store
	domain.InventoryWriter
}

var t0 = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

// Run exercises a backend. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("JobDefinitions", func(t *testing.T) { testJobDefinitions(t, newStore(t)) })
	t.Run("ListDueFollowsRunHistory", func(t *testing.T) { testListDue(t, newStore(t)) })
	t.Run("TerminalRunsAreImmutable", func(t *testing.T) { testTerminalRuns(t, newStore(t)) })
	t.Run("RunHistoryNewestFirst", func(t *testing.T) { testRunHistory(t, newStore(t)) })
	t.Run("IncidentLifecycle", func(t *testing.T) { testIncidents(t, newStore(t)) })
	t.Run("Inventory", func(t *testing.T) { testInventory(t, newStore(t)) })
}

func hourly(id string) *domain.JobDefinition {
	return &domain.JobDefinition{
		ID: id, Name: id, Kind: domain.JobKindBackup, DatabaseID: "db1",
		Schedule: domain.Schedule{Cron: "0 * * * *"}, CreatedAt: t0, UpdatedAt: t0,
	}
}

// uniq keeps ids apart when a backend is shared between runs.
func uniq(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func testJobDefinitions(t *testing.T, s Store) {
	ctx := context.Background()
	id := uniq("job")
	require.NoError(t, s.Save(ctx, hourly(id)))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "0 * * * *", got.Schedule.Cron)
	assert.Equal(t, domain.JobKindBackup, got.Kind)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, list)

	require.NoError(t, s.RetireDefinition(ctx, id))
	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Retired)

	require.NoError(t, s.Delete(ctx, id))
	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	assert.ErrorIs(t, s.Delete(ctx, id), domain.ErrJobNotFound)
	assert.ErrorIs(t, s.RetireDefinition(ctx, id), domain.ErrJobNotFound)
}

func dueFor(t *testing.T, s Store, id string, now time.Time) (time.Time, bool) {
	t.Helper()
	due, err := s.ListDue(context.Background(), now)
	require.NoError(t, err)
	for _, d := range due {
		if d.Definition.ID == id {
			return d.ScheduledFor, true
		}
	}
	return time.Time{}, false
}

func testListDue(t *testing.T, s Store) {
	ctx := context.Background()
	def := hourly(uniq("due"))
	require.NoError(t, s.Save(ctx, def))
	now := t0.Add(2*time.Hour + 30*time.Minute)

	at, ok := dueFor(t, s, def.ID, now)
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), at, "earliest elapsed occurrence first")

	require.NoError(t, s.CreateRun(ctx, domain.NewRun(def, at, now)))
	at, ok = dueFor(t, s, def.ID, now)
	require.True(t, ok)
	assert.Equal(t, t0.Add(2*time.Hour), at)

	manual := domain.NewRun(def, now, now)
	manual.Manual = true
	require.NoError(t, s.CreateRun(ctx, manual))
	at, ok = dueFor(t, s, def.ID, now)
	require.True(t, ok)
	assert.Equal(t, t0.Add(2*time.Hour), at, "manual runs do not consume occurrences")

	require.NoError(t, s.CreateRun(ctx, domain.NewRun(def, at, now)))
	_, ok = dueFor(t, s, def.ID, now)
	assert.False(t, ok)

	assert.Error(t, s.CreateRun(ctx, manual), "duplicate run id")
}

func testTerminalRuns(t *testing.T, s Store) {
	ctx := context.Background()
	def := hourly(uniq("term"))
	run := domain.NewRun(def, t0, t0)
	require.NoError(t, s.CreateRun(ctx, run))

	require.NoError(t, run.Apply(domain.EventLeaseAcquired, t0.Add(time.Second)))
	require.NoError(t, s.UpdateRunState(ctx, run))
	require.NoError(t, run.Apply(domain.EventSucceeded, t0.Add(time.Minute)))
	run.ArtifactRef = "/backups/full.bkp"
	require.NoError(t, s.UpdateRunTerminal(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, got.State)
	assert.True(t, got.Final)
	assert.Equal(t, "/backups/full.bkp", got.ArtifactRef)

	got.ErrorDetail = "rewritten"
	assert.ErrorIs(t, s.UpdateRunState(ctx, got), domain.ErrRunFinal)
	assert.ErrorIs(t, s.UpdateRunTerminal(ctx, got), domain.ErrRunFinal)

	active, err := s.ListActiveRuns(ctx)
	require.NoError(t, err)
	for _, r := range active {
		assert.NotEqual(t, run.ID, r.ID)
	}

	_, err = s.GetRun(ctx, uniq("missing"))
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
	ghost := domain.NewRun(def, t0, t0)
	assert.ErrorIs(t, s.UpdateRunState(ctx, ghost), domain.ErrRunNotFound)
}

func testRunHistory(t *testing.T, s Store) {
	ctx := context.Background()
	def := hourly(uniq("hist"))
	first := domain.NewRun(def, t0, t0)
	require.NoError(t, s.CreateRun(ctx, first))
	require.NoError(t, first.Apply(domain.EventLeaseAcquired, t0))
	require.NoError(t, first.Apply(domain.EventFailed, t0.Add(time.Minute)))
	require.NoError(t, s.UpdateRunTerminal(ctx, first))

	second := first.NextAttempt(t0.Add(2*time.Minute), t0.Add(3*time.Minute))
	require.NoError(t, s.CreateRun(ctx, second))
	third := domain.NewRun(def, t0.Add(time.Hour), t0.Add(time.Hour))
	require.NoError(t, s.CreateRun(ctx, third))

	all, err := s.ListRuns(ctx, def.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{third.ID, second.ID, first.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	page, err := s.ListRuns(ctx, def.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, first.ID, page[0].ID)

	active, err := s.ListActiveRuns(ctx)
	require.NoError(t, err)
	ids := make(map[string]bool)
	for _, r := range active {
		ids[r.ID] = true
	}
	assert.True(t, ids[second.ID])
	assert.True(t, ids[third.ID])
	assert.False(t, ids[first.ID])
}

func testIncidents(t *testing.T, s Store) {
	ctx := context.Background()
	inc := &domain.Incident{
		ID: uniq("inc"), Key: uniq("job-failed"), DatabaseID: "db1", Title: "backup failed",
		Category: domain.CategoryBackupFailure, Severity: domain.SeverityHigh,
		OpenedAt: t0, SLADeadline: t0.Add(4 * time.Hour),
	}
	require.NoError(t, s.RaiseIncident(ctx, inc))
	assert.Error(t, s.RaiseIncident(ctx, inc), "duplicate id")

	require.NoError(t, s.UpdateIncidentLevel(ctx, inc.ID, 1))
	require.NoError(t, s.UpdateIncidentLevel(ctx, inc.ID, 2))
	assert.ErrorIs(t, s.UpdateIncidentLevel(ctx, inc.ID, 1), domain.ErrLevelRegression)

	open, err := s.ListOpenIncidents(ctx)
	require.NoError(t, err)
	var found *domain.Incident
	for _, o := range open {
		if o.ID == inc.ID {
			found = o
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, 2, found.Level)
	assert.Equal(t, inc.Key, found.Key)

	require.NoError(t, s.ResolveIncident(ctx, inc.ID, t0.Add(time.Hour), "restarted listener"))
	assert.ErrorIs(t, s.ResolveIncident(ctx, inc.ID, t0.Add(2*time.Hour), "again"), domain.ErrIncidentResolved)
	assert.ErrorIs(t, s.UpdateIncidentLevel(ctx, inc.ID, 3), domain.ErrIncidentResolved)

	got, err := s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, got.ResolvedAt.Equal(t0.Add(time.Hour)))
	assert.Equal(t, "restarted listener", got.Resolution)
	assert.Equal(t, 2, got.Level, "resolution keeps the reached level")

	open, err = s.ListOpenIncidents(ctx)
	require.NoError(t, err)
	for _, o := range open {
		assert.NotEqual(t, inc.ID, o.ID)
	}

	_, err = s.GetIncident(ctx, uniq("missing"))
	assert.ErrorIs(t, err, domain.ErrIncidentNotFound)
	assert.ErrorIs(t, s.UpdateIncidentLevel(ctx, uniq("missing"), 1), domain.ErrIncidentNotFound)
}

func testInventory(t *testing.T, s Store) {
	ctx := context.Background()
	id := uniq("db")
	db := &domain.DatabaseInstance{
		ID: id, ClientID: "acme", Name: "ERP", Engine: domain.EngineOracle, Version: "19c",
		Host: "ora1.internal", Port: 1521, ServiceName: "ERPPDB",
		Environment: domain.EnvironmentProduction, BackupRetentionDays: 14, Active: true,
	}
	require.NoError(t, s.SaveDatabase(ctx, db))
	assert.Error(t, s.SaveDatabase(ctx, &domain.DatabaseInstance{ID: uniq("bad"), Engine: "postgres"}))

	got, err := s.GetDatabase(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ERPPDB", got.ServiceName)
	assert.Equal(t, 14*24*time.Hour, got.Retention())

	_, err = s.GetDatabase(ctx, uniq("missing"))
	assert.ErrorIs(t, err, domain.ErrDatabaseNotFound)

	all, err := s.ListDatabases(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, all)

	w := &domain.MaintenanceWindow{
		ID: "sunday", DatabaseID: id, Title: "weekly patching", Start: t0,
		Recurrence: "0 2 * * 0", Duration: 3 * time.Hour,
	}
	require.NoError(t, s.SaveWindow(ctx, w))
	w.Duration = 4 * time.Hour
	require.NoError(t, s.SaveWindow(ctx, w))

	windows, err := s.ListWindows(ctx, id)
	require.NoError(t, err)
	require.Len(t, windows, 1, "saving again replaces the window")
	assert.Equal(t, 4*time.Hour, windows[0].Duration)
}
