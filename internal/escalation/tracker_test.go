package escalation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbops-orchestrator/internal/domain"
	"dbops-orchestrator/internal/infra/memory"
)

type notification struct {
	incidentID string
	level      int
	recipients []string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) Notify(_ context.Context, inc *domain.Incident, level int, recipients []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{incidentID: inc.ID, level: level, recipients: recipients})
}

func (n *recordingNotifier) levels() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []int
	for _, s := range n.sent {
		out = append(out, s.level)
	}
	return out
}

func highPolicy() domain.EscalationPolicy {
	return domain.EscalationPolicy{
		Severity: domain.SeverityHigh,
		SLA:      time.Hour,
		Steps: []domain.EscalationStep{
			{After: 15 * time.Minute, Level: 1, Recipients: []string{"dba-oncall"}},
			{After: 30 * time.Minute, Level: 2, Recipients: []string{"dba-lead"}},
			{After: 45 * time.Minute, Level: 3, Recipients: []string{"cto"}},
		},
	}
}

func newTracker(t *testing.T, start time.Time) (*Tracker, *memory.Store, *recordingNotifier) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore(logger)
	notifier := &recordingNotifier{}
	tr, err := NewTracker(store, []domain.EscalationPolicy{highPolicy()}, notifier, time.Minute, logger)
	require.NoError(t, err)
	tr.SetClock(func() time.Time { return start })
	return tr, store, notifier
}

func TestEscalationClimbsOneLevelPerTick(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tr, store, notifier := newTracker(t, start)

	inc, err := tr.Raise(ctx, &domain.Incident{Title: "backup failed", Severity: domain.SeverityHigh})
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Hour), inc.SLADeadline)
	assert.Equal(t, 0, inc.Level)

	tr.Tick(ctx, start.Add(10*time.Minute))
	assert.Empty(t, notifier.levels())

	// the tracker was not ticked for an hour: every threshold has passed,
	// yet each tick raises exactly one level
	late := start.Add(70 * time.Minute)
	tr.Tick(ctx, late)
	tr.Tick(ctx, late)
	got, err := store.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Level)

	tr.Tick(ctx, late)
	tr.Tick(ctx, late)
	got, err = store.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Level)

	assert.Equal(t, []int{1, 2, 3}, notifier.levels())
}

// flakyStore fails level updates for a single incident.
type flakyStore struct {
	*memory.Store
	failID string
}

func (s *flakyStore) UpdateIncidentLevel(ctx context.Context, id string, level int) error {
	if id == s.failID {
		return errors.New("connection reset")
	}
	return s.Store.UpdateIncidentLevel(ctx, id, level)
}

func TestFailedLevelUpdateDoesNotBlockOtherIncidents(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &flakyStore{Store: memory.NewStore(logger), failID: "broken"}
	notifier := &recordingNotifier{}
	tr, err := NewTracker(store, []domain.EscalationPolicy{highPolicy()}, notifier, time.Minute, logger)
	require.NoError(t, err)
	tr.SetClock(func() time.Time { return start })

	for _, id := range []string{"broken", "healthy-1", "healthy-2"} {
		_, err := tr.Raise(ctx, &domain.Incident{ID: id, Title: id, Severity: domain.SeverityHigh})
		require.NoError(t, err)
	}

	tr.Tick(ctx, start.Add(20*time.Minute))
	for _, id := range []string{"healthy-1", "healthy-2"} {
		got, err := store.GetIncident(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Level, id)
	}
	got, err := store.GetIncident(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Level)
	assert.Equal(t, []int{1, 1}, notifier.levels())
	assert.Equal(t, 3, tr.Open(), "the failing incident keeps its timer")
}

func TestResolvedIncidentStopsEscalating(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tr, store, notifier := newTracker(t, start)

	inc, err := tr.Raise(ctx, &domain.Incident{Title: "patch failed", Severity: domain.SeverityHigh})
	require.NoError(t, err)
	tr.Tick(ctx, start.Add(20*time.Minute))
	require.NoError(t, tr.Resolve(ctx, inc.ID, "patched manually"))

	tr.Tick(ctx, start.Add(40*time.Minute))
	got, err := store.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Level)
	assert.False(t, got.Open())
	assert.Equal(t, []int{1}, notifier.levels())
	assert.Equal(t, 0, tr.Open())
}

func TestRaiseDeduplicatesByKey(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tr, store, _ := newTracker(t, start)

	first, err := tr.Raise(ctx, &domain.Incident{Key: "scheduler-backlog", Title: "backlog", Severity: domain.SeverityLow})
	require.NoError(t, err)
	second, err := tr.Raise(ctx, &domain.Incident{Key: "scheduler-backlog", Title: "backlog", Severity: domain.SeverityLow})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	require.NoError(t, tr.ResolveByKey(ctx, "scheduler-backlog", "drained"))
	open, err := store.ListOpenIncidents(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	third, err := tr.Raise(ctx, &domain.Incident{Key: "scheduler-backlog", Title: "backlog", Severity: domain.SeverityLow})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)

	assert.NoError(t, tr.ResolveByKey(ctx, "unknown-key", "nothing to do"))
}

func TestTickPicksUpIncidentsFromStore(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tr, store, notifier := newTracker(t, start)

	// persisted by a previous process at level 1
	require.NoError(t, store.RaiseIncident(ctx, &domain.Incident{
		ID: "old", Title: "restore failed", Severity: domain.SeverityHigh, OpenedAt: start, Level: 1,
	}))

	tr.Tick(ctx, start.Add(31*time.Minute))
	got, err := store.GetIncident(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Level)
	assert.Equal(t, []int{2}, notifier.levels())
}

func TestNewTrackerRejectsInvalidPolicy(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bad := highPolicy()
	bad.Steps[0], bad.Steps[1] = bad.Steps[1], bad.Steps[0]
	_, err := NewTracker(memory.NewStore(logger), []domain.EscalationPolicy{bad}, nil, time.Minute, logger)
	assert.Error(t, err)

	_, err = NewTracker(memory.NewStore(logger), []domain.EscalationPolicy{highPolicy(), highPolicy()}, nil, time.Minute, logger)
	assert.Error(t, err)
}
