// Package escalation tracks open incidents against their SLA and raises
// their escalation level one step at a time.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"dbops-orchestrator/internal/domain"
	"dbops-orchestrator/internal/metrics"
)

const storeTimeout = 5 * time.Second

type timer struct {
	incident *domain.Incident
	level    int
	breached bool
}

// Tracker owns the SLA timer table. It implements domain.IncidentRaiser.
type Tracker struct {
	store    domain.IncidentStore
	policies map[domain.Severity]domain.EscalationPolicy
	notifier domain.Notifier
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	raiseMu sync.Mutex // serialises key dedup
	mu      sync.Mutex
	timers  map[string]*timer
}

var _ domain.IncidentRaiser = (*Tracker)(nil)

// NewTracker validates the policies and creates a tracker.
func NewTracker(store domain.IncidentStore, policies []domain.EscalationPolicy, notifier domain.Notifier,
	interval time.Duration, logger *slog.Logger) (*Tracker, error) {
	byClass := make(map[domain.Severity]domain.EscalationPolicy, len(policies))
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byClass[p.Severity]; dup {
			return nil, fmt.Errorf("duplicate escalation policy for severity %s", p.Severity)
		}
		byClass[p.Severity] = p
	}
	return &Tracker{
		store:    store,
		policies: byClass,
		notifier: notifier,
		interval: interval,
		now:      time.Now,
		logger:   logger.With("component", "escalation"),
		timers:   make(map[string]*timer),
	}, nil
}

// SetClock replaces the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Raise opens an incident and starts its SLA timer. If an open incident
// with the same Key exists, that incident is returned unchanged.
func (t *Tracker) Raise(ctx context.Context, inc *domain.Incident) (*domain.Incident, error) {
	t.raiseMu.Lock()
	defer t.raiseMu.Unlock()

	if inc.Key != "" {
		existing, err := t.findOpenByKey(ctx, inc.Key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			t.logger.Debug("incident already open", "incident_id", existing.ID, "key", inc.Key)
			return existing, nil
		}
	}

	c := inc.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if !c.Severity.Valid() {
		c.Severity = domain.SeverityMedium
	}
	if c.Category == "" {
		c.Category = domain.CategoryOther
	}
	c.OpenedAt = t.now()
	c.Level = 0
	c.ResolvedAt = nil
	if p, ok := t.policies[c.Severity]; ok {
		c.SLADeadline = c.OpenedAt.Add(p.SLA)
	}

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := t.store.RaiseIncident(sctx, c); err != nil {
		return nil, fmt.Errorf("raise incident: %w", err)
	}

	t.mu.Lock()
	t.timers[c.ID] = &timer{incident: c.Clone()}
	t.mu.Unlock()

	metrics.IncidentsRaisedTotal.WithLabelValues(string(c.Severity), string(c.Category)).Inc()
	t.logger.Warn("incident raised",
		"incident_id", c.ID,
		"severity", c.Severity,
		"category", c.Category,
		"database_id", c.DatabaseID,
		"title", c.Title,
		"sla_deadline", c.SLADeadline,
	)
	return c, nil
}

// Resolve closes an incident and stops its timer. Its level stays where it was.
func (t *Tracker) Resolve(ctx context.Context, id, resolution string) error {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := t.store.ResolveIncident(sctx, id, t.now(), resolution); err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.timers, id)
	t.mu.Unlock()
	t.logger.Info("incident resolved", "incident_id", id, "resolution", resolution)
	return nil
}

// ResolveByKey resolves the open incident with the given key, if any.
func (t *Tracker) ResolveByKey(ctx context.Context, key, resolution string) error {
	t.raiseMu.Lock()
	defer t.raiseMu.Unlock()
	inc, err := t.findOpenByKey(ctx, key)
	if err != nil || inc == nil {
		return err
	}
	return t.Resolve(ctx, inc.ID, resolution)
}

func (t *Tracker) findOpenByKey(ctx context.Context, key string) (*domain.Incident, error) {
	t.mu.Lock()
	for _, tm := range t.timers {
		if tm.incident.Key == key {
			c := tm.incident.Clone()
			c.Level = tm.level
			t.mu.Unlock()
			return c, nil
		}
	}
	t.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	open, err := t.store.ListOpenIncidents(sctx)
	if err != nil {
		return nil, fmt.Errorf("list open incidents: %w", err)
	}
	for _, inc := range open {
		if inc.Key == key {
			return inc, nil
		}
	}
	return nil, nil
}

// Run evaluates timers every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	t.logger.Info("escalation tracker started", "interval", t.interval.String())
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("escalation tracker stopped")
			return nil
		case <-ticker.C:
			t.Tick(ctx, t.now())
		}
	}
}

// Tick syncs the timer table with the store and raises every due incident
// by at most one level. One incident's failure never affects the others.
func (t *Tracker) Tick(ctx context.Context, now time.Time) {
	t.sync(ctx)

	t.mu.Lock()
	due := make([]*domain.Incident, 0, len(t.timers))
	for _, tm := range t.timers {
		c := tm.incident.Clone()
		c.Level = tm.level
		due = append(due, c)
	}
	t.mu.Unlock()

	for _, inc := range due {
		t.evaluate(ctx, inc, now)
	}
}

func (t *Tracker) sync(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	open, err := t.store.ListOpenIncidents(sctx)
	if err != nil {
		t.logger.Error("failed to list open incidents, using local timers", "error", err)
		return
	}
	seen := make(map[string]struct{}, len(open))
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, inc := range open {
		seen[inc.ID] = struct{}{}
		tm, ok := t.timers[inc.ID]
		if !ok {
			t.timers[inc.ID] = &timer{incident: inc, level: inc.Level}
			continue
		}
		tm.incident = inc
		if inc.Level > tm.level {
			tm.level = inc.Level
		}
	}
	for id := range t.timers {
		if _, ok := seen[id]; !ok {
			delete(t.timers, id)
		}
	}
}

func (t *Tracker) evaluate(ctx context.Context, inc *domain.Incident, now time.Time) {
	log := t.logger.With("incident_id", inc.ID, "severity", inc.Severity)
	policy, ok := t.policies[inc.Severity]
	if !ok {
		return
	}

	if step, ok := policy.NextStep(inc.Level); ok && now.Sub(inc.OpenedAt) >= step.After {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		err := t.store.UpdateIncidentLevel(sctx, inc.ID, step.Level)
		cancel()
		switch {
		case err == nil:
			t.setLevel(inc.ID, step.Level)
			inc.Level = step.Level
			metrics.EscalationsTotal.WithLabelValues(string(inc.Severity), strconv.Itoa(step.Level)).Inc()
			log.Warn("incident escalated", "level", step.Level, "recipients", step.Recipients)
			if t.notifier != nil {
				t.notifier.Notify(ctx, inc, step.Level, step.Recipients)
			}
		case errors.Is(err, domain.ErrIncidentResolved), errors.Is(err, domain.ErrIncidentNotFound):
			t.mu.Lock()
			delete(t.timers, inc.ID)
			t.mu.Unlock()
			return
		default:
			log.Error("failed to persist escalation level", "level", step.Level, "error", err)
		}
	}

	if inc.SLADeadline.IsZero() || now.Before(inc.SLADeadline) {
		return
	}
	t.mu.Lock()
	tm, ok := t.timers[inc.ID]
	first := ok && !tm.breached
	if first {
		tm.breached = true
	}
	t.mu.Unlock()
	if first {
		metrics.SLABreachesTotal.WithLabelValues(string(inc.Severity)).Inc()
		log.Error("incident breached its SLA", "sla_deadline", inc.SLADeadline, "level", inc.Level)
	}
}

func (t *Tracker) setLevel(id string, level int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.timers[id]; ok && level > tm.level {
		tm.level = level
	}
}

// Open returns the number of incidents with a running timer.
func (t *Tracker) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}
