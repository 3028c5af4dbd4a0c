// Package scheduler turns due job definitions into runs and feeds them to
// the worker pool over a bounded queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"dbops-orchestrator/internal/domain"
	"dbops-orchestrator/internal/engine"
	"dbops-orchestrator/internal/lease"
	"dbops-orchestrator/internal/metrics"
)

// BacklogIncidentKey identifies the single open backlog incident.
const BacklogIncidentKey = "scheduler-backlog"

// Config is the scheduler part of the configuration snapshot.
type Config struct {
	TickInterval     time.Duration
	QueryTimeout     time.Duration
	QueueCapacity    int
	BacklogThreshold time.Duration
}

type entry struct {
	task  *engine.Task
	since time.Time // when the task started waiting for a worker
}

// Scheduler runs the tick loop. Ticks never overlap; the other methods are
// safe to call from workers and API handlers.
type Scheduler struct {
	cfg       Config
	store     domain.JobStore
	inventory domain.Inventory
	leases    *lease.Manager
	incidents domain.IncidentRaiser
	now       func() time.Time
	logger    *slog.Logger

	queue chan *engine.Task

	mu          sync.Mutex
	backlog     []entry
	deferred    []*engine.Task
	returned    []*engine.Task
	queued      map[string]time.Time
	backlogOpen bool
}

// New creates a scheduler.
func New(cfg Config, store domain.JobStore, inventory domain.Inventory, leases *lease.Manager,
	incidents domain.IncidentRaiser, logger *slog.Logger) *Scheduler {
	capacity := cfg.QueueCapacity
	if capacity < 1 {
		capacity = 1
	}
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		inventory: inventory,
		leases:    leases,
		incidents: incidents,
		now:       time.Now,
		logger:    logger.With("component", "scheduler"),
		queue:     make(chan *engine.Task, capacity),
		queued:    make(map[string]time.Time),
	}
}

// SetClock replaces the time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Run ticks every TickInterval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "tick_interval", s.cfg.TickInterval.String())
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one scheduling pass.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	s.leases.RevokeExpired(now)
	s.collectDue(ctx, now)
	s.promote(ctx, now)
	s.flush()
	s.checkBacklog(ctx, now)
}

func (s *Scheduler) collectDue(ctx context.Context, now time.Time) {
	qctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	due, err := s.store.ListDue(qctx, now)
	if err != nil {
		s.logger.Error("failed to list due jobs", "error", err)
		return
	}
	for _, d := range due {
		task, err := s.materialize(qctx, d, now)
		if err != nil {
			s.logger.Error("failed to schedule due job",
				"definition_id", d.Definition.ID,
				"scheduled_for", d.ScheduledFor,
				"error", err,
			)
			continue
		}
		if task == nil {
			continue
		}
		s.mu.Lock()
		s.backlog = append(s.backlog, entry{task: task, since: now})
		s.mu.Unlock()
	}
}

// materialize creates the first run of a due occurrence. A nil task with a
// nil error means the occurrence stays due for a later tick.
func (s *Scheduler) materialize(ctx context.Context, d domain.DueJob, now time.Time) (*engine.Task, error) {
	def := d.Definition
	log := s.logger.With("definition_id", def.ID, "database_id", def.DatabaseID, "scheduled_for", d.ScheduledFor)

	db, err := s.inventory.GetDatabase(ctx, def.DatabaseID)
	if err != nil {
		return nil, fmt.Errorf("load database %s: %w", def.DatabaseID, err)
	}
	if !db.Active {
		log.Debug("database inactive, job held")
		return nil, nil
	}
	if def.Kind.MaintenanceClass() {
		windows, err := s.inventory.ListWindows(ctx, def.DatabaseID)
		if err != nil {
			return nil, fmt.Errorf("load maintenance windows: %w", err)
		}
		open, err := domain.InAnyWindow(windows, now)
		if err != nil {
			log.Warn("malformed maintenance window ignored", "error", err)
		}
		if !open {
			log.Debug("outside maintenance window, job held")
			return nil, nil
		}
	}

	run := domain.NewRun(def, d.ScheduledFor, now)
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if def.Schedule.OneShot() {
		if err := s.store.RetireDefinition(ctx, def.ID); err != nil && !errors.Is(err, domain.ErrJobNotFound) {
			log.Warn("failed to retire one-shot definition", "error", err)
		}
	}
	log.Info("run scheduled", "run_id", run.ID, "kind", def.Kind)
	return &engine.Task{Run: run, Definition: def, Database: db}, nil
}

// promote moves retries whose backoff elapsed and lease-busy returns into
// the backlog. Maintenance-class tasks stay held while none of their
// database's windows is open.
func (s *Scheduler) promote(ctx context.Context, now time.Time) {
	s.mu.Lock()
	deferred, returned := s.deferred, s.returned
	s.deferred, s.returned = nil, nil
	s.mu.Unlock()

	open := make(map[string]bool)
	var ready, waiting, held []*engine.Task
	for _, t := range deferred {
		switch {
		case t.ReadyAt().After(now):
			waiting = append(waiting, t)
		case !s.windowOpen(ctx, t, now, open):
			waiting = append(waiting, t)
		default:
			ready = append(ready, t)
		}
	}
	for _, t := range returned {
		if !s.windowOpen(ctx, t, now, open) {
			held = append(held, t)
			continue
		}
		ready = append(ready, t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferred = append(waiting, s.deferred...)
	s.returned = append(held, s.returned...)
	for _, t := range ready {
		s.backlog = append(s.backlog, entry{task: t, since: now})
	}
	sort.SliceStable(s.backlog, func(a, b int) bool {
		return s.backlog[a].task.ReadyAt().Before(s.backlog[b].task.ReadyAt())
	})
}

// windowOpen reports whether task may start at now. Results are cached per
// database in open for the duration of one tick.
func (s *Scheduler) windowOpen(ctx context.Context, task *engine.Task, now time.Time, open map[string]bool) bool {
	if !task.Definition.Kind.MaintenanceClass() {
		return true
	}
	dbID := task.Run.DatabaseID
	if ok, seen := open[dbID]; seen {
		return ok
	}
	qctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()
	log := s.logger.With("run_id", task.Run.ID, "database_id", dbID)
	windows, err := s.inventory.ListWindows(qctx, dbID)
	if err != nil {
		log.Error("failed to load maintenance windows, task held", "error", err)
		return false
	}
	ok, err := domain.InAnyWindow(windows, now)
	if err != nil {
		log.Warn("malformed maintenance window ignored", "error", err)
	}
	if !ok {
		log.Debug("outside maintenance window, task held")
	}
	open[dbID] = ok
	return ok
}

// flush hands backlog tasks to workers without ever blocking.
func (s *Scheduler) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	sent := 0
	for _, e := range s.backlog {
		s.queued[e.task.Run.ID] = e.since
		if !s.offer(e.task) {
			delete(s.queued, e.task.Run.ID)
			break
		}
		sent++
	}
	s.backlog = append(s.backlog[:0], s.backlog[sent:]...)
}

func (s *Scheduler) offer(task *engine.Task) bool {
	select {
	case s.queue <- task:
		return true
	default:
		return false
	}
}

func (s *Scheduler) checkBacklog(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var oldest time.Time
	for _, e := range s.backlog {
		if oldest.IsZero() || e.since.Before(oldest) {
			oldest = e.since
		}
	}
	for _, since := range s.queued {
		if oldest.IsZero() || since.Before(oldest) {
			oldest = since
		}
	}
	depth := len(s.backlog) + len(s.queued)
	open := s.backlogOpen
	s.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	var age time.Duration
	if !oldest.IsZero() {
		age = now.Sub(oldest)
	}
	metrics.BacklogAgeSeconds.Set(age.Seconds())

	switch {
	case !open && age > s.cfg.BacklogThreshold:
		_, err := s.incidents.Raise(ctx, &domain.Incident{
			Key:         BacklogIncidentKey,
			Title:       "scheduler backlog",
			Description: fmt.Sprintf("%d task(s) waiting for a worker, oldest for %s", depth, age.Round(time.Second)),
			Category:    domain.CategorySchedulerBacklog,
			Severity:    domain.SeverityLow,
		})
		if err != nil {
			s.logger.Error("failed to raise backlog incident", "error", err)
			return
		}
		s.setBacklogOpen(true)
	case open && depth == 0:
		if err := s.incidents.ResolveByKey(ctx, BacklogIncidentKey, "backlog drained"); err != nil {
			s.logger.Error("failed to resolve backlog incident", "error", err)
			return
		}
		s.setBacklogOpen(false)
	}
}

func (s *Scheduler) setBacklogOpen(open bool) {
	s.mu.Lock()
	s.backlogOpen = open
	s.mu.Unlock()
}

// Next blocks until a task is ready for a worker or ctx is done.
func (s *Scheduler) Next(ctx context.Context) (*engine.Task, bool) {
	select {
	case t := <-s.queue:
		s.mu.Lock()
		delete(s.queued, t.Run.ID)
		s.mu.Unlock()
		return t, true
	case <-ctx.Done():
		return nil, false
	}
}

// Requeue returns a task whose database lease was busy; it is retried on the next tick.
func (s *Scheduler) Requeue(task *engine.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.returned = append(s.returned, task)
}

// Defer holds a task until its ready time.
func (s *Scheduler) Defer(task *engine.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferred = append(s.deferred, task)
}

// Submit makes an operator-submitted task ready immediately.
func (s *Scheduler) Submit(task *engine.Task) {
	s.mu.Lock()
	s.backlog = append(s.backlog, entry{task: task, since: s.now()})
	s.mu.Unlock()
	s.flush()
}

// Pending returns the number of tasks held by the scheduler and not yet taken by a worker.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backlog) + len(s.deferred) + len(s.returned) + len(s.queued)
}
