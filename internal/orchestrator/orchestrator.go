// Package orchestrator wires the scheduler, lease table, engine, rollback
// manager, escalation tracker and prober into one explicit instance.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dbops-orchestrator/internal/config"
	"dbops-orchestrator/internal/domain"
	"dbops-orchestrator/internal/engine"
	"dbops-orchestrator/internal/escalation"
	"dbops-orchestrator/internal/health"
	"dbops-orchestrator/internal/lease"
	"dbops-orchestrator/internal/rollback"
	"dbops-orchestrator/internal/scheduler"
)

// ErrNotRunning is returned by operations that need an active term, such as
// submitting a run on a node that is not the leader.
var ErrNotRunning = errors.New("orchestrator is not running on this node")

// Config is the part of the configuration snapshot the core runs on.
type Config struct {
	Scheduler           scheduler.Config
	WorkerPoolSize      int
	ShutdownGrace       time.Duration
	Engine              engine.Config
	Rollback            rollback.Config
	LeaseTimeout        time.Duration
	LeaseAcquireTimeout time.Duration
	Probe               health.Config
	Policies            []domain.EscalationPolicy
	EscalationInterval  time.Duration
}

// ConfigFrom extracts the core settings from a loaded configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Scheduler: scheduler.Config{
			TickInterval:     cfg.Scheduler.TickInterval,
			QueryTimeout:     cfg.Scheduler.QueryTimeout,
			QueueCapacity:    cfg.Scheduler.QueueCapacity,
			BacklogThreshold: cfg.Scheduler.BacklogThreshold,
		},
		WorkerPoolSize: cfg.Scheduler.WorkerPoolSize,
		ShutdownGrace:  cfg.Scheduler.ShutdownGrace,
		Engine: engine.Config{
			DefaultRetry:   cfg.Retry.Policy(),
			AdapterTimeout: cfg.Adapter.Timeout,
		},
		Rollback: rollback.Config{
			Timeout:           cfg.Adapter.RollbackTimeout,
			RaiseOnRolledBack: cfg.Incidents.RaiseOnRolledBack,
		},
		LeaseTimeout:        cfg.Lease.Timeout,
		LeaseAcquireTimeout: cfg.Lease.AcquireTimeout,
		Probe: health.Config{
			Interval:         cfg.Probe.Interval,
			Timeout:          cfg.Probe.Timeout,
			FailureThreshold: cfg.Probe.FailureThreshold,
			Concurrency:      cfg.Probe.Concurrency,
		},
		Policies:           cfg.Escalation.Policies,
		EscalationInterval: cfg.Escalation.Interval,
	}
}

// term holds the components that live for one leadership term. They are
// rebuilt on every Run so no queued work survives a lost term.
type term struct {
	leases    *lease.Manager
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	pool      *scheduler.Pool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLeaseGuard backs every database lease with a distributed lock.
func WithLeaseGuard(locker domain.Locker) Option {
	return func(o *Orchestrator) { o.guard = locker }
}

// WithClock replaces the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator owns the core components. Run may be called again after it
// returns, once per leadership term.
type Orchestrator struct {
	cfg      Config
	store    domain.Store
	adapters domain.AdapterResolver
	guard    domain.Locker
	now      func() time.Time
	logger   *slog.Logger

	tracker *escalation.Tracker
	prober  *health.Prober

	mu      sync.RWMutex
	current *term
}

// New creates an orchestrator. It fails if the escalation policies are invalid.
func New(cfg Config, store domain.Store, adapters domain.AdapterResolver, notifier domain.Notifier,
	logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		adapters: adapters,
		now:      time.Now,
		logger:   logger.With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}

	tracker, err := escalation.NewTracker(store, cfg.Policies, notifier, cfg.EscalationInterval, logger)
	if err != nil {
		return nil, fmt.Errorf("escalation policies: %w", err)
	}
	tracker.SetClock(o.now)
	o.tracker = tracker

	o.prober = health.NewProber(cfg.Probe, store, adapters, tracker, logger)
	o.prober.SetClock(o.now)
	return o, nil
}

func (o *Orchestrator) newTerm() *term {
	opts := []lease.Option{lease.WithClock(o.now)}
	if o.guard != nil {
		opts = append(opts, lease.WithGuard(o.guard))
	}
	leases := lease.NewManager(o.cfg.LeaseTimeout, o.cfg.LeaseAcquireTimeout, o.logger, opts...)

	rb := rollback.NewManager(o.cfg.Rollback, o.store, leases, o.adapters, o.tracker, o.logger)
	rb.SetClock(o.now)
	eng := engine.New(o.cfg.Engine, o.store, leases, o.adapters, rb, o.tracker, o.logger)
	eng.SetClock(o.now)
	sched := scheduler.New(o.cfg.Scheduler, o.store, o.store, leases, o.tracker, o.logger)
	sched.SetClock(o.now)

	return &term{
		leases:    leases,
		engine:    eng,
		scheduler: sched,
		pool:      scheduler.NewPool(o.cfg.WorkerPoolSize, o.cfg.ShutdownGrace, sched, eng, o.logger),
	}
}

// Run recovers unfinished runs, then ticks, executes, escalates and probes
// until ctx is done. In-flight runs get the shutdown grace to finish.
func (o *Orchestrator) Run(ctx context.Context) error {
	t := o.newTerm()
	if err := o.recover(ctx, t); err != nil {
		return err
	}

	o.mu.Lock()
	o.current = t
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.current = nil
		o.mu.Unlock()
	}()

	o.logger.Info("orchestrator started", "workers", o.cfg.WorkerPoolSize)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.scheduler.Run(gctx) })
	g.Go(func() error { return t.pool.Run(gctx) })
	g.Go(func() error { return o.tracker.Run(gctx) })
	g.Go(func() error { return o.prober.Run(gctx) })
	err := g.Wait()
	o.logger.Info("orchestrator stopped", "cause", context.Cause(ctx))
	return err
}

// recover resumes every run the store does not have as final.
func (o *Orchestrator) recover(ctx context.Context, t *term) error {
	runs, err := o.store.ListActiveRuns(ctx)
	if err != nil {
		return fmt.Errorf("list active runs: %w", err)
	}
	if len(runs) > 0 {
		o.logger.Info("recovering unfinished runs", "count", len(runs))
	}
	for _, run := range runs {
		task, err := o.taskFor(ctx, run)
		if err != nil {
			o.logger.Error("cannot recover run", "run_id", run.ID, "definition_id", run.DefinitionID, "error", err)
			continue
		}
		out := t.engine.Recover(ctx, task)
		switch out.Kind {
		case engine.OutcomeBusy:
			t.scheduler.Requeue(task)
		case engine.OutcomeDeferred:
			if out.Next != nil {
				t.scheduler.Defer(out.Next)
			}
		}
	}
	return nil
}

// taskFor rebuilds the task of a stored run. A definition deleted since the
// run was created is replaced by what the run itself records.
func (o *Orchestrator) taskFor(ctx context.Context, run *domain.JobRun) (*engine.Task, error) {
	def, err := o.store.Get(ctx, run.DefinitionID)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		def = &domain.JobDefinition{ID: run.DefinitionID, Name: run.DefinitionID, Kind: run.Kind, DatabaseID: run.DatabaseID}
	case err != nil:
		return nil, fmt.Errorf("load definition: %w", err)
	}
	db, err := o.store.GetDatabase(ctx, run.DatabaseID)
	if err != nil {
		return nil, fmt.Errorf("load database %s: %w", run.DatabaseID, err)
	}
	return &engine.Task{Run: run, Definition: def, Database: db}, nil
}

// Submit hands an operator-submitted task to the running scheduler.
func (o *Orchestrator) Submit(_ context.Context, task *engine.Task) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.current == nil {
		return ErrNotRunning
	}
	o.current.scheduler.Submit(task)
	return nil
}

// Cancel cancels a queued or in-flight run. It reports whether the run was in flight.
func (o *Orchestrator) Cancel(runID string) (bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.current == nil {
		return false, ErrNotRunning
	}
	return o.current.engine.Cancel(runID), nil
}

// Running reports whether a term is active on this node.
func (o *Orchestrator) Running() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current != nil
}

// Stats is a point-in-time view of the active term.
type Stats struct {
	Running  bool `json:"running"`
	Pending  int  `json:"pending"`
	InFlight int  `json:"in_flight"`
	Leases   int  `json:"leases"`
	Open     int  `json:"open_incidents"`
}

// Stats returns counters of the active term.
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := Stats{Open: o.tracker.Open()}
	if t := o.current; t != nil {
		s.Running = true
		s.Pending = t.scheduler.Pending()
		s.InFlight = t.engine.InFlight()
		s.Leases = t.leases.Active()
	}
	return s
}

// Tracker returns the escalation tracker shared by every term.
func (o *Orchestrator) Tracker() *escalation.Tracker {
	return o.tracker
}

// ProbeStatuses returns the latest availability of every probed database.
func (o *Orchestrator) ProbeStatuses() []health.Status {
	return o.prober.Statuses()
}
