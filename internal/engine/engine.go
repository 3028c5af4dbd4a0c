// Package engine drives job runs through their state machine: lease,
// adapter call, retry with backoff, and hand-off to rollback.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dbops-orchestrator/internal/domain"
	"dbops-orchestrator/internal/lease"
	"dbops-orchestrator/internal/metrics"
)

// Failure causes recorded on runs.
const (
	CauseTimeout      = "timeout"
	CauseCancelled    = "cancelled"
	CauseLeaseTimeout = "lease timeout"
	CauseInterrupted  = "interrupted"
)

// Rollbacker undoes failed rollback-eligible runs.
type Rollbacker interface {
	// Rollback runs the inverse operation of a Failed run. l may be nil or
	// revoked, in which case the rollback acquires its own lease.
	Rollback(ctx context.Context, task *Task, l *lease.Lease) (domain.RunState, error)
	// Abandon records a rollback that was interrupted and cannot be resumed.
	Abandon(ctx context.Context, task *Task, reason string) error
}

// Config is the engine's part of the configuration snapshot.
type Config struct {
	DefaultRetry   domain.RetryPolicy
	AdapterTimeout time.Duration
}

// Engine executes tasks. It is safe for concurrent use by the worker pool.
type Engine struct {
	cfg       Config
	store     domain.RunStore
	leases    *lease.Manager
	adapters  domain.AdapterResolver
	rollback  Rollbacker
	incidents domain.IncidentRaiser
	now       func() time.Time
	logger    *slog.Logger
	tracer    trace.Tracer

	mu        sync.Mutex
	active    map[string]context.CancelCauseFunc
	cancelled map[string]struct{}
}

// New creates an engine.
func New(cfg Config, store domain.RunStore, leases *lease.Manager, adapters domain.AdapterResolver,
	rollback Rollbacker, incidents domain.IncidentRaiser, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     store,
		leases:    leases,
		adapters:  adapters,
		rollback:  rollback,
		incidents: incidents,
		now:       time.Now,
		logger:    logger.With("component", "engine"),
		tracer:    otel.Tracer("dbops-orchestrator/engine"),
		active:    make(map[string]context.CancelCauseFunc),
		cancelled: make(map[string]struct{}),
	}
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Cancel cancels an in-flight run, or marks a queued run so it fails as
// cancelled when a worker picks it up. It reports whether the run was in flight.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.active[runID]; ok {
		cancel(domain.ErrCancelled)
		return true
	}
	e.cancelled[runID] = struct{}{}
	return false
}

// InFlight returns the number of runs currently calling an adapter.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Execute runs one pending task to its next resting point.
func (e *Engine) Execute(ctx context.Context, task *Task) Outcome {
	run := task.Run
	ctx, span := e.tracer.Start(ctx, "engine.Execute", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("job.id", run.DefinitionID),
		attribute.String("job.kind", string(run.Kind)),
		attribute.String("database.id", run.DatabaseID),
		attribute.Int("run.attempt", run.Attempt),
	))
	defer span.End()
	log := e.runLogger(run)

	if e.takeCancelled(run.ID) {
		log.Info("run cancelled before start")
		if err := run.Fail(e.now(), CauseCancelled, nil); err != nil {
			log.Error("cannot cancel run", "error", err)
			return Outcome{Kind: OutcomeDone}
		}
		e.writeTerminal(ctx, run)
		return Outcome{Kind: OutcomeDone}
	}

	l, err := e.leases.Acquire(ctx, run.DatabaseID, run.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrLeaseBusy) {
			log.Warn("lease acquisition failed", "error", err)
		}
		span.SetAttributes(attribute.Bool("lease.busy", true))
		return Outcome{Kind: OutcomeBusy}
	}
	defer e.leases.Release(l)

	if err := run.Apply(domain.EventLeaseAcquired, e.now()); err != nil {
		log.Error("run is not pending", "state", run.State, "error", err)
		return Outcome{Kind: OutcomeDone}
	}
	e.writeState(ctx, run)
	log.Info("run started")

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	stop := context.AfterFunc(l.Context(), func() {
		if l.Revoked() {
			cancelRun(domain.ErrLeaseTimeout)
		}
	})
	defer stop()
	e.track(run.ID, cancelRun)
	defer e.untrack(run.ID)

	started := e.now()
	res, callErr := e.call(runCtx, task, task.Definition.Kind.Operation())
	metrics.JobRunDuration.WithLabelValues(string(run.Kind)).Observe(e.now().Sub(started).Seconds())

	if callErr == nil {
		return e.succeed(ctx, task, res)
	}

	span.RecordError(callErr)
	span.SetStatus(codes.Error, callErr.Error())
	cause, class := failureOf(callErr)
	log.Warn("run failed", "cause", cause, "class", class.String(), "error", callErr)
	if err := run.Fail(e.now(), cause, callErr); err != nil {
		log.Error("cannot record failure", "error", err)
		return Outcome{Kind: OutcomeDone}
	}
	return e.afterFailure(ctx, task, l, class)
}

// Recover resumes a run that was not final when the process stopped.
func (e *Engine) Recover(ctx context.Context, task *Task) Outcome {
	run := task.Run
	log := e.runLogger(run)
	switch run.State {
	case domain.RunPending:
		log.Info("recovered pending run")
		return Outcome{Kind: OutcomeDeferred, Next: task}
	case domain.RunRunning:
		log.Warn("recovered run that was interrupted while running")
		if err := run.Fail(e.now(), CauseInterrupted, nil); err != nil {
			log.Error("cannot record failure", "error", err)
			return Outcome{Kind: OutcomeDone}
		}
		return e.afterFailure(ctx, task, nil, domain.ClassTransient)
	case domain.RunFailed:
		log.Warn("recovered failed run awaiting its final decision")
		return e.conclude(ctx, task, nil)
	case domain.RunRollingBack:
		log.Error("recovered run that was interrupted while rolling back")
		if err := e.rollback.Abandon(ctx, task, CauseInterrupted); err != nil {
			log.Error("cannot abandon rollback", "error", err)
		}
		return Outcome{Kind: OutcomeDone}
	}
	// final states that were never marked final
	e.writeTerminal(ctx, run)
	return Outcome{Kind: OutcomeDone}
}

// call invokes the adapter under the per-call timeout. A hung adapter is
// abandoned once the context is done so the run never stays Running.
func (e *Engine) call(ctx context.Context, task *Task, op domain.Operation) (domain.AdapterResult, error) {
	ctx, span := e.tracer.Start(ctx, "adapter.Execute", trace.WithAttributes(
		attribute.String("adapter.operation", string(op)),
		attribute.String("database.engine", string(task.Database.Engine)),
	))
	defer span.End()

	adapter, err := e.adapters.For(task.Database.Engine)
	if err != nil {
		return domain.AdapterResult{}, domain.Fatal(err)
	}
	timeout := task.Definition.Timeout
	if timeout <= 0 {
		timeout = e.cfg.AdapterTimeout
	}
	callCtx, cancel := context.WithTimeoutCause(ctx, timeout, domain.ErrTimeout)
	defer cancel()

	req := domain.AdapterRequest{
		Operation: op,
		Target:    *task.Database,
		RunID:     task.Run.ID,
		Attempt:   task.Run.Attempt,
		Options:   task.Definition.Options,
	}
	return invoke(callCtx, adapter, req)
}

type reply struct {
	res domain.AdapterResult
	err error
}

// invoke calls the adapter and waits for it or for ctx, whichever comes first.
func invoke(ctx context.Context, adapter domain.Adapter, req domain.AdapterRequest) (domain.AdapterResult, error) {
	done := make(chan reply, 1)
	go func() {
		res, err := adapter.Execute(ctx, req)
		done <- reply{res: res, err: err}
	}()
	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil {
			return r.res, fmt.Errorf("%w: %w", context.Cause(ctx), r.err)
		}
		return r.res, r.err
	case <-ctx.Done():
		return domain.AdapterResult{}, context.Cause(ctx)
	}
}

// Invoke calls adapter under timeout with timeoutCause as the deadline cause.
func Invoke(ctx context.Context, adapter domain.Adapter, req domain.AdapterRequest, timeout time.Duration) (domain.AdapterResult, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, timeout, domain.ErrTimeout)
	defer cancel()
	return invoke(ctx, adapter, req)
}

// failureOf maps a call error to the recorded cause and its retry class.
func failureOf(err error) (string, domain.ErrorClass) {
	switch {
	case errors.Is(err, domain.ErrLeaseTimeout):
		return CauseLeaseTimeout, domain.ClassFatal
	case errors.Is(err, domain.ErrCancelled):
		return CauseCancelled, domain.ClassFatal
	case errors.Is(err, domain.ErrTimeout):
		return CauseTimeout, domain.ClassTransient
	case errors.Is(err, context.Canceled):
		return CauseInterrupted, domain.ClassTransient
	}
	return err.Error(), domain.Classify(err)
}

func (e *Engine) succeed(ctx context.Context, task *Task, res domain.AdapterResult) Outcome {
	run := task.Run
	if err := run.Apply(domain.EventSucceeded, e.now()); err != nil {
		e.runLogger(run).Error("cannot record success", "error", err)
		return Outcome{Kind: OutcomeDone}
	}
	run.ArtifactRef = res.ArtifactRef
	if run.Kind == domain.JobKindBackup {
		retention := task.Definition.Retention
		if retention <= 0 {
			retention = task.Database.Retention()
		}
		if retention > 0 {
			until := run.EndedAt.Add(retention)
			run.RetentionUntil = &until
		}
	}
	e.writeTerminal(ctx, run)
	e.runLogger(run).Info("run succeeded", "artifact", res.ArtifactRef)
	if err := e.incidents.ResolveByKey(context.WithoutCancel(ctx), FailureKey(run.DefinitionID), "later run succeeded"); err != nil {
		e.runLogger(run).Error("failed to resolve incident", "error", err)
	}
	return Outcome{Kind: OutcomeDone}
}

// afterFailure applies the retry policy to a run that just became Failed.
func (e *Engine) afterFailure(ctx context.Context, task *Task, l *lease.Lease, class domain.ErrorClass) Outcome {
	run := task.Run
	policy := task.Definition.EffectiveRetry(e.cfg.DefaultRetry)
	if class == domain.ClassTransient && run.Attempt < policy.MaxAttempts {
		now := e.now()
		e.writeTerminal(ctx, run)
		next := run.NextAttempt(now, now.Add(policy.Backoff(run.Attempt)))
		err := WriteWithRetry(ctx, e.logger, "create retry run", func(ctx context.Context) error {
			return e.store.CreateRun(ctx, next)
		})
		if err != nil {
			e.raiseFailure(ctx, task, fmt.Sprintf("retry attempt %d could not be scheduled", next.Attempt))
			return Outcome{Kind: OutcomeDone}
		}
		metrics.RetriesTotal.WithLabelValues(string(run.Kind)).Inc()
		e.runLogger(run).Info("retry scheduled", "next_run_id", next.ID, "not_before", next.NotBefore)
		return Outcome{Kind: OutcomeDeferred, Next: &Task{Run: next, Definition: task.Definition, Database: task.Database}}
	}
	return e.conclude(ctx, task, l)
}

// conclude ends a Failed run that will not be retried. A cancelled run is
// left as it is: no rollback and no incident.
func (e *Engine) conclude(ctx context.Context, task *Task, l *lease.Lease) Outcome {
	run := task.Run
	if run.Cause == CauseCancelled {
		e.writeTerminal(ctx, run)
		return Outcome{Kind: OutcomeDone}
	}
	if task.Definition.RollbackEligible {
		e.writeState(ctx, run)
		state, err := e.rollback.Rollback(ctx, task, l)
		if err != nil {
			e.runLogger(run).Error("rollback did not run", "error", err)
			e.writeTerminal(ctx, run)
			return Outcome{Kind: OutcomeDone}
		}
		e.runLogger(run).Info("rollback finished", "state", state)
		return Outcome{Kind: OutcomeDone}
	}
	e.writeTerminal(ctx, run)
	e.raiseFailure(ctx, task, "")
	return Outcome{Kind: OutcomeDone}
}

func (e *Engine) raiseFailure(ctx context.Context, task *Task, note string) {
	run := task.Run
	desc := fmt.Sprintf("%s on %s failed after %d attempt(s): %s", run.Kind, run.DatabaseID, run.Attempt, run.Cause)
	if run.ErrorDetail != "" && run.ErrorDetail != run.Cause {
		desc += " (" + run.ErrorDetail + ")"
	}
	if note != "" {
		desc += "; " + note
	}
	inc := &domain.Incident{
		Key:         FailureKey(run.DefinitionID),
		DatabaseID:  run.DatabaseID,
		RunID:       run.ID,
		Title:       fmt.Sprintf("%s job %q failed", run.Kind, task.Definition.Name),
		Description: desc,
		Category:    domain.CategoryFor(run.Kind),
		Severity:    FailureSeverity(task.Database),
	}
	if _, err := e.incidents.Raise(context.WithoutCancel(ctx), inc); err != nil {
		e.runLogger(run).Error("failed to raise incident", "error", err)
	}
}

// FailureKey dedups the failure incidents of one definition.
func FailureKey(definitionID string) string {
	return "job-failed/" + definitionID
}

// FailureSeverity is the severity of an operation failure on db.
func FailureSeverity(db *domain.DatabaseInstance) domain.Severity {
	if db != nil && db.Environment == domain.EnvironmentProduction {
		return domain.SeverityHigh
	}
	return domain.SeverityMedium
}

func (e *Engine) writeState(ctx context.Context, run *domain.JobRun) {
	snapshot := run.Clone()
	_ = WriteWithRetry(ctx, e.logger, "update run state", func(ctx context.Context) error {
		return e.store.UpdateRunState(ctx, snapshot)
	})
}

func (e *Engine) writeTerminal(ctx context.Context, run *domain.JobRun) {
	err := WriteWithRetry(ctx, e.logger, "update run terminal", func(ctx context.Context) error {
		return e.store.UpdateRunTerminal(ctx, run)
	})
	if err == nil {
		metrics.JobRunsTotal.WithLabelValues(string(run.Kind), string(run.State)).Inc()
	}
}

func (e *Engine) takeCancelled(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.cancelled[runID]; ok {
		delete(e.cancelled, runID)
		return true
	}
	return false
}

func (e *Engine) track(runID string, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[runID] = cancel
	if _, ok := e.cancelled[runID]; ok {
		// cancelled while the lease was being acquired
		delete(e.cancelled, runID)
		cancel(domain.ErrCancelled)
	}
}

func (e *Engine) untrack(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, runID)
}

func (e *Engine) runLogger(run *domain.JobRun) *slog.Logger {
	return e.logger.With(
		"run_id", run.ID,
		"definition_id", run.DefinitionID,
		"database_id", run.DatabaseID,
		"attempt", run.Attempt,
	)
}
