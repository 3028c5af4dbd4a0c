// Package rollback restores the pre-operation state of databases after
// failed maintenance runs.
package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dbops-orchestrator/internal/domain"
	"dbops-orchestrator/internal/engine"
	"dbops-orchestrator/internal/lease"
	"dbops-orchestrator/internal/metrics"
)

// Config is the rollback part of the configuration snapshot.
type Config struct {
	Timeout           time.Duration
	RaiseOnRolledBack bool
}

// Manager executes inverse operations. Rollbacks are single-attempt.
type Manager struct {
	cfg       Config
	store     domain.RunStore
	leases    *lease.Manager
	adapters  domain.AdapterResolver
	incidents domain.IncidentRaiser
	now       func() time.Time
	logger    *slog.Logger
	tracer    trace.Tracer
}

var _ engine.Rollbacker = (*Manager)(nil)

// NewManager creates a rollback manager.
func NewManager(cfg Config, store domain.RunStore, leases *lease.Manager, adapters domain.AdapterResolver,
	incidents domain.IncidentRaiser, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		leases:    leases,
		adapters:  adapters,
		incidents: incidents,
		now:       time.Now,
		logger:    logger.With("component", "rollback"),
		tracer:    otel.Tracer("dbops-orchestrator/rollback"),
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Rollback undoes a Failed run of a rollback-eligible definition. The
// caller's lease is reused while it is valid; otherwise a fresh lease is
// taken, and a busy database makes the rollback fail.
func (m *Manager) Rollback(ctx context.Context, task *engine.Task, l *lease.Lease) (domain.RunState, error) {
	run := task.Run
	inverse, ok := task.Definition.Kind.Inverse()
	if run.State != domain.RunFailed || !task.Definition.RollbackEligible || !ok {
		return run.State, fmt.Errorf("%w: run %s is %s", domain.ErrRollbackNotEligible, run.ID, run.State)
	}
	ctx, span := m.tracer.Start(ctx, "rollback.Rollback", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("database.id", run.DatabaseID),
		attribute.String("adapter.operation", string(inverse)),
	))
	defer span.End()
	log := m.logger.With("run_id", run.ID, "definition_id", run.DefinitionID, "database_id", run.DatabaseID)

	if err := run.Apply(domain.EventRollbackStarted, m.now()); err != nil {
		return run.State, err
	}
	m.writeState(ctx, run)
	log.Info("rollback started", "original_cause", run.Cause)

	if l == nil || l.Revoked() {
		own, err := m.leases.Acquire(ctx, run.DatabaseID, run.ID)
		if err != nil {
			span.SetStatus(codes.Error, "lease unavailable")
			return m.fail(ctx, task, fmt.Sprintf("lease unavailable: %v", err)), nil
		}
		defer m.leases.Release(own)
	}

	adapter, err := m.adapters.For(task.Database.Engine)
	if err != nil {
		span.RecordError(err)
		return m.fail(ctx, task, err.Error()), nil
	}
	req := domain.AdapterRequest{
		Operation: inverse,
		Target:    *task.Database,
		RunID:     run.ID,
		Attempt:   run.Attempt,
		Options:   task.Definition.Options,
	}
	res, err := engine.Invoke(context.WithoutCancel(ctx), adapter, req, m.cfg.Timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return m.fail(ctx, task, err.Error()), nil
	}

	if err := run.Apply(domain.EventRollbackSucceeded, m.now()); err != nil {
		return run.State, err
	}
	if res.ArtifactRef != "" {
		run.ArtifactRef = res.ArtifactRef
	}
	m.writeTerminal(ctx, run)
	metrics.RollbacksTotal.WithLabelValues("rolled_back").Inc()
	log.Info("rollback succeeded")

	if m.cfg.RaiseOnRolledBack {
		m.raise(ctx, task, &domain.Incident{
			Key:         "rolled-back/" + run.ID,
			Title:       fmt.Sprintf("%s job %q was rolled back", run.Kind, task.Definition.Name),
			Description: fmt.Sprintf("run %s on %s failed (%s) and was rolled back", run.ID, run.DatabaseID, run.Cause),
			Category:    domain.CategoryFor(run.Kind),
			Severity:    domain.SeverityLow,
		})
	}
	return run.State, nil
}

// Abandon marks a run that stopped in RollingBack as RollbackFailed.
func (m *Manager) Abandon(ctx context.Context, task *engine.Task, reason string) error {
	if task.Run.State != domain.RunRollingBack {
		return fmt.Errorf("%w: run %s is %s", domain.ErrIllegalTransition, task.Run.ID, task.Run.State)
	}
	m.fail(ctx, task, reason)
	return nil
}

// fail records RollbackFailed and always raises a high-severity incident.
func (m *Manager) fail(ctx context.Context, task *engine.Task, reason string) domain.RunState {
	run := task.Run
	if err := run.Apply(domain.EventRollbackFailed, m.now()); err != nil {
		m.logger.Error("cannot record rollback failure", "run_id", run.ID, "error", err)
		return run.State
	}
	run.ErrorDetail = "rollback failed: " + reason
	m.writeTerminal(ctx, run)
	metrics.RollbacksTotal.WithLabelValues("rollback_failed").Inc()
	m.logger.Error("rollback failed", "run_id", run.ID, "database_id", run.DatabaseID, "reason", reason)

	m.raise(ctx, task, &domain.Incident{
		Key:         "rollback-failed/" + run.ID,
		Title:       fmt.Sprintf("rollback of %s job %q failed", run.Kind, task.Definition.Name),
		Description: fmt.Sprintf("run %s on %s failed (%s); rollback failed: %s", run.ID, run.DatabaseID, run.Cause, reason),
		Category:    domain.CategoryRollbackFailure,
		Severity:    domain.SeverityHigh,
	})
	return run.State
}

func (m *Manager) raise(ctx context.Context, task *engine.Task, inc *domain.Incident) {
	inc.DatabaseID = task.Run.DatabaseID
	inc.RunID = task.Run.ID
	if _, err := m.incidents.Raise(context.WithoutCancel(ctx), inc); err != nil {
		m.logger.Error("failed to raise incident", "run_id", task.Run.ID, "error", err)
	}
}

func (m *Manager) writeState(ctx context.Context, run *domain.JobRun) {
	snapshot := run.Clone()
	_ = engine.WriteWithRetry(ctx, m.logger, "update run state", func(ctx context.Context) error {
		return m.store.UpdateRunState(ctx, snapshot)
	})
}

func (m *Manager) writeTerminal(ctx context.Context, run *domain.JobRun) {
	err := engine.WriteWithRetry(ctx, m.logger, "update run terminal", func(ctx context.Context) error {
		return m.store.UpdateRunTerminal(ctx, run)
	})
	if err == nil {
		metrics.JobRunsTotal.WithLabelValues(string(run.Kind), string(run.State)).Inc()
	}
}
