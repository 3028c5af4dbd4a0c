package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dbops-orchestrator/internal/domain"
	"dbops-orchestrator/internal/engine"
)

var (
	// ErrInvalidJob wraps definition validation failures.
	ErrInvalidJob = errors.New("invalid job definition")
	// ErrDatabaseInactive rejects submissions against inactive databases.
	ErrDatabaseInactive = errors.New("database is inactive")
	// ErrOutsideWindow rejects maintenance-class submissions outside every maintenance window.
	ErrOutsideWindow = errors.New("outside maintenance window")
	// ErrNotLeader rejects run submissions on a node that is not scheduling.
	ErrNotLeader = errors.New("this node is not the active scheduler")
	// ErrRunNotCancellable rejects cancellation of a run that is neither queued nor running.
	ErrRunNotCancellable = errors.New("job run cannot be cancelled in its current state")
)

// Dispatcher hands runs to the active orchestrator term.
type Dispatcher interface {
	Running() bool
	Submit(ctx context.Context, task *engine.Task) error
	Cancel(runID string) (bool, error)
}

// Store is the persistence the job service needs.
type Store interface {
	domain.JobRepository
	domain.RunHistory
	domain.Inventory
	CreateRun(ctx context.Context, run *domain.JobRun) error
}

// JobService implements operator actions on job definitions and runs.
type JobService struct {
	store        Store
	dispatcher   Dispatcher
	leaseTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
	tracer       trace.Tracer
}

// NewJobService creates a new JobService instance.
func NewJobService(store Store, dispatcher Dispatcher, logger *slog.Logger) *JobService {
	return &JobService{
		store:      store,
		dispatcher: dispatcher,
		now:        time.Now,
		logger:     logger.With("component", "job-service"),
		tracer:     otel.Tracer("dbops-orchestrator/usecase"),
	}
}

// SetClock replaces the time source.
func (s *JobService) SetClock(now func() time.Time) {
	s.now = now
}

// SetLeaseTimeout bounds definition timeouts. A definition whose timeout
// reaches the database lease timeout is rejected.
func (s *JobService) SetLeaseTimeout(d time.Duration) {
	s.leaseTimeout = d
}

// Save validates and stores a definition. New definitions get an id and
// their creation time, which anchors the first cron occurrence.
func (s *JobService) Save(ctx context.Context, job *domain.JobDefinition) error {
	ctx, span := s.tracer.Start(ctx, "service.Save")
	defer span.End()

	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if s.leaseTimeout > 0 && job.Timeout >= s.leaseTimeout {
		return fmt.Errorf("%w: timeout %s must be shorter than the lease timeout %s", ErrInvalidJob, job.Timeout, s.leaseTimeout)
	}
	if _, err := s.store.GetDatabase(ctx, job.DatabaseID); err != nil {
		return err
	}

	now := s.now()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	existing, err := s.store.Get(ctx, job.ID)
	switch {
	case err == nil:
		job.CreatedAt = existing.CreatedAt
		// a dispatched one-shot stays retired unless it is rescheduled
		job.Retired = existing.Retired && existing.Schedule.Cron == job.Schedule.Cron &&
			existing.Schedule.At.Equal(job.Schedule.At)
	case errors.Is(err, domain.ErrJobNotFound):
		job.CreatedAt = now
		job.Retired = false
	default:
		return err
	}
	job.UpdatedAt = now
	span.SetAttributes(attribute.String("job.id", job.ID), attribute.String("job.name", job.Name))

	if err := s.store.Save(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save job to repository")
		return err
	}
	s.logger.Info("job saved", "job_id", job.ID, "kind", job.Kind, "database_id", job.DatabaseID)
	return nil
}

// Delete removes a definition. Runs already created are not affected.
func (s *JobService) Delete(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "service.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	if err := s.store.Delete(ctx, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete job from repository")
		return err
	}
	s.logger.Info("job deleted", "job_id", id)
	return nil
}

// Get returns one definition.
func (s *JobService) Get(ctx context.Context, id string) (*domain.JobDefinition, error) {
	ctx, span := s.tracer.Start(ctx, "service.Get")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	job, err := s.store.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job from repository")
	}
	return job, err
}

// List returns every definition.
func (s *JobService) List(ctx context.Context) ([]*domain.JobDefinition, error) {
	ctx, span := s.tracer.Start(ctx, "service.List")
	defer span.End()

	jobs, err := s.store.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list jobs from repository")
	}
	return jobs, err
}

// ListHistory lists the runs of a definition.
func (s *JobService) ListHistory(ctx context.Context, id string, page, pageSize int) ([]*domain.JobRun, error) {
	ctx, span := s.tracer.Start(ctx, "service.ListHistory")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", id),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)

	runs, err := s.store.ListRuns(ctx, id, page, pageSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list job history from repository")
	}
	return runs, err
}

// GetRun returns one run.
func (s *JobService) GetRun(ctx context.Context, id string) (*domain.JobRun, error) {
	ctx, span := s.tracer.Start(ctx, "service.GetRun")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", id))
	return s.store.GetRun(ctx, id)
}

// Submit creates a manual run of a definition and hands it to the active
// term. Manual runs never consume a schedule occurrence and follow the
// same database and window gates as scheduled ones.
func (s *JobService) Submit(ctx context.Context, id string) (*domain.JobRun, error) {
	ctx, span := s.tracer.Start(ctx, "service.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	if !s.dispatcher.Running() {
		return nil, ErrNotLeader
	}
	def, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	db, err := s.store.GetDatabase(ctx, def.DatabaseID)
	if err != nil {
		return nil, err
	}
	if !db.Active {
		return nil, fmt.Errorf("%w: %s", ErrDatabaseInactive, db.ID)
	}
	now := s.now()
	if def.Kind.MaintenanceClass() {
		windows, err := s.store.ListWindows(ctx, db.ID)
		if err != nil {
			return nil, err
		}
		open, err := domain.InAnyWindow(windows, now)
		if err != nil {
			s.logger.Warn("malformed maintenance window ignored", "database_id", db.ID, "error", err)
		}
		if !open {
			return nil, fmt.Errorf("%w: %s", ErrOutsideWindow, db.ID)
		}
	}

	run := domain.NewRun(def, now, now)
	run.Manual = true
	if err := s.store.CreateRun(ctx, run); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create run")
		return nil, err
	}
	if err := s.dispatcher.Submit(ctx, &engine.Task{Run: run, Definition: def, Database: db}); err != nil {
		// the term ended in between; the pending run is recovered by the next one
		span.RecordError(err)
		return run, err
	}
	span.SetAttributes(attribute.String("run.id", run.ID))
	s.logger.Info("run submitted", "job_id", def.ID, "run_id", run.ID)
	return run, nil
}

// CancelRun cancels a queued or in-flight run. It reports whether the run
// was in flight.
func (s *JobService) CancelRun(ctx context.Context, runID string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "service.CancelRun")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Final {
		return false, domain.ErrRunFinal
	}
	if run.State != domain.RunPending && run.State != domain.RunRunning {
		return false, fmt.Errorf("%w: %s", ErrRunNotCancellable, run.State)
	}
	if !s.dispatcher.Running() {
		return false, ErrNotLeader
	}
	inFlight, err := s.dispatcher.Cancel(runID)
	if err != nil {
		return false, err
	}
	s.logger.Info("run cancellation requested", "run_id", runID, "in_flight", inFlight)
	return inFlight, nil
}
