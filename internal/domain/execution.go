// internal/domain/execution.go
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrIllegalTransition is returned when an event does not apply to the run's current state.
	ErrIllegalTransition = errors.New("illegal run state transition")
	// ErrRunFinal is returned when a write targets a run that is already recorded as final.
	ErrRunFinal = errors.New("job run is final")
	// ErrRunNotFound is returned when a run is not found.
	ErrRunNotFound = errors.New("job run not found")
	// ErrRollbackNotEligible is returned when a rollback is requested for a run that cannot be rolled back.
	ErrRollbackNotEligible = errors.New("job run is not eligible for rollback")
)

// RunState is the state of one job run.
type RunState string

const (
	RunPending        RunState = "pending"
	RunRunning        RunState = "running"
	RunSucceeded      RunState = "succeeded"
	RunFailed         RunState = "failed"
	RunRollingBack    RunState = "rolling_back"
	RunRolledBack     RunState = "rolled_back"
	RunRollbackFailed RunState = "rollback_failed"
)

// RunEvent drives a run from one state to the next.
type RunEvent string

const (
	EventLeaseAcquired     RunEvent = "lease_acquired"
	EventSucceeded         RunEvent = "succeeded"
	EventFailed            RunEvent = "failed"
	EventRollbackStarted   RunEvent = "rollback_started"
	EventRollbackSucceeded RunEvent = "rollback_succeeded"
	EventRollbackFailed    RunEvent = "rollback_failed"
)

// NextState is the complete transition table of a run.
func NextState(s RunState, e RunEvent) (RunState, error) {
	switch {
	case s == RunPending && e == EventLeaseAcquired:
		return RunRunning, nil
	case s == RunPending && e == EventFailed:
		// cancelled before it ever started
		return RunFailed, nil
	case s == RunRunning && e == EventSucceeded:
		return RunSucceeded, nil
	case s == RunRunning && e == EventFailed:
		return RunFailed, nil
	case s == RunFailed && e == EventRollbackStarted:
		return RunRollingBack, nil
	case s == RunRollingBack && e == EventRollbackSucceeded:
		return RunRolledBack, nil
	case s == RunRollingBack && e == EventRollbackFailed:
		return RunRollbackFailed, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, e, s)
}

// Terminal reports whether no further transition can follow. A failed run
// is terminal unless its definition is rollback-eligible.
func (s RunState) Terminal(rollbackEligible bool) bool {
	switch s {
	case RunSucceeded, RunRolledBack, RunRollbackFailed:
		return true
	case RunFailed:
		return !rollbackEligible
	}
	return false
}

// JobRun is one execution attempt of a job definition.
type JobRun struct {
	ID             string     `json:"id"`
	DefinitionID   string     `json:"definition_id"`
	DatabaseID     string     `json:"database_id"`
	Kind           JobKind    `json:"kind"`
	Attempt        int        `json:"attempt"`
	ScheduledFor   time.Time  `json:"scheduled_for"`
	State          RunState   `json:"state"`
	CreatedAt      time.Time  `json:"created_at"`
	NotBefore      time.Time  `json:"not_before,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Cause          string     `json:"cause,omitempty"`
	ErrorDetail    string     `json:"error_detail,omitempty"`
	ArtifactRef    string     `json:"artifact_ref,omitempty"`
	RetentionUntil *time.Time `json:"retention_until,omitempty"`
	Manual         bool       `json:"manual,omitempty"` // operator submission, not a schedule occurrence
	Final          bool       `json:"final"`
}

// NewRun creates the first attempt of a lineage.
func NewRun(def *JobDefinition, scheduledFor, now time.Time) *JobRun {
	return &JobRun{
		ID:           uuid.NewString(),
		DefinitionID: def.ID,
		DatabaseID:   def.DatabaseID,
		Kind:         def.Kind,
		Attempt:      1,
		ScheduledFor: scheduledFor,
		State:        RunPending,
		CreatedAt:    now,
	}
}

// NextAttempt creates the run that supersedes r.
func (r *JobRun) NextAttempt(now, notBefore time.Time) *JobRun {
	return &JobRun{
		ID:           uuid.NewString(),
		DefinitionID: r.DefinitionID,
		DatabaseID:   r.DatabaseID,
		Kind:         r.Kind,
		Attempt:      r.Attempt + 1,
		ScheduledFor: r.ScheduledFor,
		State:        RunPending,
		CreatedAt:    now,
		NotBefore:    notBefore,
		Manual:       r.Manual,
	}
}

// Apply moves the run through the transition table and stamps times.
func (r *JobRun) Apply(e RunEvent, at time.Time) error {
	next, err := NextState(r.State, e)
	if err != nil {
		return err
	}
	r.State = next
	switch next {
	case RunRunning:
		t := at
		r.StartedAt = &t
	case RunSucceeded, RunFailed, RunRolledBack, RunRollbackFailed:
		t := at
		r.EndedAt = &t
	}
	return nil
}

// Fail applies EventFailed and records the cause.
func (r *JobRun) Fail(at time.Time, cause string, detail error) error {
	if err := r.Apply(EventFailed, at); err != nil {
		return err
	}
	r.Cause = cause
	if detail != nil {
		r.ErrorDetail = detail.Error()
	}
	return nil
}

// Validate checks if the run record is valid.
func (r *JobRun) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("job run ID cannot be empty")
	}
	if r.DefinitionID == "" {
		return fmt.Errorf("job run definition id cannot be empty")
	}
	if r.Attempt < 1 {
		return fmt.Errorf("job run attempt must be at least 1")
	}
	if r.State == "" {
		return fmt.Errorf("job run state cannot be empty")
	}
	return nil
}

// Clone returns a deep copy so stored records and in-flight runs never alias.
func (r *JobRun) Clone() *JobRun {
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	if r.RetentionUntil != nil {
		t := *r.RetentionUntil
		c.RetentionUntil = &t
	}
	return &c
}

// RunStore persists runs. Implementations must be safe for concurrent use.
type RunStore interface {
	// CreateRun inserts a new pending run.
	CreateRun(ctx context.Context, run *JobRun) error
	// UpdateRunState records a non-final transition (Running, Failed before rollback, RollingBack).
	UpdateRunState(ctx context.Context, run *JobRun) error
	// UpdateRunTerminal records the final state; the run is immutable afterwards.
	UpdateRunTerminal(ctx context.Context, run *JobRun) error
	// ListActiveRuns returns every run not yet recorded as final.
	ListActiveRuns(ctx context.Context) ([]*JobRun, error)
}

// RunHistory gives read access to past runs.
type RunHistory interface {
	GetRun(ctx context.Context, id string) (*JobRun, error)
	// ListRuns retrieves runs for a definition, newest first, with pagination.
	ListRuns(ctx context.Context, definitionID string, page, pageSize int) ([]*JobRun, error)
}
