package engine

import (
	"time"

	"dbops-orchestrator/internal/domain"
)

// Task is one run ready for a worker, together with the definition and
// target it was created for.
type Task struct {
	Run        *domain.JobRun
	Definition *domain.JobDefinition
	Database   *domain.DatabaseInstance
}

// ReadyAt is the earliest time the task may start.
func (t *Task) ReadyAt() time.Time {
	if t.Run.NotBefore.After(t.Run.CreatedAt) {
		return t.Run.NotBefore
	}
	return t.Run.CreatedAt
}

// OutcomeKind tells the worker what to do with a task after Execute.
type OutcomeKind int

const (
	// OutcomeDone means the run reached a final state.
	OutcomeDone OutcomeKind = iota
	// OutcomeBusy means the database lease was held; requeue the same task.
	OutcomeBusy
	// OutcomeDeferred means a run must wait until its ready time; Next carries it.
	OutcomeDeferred
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeBusy:
		return "busy"
	case OutcomeDeferred:
		return "deferred"
	}
	return "done"
}

// Outcome is the result of handling a task.
type Outcome struct {
	Kind OutcomeKind
	Next *Task
}
