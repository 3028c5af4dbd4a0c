package domain

import (
	"context"
	"errors" // Import the errors package
	"time"
)

// ErrJobNotFound is a sentinel error returned when a job is not found.
var ErrJobNotFound = errors.New("job not found")

// JobRepository defines the interface for persisting and retrieving job definitions.
type JobRepository interface {
	Save(ctx context.Context, job *JobDefinition) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*JobDefinition, error)
	List(ctx context.Context) ([]*JobDefinition, error)
}

// JobStore is the narrow persistence surface the orchestrator core runs on.
type JobStore interface {
	RunStore
	IncidentStore
	// ListDue returns, per live definition, the earliest occurrence that has
	// elapsed at now and has no run yet.
	ListDue(ctx context.Context, now time.Time) ([]DueJob, error)
	// RetireDefinition marks a one-shot definition as dispatched.
	RetireDefinition(ctx context.Context, id string) error
}

// Store is everything a backend provides.
type Store interface {
	JobStore
	JobRepository
	RunHistory
	Inventory
}
