package http

import (
	"time"

	"dbops-orchestrator/internal/domain"
)

// RetryPolicyRequest is the DTO for retry policy configuration.
type RetryPolicyRequest struct {
	MaxAttempts int    `json:"max_attempts" validate:"gte=1,lte=20"`
	BaseBackoff string `json:"base_backoff" validate:"omitempty,duration"`
	MaxBackoff  string `json:"max_backoff" validate:"omitempty,duration"`
}

// SaveJobRequest is the Data Transfer Object for creating/updating a job.
type SaveJobRequest struct {
	ID               string              `json:"id" validate:"omitempty,max=64,excludesall=/"`
	Name             string              `json:"name" validate:"required,min=1,max=128"`
	Kind             string              `json:"kind" validate:"required,oneof=backup restore patch-apply"`
	DatabaseID       string              `json:"database_id" validate:"required,max=64"`
	Cron             string              `json:"cron" validate:"omitempty,cron"`
	At               *time.Time          `json:"at,omitempty" validate:"required_without=Cron,excluded_with=Cron"`
	RetryPolicy      *RetryPolicyRequest `json:"retry_policy,omitempty" validate:"omitempty"`
	Retention        string              `json:"retention" validate:"omitempty,duration"`
	Timeout          string              `json:"timeout" validate:"omitempty,duration"`
	RollbackEligible bool                `json:"rollback_eligible"`
	Options          map[string]string   `json:"options,omitempty"`
}

// ToDomainJob converts a SaveJobRequest DTO to a domain.JobDefinition.
// Durations were checked by the validator.
func (r *SaveJobRequest) ToDomainJob() *domain.JobDefinition {
	var retryPolicy *domain.RetryPolicy
	if r.RetryPolicy != nil {
		base, _ := time.ParseDuration(r.RetryPolicy.BaseBackoff)
		maxBackoff, _ := time.ParseDuration(r.RetryPolicy.MaxBackoff)
		retryPolicy = &domain.RetryPolicy{
			MaxAttempts: r.RetryPolicy.MaxAttempts,
			BaseBackoff: base,
			MaxBackoff:  maxBackoff,
		}
	}

	schedule := domain.Schedule{Cron: r.Cron}
	if r.At != nil {
		schedule.At = r.At.UTC()
	}
	retention, _ := time.ParseDuration(r.Retention)
	timeout, _ := time.ParseDuration(r.Timeout)

	return &domain.JobDefinition{
		ID:               r.ID,
		Name:             r.Name,
		Kind:             domain.JobKind(r.Kind),
		DatabaseID:       r.DatabaseID,
		Schedule:         schedule,
		RetryPolicy:      retryPolicy,
		Retention:        retention,
		RollbackEligible: r.RollbackEligible,
		Timeout:          timeout,
		Options:          r.Options,
	}
}

// ResolveIncidentRequest is the body of POST /incidents/{id}/resolve.
type ResolveIncidentRequest struct {
	Resolution string `json:"resolution" validate:"max=1024"`
}

// CancelRunResponse reports the outcome of a cancellation request.
type CancelRunResponse struct {
	RunID    string `json:"run_id"`
	InFlight bool   `json:"in_flight"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}
