package domain

import (
	"fmt"
	"time"
)

// JobKind is the operation a job definition schedules.
type JobKind string

const (
	JobKindBackup     JobKind = "backup"
	JobKindRestore    JobKind = "restore"
	JobKindPatchApply JobKind = "patch-apply"
)

// MaintenanceClass reports whether jobs of this kind may only run inside
// an open maintenance window. Backups ignore windows.
func (k JobKind) MaintenanceClass() bool {
	return k == JobKindRestore || k == JobKindPatchApply
}

// Operation maps the job kind to the adapter operation it performs.
func (k JobKind) Operation() Operation {
	switch k {
	case JobKindBackup:
		return OperationBackup
	case JobKindRestore:
		return OperationRestore
	case JobKindPatchApply:
		return OperationPatchApply
	}
	return ""
}

// Inverse returns the adapter operation that undoes this kind, if any.
func (k JobKind) Inverse() (Operation, bool) {
	if k == JobKindPatchApply {
		return OperationPatchRollback, true
	}
	return "", false
}

// RetryPolicy defines the retry strategy for a job upon failure.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	BaseBackoff time.Duration `json:"base_backoff" yaml:"base_backoff"`
	MaxBackoff  time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// Backoff returns the delay before the attempt following a failed one:
// base × 2^(attempt-1), capped at MaxBackoff.
func (p RetryPolicy) Backoff(failedAttempt int) time.Duration {
	if p.BaseBackoff <= 0 {
		return 0
	}
	if failedAttempt < 1 {
		failedAttempt = 1
	}
	d := p.BaseBackoff
	for i := 1; i < failedAttempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
		if d <= 0 {
			// overflow
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// JobDefinition is a scheduled database operation.
type JobDefinition struct {
	ID               string            `json:"id" yaml:"id"`
	Name             string            `json:"name" yaml:"name"`
	Kind             JobKind           `json:"kind" yaml:"kind"`
	DatabaseID       string            `json:"database_id" yaml:"database_id"`
	Schedule         Schedule          `json:"schedule" yaml:"schedule"`
	RetryPolicy      *RetryPolicy      `json:"retry_policy,omitempty" yaml:"retry_policy"`
	Retention        time.Duration     `json:"retention,omitempty" yaml:"retention"`
	RollbackEligible bool              `json:"rollback_eligible" yaml:"rollback_eligible"`
	Timeout          time.Duration     `json:"timeout,omitempty" yaml:"timeout"`
	Options          map[string]string `json:"options,omitempty" yaml:"options"`
	Retired          bool              `json:"retired" yaml:"retired"`
	CreatedAt        time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" yaml:"updated_at"`
}

// Validate checks if the job definition is valid.
func (j *JobDefinition) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job name cannot be empty")
	}
	if j.DatabaseID == "" {
		return fmt.Errorf("job database id cannot be empty")
	}
	switch j.Kind {
	case JobKindBackup, JobKindRestore, JobKindPatchApply:
	default:
		return fmt.Errorf("invalid job kind: %s", j.Kind)
	}
	if err := j.Schedule.Validate(); err != nil {
		return err
	}
	if j.RollbackEligible {
		if _, ok := j.Kind.Inverse(); !ok {
			return fmt.Errorf("job kind %s has no inverse operation and cannot be rollback-eligible", j.Kind)
		}
	}
	if j.RetryPolicy != nil {
		if j.RetryPolicy.MaxAttempts < 1 {
			return fmt.Errorf("retry policy max attempts must be at least 1")
		}
		if j.RetryPolicy.BaseBackoff < 0 || j.RetryPolicy.MaxBackoff < 0 {
			return fmt.Errorf("retry policy backoff cannot be negative")
		}
	}
	if j.Retention < 0 || j.Timeout < 0 {
		return fmt.Errorf("retention and timeout cannot be negative")
	}
	return nil
}

// Clone returns a deep copy of the definition.
func (j *JobDefinition) Clone() *JobDefinition {
	c := *j
	if j.RetryPolicy != nil {
		p := *j.RetryPolicy
		c.RetryPolicy = &p
	}
	if j.Options != nil {
		c.Options = make(map[string]string, len(j.Options))
		for k, v := range j.Options {
			c.Options[k] = v
		}
	}
	return &c
}

// EffectiveRetry resolves the retry policy against the configured default.
// Restores are always single-attempt.
func (j *JobDefinition) EffectiveRetry(def RetryPolicy) RetryPolicy {
	p := def
	if j.RetryPolicy != nil {
		p = *j.RetryPolicy
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if j.Kind == JobKindRestore {
		p.MaxAttempts = 1
	}
	return p
}

// NextOccurrence returns the earliest trigger after last that is due at now.
// Cron schedules anchor their first occurrence at CreatedAt so a freshly
// saved definition does not fire for times before it existed.
func (j *JobDefinition) NextOccurrence(last, now time.Time) (time.Time, bool, error) {
	if j.Retired {
		return time.Time{}, false, nil
	}
	next, ok, err := j.Schedule.Next(last, j.CreatedAt)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	if next.After(now) {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

// DueJob is one due occurrence of a definition.
type DueJob struct {
	Definition   *JobDefinition
	ScheduledFor time.Time
}

// CollectDue evaluates every definition against the last occurrence that
// already has a run. A definition whose schedule cannot be evaluated is
// reported in errs and does not affect the others.
func CollectDue(defs []*JobDefinition, last map[string]time.Time, now time.Time) (due []DueJob, errs []error) {
	for _, def := range defs {
		at, ok, err := def.NextOccurrence(last[def.ID], now)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", def.ID, err))
			continue
		}
		if ok {
			due = append(due, DueJob{Definition: def, ScheduledFor: at})
		}
	}
	return due, errs
}
