package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrIncidentNotFound is returned when an incident is not found.
	ErrIncidentNotFound = errors.New("incident not found")
	// ErrLevelRegression is returned when an escalation level update would lower the level.
	ErrLevelRegression = errors.New("escalation level cannot decrease")
	// ErrIncidentResolved is returned when a resolved incident is modified.
	ErrIncidentResolved = errors.New("incident already resolved")
)

// Severity classifies an incident and selects its escalation policy.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// IncidentCategory groups incidents by cause.
type IncidentCategory string

const (
	CategoryBackupFailure      IncidentCategory = "backup_failure"
	CategoryMaintenanceFailure IncidentCategory = "maintenance_failure"
	CategoryRollbackFailure    IncidentCategory = "rollback_failure"
	CategoryConnectivity       IncidentCategory = "connectivity"
	CategorySchedulerBacklog   IncidentCategory = "scheduler_backlog"
	CategoryOther              IncidentCategory = "other"
)

// CategoryFor returns the incident category for a failed job kind.
func CategoryFor(kind JobKind) IncidentCategory {
	if kind == JobKindBackup {
		return CategoryBackupFailure
	}
	return CategoryMaintenanceFailure
}

// Incident is an operational problem tracked against an SLA.
type Incident struct {
	ID          string           `json:"id"`
	Key         string           `json:"key,omitempty"` // open incidents are unique per key
	DatabaseID  string           `json:"database_id,omitempty"`
	RunID       string           `json:"run_id,omitempty"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Category    IncidentCategory `json:"category"`
	Severity    Severity         `json:"severity"`
	OpenedAt    time.Time        `json:"opened_at"`
	SLADeadline time.Time        `json:"sla_deadline"`
	Level       int              `json:"level"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
	Resolution  string           `json:"resolution,omitempty"`
}

// Open reports whether the incident is unresolved.
func (i *Incident) Open() bool {
	return i.ResolvedAt == nil
}

// Clone returns a deep copy of the incident.
func (i *Incident) Clone() *Incident {
	c := *i
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// EscalationStep raises an incident to Level once After has elapsed since it opened.
type EscalationStep struct {
	After      time.Duration `json:"after" mapstructure:"after" yaml:"after" validate:"gte=0"`
	Level      int           `json:"level" mapstructure:"level" yaml:"level" validate:"gte=1"`
	Recipients []string      `json:"recipients" mapstructure:"recipients" yaml:"recipients"`
}

// EscalationPolicy is the escalation ladder for one severity class.
type EscalationPolicy struct {
	Severity Severity         `json:"severity" mapstructure:"severity" yaml:"severity"`
	SLA      time.Duration    `json:"sla" mapstructure:"sla" yaml:"sla" validate:"gt=0"`
	Steps    []EscalationStep `json:"steps" mapstructure:"steps" yaml:"steps" validate:"dive"`
}

// Validate checks that steps are ordered by threshold and climb one level at a time.
func (p *EscalationPolicy) Validate() error {
	if !p.Severity.Valid() {
		return fmt.Errorf("invalid escalation severity: %q", p.Severity)
	}
	if !sort.SliceIsSorted(p.Steps, func(a, b int) bool { return p.Steps[a].After < p.Steps[b].After }) {
		return fmt.Errorf("escalation steps for %s must be ordered by threshold", p.Severity)
	}
	for i, s := range p.Steps {
		if s.Level != i+1 {
			return fmt.Errorf("escalation step %d for %s must target level %d, got %d", i, p.Severity, i+1, s.Level)
		}
	}
	return nil
}

// NextStep returns the step that follows the given level, if any.
func (p *EscalationPolicy) NextStep(level int) (EscalationStep, bool) {
	if level < 0 || level >= len(p.Steps) {
		return EscalationStep{}, false
	}
	return p.Steps[level], true
}

// IncidentStore persists incidents. Implementations must be safe for concurrent use.
type IncidentStore interface {
	ListOpenIncidents(ctx context.Context) ([]*Incident, error)
	RaiseIncident(ctx context.Context, incident *Incident) error
	// UpdateIncidentLevel must reject a lower level with ErrLevelRegression.
	UpdateIncidentLevel(ctx context.Context, id string, level int) error
	ResolveIncident(ctx context.Context, id string, at time.Time, resolution string) error
	GetIncident(ctx context.Context, id string) (*Incident, error)
}

// IncidentRaiser is the narrow view components use to open and close incidents.
type IncidentRaiser interface {
	Raise(ctx context.Context, incident *Incident) (*Incident, error)
	ResolveByKey(ctx context.Context, key, resolution string) error
}

// Notifier delivers an escalation. Delivery is fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, incident *Incident, level int, recipients []string)
}
