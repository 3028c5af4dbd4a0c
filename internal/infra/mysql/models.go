package mysql

import (
	"time"

	"dbops-orchestrator/internal/domain"
)

// JobDefinitionModel is the job_definitions row.
type JobDefinitionModel struct {
	ID               string              `gorm:"primaryKey;size:64"`
	Name             string              `gorm:"size:128;index"`
	Kind             string              `gorm:"size:32"`
	DatabaseID       string              `gorm:"size:64;index"`
	Cron             string              `gorm:"size:128"`
	At               *time.Time          `gorm:"type:datetime(6)"`
	RetryPolicy      *domain.RetryPolicy `gorm:"serializer:json;type:text"`
	Retention        time.Duration
	RollbackEligible bool
	Timeout          time.Duration
	Options          map[string]string `gorm:"serializer:json;type:text"`
	Retired          bool
	CreatedAt        time.Time `gorm:"type:datetime(6);autoCreateTime:false"`
	UpdatedAt        time.Time `gorm:"type:datetime(6);autoUpdateTime:false"`
}

func (JobDefinitionModel) TableName() string { return "job_definitions" }

// JobRunModel is the job_runs row.
type JobRunModel struct {
	ID             string     `gorm:"primaryKey;size:64"`
	DefinitionID   string     `gorm:"size:64;index:idx_runs_definition"`
	DatabaseID     string     `gorm:"size:64"`
	Kind           string     `gorm:"size:32"`
	Attempt        int        `gorm:"index:idx_runs_definition"`
	ScheduledFor   time.Time  `gorm:"type:datetime(6)"`
	State          string     `gorm:"size:32"`
	CreatedAt      time.Time  `gorm:"type:datetime(6);autoCreateTime:false"`
	NotBefore      time.Time  `gorm:"type:datetime(6)"`
	StartedAt      *time.Time `gorm:"type:datetime(6)"`
	EndedAt        *time.Time `gorm:"type:datetime(6)"`
	Cause          string     `gorm:"size:64"`
	ErrorDetail    string     `gorm:"type:text"`
	ArtifactRef    string     `gorm:"size:512"`
	RetentionUntil *time.Time `gorm:"type:datetime(6)"`
	Manual         bool
	Final          bool `gorm:"index"`
}

func (JobRunModel) TableName() string { return "job_runs" }

// IncidentModel is the incidents row.
type IncidentModel struct {
	ID          string    `gorm:"primaryKey;size:64"`
	Key         string    `gorm:"column:incident_key;size:191;index"`
	DatabaseID  string    `gorm:"size:64"`
	RunID       string    `gorm:"size:64"`
	Title       string    `gorm:"size:255"`
	Description string    `gorm:"type:text"`
	Category    string    `gorm:"size:32"`
	Severity    string    `gorm:"size:16"`
	OpenedAt    time.Time `gorm:"type:datetime(6)"`
	SLADeadline time.Time `gorm:"column:sla_deadline;type:datetime(6)"`
	Level       int
	ResolvedAt  *time.Time `gorm:"type:datetime(6);index"`
	Resolution  string     `gorm:"type:text"`
}

func (IncidentModel) TableName() string { return "incidents" }

// DatabaseInstanceModel is the database_instances row.
type DatabaseInstanceModel struct {
	ID                  string `gorm:"primaryKey;size:64"`
	ClientID            string `gorm:"size:64;index"`
	Name                string `gorm:"size:128"`
	Engine              string `gorm:"size:32"`
	Version             string `gorm:"size:32"`
	Host                string `gorm:"size:255"`
	Port                int
	ServiceName         string `gorm:"size:128"`
	Environment         string `gorm:"size:32"`
	HAMode              string `gorm:"column:ha_mode;size:32"`
	BackupRetentionDays int
	Active              bool
}

func (DatabaseInstanceModel) TableName() string { return "database_instances" }

// MaintenanceWindowModel is the maintenance_windows row.
type MaintenanceWindowModel struct {
	ID         string     `gorm:"primaryKey;size:64"`
	DatabaseID string     `gorm:"primaryKey;size:64"`
	Title      string     `gorm:"size:255"`
	Start      time.Time  `gorm:"column:starts_at;type:datetime(6)"`
	End        *time.Time `gorm:"column:ends_at;type:datetime(6)"`
	Recurrence string     `gorm:"size:128"`
	Duration   time.Duration
}

func (MaintenanceWindowModel) TableName() string { return "maintenance_windows" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{
		&JobDefinitionModel{},
		&JobRunModel{},
		&IncidentModel{},
		&DatabaseInstanceModel{},
		&MaintenanceWindowModel{},
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func valueTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func jobToModel(j *domain.JobDefinition) *JobDefinitionModel {
	return &JobDefinitionModel{
		ID:               j.ID,
		Name:             j.Name,
		Kind:             string(j.Kind),
		DatabaseID:       j.DatabaseID,
		Cron:             j.Schedule.Cron,
		At:               optionalTime(j.Schedule.At),
		RetryPolicy:      j.RetryPolicy,
		Retention:        j.Retention,
		RollbackEligible: j.RollbackEligible,
		Timeout:          j.Timeout,
		Options:          j.Options,
		Retired:          j.Retired,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
	}
}

func (m *JobDefinitionModel) toDomain() *domain.JobDefinition {
	return &domain.JobDefinition{
		ID:               m.ID,
		Name:             m.Name,
		Kind:             domain.JobKind(m.Kind),
		DatabaseID:       m.DatabaseID,
		Schedule:         domain.Schedule{Cron: m.Cron, At: valueTime(m.At)},
		RetryPolicy:      m.RetryPolicy,
		Retention:        m.Retention,
		RollbackEligible: m.RollbackEligible,
		Timeout:          m.Timeout,
		Options:          m.Options,
		Retired:          m.Retired,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func runToModel(r *domain.JobRun) *JobRunModel {
	return &JobRunModel{
		ID:             r.ID,
		DefinitionID:   r.DefinitionID,
		DatabaseID:     r.DatabaseID,
		Kind:           string(r.Kind),
		Attempt:        r.Attempt,
		ScheduledFor:   r.ScheduledFor,
		State:          string(r.State),
		CreatedAt:      r.CreatedAt,
		NotBefore:      r.NotBefore,
		StartedAt:      r.StartedAt,
		EndedAt:        r.EndedAt,
		Cause:          r.Cause,
		ErrorDetail:    r.ErrorDetail,
		ArtifactRef:    r.ArtifactRef,
		RetentionUntil: r.RetentionUntil,
		Manual:         r.Manual,
		Final:          r.Final,
	}
}

func (m *JobRunModel) toDomain() *domain.JobRun {
	return &domain.JobRun{
		ID:             m.ID,
		DefinitionID:   m.DefinitionID,
		DatabaseID:     m.DatabaseID,
		Kind:           domain.JobKind(m.Kind),
		Attempt:        m.Attempt,
		ScheduledFor:   m.ScheduledFor,
		State:          domain.RunState(m.State),
		CreatedAt:      m.CreatedAt,
		NotBefore:      m.NotBefore,
		StartedAt:      m.StartedAt,
		EndedAt:        m.EndedAt,
		Cause:          m.Cause,
		ErrorDetail:    m.ErrorDetail,
		ArtifactRef:    m.ArtifactRef,
		RetentionUntil: m.RetentionUntil,
		Manual:         m.Manual,
		Final:          m.Final,
	}
}

func incidentToModel(i *domain.Incident) *IncidentModel {
	return &IncidentModel{
		ID:          i.ID,
		Key:         i.Key,
		DatabaseID:  i.DatabaseID,
		RunID:       i.RunID,
		Title:       i.Title,
		Description: i.Description,
		Category:    string(i.Category),
		Severity:    string(i.Severity),
		OpenedAt:    i.OpenedAt,
		SLADeadline: i.SLADeadline,
		Level:       i.Level,
		ResolvedAt:  i.ResolvedAt,
		Resolution:  i.Resolution,
	}
}

func (m *IncidentModel) toDomain() *domain.Incident {
	return &domain.Incident{
		ID:          m.ID,
		Key:         m.Key,
		DatabaseID:  m.DatabaseID,
		RunID:       m.RunID,
		Title:       m.Title,
		Description: m.Description,
		Category:    domain.IncidentCategory(m.Category),
		Severity:    domain.Severity(m.Severity),
		OpenedAt:    m.OpenedAt,
		SLADeadline: m.SLADeadline,
		Level:       m.Level,
		ResolvedAt:  m.ResolvedAt,
		Resolution:  m.Resolution,
	}
}

func databaseToModel(d *domain.DatabaseInstance) *DatabaseInstanceModel {
	return &DatabaseInstanceModel{
		ID:                  d.ID,
		ClientID:            d.ClientID,
		Name:                d.Name,
		Engine:              string(d.Engine),
		Version:             d.Version,
		Host:                d.Host,
		Port:                d.Port,
		ServiceName:         d.ServiceName,
		Environment:         string(d.Environment),
		HAMode:              string(d.HAMode),
		BackupRetentionDays: d.BackupRetentionDays,
		Active:              d.Active,
	}
}

func (m *DatabaseInstanceModel) toDomain() *domain.DatabaseInstance {
	return &domain.DatabaseInstance{
		ID:                  m.ID,
		ClientID:            m.ClientID,
		Name:                m.Name,
		Engine:              domain.EngineKind(m.Engine),
		Version:             m.Version,
		Host:                m.Host,
		Port:                m.Port,
		ServiceName:         m.ServiceName,
		Environment:         domain.Environment(m.Environment),
		HAMode:              domain.HAMode(m.HAMode),
		BackupRetentionDays: m.BackupRetentionDays,
		Active:              m.Active,
	}
}

func windowToModel(w *domain.MaintenanceWindow) *MaintenanceWindowModel {
	return &MaintenanceWindowModel{
		ID:         w.ID,
		DatabaseID: w.DatabaseID,
		Title:      w.Title,
		Start:      w.Start,
		End:        optionalTime(w.End),
		Recurrence: w.Recurrence,
		Duration:   w.Duration,
	}
}

func (m *MaintenanceWindowModel) toDomain() *domain.MaintenanceWindow {
	return &domain.MaintenanceWindow{
		ID:         m.ID,
		DatabaseID: m.DatabaseID,
		Title:      m.Title,
		Start:      m.Start,
		End:        valueTime(m.End),
		Recurrence: m.Recurrence,
		Duration:   m.Duration,
	}
}
