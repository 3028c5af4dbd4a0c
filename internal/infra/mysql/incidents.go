package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"dbops-orchestrator/internal/domain"
)

// ListOpenIncidents returns unresolved incidents, oldest first.
func (s *Store) ListOpenIncidents(ctx context.Context) ([]*domain.Incident, error) {
	_, db, span := s.start(ctx, "ListOpenIncidents")
	defer span.End()
	var rows []IncidentModel
	if err := db.Where("resolved_at IS NULL").Order("opened_at").Find(&rows).Error; err != nil {
		return nil, fail(span, fmt.Errorf("failed to list incidents: %w", err), "failed to list incidents")
	}
	out := make([]*domain.Incident, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// RaiseIncident inserts an incident.
func (s *Store) RaiseIncident(ctx context.Context, incident *domain.Incident) error {
	_, db, span := s.start(ctx, "RaiseIncident", attribute.String("incident.id", incident.ID))
	defer span.End()
	if err := db.Create(incidentToModel(incident)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("incident %s already exists", incident.ID)
		}
		return fail(span, fmt.Errorf("failed to raise incident %s: %w", incident.ID, err), "failed to raise incident")
	}
	return nil
}

// UpdateIncidentLevel raises the escalation level of an open incident.
// The guard in the WHERE clause keeps the level monotonic under concurrent writers.
func (s *Store) UpdateIncidentLevel(ctx context.Context, id string, level int) error {
	_, db, span := s.start(ctx, "UpdateIncidentLevel", attribute.String("incident.id", id), attribute.Int("incident.level", level))
	defer span.End()
	res := db.Model(&IncidentModel{}).
		Where("id = ? AND resolved_at IS NULL AND level <= ?", id, level).
		Update("level", level)
	if res.Error != nil {
		return fail(span, fmt.Errorf("failed to update incident %s: %w", id, res.Error), "failed to update incident")
	}
	if res.RowsAffected > 0 {
		return nil
	}
	cur, err := s.getIncident(db, id)
	if err != nil {
		return err
	}
	switch {
	case !cur.Open():
		return domain.ErrIncidentResolved
	case level < cur.Level:
		return domain.ErrLevelRegression
	}
	return nil
}

// ResolveIncident records the resolution of an incident.
func (s *Store) ResolveIncident(ctx context.Context, id string, at time.Time, resolution string) error {
	_, db, span := s.start(ctx, "ResolveIncident", attribute.String("incident.id", id))
	defer span.End()
	res := db.Model(&IncidentModel{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Updates(map[string]any{"resolved_at": at, "resolution": resolution})
	if res.Error != nil {
		return fail(span, fmt.Errorf("failed to resolve incident %s: %w", id, res.Error), "failed to resolve incident")
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if _, err := s.getIncident(db, id); err != nil {
		return err
	}
	return domain.ErrIncidentResolved
}

// GetIncident returns an incident by id.
func (s *Store) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	_, db, span := s.start(ctx, "GetIncident", attribute.String("incident.id", id))
	defer span.End()
	return s.getIncident(db, id)
}

func (s *Store) getIncident(db *gorm.DB, id string) (*domain.Incident, error) {
	var m IncidentModel
	if err := db.First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrIncidentNotFound
		}
		return nil, fmt.Errorf("failed to get incident %s: %w", id, err)
	}
	return m.toDomain(), nil
}

// SaveDatabase validates and stores an inventory entry.
func (s *Store) SaveDatabase(ctx context.Context, d *domain.DatabaseInstance) error {
	_, db, span := s.start(ctx, "SaveDatabase", attribute.String("database.id", d.ID))
	defer span.End()
	if err := d.Validate(); err != nil {
		return err
	}
	if err := upsert(db, databaseToModel(d)); err != nil {
		return fail(span, fmt.Errorf("failed to save database %s: %w", d.ID, err), "failed to save database")
	}
	return nil
}

// SaveWindow validates and stores a maintenance window.
func (s *Store) SaveWindow(ctx context.Context, w *domain.MaintenanceWindow) error {
	_, db, span := s.start(ctx, "SaveWindow", attribute.String("window.id", w.ID))
	defer span.End()
	if err := w.Validate(); err != nil {
		return err
	}
	if err := upsert(db, windowToModel(w)); err != nil {
		return fail(span, fmt.Errorf("failed to save window %s: %w", w.ID, err), "failed to save window")
	}
	return nil
}

// GetDatabase returns an inventory entry.
func (s *Store) GetDatabase(ctx context.Context, id string) (*domain.DatabaseInstance, error) {
	_, db, span := s.start(ctx, "GetDatabase", attribute.String("database.id", id))
	defer span.End()
	var m DatabaseInstanceModel
	if err := db.First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrDatabaseNotFound
		}
		return nil, fail(span, fmt.Errorf("failed to get database %s: %w", id, err), "failed to get database")
	}
	return m.toDomain(), nil
}

// ListDatabases returns every inventory entry ordered by id.
func (s *Store) ListDatabases(ctx context.Context) ([]*domain.DatabaseInstance, error) {
	_, db, span := s.start(ctx, "ListDatabases")
	defer span.End()
	var rows []DatabaseInstanceModel
	if err := db.Order("id").Find(&rows).Error; err != nil {
		return nil, fail(span, fmt.Errorf("failed to list databases: %w", err), "failed to list databases")
	}
	out := make([]*domain.DatabaseInstance, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// ListWindows returns the maintenance windows of a database.
func (s *Store) ListWindows(ctx context.Context, databaseID string) ([]*domain.MaintenanceWindow, error) {
	_, db, span := s.start(ctx, "ListWindows", attribute.String("database.id", databaseID))
	defer span.End()
	var rows []MaintenanceWindowModel
	if err := db.Where("database_id = ?", databaseID).Order("id").Find(&rows).Error; err != nil {
		return nil, fail(span, fmt.Errorf("failed to list windows: %w", err), "failed to list windows")
	}
	out := make([]*domain.MaintenanceWindow, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}
