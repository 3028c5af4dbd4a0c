package etcd

import (
	"context"
	"fmt"
	"path"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"dbops-orchestrator/internal/domain"
)

// SaveDatabase validates and stores an inventory entry.
func (s *Store) SaveDatabase(ctx context.Context, db *domain.DatabaseInstance) error {
	ctx, span := s.start(ctx, "SaveDatabase", attribute.String("database.id", db.ID))
	defer span.End()

	if err := db.Validate(); err != nil {
		return err
	}
	op, err := putOp(databaseKey(db.ID), db)
	if err != nil {
		return err
	}
	if _, err := s.client.Do(ctx, op); err != nil {
		return fail(span, fmt.Errorf("failed to save database %s to etcd: %w", db.ID, err), "failed to put database")
	}
	return nil
}

// SaveWindow validates and stores a maintenance window.
func (s *Store) SaveWindow(ctx context.Context, w *domain.MaintenanceWindow) error {
	ctx, span := s.start(ctx, "SaveWindow", attribute.String("database.id", w.DatabaseID), attribute.String("window.id", w.ID))
	defer span.End()

	if err := w.Validate(); err != nil {
		return err
	}
	op, err := putOp(windowKey(w.DatabaseID, w.ID), w)
	if err != nil {
		return err
	}
	if _, err := s.client.Do(ctx, op); err != nil {
		return fail(span, fmt.Errorf("failed to save window %s to etcd: %w", w.ID, err), "failed to put window")
	}
	return nil
}

// GetDatabase returns an inventory entry.
func (s *Store) GetDatabase(ctx context.Context, id string) (*domain.DatabaseInstance, error) {
	ctx, span := s.start(ctx, "GetDatabase", attribute.String("database.id", id))
	defer span.End()

	var db domain.DatabaseInstance
	_, found, err := s.getJSON(ctx, databaseKey(id), &db)
	if err != nil {
		return nil, fail(span, err, "failed to get database")
	}
	if !found {
		return nil, domain.ErrDatabaseNotFound
	}
	return &db, nil
}

// ListDatabases returns every inventory entry ordered by id.
func (s *Store) ListDatabases(ctx context.Context) ([]*domain.DatabaseInstance, error) {
	ctx, span := s.start(ctx, "ListDatabases")
	defer span.End()

	out, err := listPrefix[domain.DatabaseInstance](ctx, s, DatabaseDir)
	if err != nil {
		return nil, fail(span, err, "failed to list databases")
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

// ListWindows returns the maintenance windows of a database.
func (s *Store) ListWindows(ctx context.Context, databaseID string) ([]*domain.MaintenanceWindow, error) {
	ctx, span := s.start(ctx, "ListWindows", attribute.String("database.id", databaseID))
	defer span.End()

	out, err := listPrefix[domain.MaintenanceWindow](ctx, s, path.Join(WindowDir, databaseID)+"/")
	if err != nil {
		return nil, fail(span, err, "failed to list windows")
	}
	return out, nil
}
