// Package memory is an in-process implementation of every store interface.
// It backs tests and single-node development runs.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"dbops-orchestrator/internal/domain"
)

// Store keeps all records in maps guarded by one mutex.
type Store struct {
	mu        sync.RWMutex
	jobs      map[string]*domain.JobDefinition
	runs      map[string]*domain.JobRun
	incidents map[string]*domain.Incident
	databases map[string]*domain.DatabaseInstance
	windows   map[string][]*domain.MaintenanceWindow
	logger    *slog.Logger
}

var (
	_ domain.Store           = (*Store)(nil)
	_ domain.InventoryWriter = (*Store)(nil)
)

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		jobs:      make(map[string]*domain.JobDefinition),
		runs:      make(map[string]*domain.JobRun),
		incidents: make(map[string]*domain.Incident),
		databases: make(map[string]*domain.DatabaseInstance),
		windows:   make(map[string][]*domain.MaintenanceWindow),
		logger:    logger.With("component", "memory-store"),
	}
}

// PutDatabase adds or replaces an inventory entry.
func (s *Store) PutDatabase(db *domain.DatabaseInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *db
	s.databases[db.ID] = &c
}

// PutWindow adds a maintenance window.
func (s *Store) PutWindow(w *domain.MaintenanceWindow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *w
	s.windows[w.DatabaseID] = append(s.windows[w.DatabaseID], &c)
}

// SaveDatabase validates and stores an inventory entry.
func (s *Store) SaveDatabase(_ context.Context, db *domain.DatabaseInstance) error {
	if err := db.Validate(); err != nil {
		return err
	}
	s.PutDatabase(db)
	return nil
}

// SaveWindow validates and stores a maintenance window, replacing one with the same id.
func (s *Store) SaveWindow(_ context.Context, w *domain.MaintenanceWindow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *w
	list := s.windows[w.DatabaseID]
	for i, cur := range list {
		if cur.ID == w.ID {
			list[i] = &c
			return nil
		}
	}
	s.windows[w.DatabaseID] = append(list, &c)
	return nil
}

// Save stores a job definition.
func (s *Store) Save(_ context.Context, job *domain.JobDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Delete removes a job definition.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return domain.ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

// Get returns a job definition.
func (s *Store) Get(_ context.Context, id string) (*domain.JobDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

// List returns all job definitions ordered by name.
func (s *Store) List(_ context.Context) ([]*domain.JobDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]*domain.JobDefinition, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j.Clone())
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].Name < jobs[b].Name })
	return jobs, nil
}

// ListDue evaluates schedules against the latest scheduled occurrence found in the run history.
func (s *Store) ListDue(_ context.Context, now time.Time) ([]domain.DueJob, error) {
	s.mu.RLock()
	defs := make([]*domain.JobDefinition, 0, len(s.jobs))
	for _, j := range s.jobs {
		defs = append(defs, j.Clone())
	}
	last := make(map[string]time.Time)
	for _, r := range s.runs {
		if r.Attempt != 1 || r.Manual {
			continue
		}
		if r.ScheduledFor.After(last[r.DefinitionID]) {
			last[r.DefinitionID] = r.ScheduledFor
		}
	}
	s.mu.RUnlock()

	sort.Slice(defs, func(a, b int) bool { return defs[a].ID < defs[b].ID })
	due, errs := domain.CollectDue(defs, last, now)
	for _, err := range errs {
		s.logger.Warn("skipping job with unusable schedule", "error", err)
	}
	return due, nil
}

// RetireDefinition marks a definition as retired.
func (s *Store) RetireDefinition(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Retired = true
	return nil
}

// CreateRun inserts a run.
func (s *Store) CreateRun(_ context.Context, run *domain.JobRun) error {
	if err := run.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("job run %s already exists", run.ID)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

// UpdateRunState records a non-final state of a run.
func (s *Store) UpdateRunState(_ context.Context, run *domain.JobRun) error {
	return s.updateRun(run, false)
}

// UpdateRunTerminal records the final state of a run.
func (s *Store) UpdateRunTerminal(_ context.Context, run *domain.JobRun) error {
	return s.updateRun(run, true)
}

func (s *Store) updateRun(run *domain.JobRun, final bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.runs[run.ID]
	if !ok {
		return domain.ErrRunNotFound
	}
	if cur.Final {
		return domain.ErrRunFinal
	}
	c := run.Clone()
	c.Final = final
	s.runs[run.ID] = c
	return nil
}

// ListActiveRuns returns all runs not recorded as final, oldest first.
func (s *Store) ListActiveRuns(_ context.Context) ([]*domain.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.JobRun
	for _, r := range s.runs {
		if !r.Final {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

// GetRun returns a run by id.
func (s *Store) GetRun(_ context.Context, id string) (*domain.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return r.Clone(), nil
}

// ListRuns returns runs of a definition, newest first.
func (s *Store) ListRuns(_ context.Context, definitionID string, page, pageSize int) ([]*domain.JobRun, error) {
	s.mu.RLock()
	var all []*domain.JobRun
	for _, r := range s.runs {
		if r.DefinitionID == definitionID {
			all = append(all, r.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(a, b int) bool {
		if all[a].CreatedAt.Equal(all[b].CreatedAt) {
			return all[a].Attempt > all[b].Attempt
		}
		return all[a].CreatedAt.After(all[b].CreatedAt)
	})
	return paginate(all, page, pageSize), nil
}

func paginate[T any](items []T, page, pageSize int) []T {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		return items
	}
	start := (page - 1) * pageSize
	if start >= len(items) {
		return []T{}
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

// ListOpenIncidents returns unresolved incidents, oldest first.
func (s *Store) ListOpenIncidents(_ context.Context) ([]*domain.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Incident
	for _, inc := range s.incidents {
		if inc.Open() {
			out = append(out, inc.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].OpenedAt.Before(out[b].OpenedAt) })
	return out, nil
}

// RaiseIncident inserts an incident.
func (s *Store) RaiseIncident(_ context.Context, incident *domain.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[incident.ID]; ok {
		return fmt.Errorf("incident %s already exists", incident.ID)
	}
	s.incidents[incident.ID] = incident.Clone()
	return nil
}

// UpdateIncidentLevel raises the escalation level of an open incident.
func (s *Store) UpdateIncidentLevel(_ context.Context, id string, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return domain.ErrIncidentNotFound
	}
	if !inc.Open() {
		return domain.ErrIncidentResolved
	}
	if level < inc.Level {
		return domain.ErrLevelRegression
	}
	inc.Level = level
	return nil
}

// ResolveIncident records the resolution of an incident.
func (s *Store) ResolveIncident(_ context.Context, id string, at time.Time, resolution string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return domain.ErrIncidentNotFound
	}
	if !inc.Open() {
		return domain.ErrIncidentResolved
	}
	t := at
	inc.ResolvedAt = &t
	inc.Resolution = resolution
	return nil
}

// GetIncident returns an incident by id.
func (s *Store) GetIncident(_ context.Context, id string) (*domain.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, domain.ErrIncidentNotFound
	}
	return inc.Clone(), nil
}

// GetDatabase returns an inventory entry.
func (s *Store) GetDatabase(_ context.Context, id string) (*domain.DatabaseInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, ok := s.databases[id]
	if !ok {
		return nil, domain.ErrDatabaseNotFound
	}
	c := *db
	return &c, nil
}

// ListDatabases returns every inventory entry ordered by id.
func (s *Store) ListDatabases(_ context.Context) ([]*domain.DatabaseInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.DatabaseInstance, 0, len(s.databases))
	for _, db := range s.databases {
		c := *db
		out = append(out, &c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

// ListWindows returns the maintenance windows of a database.
func (s *Store) ListWindows(_ context.Context, databaseID string) ([]*domain.MaintenanceWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.windows[databaseID]
	out := make([]*domain.MaintenanceWindow, 0, len(src))
	for _, w := range src {
		c := *w
		out = append(out, &c)
	}
	return out, nil
}
