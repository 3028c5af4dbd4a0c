// Package mysql implements the orchestrator stores on MySQL through GORM.
package mysql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"dbops-orchestrator/internal/domain"
)

// Store implements domain.Store on a relational schema.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	tracer trace.Tracer
}

var (
	_ domain.Store           = (*Store)(nil)
	_ domain.InventoryWriter = (*Store)(nil)
)

// Open connects to MySQL. The DSN must carry parseTime=true.
func Open(dsn string, maxOpenConns int, logger *slog.Logger) (*gorm.DB, error) {
	logger.Info("connecting to mysql")
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("gorm connection failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if maxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(maxOpenConns)
	}
	logger.Info("gorm connected successfully")
	return db, nil
}

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

// NewStore creates a store on an open connection.
func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With("component", "mysql-store"),
		tracer: otel.Tracer("dbops-orchestrator/mysql-store"),
	}
}

func (s *Store) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *gorm.DB, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "repo.mysql."+name, trace.WithAttributes(attrs...))
	return ctx, s.db.WithContext(ctx), span
}

func fail(span trace.Span, err error, msg string) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	return err
}

// upsert inserts a row or overwrites every column of an existing one.
func upsert(db *gorm.DB, row any) error {
	return db.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

// Save persists a job definition.
func (s *Store) Save(ctx context.Context, job *domain.JobDefinition) error {
	_, db, span := s.start(ctx, "Save", attribute.String("job.id", job.ID))
	defer span.End()
	if err := upsert(db, jobToModel(job)); err != nil {
		return fail(span, fmt.Errorf("failed to save job %s: %w", job.ID, err), "failed to save job")
	}
	return nil
}

// Delete removes a job definition. Its run history is kept.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, db, span := s.start(ctx, "Delete", attribute.String("job.id", id))
	defer span.End()
	res := db.Delete(&JobDefinitionModel{}, "id = ?", id)
	if res.Error != nil {
		return fail(span, fmt.Errorf("failed to delete job %s: %w", id, res.Error), "failed to delete job")
	}
	if res.RowsAffected == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// Get returns a job definition.
func (s *Store) Get(ctx context.Context, id string) (*domain.JobDefinition, error) {
	_, db, span := s.start(ctx, "Get", attribute.String("job.id", id))
	defer span.End()
	var m JobDefinitionModel
	if err := db.First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fail(span, fmt.Errorf("failed to get job %s: %w", id, err), "failed to get job")
	}
	return m.toDomain(), nil
}

// List returns every job definition ordered by name.
func (s *Store) List(ctx context.Context) ([]*domain.JobDefinition, error) {
	_, db, span := s.start(ctx, "List")
	defer span.End()
	var rows []JobDefinitionModel
	if err := db.Order("name").Find(&rows).Error; err != nil {
		return nil, fail(span, fmt.Errorf("failed to list jobs: %w", err), "failed to list jobs")
	}
	out := make([]*domain.JobDefinition, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

type lastOccurrence struct {
	DefinitionID string
	Last         time.Time
}

// ListDue evaluates every definition against the latest scheduled
// first-attempt run in the history.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]domain.DueJob, error) {
	_, db, span := s.start(ctx, "ListDue")
	defer span.End()

	var rows []JobDefinitionModel
	if err := db.Where("retired = ?", false).Order("id").Find(&rows).Error; err != nil {
		return nil, fail(span, fmt.Errorf("failed to list jobs: %w", err), "failed to list jobs")
	}
	var lasts []lastOccurrence
	err := db.Model(&JobRunModel{}).
		Select("definition_id, MAX(scheduled_for) AS last").
		Where("attempt = ? AND manual = ?", 1, false).
		Group("definition_id").
		Scan(&lasts).Error
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to read run history: %w", err), "failed to read run history")
	}

	defs := make([]*domain.JobDefinition, 0, len(rows))
	for i := range rows {
		defs = append(defs, rows[i].toDomain())
	}
	last := make(map[string]time.Time, len(lasts))
	for _, l := range lasts {
		last[l.DefinitionID] = l.Last
	}
	due, errs := domain.CollectDue(defs, last, now)
	for _, err := range errs {
		s.logger.Warn("skipping job with unusable schedule", "error", err)
	}
	span.SetAttributes(attribute.Int("jobs.due", len(due)))
	return due, nil
}

// RetireDefinition marks a one-shot definition as dispatched.
func (s *Store) RetireDefinition(ctx context.Context, id string) error {
	_, db, span := s.start(ctx, "RetireDefinition", attribute.String("job.id", id))
	defer span.End()
	res := db.Model(&JobDefinitionModel{}).Where("id = ?", id).Update("retired", true)
	if res.Error != nil {
		return fail(span, fmt.Errorf("failed to retire job %s: %w", id, res.Error), "failed to retire job")
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := db.Model(&JobDefinitionModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return domain.ErrJobNotFound
		}
	}
	return nil
}

// CreateRun inserts a pending run.
func (s *Store) CreateRun(ctx context.Context, run *domain.JobRun) error {
	_, db, span := s.start(ctx, "CreateRun", attribute.String("run.id", run.ID), attribute.Int("run.attempt", run.Attempt))
	defer span.End()
	if err := run.Validate(); err != nil {
		return err
	}
	if err := db.Create(runToModel(run)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("job run %s already exists", run.ID)
		}
		return fail(span, fmt.Errorf("failed to create run %s: %w", run.ID, err), "failed to create run")
	}
	return nil
}

// UpdateRunState records a non-final state of a run.
func (s *Store) UpdateRunState(ctx context.Context, run *domain.JobRun) error {
	return s.updateRun(ctx, run, false)
}

// UpdateRunTerminal records the final state of a run.
func (s *Store) UpdateRunTerminal(ctx context.Context, run *domain.JobRun) error {
	return s.updateRun(ctx, run, true)
}

// updateRun rewrites every column of a run that is not final yet.
func (s *Store) updateRun(ctx context.Context, run *domain.JobRun, final bool) error {
	_, db, span := s.start(ctx, "UpdateRun",
		attribute.String("run.id", run.ID),
		attribute.String("run.state", string(run.State)),
		attribute.Bool("run.final", final),
	)
	defer span.End()

	m := runToModel(run)
	m.Final = final
	res := db.Model(m).Where("final = ?", false).Select("*").Updates(m)
	if res.Error != nil {
		return fail(span, fmt.Errorf("failed to update run %s: %w", run.ID, res.Error), "failed to update run")
	}
	if res.RowsAffected > 0 {
		return nil
	}
	// nothing changed: missing, already final, or an identical write
	var cur JobRunModel
	if err := db.Select("final").First(&cur, "id = ?", run.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrRunNotFound
		}
		return fail(span, err, "failed to read run")
	}
	if cur.Final {
		return domain.ErrRunFinal
	}
	return nil
}

// ListActiveRuns returns all runs not recorded as final, oldest first.
func (s *Store) ListActiveRuns(ctx context.Context) ([]*domain.JobRun, error) {
	_, db, span := s.start(ctx, "ListActiveRuns")
	defer span.End()
	return s.findRuns(span, db.Where("final = ?", false).Order("created_at"))
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*domain.JobRun, error) {
	_, db, span := s.start(ctx, "GetRun", attribute.String("run.id", id))
	defer span.End()
	var m JobRunModel
	if err := db.First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrRunNotFound
		}
		return nil, fail(span, fmt.Errorf("failed to get run %s: %w", id, err), "failed to get run")
	}
	return m.toDomain(), nil
}

// ListRuns returns the runs of a definition, newest first, with pagination.
func (s *Store) ListRuns(ctx context.Context, definitionID string, page, pageSize int) ([]*domain.JobRun, error) {
	_, db, span := s.start(ctx, "ListRuns",
		attribute.String("job.id", definitionID),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)
	defer span.End()
	if page < 1 {
		page = 1
	}
	q := db.Where("definition_id = ?", definitionID).Order("created_at DESC").Order("attempt DESC")
	if pageSize > 0 {
		q = q.Offset((page - 1) * pageSize).Limit(pageSize)
	}
	return s.findRuns(span, q)
}

func (s *Store) findRuns(span trace.Span, q *gorm.DB) ([]*domain.JobRun, error) {
	var rows []JobRunModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fail(span, fmt.Errorf("failed to list runs: %w", err), "failed to list runs")
	}
	out := make([]*domain.JobRun, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}
