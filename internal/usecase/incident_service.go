package usecase

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dbops-orchestrator/internal/domain"
)

// Resolver closes incidents and stops their escalation timers.
type Resolver interface {
	Resolve(ctx context.Context, id, resolution string) error
}

// IncidentService exposes incidents to operators.
type IncidentService struct {
	store    domain.IncidentStore
	resolver Resolver
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewIncidentService creates an IncidentService.
func NewIncidentService(store domain.IncidentStore, resolver Resolver, logger *slog.Logger) *IncidentService {
	return &IncidentService{
		store:    store,
		resolver: resolver,
		logger:   logger.With("component", "incident-service"),
		tracer:   otel.Tracer("dbops-orchestrator/usecase"),
	}
}

// ListOpen returns unresolved incidents.
func (s *IncidentService) ListOpen(ctx context.Context) ([]*domain.Incident, error) {
	ctx, span := s.tracer.Start(ctx, "service.ListOpenIncidents")
	defer span.End()
	open, err := s.store.ListOpenIncidents(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list open incidents")
	}
	return open, err
}

// Get returns one incident.
func (s *IncidentService) Get(ctx context.Context, id string) (*domain.Incident, error) {
	ctx, span := s.tracer.Start(ctx, "service.GetIncident")
	defer span.End()
	span.SetAttributes(attribute.String("incident.id", id))
	return s.store.GetIncident(ctx, id)
}

// Resolve closes an incident on behalf of an operator.
func (s *IncidentService) Resolve(ctx context.Context, id, resolution string) error {
	ctx, span := s.tracer.Start(ctx, "service.ResolveIncident")
	defer span.End()
	span.SetAttributes(attribute.String("incident.id", id))

	if resolution == "" {
		resolution = "resolved by operator"
	}
	if err := s.resolver.Resolve(ctx, id, resolution); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to resolve incident")
		return err
	}
	s.logger.Info("incident resolved by operator", "incident_id", id)
	return nil
}
