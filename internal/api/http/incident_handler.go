package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dbops-orchestrator/internal/usecase"
)

// IncidentHandler serves /incidents/.
type IncidentHandler struct {
	service  *usecase.IncidentService
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewIncidentHandler creates an IncidentHandler.
func NewIncidentHandler(service *usecase.IncidentService, logger *slog.Logger) *IncidentHandler {
	return &IncidentHandler{
		service:  service,
		logger:   logger.With("component", "incident-handler"),
		validate: newValidator(),
		tracer:   otel.Tracer("dbops-orchestrator/api"),
	}
}

func (h *IncidentHandler) handleIncidents(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitPath(r.URL.Path, "incidents")
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch {
	case r.Method == http.MethodGet && id == "" && action == "":
		h.handleListOpen(w, r)
	case r.Method == http.MethodGet && id != "" && action == "":
		h.handleGet(w, r, id)
	case r.Method == http.MethodPost && id != "" && action == "resolve":
		h.handleResolve(w, r, id)
	case action == "" || action == "resolve":
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

func (h *IncidentHandler) handleListOpen(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ListOpenIncidents")
	defer span.End()

	open, err := h.service.ListOpen(ctx)
	if err != nil {
		writeError(w, span, h.logger, "error listing incidents", err)
		return
	}
	writeJSON(w, http.StatusOK, open)
}

func (h *IncidentHandler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetIncident")
	defer span.End()
	span.SetAttributes(attribute.String("incident.id", id))

	inc, err := h.service.Get(ctx, id)
	if err != nil {
		writeError(w, span, h.logger.With("incident_id", id), "error getting incident", err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// handleResolve closes an incident. The body is optional.
func (h *IncidentHandler) handleResolve(w http.ResponseWriter, r *http.Request, id string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ResolveIncident")
	defer span.End()
	span.SetAttributes(attribute.String("incident.id", id))

	var req ResolveIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeValidation(w, span, err)
		return
	}

	if err := h.service.Resolve(ctx, id, req.Resolution); err != nil {
		writeError(w, span, h.logger.With("incident_id", id), "error resolving incident", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
