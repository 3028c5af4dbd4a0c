package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dbops-orchestrator/internal/usecase"
)

// JobHandler serves job definitions and their runs.
type JobHandler struct {
	service  *usecase.JobService
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(service *usecase.JobService, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		service:  service,
		logger:   logger.With("component", "job-handler"),
		validate: newValidator(),
		tracer:   otel.Tracer("dbops-orchestrator/api"),
	}
}

// handleJobs is a general dispatcher for /jobs/ path
func (h *JobHandler) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobID, action, ok := splitPath(r.URL.Path, "jobs")
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		switch {
		case jobID != "" && action == "history":
			h.handleGetJobHistory(w, r, jobID)
		case jobID != "" && action == "":
			h.handleGetJob(w, r, jobID)
		case jobID == "" && action == "":
			h.handleListJobs(w, r)
		default:
			http.NotFound(w, r)
		}
	case http.MethodPost, http.MethodPut:
		switch {
		case jobID != "" && action == "submit" && r.Method == http.MethodPost:
			h.handleSubmitJob(w, r, jobID)
		case jobID == "" && action == "":
			h.handleSaveJob(w, r)
		default:
			http.NotFound(w, r)
		}
	case http.MethodDelete:
		if jobID != "" && action == "" {
			h.handleDeleteJob(w, r, jobID)
		} else {
			http.Error(w, "Job id is required for deletion", http.StatusBadRequest)
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRuns serves GET /runs/{id} and POST /runs/{id}/cancel.
func (h *JobHandler) handleRuns(w http.ResponseWriter, r *http.Request) {
	runID, action, ok := splitPath(r.URL.Path, "runs")
	if !ok || runID == "" {
		http.NotFound(w, r)
		return
	}
	switch {
	case r.Method == http.MethodGet && action == "":
		h.handleGetRun(w, r, runID)
	case r.Method == http.MethodPost && action == "cancel":
		h.handleCancelRun(w, r, runID)
	case action == "" || action == "cancel":
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

// handleGetJobHistory handles listing runs of a job (GET /jobs/{id}/history)
func (h *JobHandler) handleGetJobHistory(w http.ResponseWriter, r *http.Request, id string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetJobHistory")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20 // default and max page size
	}
	span.SetAttributes(attribute.Int("page", page), attribute.Int("page_size", pageSize))

	history, err := h.service.ListHistory(ctx, id, page, pageSize)
	if err != nil {
		writeError(w, span, h.logger.With("job_id", id), "error listing job history", err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// handleSaveJob decodes, validates and stores a definition.
func (h *JobHandler) handleSaveJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.SaveJob")
	defer span.End()

	var req SaveJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	if err := h.validate.Struct(req); err != nil {
		writeValidation(w, span, err)
		return
	}

	job := req.ToDomainJob()
	span.SetAttributes(attribute.String("job.name", job.Name))

	if err := h.service.Save(ctx, job); err != nil {
		writeError(w, span, h.logger, "error saving job", err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *JobHandler) handleDeleteJob(w http.ResponseWriter, r *http.Request, id string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.DeleteJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	if err := h.service.Delete(ctx, id); err != nil {
		writeError(w, span, h.logger.With("job_id", id), "error deleting job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *JobHandler) handleGetJob(w http.ResponseWriter, r *http.Request, id string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	job, err := h.service.Get(ctx, id)
	if err != nil {
		writeError(w, span, h.logger.With("job_id", id), "error getting job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *JobHandler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ListJobs")
	defer span.End()

	jobs, err := h.service.List(ctx)
	if err != nil {
		writeError(w, span, h.logger, "error listing jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *JobHandler) handleSubmitJob(w http.ResponseWriter, r *http.Request, id string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.SubmitJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	run, err := h.service.Submit(ctx, id)
	if err != nil {
		writeError(w, span, h.logger.With("job_id", id), "error submitting job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (h *JobHandler) handleGetRun(w http.ResponseWriter, r *http.Request, id string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetRun")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", id))

	run, err := h.service.GetRun(ctx, id)
	if err != nil {
		writeError(w, span, h.logger.With("run_id", id), "error getting run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *JobHandler) handleCancelRun(w http.ResponseWriter, r *http.Request, id string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.CancelRun")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", id))

	inFlight, err := h.service.CancelRun(ctx, id)
	if err != nil {
		writeError(w, span, h.logger.With("run_id", id), "error cancelling run", err)
		return
	}
	writeJSON(w, http.StatusAccepted, CancelRunResponse{RunID: id, InFlight: inFlight})
}
