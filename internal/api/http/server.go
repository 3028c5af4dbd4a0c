package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dbops-orchestrator/internal/domain"
	"dbops-orchestrator/internal/health"
	"dbops-orchestrator/internal/metrics"
	"dbops-orchestrator/internal/orchestrator"
	"dbops-orchestrator/internal/usecase"
)

// StatusSource reports the state of the local orchestrator.
type StatusSource interface {
	Stats() orchestrator.Stats
	ProbeStatuses() []health.Status
}

// newValidator registers the custom tags used by the DTOs.
func newValidator() *validator.Validate {
	validate := validator.New()

	_ = validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := domain.CronParser.Parse(fl.Field().String())
		return err == nil
	})

	_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d >= 0
	})
	return validate
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// instrument wraps a handler with a server span and the request counter.
// route maps a request to its low-cardinality path label.
func instrument(tracer trace.Tracer, route func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := route(r)
		ctx, span := tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		r = r.WithContext(ctx)

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r)

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

// routeOf collapses ids in /<collection>/<id>/<action> paths.
func routeOf(r *http.Request) string {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch len(parts) {
	case 0, 1:
		return "/" + parts[0] + "/"
	case 2:
		return "/" + parts[0] + "/{id}"
	}
	return "/" + parts[0] + "/{id}/" + parts[2]
}

// splitPath turns /jobs/my-job/history into ("my-job", "history").
func splitPath(path, collection string) (id, action string, ok bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 1 || parts[0] != collection || len(parts) > 3 {
		return "", "", false
	}
	if len(parts) > 1 {
		id = parts[1]
	}
	if len(parts) > 2 {
		action = parts[2]
	}
	return id, action, true
}

// NewRouter assembles the operator API.
func NewRouter(jobs *JobHandler, incidents *IncidentHandler, status StatusSource) http.Handler {
	tracer := otel.Tracer("dbops-orchestrator/api")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/status", instrument(tracer, routeOf, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"orchestrator": status.Stats(),
			"databases":    status.ProbeStatuses(),
		})
	})))
	mux.Handle("/jobs/", instrument(tracer, routeOf, http.HandlerFunc(jobs.handleJobs)))
	mux.Handle("/runs/", instrument(tracer, routeOf, http.HandlerFunc(jobs.handleRuns)))
	mux.Handle("/incidents/", instrument(tracer, routeOf, http.HandlerFunc(incidents.handleIncidents)))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrRunNotFound),
		errors.Is(err, domain.ErrDatabaseNotFound),
		errors.Is(err, domain.ErrIncidentNotFound):
		return http.StatusNotFound
	case errors.Is(err, usecase.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, usecase.ErrDatabaseInactive),
		errors.Is(err, usecase.ErrOutsideWindow),
		errors.Is(err, domain.ErrRunFinal),
		errors.Is(err, usecase.ErrRunNotCancellable),
		errors.Is(err, domain.ErrIncidentResolved):
		return http.StatusConflict
	case errors.Is(err, usecase.ErrNotLeader),
		errors.Is(err, orchestrator.ErrNotRunning):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError replies with the mapped status. Internal errors are logged
// and not echoed to the client.
func writeError(w http.ResponseWriter, span trace.Span, logger *slog.Logger, msg string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error(msg, "error", err)
		writeJSON(w, status, ErrorResponse{Error: "Internal server error"})
		return
	}
	logger.Warn(msg, "error", err)
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// writeValidation replies with the failed validator tags.
func writeValidation(w http.ResponseWriter, span trace.Span, err error) {
	span.SetStatus(codes.Error, "Validation failed")
	span.RecordError(err)
	var details []string
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			details = append(details, "Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.")
		}
	} else {
		details = append(details, err.Error())
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: details})
}
