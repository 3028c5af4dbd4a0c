package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dbops-orchestrator/internal/domain"
)

const agentOperationsPath = "/v1/operations"

type agentRequest struct {
	Operation domain.Operation        `json:"operation"`
	RunID     string                  `json:"run_id"`
	Attempt   int                     `json:"attempt"`
	Database  domain.DatabaseInstance `json:"database"`
	Options   map[string]string       `json:"options,omitempty"`
}

type agentResponse struct {
	ArtifactRef              string `json:"artifact_ref"`
	Output                   string `json:"output"`
	EstimatedDurationSeconds int64  `json:"estimated_duration_seconds"`
	Error                    string `json:"error"`
}

// AgentAdapter calls a remote agent running next to the database host.
// Server errors and network failures are transient; client errors and
// 507 Insufficient Storage are fatal. An open breaker fails fast as transient.
type AgentAdapter struct {
	engine  domain.EngineKind
	url     string
	token   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewAgentAdapter creates an adapter for the agent at cfg.URL.
func NewAgentAdapter(engine domain.EngineKind, cfg Config, logger *slog.Logger) *AgentAdapter {
	logger = logger.With("component", "agent-adapter", "engine", engine)
	threshold := cfg.Breaker.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	timeout := cfg.Breaker.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "agent-" + string(engine),
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		// fatal answers mean the agent is healthy
		IsSuccessful: func(err error) bool {
			return err == nil || domain.Classify(err) == domain.ClassFatal
		},
	})
	return &AgentAdapter{
		engine:  engine,
		url:     strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		client:  &http.Client{},
		breaker: breaker,
		logger:  logger,
		tracer:  otel.Tracer("dbops-orchestrator/agent-adapter"),
	}
}

// Execute posts the operation to the agent and waits for its answer.
// The request is bounded by ctx.
func (a *AgentAdapter) Execute(ctx context.Context, req domain.AdapterRequest) (domain.AdapterResult, error) {
	ctx, span := a.tracer.Start(ctx, "adapter.agent.Execute", trace.WithAttributes(
		attribute.String("adapter.operation", string(req.Operation)),
		attribute.String("database.id", req.Target.ID),
		attribute.String("agent.url", a.url),
	))
	defer span.End()

	out, err := a.breaker.Execute(func() (interface{}, error) {
		return a.do(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = domain.Transient(fmt.Errorf("agent %s unavailable: %w", a.url, err))
		}
		span.SetStatus(codes.Error, "agent call failed")
		span.RecordError(err)
		return domain.AdapterResult{}, err
	}
	return out.(domain.AdapterResult), nil
}

func (a *AgentAdapter) do(ctx context.Context, req domain.AdapterRequest) (domain.AdapterResult, error) {
	body, err := json.Marshal(agentRequest{
		Operation: req.Operation,
		RunID:     req.RunID,
		Attempt:   req.Attempt,
		Database:  req.Target,
		Options:   req.Options,
	})
	if err != nil {
		return domain.AdapterResult{}, domain.Fatal(fmt.Errorf("encode agent request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url+agentOperationsPath, bytes.NewReader(body))
	if err != nil {
		return domain.AdapterResult{}, domain.Fatal(fmt.Errorf("failed to create http request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return domain.AdapterResult{}, fmt.Errorf("agent request interrupted: %w", context.Cause(ctx))
		}
		return domain.AdapterResult{}, domain.Transient(fmt.Errorf("http request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var decoded agentResponse
	_ = json.Unmarshal(raw, &decoded)
	detail := decoded.Error
	if detail == "" {
		detail = strings.TrimSpace(string(raw))
	}

	switch {
	case resp.StatusCode == http.StatusInsufficientStorage:
		return domain.AdapterResult{}, domain.Fatal(fmt.Errorf("agent reported insufficient storage: %s", detail))
	case resp.StatusCode >= 500:
		return domain.AdapterResult{}, domain.Transient(fmt.Errorf("agent returned 5xx server error: %s: %s", resp.Status, detail))
	case resp.StatusCode >= 400:
		return domain.AdapterResult{}, domain.Fatal(fmt.Errorf("agent returned 4xx client error: %s: %s", resp.Status, detail))
	}

	a.logger.Info("agent operation completed", "operation", req.Operation, "run_id", req.RunID, "artifact", decoded.ArtifactRef)
	return domain.AdapterResult{
		ArtifactRef:       decoded.ArtifactRef,
		EstimatedDuration: time.Duration(decoded.EstimatedDurationSeconds) * time.Second,
		Output:            decoded.Output,
	}, nil
}
