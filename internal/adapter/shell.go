package adapter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"text/template"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dbops-orchestrator/internal/domain"
)

const (
	artifactPrefix = "ARTIFACT="
	maxSpanOutput  = 1024
	waitDelay      = 5 * time.Second
)

// commandData is what a command template can refer to.
type commandData struct {
	Operation domain.Operation
	DB        domain.DatabaseInstance
	RunID     string
	Attempt   int
	Options   map[string]string
}

// ShellAdapter drives a database engine through CLI tools such as RMAN,
// sqlplus, opatch or sqlcmd, one command template per operation.
type ShellAdapter struct {
	engine     domain.EngineKind
	shell      string
	templates  map[domain.Operation]*template.Template
	fatalCodes []int
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewShellAdapter parses the command templates of cfg.
func NewShellAdapter(engine domain.EngineKind, cfg Config, logger *slog.Logger) (*ShellAdapter, error) {
	shell := cfg.Shell
	if shell == "" {
		shell = "bash"
	}
	templates := make(map[domain.Operation]*template.Template, len(cfg.Commands))
	for op, text := range cfg.Commands {
		tmpl, err := template.New(op).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse command template for %s: %w", op, err)
		}
		templates[domain.Operation(op)] = tmpl
	}
	return &ShellAdapter{
		engine:     engine,
		shell:      shell,
		templates:  templates,
		fatalCodes: cfg.FatalExitCodes,
		logger:     logger.With("component", "shell-adapter", "engine", engine),
		tracer:     otel.Tracer("dbops-orchestrator/shell-adapter"),
	}, nil
}

// Execute renders the command for the operation and runs it. Exit codes
// listed as fatal are not retried; any other failure is transient.
func (a *ShellAdapter) Execute(ctx context.Context, req domain.AdapterRequest) (domain.AdapterResult, error) {
	ctx, span := a.tracer.Start(ctx, "adapter.shell.Execute", trace.WithAttributes(
		attribute.String("adapter.operation", string(req.Operation)),
		attribute.String("database.id", req.Target.ID),
	))
	defer span.End()

	tmpl, ok := a.templates[req.Operation]
	if !ok {
		return domain.AdapterResult{}, domain.Fatal(fmt.Errorf("%w: %s on %s", ErrUnsupportedOperation, req.Operation, a.engine))
	}
	var rendered bytes.Buffer
	if err := tmpl.Execute(&rendered, commandData{
		Operation: req.Operation,
		DB:        req.Target,
		RunID:     req.RunID,
		Attempt:   req.Attempt,
		Options:   req.Options,
	}); err != nil {
		return domain.AdapterResult{}, domain.Fatal(fmt.Errorf("render %s command: %w", req.Operation, err))
	}

	a.logger.Info("executing shell command", "operation", req.Operation, "database_id", req.Target.ID, "run_id", req.RunID)

	cmd := exec.CommandContext(ctx, a.shell, "-c", rendered.String())
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	output := stdout.String()
	if errOutput := stderr.String(); errOutput != "" {
		span.SetAttributes(attribute.String("shell.stderr", truncate(errOutput)))
		output = fmt.Sprintf("[STDERR]:\n%s\n[STDOUT]:\n%s", errOutput, output)
	}
	span.SetAttributes(attribute.String("shell.stdout", truncate(stdout.String())))

	if err != nil {
		span.SetStatus(codes.Error, "shell command failed")
		span.RecordError(err)
		if ctx.Err() != nil {
			return domain.AdapterResult{Output: output}, fmt.Errorf("shell command interrupted: %w", context.Cause(ctx))
		}
		cmdErr := fmt.Errorf("shell command failed: %w: %s", err, lastLine(stderr.String()))
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && slices.Contains(a.fatalCodes, exitErr.ExitCode()) {
			return domain.AdapterResult{Output: output}, domain.Fatal(cmdErr)
		}
		return domain.AdapterResult{Output: output}, domain.Transient(cmdErr)
	}

	a.logger.Info("shell command executed successfully", "operation", req.Operation, "run_id", req.RunID)
	return domain.AdapterResult{
		ArtifactRef:       artifactRef(stdout.String()),
		EstimatedDuration: time.Since(started),
		Output:            output,
	}, nil
}

// artifactRef returns the value of the last ARTIFACT= line of the output.
func artifactRef(stdout string) string {
	var ref string
	sc := bufio.NewScanner(strings.NewReader(stdout))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if v, ok := strings.CutPrefix(line, artifactPrefix); ok {
			ref = v
		}
	}
	return ref
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func truncate(s string) string {
	if len(s) > maxSpanOutput {
		return s[:maxSpanOutput]
	}
	return s
}
