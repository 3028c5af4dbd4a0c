package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbops-orchestrator/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDB() domain.DatabaseInstance {
	return domain.DatabaseInstance{
		ID:          "db1",
		ClientID:    "acme",
		Name:        "ORCL",
		Engine:      domain.EngineOracle,
		Host:        "ora1.internal",
		Port:        1521,
		ServiceName: "ORCLPDB",
		Environment: domain.EnvironmentProduction,
		Active:      true,
	}
}

func TestShellAdapter_ParsesArtifact(t *testing.T) {
	a, err := NewShellAdapter(domain.EngineOracle, Config{
		Type: "shell",
		Commands: map[string]string{
			"backup": `echo "running backup of {{.DB.Name}} attempt {{.Attempt}}"; echo "ARTIFACT=/backups/{{.DB.ID}}/{{.RunID}}.bkp"`,
		},
	}, testLogger())
	require.NoError(t, err)

	res, err := a.Execute(context.Background(), domain.AdapterRequest{
		Operation: domain.OperationBackup,
		Target:    testDB(),
		RunID:     "run-1",
		Attempt:   2,
	})
	require.NoError(t, err)
	assert.Equal(t, "/backups/db1/run-1.bkp", res.ArtifactRef)
	assert.Contains(t, res.Output, "running backup of ORCL attempt 2")
}

func TestShellAdapter_ExitCodeClassification(t *testing.T) {
	a, err := NewShellAdapter(domain.EngineOracle, Config{
		Type: "shell",
		Commands: map[string]string{
			"backup":      `echo "ORA-19502: write error" >&2; exit 3`,
			"patch-apply": `echo "OPatch failed" >&2; exit 1`,
		},
		FatalExitCodes: []int{3},
	}, testLogger())
	require.NoError(t, err)

	_, err = a.Execute(context.Background(), domain.AdapterRequest{Operation: domain.OperationBackup, Target: testDB()})
	require.Error(t, err)
	assert.Equal(t, domain.ClassFatal, domain.Classify(err))
	assert.Contains(t, err.Error(), "ORA-19502")

	_, err = a.Execute(context.Background(), domain.AdapterRequest{Operation: domain.OperationPatchApply, Target: testDB()})
	require.Error(t, err)
	assert.Equal(t, domain.ClassTransient, domain.Classify(err))
}

func TestShellAdapter_UnsupportedOperation(t *testing.T) {
	a, err := NewShellAdapter(domain.EngineSQLServer, Config{Type: "shell"}, testLogger())
	require.NoError(t, err)

	_, err = a.Execute(context.Background(), domain.AdapterRequest{Operation: domain.OperationRestore, Target: testDB()})
	require.ErrorIs(t, err, ErrUnsupportedOperation)
	assert.Equal(t, domain.ClassFatal, domain.Classify(err))
}

func TestShellAdapter_ContextCause(t *testing.T) {
	a, err := NewShellAdapter(domain.EngineOracle, Config{
		Type:     "shell",
		Commands: map[string]string{"backup": "sleep 5"},
	}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeoutCause(context.Background(), 100*time.Millisecond, domain.ErrTimeout)
	defer cancel()
	_, err = a.Execute(ctx, domain.AdapterRequest{Operation: domain.OperationBackup, Target: testDB()})
	require.ErrorIs(t, err, domain.ErrTimeout)
}

func TestNewShellAdapter_BadTemplate(t *testing.T) {
	_, err := NewShellAdapter(domain.EngineOracle, Config{
		Type:     "shell",
		Commands: map[string]string{"backup": "rman {{.DB.Name"},
	}, testLogger())
	require.Error(t, err)
}

func TestAgentAdapter_Success(t *testing.T) {
	var got agentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, agentOperationsPath, r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(agentResponse{
			ArtifactRef:              "s3://backups/db1/full.bak",
			Output:                   "BACKUP DATABASE successfully processed",
			EstimatedDurationSeconds: 90,
		})
	}))
	defer srv.Close()

	a := NewAgentAdapter(domain.EngineSQLServer, Config{Type: "agent", URL: srv.URL + "/", Token: "secret"}, testLogger())
	res, err := a.Execute(context.Background(), domain.AdapterRequest{
		Operation: domain.OperationBackup,
		Target:    testDB(),
		RunID:     "run-7",
		Attempt:   1,
		Options:   map[string]string{"type": "full"},
	})
	require.NoError(t, err)
	assert.Equal(t, "s3://backups/db1/full.bak", res.ArtifactRef)
	assert.Equal(t, 90*time.Second, res.EstimatedDuration)
	assert.Equal(t, domain.OperationBackup, got.Operation)
	assert.Equal(t, "run-7", got.RunID)
	assert.Equal(t, "db1", got.Database.ID)
	assert.Equal(t, "full", got.Options["type"])
}

func TestAgentAdapter_StatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		class  domain.ErrorClass
	}{
		{"server error", http.StatusServiceUnavailable, domain.ClassTransient},
		{"client error", http.StatusUnauthorized, domain.ClassFatal},
		{"insufficient storage", http.StatusInsufficientStorage, domain.ClassFatal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_ = json.NewEncoder(w).Encode(agentResponse{Error: "agent says no"})
			}))
			defer srv.Close()

			a := NewAgentAdapter(domain.EngineOracle, Config{Type: "agent", URL: srv.URL}, testLogger())
			_, err := a.Execute(context.Background(), domain.AdapterRequest{Operation: domain.OperationBackup, Target: testDB()})
			require.Error(t, err)
			assert.Equal(t, tc.class, domain.Classify(err))
			assert.Contains(t, err.Error(), "agent says no")
		})
	}
}

func TestAgentAdapter_BreakerOpensOnTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewAgentAdapter(domain.EngineOracle, Config{
		Type:    "agent",
		URL:     srv.URL,
		Breaker: BreakerConfig{FailureThreshold: 2, Timeout: time.Minute},
	}, testLogger())

	req := domain.AdapterRequest{Operation: domain.OperationBackup, Target: testDB()}
	for range 2 {
		_, err := a.Execute(context.Background(), req)
		require.Error(t, err)
	}
	_, err := a.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, domain.ClassTransient, domain.Classify(err))
	assert.Contains(t, err.Error(), "unavailable")
	assert.Equal(t, int32(2), calls.Load())
}

func TestAgentAdapter_FatalDoesNotTripBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewAgentAdapter(domain.EngineOracle, Config{
		Type:    "agent",
		URL:     srv.URL,
		Breaker: BreakerConfig{FailureThreshold: 1},
	}, testLogger())

	req := domain.AdapterRequest{Operation: domain.OperationPatchApply, Target: testDB()}
	for range 3 {
		_, err := a.Execute(context.Background(), req)
		require.Error(t, err)
		assert.Equal(t, domain.ClassFatal, domain.Classify(err))
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestAgentAdapter_ContextCause(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	a := NewAgentAdapter(domain.EngineOracle, Config{Type: "agent", URL: srv.URL}, testLogger())
	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(50*time.Millisecond, func() { cancel(domain.ErrCancelled) })

	_, err := a.Execute(ctx, domain.AdapterRequest{Operation: domain.OperationBackup, Target: testDB()})
	require.ErrorIs(t, err, domain.ErrCancelled)
}

func TestBuild(t *testing.T) {
	r, err := Build(map[string]Config{
		"oracle":    {Type: "shell", Commands: map[string]string{"backup": "true"}},
		"sqlserver": {Type: "agent", URL: "http://agent:8700"},
	}, testLogger())
	require.NoError(t, err)

	a, err := r.For(domain.EngineOracle)
	require.NoError(t, err)
	assert.IsType(t, &ShellAdapter{}, a)
	a, err = r.For(domain.EngineSQLServer)
	require.NoError(t, err)
	assert.IsType(t, &AgentAdapter{}, a)

	_, err = NewRegistry().For(domain.EngineOracle)
	assert.True(t, errors.Is(err, ErrNoAdapter))

	_, err = Build(map[string]Config{"postgres": {Type: "shell"}}, testLogger())
	assert.Error(t, err)
	_, err = Build(map[string]Config{"oracle": {Type: "agent"}}, testLogger())
	assert.Error(t, err)
}
