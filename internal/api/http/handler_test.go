package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbops-orchestrator/internal/domain"
	"dbops-orchestrator/internal/engine"
	"dbops-orchestrator/internal/escalation"
	"dbops-orchestrator/internal/health"
	"dbops-orchestrator/internal/infra/memory"
	"dbops-orchestrator/internal/orchestrator"
	"dbops-orchestrator/internal/usecase"
)

type stubDispatcher struct {
	running   atomic.Bool
	submitted atomic.Int32
}

func (d *stubDispatcher) Running() bool { return d.running.Load() }

func (d *stubDispatcher) Submit(context.Context, *engine.Task) error {
	d.submitted.Add(1)
	return nil
}

func (d *stubDispatcher) Cancel(string) (bool, error) { return false, nil }

type stubStatus struct{}

func (stubStatus) Stats() orchestrator.Stats { return orchestrator.Stats{Running: true, Pending: 2} }

func (stubStatus) ProbeStatuses() []health.Status {
	return []health.Status{{DatabaseID: "db1", Healthy: true}}
}

type fixture struct {
	server     *httptest.Server
	store      *memory.Store
	tracker    *escalation.Tracker
	dispatcher *stubDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore(logger)
	store.PutDatabase(&domain.DatabaseInstance{
		ID: "db1", Name: "erp", Engine: domain.EngineOracle, Environment: domain.EnvironmentProduction, Active: true,
	})
	tracker, err := escalation.NewTracker(store, nil, nil, time.Minute, logger)
	require.NoError(t, err)
	d := &stubDispatcher{}
	d.running.Store(true)

	jobs := NewJobHandler(usecase.NewJobService(store, d, logger), logger)
	incidents := NewIncidentHandler(usecase.NewIncidentService(store, tracker, logger), logger)
	srv := httptest.NewServer(NewRouter(jobs, incidents, stubStatus{}))
	t.Cleanup(srv.Close)
	return &fixture{server: srv, store: store, tracker: tracker, dispatcher: d}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.server.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func validJob() map[string]any {
	return map[string]any{
		"name":        "nightly backup",
		"kind":        "backup",
		"database_id": "db1",
		"cron":        "0 1 * * *",
		"retention":   "168h",
		"retry_policy": map[string]any{
			"max_attempts": 4,
			"base_backoff": "1m",
			"max_backoff":  "30m",
		},
	}
}

func TestJobs_CRUD(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/jobs/", validJob())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var saved domain.JobDefinition
	require.NoError(t, json.Unmarshal(body, &saved))
	require.NotEmpty(t, saved.ID)
	assert.Equal(t, 7*24*time.Hour, saved.Retention)
	require.NotNil(t, saved.RetryPolicy)
	assert.Equal(t, 4, saved.RetryPolicy.MaxAttempts)

	resp, _ = f.do(t, http.MethodGet, "/jobs/"+saved.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/jobs/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var list []domain.JobDefinition
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	resp, body = f.do(t, http.MethodGet, "/jobs/"+saved.ID+"/history", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(body))

	resp, _ = f.do(t, http.MethodDelete, "/jobs/"+saved.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/jobs/"+saved.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/jobs/"+saved.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobs_SaveValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]func(map[string]any){
		"missing name":   func(j map[string]any) { delete(j, "name") },
		"unknown kind":   func(j map[string]any) { j["kind"] = "vacuum" },
		"bad cron":       func(j map[string]any) { j["cron"] = "every night" },
		"no schedule":    func(j map[string]any) { delete(j, "cron") },
		"both schedules": func(j map[string]any) { j["at"] = "2026-05-01T02:00:00Z" },
		"bad duration":   func(j map[string]any) { j["retention"] = "a week" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			job := validJob()
			mutate(job)
			resp, body := f.do(t, http.MethodPost, "/jobs/", job)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, string(body), "Validation failed")
		})
	}

	t.Run("rollback on backup", func(t *testing.T) {
		job := validJob()
		job["rollback_eligible"] = true
		resp, _ := f.do(t, http.MethodPost, "/jobs/", job)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown database", func(t *testing.T) {
		job := validJob()
		job["database_id"] = "db9"
		resp, _ := f.do(t, http.MethodPost, "/jobs/", job)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, err := http.Post(f.server.URL+"/jobs/", "application/json", strings.NewReader("{"))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestJobs_SubmitAndCancel(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodPost, "/jobs/", validJob())
	var saved domain.JobDefinition
	require.NoError(t, json.Unmarshal(body, &saved))

	resp, body := f.do(t, http.MethodPost, "/jobs/"+saved.ID+"/submit", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var run domain.JobRun
	require.NoError(t, json.Unmarshal(body, &run))
	assert.True(t, run.Manual)
	assert.Equal(t, int32(1), f.dispatcher.submitted.Load())

	resp, _ = f.do(t, http.MethodGet, "/runs/"+run.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/runs/"+run.ID+"/cancel", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"run_id":"`+run.ID+`","in_flight":false}`, string(body))

	resp, _ = f.do(t, http.MethodGet, "/runs/"+run.ID+"/cancel", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	stored, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.NoError(t, stored.Apply(domain.EventLeaseAcquired, time.Now()))
	require.NoError(t, f.store.UpdateRunState(context.Background(), stored))
	require.NoError(t, stored.Fail(time.Now(), "adapter_error", nil))
	require.NoError(t, stored.Apply(domain.EventRollbackStarted, time.Now()))
	require.NoError(t, f.store.UpdateRunState(context.Background(), stored))
	resp, _ = f.do(t, http.MethodPost, "/runs/"+run.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.dispatcher.running.Store(false)
	resp, _ = f.do(t, http.MethodPost, "/jobs/"+saved.ID+"/submit", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestIncidents_ListAndResolve(t *testing.T) {
	f := newFixture(t)
	inc, err := f.tracker.Raise(context.Background(), &domain.Incident{
		Title: "backup failed", Severity: domain.SeverityHigh, DatabaseID: "db1",
	})
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, "/incidents/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var open []domain.Incident
	require.NoError(t, json.Unmarshal(body, &open))
	require.Len(t, open, 1)
	assert.Equal(t, inc.ID, open[0].ID)

	resp, _ = f.do(t, http.MethodPost, "/incidents/"+inc.ID+"/resolve", ResolveIncidentRequest{Resolution: "disk extended"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/incidents/"+inc.ID+"/resolve", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/incidents/"+inc.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "disk extended")

	resp, _ = f.do(t, http.MethodPost, "/incidents/missing/resolve", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndStatus(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"pending":2`)
	assert.Contains(t, string(body), `"database_id":"db1"`)

	resp, _ = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouteOf(t *testing.T) {
	cases := map[string]string{
		"/jobs/":                 "/jobs/",
		"/jobs/nightly":          "/jobs/{id}",
		"/jobs/nightly/history":  "/jobs/{id}/history",
		"/incidents/abc/resolve": "/incidents/{id}/resolve",
		"/status":                "/status/",
	}
	for path, want := range cases {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		assert.Equal(t, want, routeOf(r), path)
	}
}
