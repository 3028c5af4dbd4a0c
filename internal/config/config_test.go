package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbops-orchestrator/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsAndFile(t *testing.T) {
	path := writeConfig(t, `
http_listen_addr: ":18080"
scheduler:
  worker_pool_size: 4
  tick_interval: 2s
adapters:
  oracle:
    type: shell
    commands:
      backup: "rman target / cmdfile=/opt/rman/{{.DB.Name}}.rcv"
    fatal_exit_codes: [3]
  sqlserver:
    type: agent
    url: http://mssql-agent:8700
escalation:
  policies:
    - severity: high
      sla: 4h
      steps:
        - after: 15m
          level: 1
          recipients: [dba-oncall]
        - after: 1h
          level: 2
          recipients: [dba-lead]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":18080", cfg.HttpListenAddr)
	assert.Equal(t, 4, cfg.Scheduler.WorkerPoolSize)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 64, cfg.Scheduler.QueueCapacity, "default")
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, domain.RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Minute, MaxBackoff: 30 * time.Minute}, cfg.Retry.Policy())

	require.Contains(t, cfg.Adapters, "oracle")
	assert.Equal(t, "shell", cfg.Adapters["oracle"].Type)
	assert.Equal(t, []int{3}, cfg.Adapters["oracle"].FatalExitCodes)
	assert.Equal(t, "http://mssql-agent:8700", cfg.Adapters["sqlserver"].URL)

	require.Len(t, cfg.Escalation.Policies, 1)
	p := cfg.Escalation.Policies[0]
	assert.Equal(t, domain.SeverityHigh, p.Severity)
	assert.Equal(t, 4*time.Hour, p.SLA)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, time.Hour, p.Steps[1].After)
	assert.Equal(t, []string{"dba-lead"}, p.Steps[1].Recipients)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DBOPS_SCHEDULER_TICK_INTERVAL", "30s")
	t.Setenv("DBOPS_LOG_LEVEL", "debug")
	cfg, err := Load(writeConfig(t, "scheduler:\n  tick_interval: 2s\n"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown backend", "store:\n  backend: sqlite\n"},
		{"mysql without dsn", "store:\n  backend: mysql\n"},
		{"zero pool", "scheduler:\n  worker_pool_size: 0\n"},
		{"max backoff below base", "retry:\n  base_backoff: 1h\n  max_backoff: 1m\n"},
		{"bad adapter type", "adapters:\n  oracle:\n    type: ftp\n"},
		{"bad log level", "log:\n  level: verbose\n"},
		{"skipping escalation level", `
escalation:
  policies:
    - severity: high
      sla: 1h
      steps:
        - {after: 10m, level: 2}
`},
		{"duplicate policy", `
escalation:
  policies:
    - {severity: low, sla: 1h}
    - {severity: low, sla: 2h}
`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_ShippedExamples(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	assert.Len(t, cfg.Escalation.Policies, 3)
	assert.Contains(t, cfg.Adapters, "oracle")

	inv, err := LoadInventory(filepath.Join("..", "..", "configs", "inventory.yaml"))
	require.NoError(t, err)
	assert.Len(t, inv.Databases, 2)
	assert.Len(t, inv.Jobs, 3)
	for _, job := range inv.Jobs {
		assert.NoError(t, job.Validate(), job.ID)
	}
	for _, w := range inv.Windows {
		assert.NoError(t, w.Validate(), w.ID)
	}
}
