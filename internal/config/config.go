// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"dbops-orchestrator/internal/adapter"
	"dbops-orchestrator/internal/domain"
)

// Config holds all configuration for the orchestrator. It is loaded once
// at startup and never mutated afterwards.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	NodeID         string `mapstructure:"node_id" yaml:"node_id"`
	HttpListenAddr string `mapstructure:"http_listen_addr" yaml:"http_listen_addr" validate:"required"`
	GrpcListenAddr string `mapstructure:"grpc_listen_addr" yaml:"grpc_listen_addr"`
	InventoryFile  string `mapstructure:"inventory_file" yaml:"inventory_file"`

	Store          StoreConfig               `mapstructure:"store" yaml:"store"`
	Etcd           EtcdConfig                `mapstructure:"etcd" yaml:"etcd"`
	MySQL          MySQLConfig               `mapstructure:"mysql" yaml:"mysql"`
	LeaderElection LeaderElectionConfig      `mapstructure:"leader_election" yaml:"leader_election"`
	Scheduler      SchedulerConfig           `mapstructure:"scheduler" yaml:"scheduler"`
	Retry          RetryConfig               `mapstructure:"retry" yaml:"retry"`
	Lease          LeaseConfig               `mapstructure:"lease" yaml:"lease"`
	Adapter        AdapterConfig             `mapstructure:"adapter" yaml:"adapter"`
	Adapters       map[string]adapter.Config `mapstructure:"adapters" yaml:"adapters" validate:"dive"`
	Probe          ProbeConfig               `mapstructure:"probe" yaml:"probe"`
	Incidents      IncidentsConfig           `mapstructure:"incidents" yaml:"incidents"`
	Escalation     EscalationConfig          `mapstructure:"escalation" yaml:"escalation"`
	Notify         NotifyConfig              `mapstructure:"notify" yaml:"notify"`
	Log            LogConfig                 `mapstructure:"log" yaml:"log"`
	Tracing        TracingConfig             `mapstructure:"tracing" yaml:"tracing"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend" validate:"oneof=memory etcd mysql"`
}

type EtcdConfig struct {
	Endpoints []string      `mapstructure:"endpoints" yaml:"endpoints"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
}

type MySQLConfig struct {
	DSN          string `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`
	AutoMigrate  bool   `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

type LeaderElectionConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type SchedulerConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval" yaml:"tick_interval" validate:"gt=0"`
	QueryTimeout     time.Duration `mapstructure:"query_timeout" yaml:"query_timeout" validate:"gt=0"`
	WorkerPoolSize   int           `mapstructure:"worker_pool_size" yaml:"worker_pool_size" validate:"gte=1"`
	QueueCapacity    int           `mapstructure:"queue_capacity" yaml:"queue_capacity" validate:"gte=1"`
	BacklogThreshold time.Duration `mapstructure:"backlog_threshold" yaml:"backlog_threshold" validate:"gt=0"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace" validate:"gte=0"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts" validate:"gte=1"`
	BaseBackoff time.Duration `mapstructure:"base_backoff" yaml:"base_backoff" validate:"gte=0"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff" yaml:"max_backoff" validate:"gtefield=BaseBackoff"`
}

// Policy returns the default retry policy.
func (c RetryConfig) Policy() domain.RetryPolicy {
	return domain.RetryPolicy{MaxAttempts: c.MaxAttempts, BaseBackoff: c.BaseBackoff, MaxBackoff: c.MaxBackoff}
}

type LeaseConfig struct {
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout" validate:"gt=0"`
	// Distributed guards every lease with an etcd mutex as well.
	Distributed bool `mapstructure:"distributed" yaml:"distributed"`
}

type AdapterConfig struct {
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
	RollbackTimeout time.Duration `mapstructure:"rollback_timeout" yaml:"rollback_timeout" validate:"gt=0"`
}

type ProbeConfig struct {
	Interval         time.Duration `mapstructure:"interval" yaml:"interval" validate:"gte=0"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold" validate:"gte=1"`
	Concurrency      int           `mapstructure:"concurrency" yaml:"concurrency" validate:"gte=1"`
}

type IncidentsConfig struct {
	RaiseOnRolledBack bool `mapstructure:"raise_on_rolled_back" yaml:"raise_on_rolled_back"`
}

type EscalationConfig struct {
	Interval time.Duration             `mapstructure:"interval" yaml:"interval" validate:"gt=0"`
	Policies []domain.EscalationPolicy `mapstructure:"policies" yaml:"policies" validate:"dive"`
}

type NotifyConfig struct {
	WebhookURL string  `mapstructure:"webhook_url" yaml:"webhook_url" validate:"omitempty,url"`
	Rate       float64 `mapstructure:"rate" yaml:"rate" validate:"gte=0"`
	Buffer     int     `mapstructure:"buffer" yaml:"buffer" validate:"gte=0"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Pretty prints spans as indented JSON.
	Pretty bool `mapstructure:"pretty" yaml:"pretty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_listen_addr", ":8080")
	v.SetDefault("grpc_listen_addr", ":9090")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.timeout", "5s")
	v.SetDefault("mysql.max_open_conns", 10)
	v.SetDefault("leader_election.enabled", false)
	v.SetDefault("leader_election.ttl", "10s")
	v.SetDefault("scheduler.tick_interval", "10s")
	v.SetDefault("scheduler.query_timeout", "5s")
	v.SetDefault("scheduler.worker_pool_size", 16)
	v.SetDefault("scheduler.queue_capacity", 64)
	v.SetDefault("scheduler.backlog_threshold", "15m")
	v.SetDefault("scheduler.shutdown_grace", "30s")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_backoff", "1m")
	v.SetDefault("retry.max_backoff", "30m")
	v.SetDefault("lease.timeout", "6h")
	v.SetDefault("lease.acquire_timeout", "5s")
	v.SetDefault("lease.distributed", false)
	v.SetDefault("adapter.timeout", "4h")
	v.SetDefault("adapter.rollback_timeout", "1h")
	v.SetDefault("probe.interval", "5m")
	v.SetDefault("probe.timeout", "30s")
	v.SetDefault("probe.failure_threshold", 3)
	v.SetDefault("probe.concurrency", 4)
	v.SetDefault("incidents.raise_on_rolled_back", false)
	v.SetDefault("escalation.interval", "30s")
	v.SetDefault("notify.rate", 1.0)
	v.SetDefault("notify.buffer", 256)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.pretty", false)
}

// Load loads configuration from file and environment variables. An empty
// path searches ./configs and the working directory for config.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// DBOPS_SCHEDULER_TICK_INTERVAL overrides scheduler.tick_interval
	v.SetEnvPrefix("DBOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// rely on defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Store.Backend {
	case "etcd":
		if len(c.Etcd.Endpoints) == 0 {
			return errors.New("invalid config: etcd backend needs etcd.endpoints")
		}
	case "mysql":
		if c.MySQL.DSN == "" {
			return errors.New("invalid config: mysql backend needs mysql.dsn")
		}
	}
	if (c.LeaderElection.Enabled || c.Lease.Distributed) && len(c.Etcd.Endpoints) == 0 {
		return errors.New("invalid config: leader election and distributed leases need etcd.endpoints")
	}
	seen := make(map[domain.Severity]bool, len(c.Escalation.Policies))
	for _, p := range c.Escalation.Policies {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("invalid config: escalation policy %q: %w", p.Severity, err)
		}
		if seen[p.Severity] {
			return fmt.Errorf("invalid config: duplicate escalation policy for %q", p.Severity)
		}
		seen[p.Severity] = true
	}
	return nil
}
