// Package adapter holds the engine-specific implementations of
// domain.Adapter and the registry that resolves them by engine kind.
package adapter

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dbops-orchestrator/internal/domain"
)

// ErrNoAdapter is returned when no adapter is registered for an engine kind.
var ErrNoAdapter = errors.New("no adapter registered for engine")

// ErrUnsupportedOperation is returned when an adapter cannot perform an operation.
var ErrUnsupportedOperation = errors.New("operation not supported by adapter")

// BreakerConfig tunes the circuit breaker of a remote agent.
type BreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests" yaml:"max_requests"`
	Interval         time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold" yaml:"failure_threshold"`
}

// Config describes how one engine kind is driven.
type Config struct {
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=shell agent"`

	// shell
	Shell          string            `mapstructure:"shell" yaml:"shell"`
	Commands       map[string]string `mapstructure:"commands" yaml:"commands"`
	FatalExitCodes []int             `mapstructure:"fatal_exit_codes" yaml:"fatal_exit_codes"`

	// agent
	URL     string        `mapstructure:"url" yaml:"url" validate:"omitempty,url"`
	Token   string        `mapstructure:"token" yaml:"token"`
	Breaker BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
}

// Registry maps engine kinds to adapters. It implements domain.AdapterResolver.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.EngineKind]domain.Adapter
}

var _ domain.AdapterResolver = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[domain.EngineKind]domain.Adapter)}
}

// Register sets the adapter for an engine kind.
func (r *Registry) Register(engine domain.EngineKind, a domain.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[engine] = a
}

// For returns the adapter for an engine kind.
func (r *Registry) For(engine domain.EngineKind) (domain.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[engine]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, engine)
	}
	return a, nil
}

// Build creates a registry from per-engine configuration.
func Build(configs map[string]Config, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry()
	for name, cfg := range configs {
		engine := domain.EngineKind(name)
		switch engine {
		case domain.EngineOracle, domain.EngineSQLServer:
		default:
			return nil, fmt.Errorf("adapter configured for unknown engine %q", name)
		}
		switch cfg.Type {
		case "shell":
			a, err := NewShellAdapter(engine, cfg, logger)
			if err != nil {
				return nil, fmt.Errorf("engine %s: %w", name, err)
			}
			r.Register(engine, a)
		case "agent":
			if cfg.URL == "" {
				return nil, fmt.Errorf("engine %s: agent adapter needs a url", name)
			}
			r.Register(engine, NewAgentAdapter(engine, cfg, logger))
		default:
			return nil, fmt.Errorf("engine %s: unknown adapter type %q", name, cfg.Type)
		}
	}
	return r, nil
}
