// Package health runs periodic availability probes against the inventory.
// Probes are read-only and do not take the per-database lease.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dbops-orchestrator/internal/domain"
	"dbops-orchestrator/internal/engine"
	"dbops-orchestrator/internal/metrics"
)

// ConnectivityKeyPrefix prefixes the dedup key of connectivity incidents.
const ConnectivityKeyPrefix = "connectivity/"

type Config struct {
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
	Concurrency      int
}

// Status is the last known probe result of one database.
type Status struct {
	DatabaseID string    `json:"database_id"`
	Healthy    bool      `json:"healthy"`
	Failures   int       `json:"consecutive_failures"`
	CheckedAt  time.Time `json:"checked_at"`
	LastError  string    `json:"last_error,omitempty"`
}

type Prober struct {
	cfg       Config
	inventory domain.Inventory
	adapters  domain.AdapterResolver
	incidents domain.IncidentRaiser
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	status map[string]*Status
	raised map[string]bool
}

func NewProber(cfg Config, inventory domain.Inventory, adapters domain.AdapterResolver, incidents domain.IncidentRaiser, logger *slog.Logger) *Prober {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 3
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Prober{
		cfg:       cfg,
		inventory: inventory,
		adapters:  adapters,
		incidents: incidents,
		logger:    logger.With("component", "prober"),
		now:       time.Now,
		status:    make(map[string]*Status),
		raised:    make(map[string]bool),
	}
}

func (p *Prober) SetClock(now func() time.Time) { p.now = now }

// Run probes the inventory every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	if p.cfg.Interval <= 0 {
		p.logger.Info("health probes disabled")
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.ProbeAll(ctx); err != nil {
				p.logger.Error("probe round failed", "error", err)
			}
		}
	}
}

// ProbeAll probes every active database, at most Concurrency at a time.
// A failing probe never aborts the round.
func (p *Prober) ProbeAll(ctx context.Context) error {
	dbs, err := p.inventory.ListDatabases(ctx)
	if err != nil {
		return fmt.Errorf("list databases: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, db := range dbs {
		if !db.Active {
			continue
		}
		g.Go(func() error {
			p.probe(gctx, db)
			return nil
		})
	}
	return g.Wait()
}

func (p *Prober) probe(ctx context.Context, db *domain.DatabaseInstance) {
	log := p.logger.With("database_id", db.ID, "engine", db.Engine)
	err := p.call(ctx, db)
	if ctx.Err() != nil {
		return
	}
	now := p.now()
	key := ConnectivityKeyPrefix + db.ID

	p.mu.Lock()
	st, ok := p.status[db.ID]
	if !ok {
		st = &Status{DatabaseID: db.ID}
		p.status[db.ID] = st
	}
	st.CheckedAt = now
	if err == nil {
		st.Healthy = true
		st.Failures = 0
		st.LastError = ""
		// an incident may survive a restart, so the first probe resolves too
		resolve := p.raised[db.ID] || !ok
		delete(p.raised, db.ID)
		p.mu.Unlock()
		if resolve {
			log.Info("database reachable")
			if rerr := p.incidents.ResolveByKey(ctx, key, "probe succeeded"); rerr != nil {
				log.Error("failed to resolve connectivity incident", "error", rerr)
			}
		}
		return
	}
	st.Healthy = false
	st.Failures++
	st.LastError = err.Error()
	failures := st.Failures
	raise := failures >= p.cfg.FailureThreshold && !p.raised[db.ID]
	if raise {
		p.raised[db.ID] = true
	}
	p.mu.Unlock()

	metrics.ProbeFailuresTotal.WithLabelValues(string(db.Engine)).Inc()
	log.Warn("health probe failed", "consecutive_failures", failures, "error", err)
	if !raise {
		return
	}
	_, rerr := p.incidents.Raise(ctx, &domain.Incident{
		Key:         key,
		DatabaseID:  db.ID,
		Title:       fmt.Sprintf("database %s unreachable", db.Name),
		Description: fmt.Sprintf("%d consecutive health probes failed: %v", failures, err),
		Category:    domain.CategoryConnectivity,
		Severity:    engine.FailureSeverity(db),
	})
	if rerr != nil {
		log.Error("failed to raise connectivity incident", "error", rerr)
		p.mu.Lock()
		delete(p.raised, db.ID)
		p.mu.Unlock()
	}
}

func (p *Prober) call(ctx context.Context, db *domain.DatabaseInstance) error {
	adapter, err := p.adapters.For(db.Engine)
	if err != nil {
		return err
	}
	_, err = engine.Invoke(ctx, adapter, domain.AdapterRequest{
		Operation: domain.OperationHealthProbe,
		Target:    *db,
	}, p.cfg.Timeout)
	return err
}

// Statuses returns the last probe result of every probed database.
func (p *Prober) Statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, 0, len(p.status))
	for _, st := range p.status {
		out = append(out, *st)
	}
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.DatabaseID, b.DatabaseID) })
	return out
}
