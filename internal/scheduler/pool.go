package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dbops-orchestrator/internal/engine"
)

// Source hands tasks to workers and takes back the ones that cannot run yet.
type Source interface {
	Next(ctx context.Context) (*engine.Task, bool)
	Requeue(task *engine.Task)
	Defer(task *engine.Task)
}

// Executor runs one task.
type Executor interface {
	Execute(ctx context.Context, task *engine.Task) engine.Outcome
}

// Pool is a fixed set of workers pulling from a Source.
type Pool struct {
	size   int
	grace  time.Duration
	source Source
	exec   Executor
	logger *slog.Logger
}

// NewPool creates a pool of size workers. On shutdown in-flight runs get
// grace to finish before they are cancelled.
func NewPool(size int, grace time.Duration, source Source, exec Executor, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:   size,
		grace:  grace,
		source: source,
		exec:   exec,
		logger: logger.With("component", "worker-pool"),
	}
}

// Run starts the workers and blocks until ctx is done and every worker has exited.
func (p *Pool) Run(ctx context.Context) error {
	// Runs must outlive ctx by the grace period.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	var wg sync.WaitGroup
	for i := range p.size {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, workCtx, id)
		}(i)
	}
	p.logger.Info("worker pool started", "size", p.size)

	<-ctx.Done()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.grace):
		p.logger.Warn("shutdown grace elapsed, cancelling in-flight runs", "grace", p.grace.String())
		cancelWork()
		<-done
	}
	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) work(pullCtx, runCtx context.Context, id int) {
	log := p.logger.With("worker", id)
	for pullCtx.Err() == nil {
		task, ok := p.source.Next(pullCtx)
		if !ok {
			return
		}
		out := p.exec.Execute(runCtx, task)
		switch out.Kind {
		case engine.OutcomeBusy:
			p.source.Requeue(task)
		case engine.OutcomeDeferred:
			if out.Next != nil {
				p.source.Defer(out.Next)
			}
		}
		log.Debug("task handled", "run_id", task.Run.ID, "outcome", out.Kind.String())
	}
}
