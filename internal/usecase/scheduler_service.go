package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"dbops-orchestrator/internal/domain"
)

// ErrLeadershipLost ends a term whose election session expired.
var ErrLeadershipLost = errors.New("leadership lost")

// Runner runs the orchestrator for one term.
type Runner interface {
	Run(ctx context.Context) error
}

// SchedulerService runs the orchestrator only while this node holds
// leadership. A nil election runs it unconditionally.
type SchedulerService struct {
	election   domain.LeaderElectionManager
	runner     Runner
	nodeID     string
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewSchedulerService creates a SchedulerService.
func NewSchedulerService(election domain.LeaderElectionManager, runner Runner, nodeID string, logger *slog.Logger) *SchedulerService {
	return &SchedulerService{
		election:   election,
		runner:     runner,
		nodeID:     nodeID,
		retryDelay: 5 * time.Second,
		logger:     logger.With("component", "scheduler-service", "node_id", nodeID),
	}
}

// Start blocks until ctx is done.
func (s *SchedulerService) Start(ctx context.Context) error {
	if s.election == nil {
		s.logger.Info("leader election disabled, running orchestrator")
		return s.runner.Run(ctx)
	}

	s.logger.Info("scheduler service starting")
	for {
		if ctx.Err() != nil {
			s.logger.Info("scheduler service shutting down")
			return nil
		}
		s.logger.Info("attempting to campaign for leadership")
		lost, err := s.election.Campaign(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.logger.Error("leadership campaign failed, retrying", "error", err, "retry_in", s.retryDelay.String())
			select {
			case <-ctx.Done():
			case <-time.After(s.retryDelay):
			}
			continue
		}

		s.logger.Info("became the leader, starting orchestrator")
		if err := s.lead(ctx, lost); err != nil {
			s.logger.Error("orchestrator term ended with error", "error", err)
		}
	}
}

// lead runs one term until ctx is done or leadership is lost.
func (s *SchedulerService) lead(ctx context.Context, lost <-chan struct{}) error {
	termCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-lost:
			s.logger.Warn("leadership lost, stopping orchestrator")
			cancel(ErrLeadershipLost)
		case <-termCtx.Done():
		}
	}()

	err := s.runner.Run(termCtx)

	resignCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer done()
	if rerr := s.election.Resign(resignCtx); rerr != nil {
		s.logger.Warn("failed to resign leadership", "error", rerr)
	}
	return err
}
