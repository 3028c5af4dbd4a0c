package domain

import "context"

// LeaderElectionManager elects the single node that runs the orchestrator.
// Only the leader ticks, dispatches runs and holds leases.
type LeaderElectionManager interface {
	// Campaign blocks until this node leads. The channel closes when
	// leadership is lost.
	Campaign(ctx context.Context) (<-chan struct{}, error)
	Resign(ctx context.Context) error
	IsLeader() bool
}
