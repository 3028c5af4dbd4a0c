// Package notify delivers incident escalations.
package notify

import (
	"context"
	"log/slog"

	"dbops-orchestrator/internal/domain"
	"dbops-orchestrator/internal/metrics"
)

// Log writes every escalation as a structured log line.
type Log struct {
	logger *slog.Logger
}

var _ domain.Notifier = (*Log)(nil)

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger.With("component", "notifier", "notifier", "log")}
}

func (n *Log) Notify(_ context.Context, inc *domain.Incident, level int, recipients []string) {
	n.logger.Warn("incident escalated",
		"incident_id", inc.ID,
		"database_id", inc.DatabaseID,
		"severity", inc.Severity,
		"category", inc.Category,
		"level", level,
		"recipients", recipients,
		"title", inc.Title,
	)
	metrics.NotificationsTotal.WithLabelValues("log", "delivered").Inc()
}

// Multi fans an escalation out to several notifiers in order.
type Multi []domain.Notifier

func (m Multi) Notify(ctx context.Context, inc *domain.Incident, level int, recipients []string) {
	for _, n := range m {
		n.Notify(ctx, inc, level, recipients)
	}
}
