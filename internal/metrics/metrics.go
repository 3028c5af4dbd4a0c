// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts operator API requests.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// JobRunsTotal counts runs by kind and the state they ended in.
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbops_job_runs_total",
			Help: "Total number of job runs that reached a final state.",
		},
		[]string{"kind", "state"},
	)

	// JobRunDuration observes how long adapter calls take.
	JobRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbops_job_run_duration_seconds",
			Help:    "Duration of adapter calls for job runs.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"kind"},
	)

	// RetriesTotal counts attempts created after a transient failure.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbops_job_retries_total",
			Help: "Total number of retry attempts scheduled.",
		},
		[]string{"kind"},
	)

	// RollbacksTotal counts rollback outcomes.
	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbops_rollbacks_total",
			Help: "Total number of rollbacks by outcome.",
		},
		[]string{"outcome"},
	)

	// LeasesHeld is the number of databases currently leased.
	LeasesHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbops_leases_held",
			Help: "Number of database leases currently held.",
		},
	)

	// LeaseRevocationsTotal counts leases force-revoked after their timeout.
	LeaseRevocationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dbops_lease_revocations_total",
			Help: "Total number of leases revoked on timeout.",
		},
	)

	// QueueDepth is the number of ready tasks waiting for a worker.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbops_queue_depth",
			Help: "Number of ready tasks waiting for a worker.",
		},
	)

	// BacklogAgeSeconds is how long the oldest ready task has waited.
	BacklogAgeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbops_backlog_age_seconds",
			Help: "Age of the oldest ready task waiting for a worker.",
		},
	)

	// IncidentsRaisedTotal counts opened incidents.
	IncidentsRaisedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbops_incidents_raised_total",
			Help: "Total number of incidents opened.",
		},
		[]string{"severity", "category"},
	)

	// EscalationsTotal counts escalation steps reached.
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbops_escalations_total",
			Help: "Total number of incident escalations.",
		},
		[]string{"severity", "level"},
	)

	// SLABreachesTotal counts incidents that outlived their SLA deadline.
	SLABreachesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbops_sla_breaches_total",
			Help: "Total number of incidents open past their SLA deadline.",
		},
		[]string{"severity"},
	)

	// ProbeFailuresTotal counts failed health probes.
	ProbeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbops_probe_failures_total",
			Help: "Total number of failed health probes.",
		},
		[]string{"engine"},
	)

	// NotificationsTotal counts escalation deliveries.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbops_notifications_total",
			Help: "Total number of escalation notifications by notifier and outcome.",
		},
		[]string{"notifier", "outcome"},
	)

	// IsLeader reports whether this node currently runs the scheduler.
	IsLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "is_leader",
			Help: "Is this node currently the leader. 1 if leader, 0 otherwise.",
		},
		[]string{"node_id"},
	)
)
