// internal/infra/etcd/etcd_job_repository.go
package etcd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel/attribute"

	"dbops-orchestrator/internal/domain"
)

// cursor is the latest scheduled occurrence that has a first-attempt run.
type cursor struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// Save persists the job definition to etcd.
func (s *Store) Save(ctx context.Context, job *domain.JobDefinition) error {
	key := jobKey(job.ID)
	ctx, span := s.start(ctx, "Save", attribute.String("job.id", job.ID), attribute.String("etcd.key", key))
	defer span.End()

	op, err := putOp(key, job)
	if err != nil {
		return err
	}
	if _, err := s.client.Do(ctx, op); err != nil {
		return fail(span, fmt.Errorf("failed to save job %s to etcd: %w", job.ID, err), "failed to put job to etcd")
	}
	return nil
}

// Delete removes a job definition from etcd. Its run history is kept.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, span := s.start(ctx, "Delete", attribute.String("job.id", id))
	defer span.End()

	resp, err := s.client.Delete(ctx, jobKey(id))
	if err != nil {
		return fail(span, fmt.Errorf("failed to delete job %s from etcd: %w", id, err), "failed to delete job from etcd")
	}
	if resp.Deleted == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// Get retrieves a job definition from etcd.
func (s *Store) Get(ctx context.Context, id string) (*domain.JobDefinition, error) {
	ctx, span := s.start(ctx, "Get", attribute.String("job.id", id))
	defer span.End()

	var job domain.JobDefinition
	_, found, err := s.getJSON(ctx, jobKey(id), &job)
	if err != nil {
		return nil, fail(span, err, "failed to get job from etcd")
	}
	if !found {
		return nil, domain.ErrJobNotFound
	}
	return &job, nil
}

// List retrieves all job definitions ordered by name.
func (s *Store) List(ctx context.Context) ([]*domain.JobDefinition, error) {
	ctx, span := s.start(ctx, "List")
	defer span.End()

	jobs, err := listPrefix[domain.JobDefinition](ctx, s, JobSaveDir)
	if err != nil {
		return nil, fail(span, err, "failed to list jobs from etcd")
	}
	span.SetAttributes(attribute.Int("etcd.kv_count", len(jobs)))
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].Name < jobs[b].Name })
	return jobs, nil
}

// ListDue evaluates every definition against its cursor.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]domain.DueJob, error) {
	ctx, span := s.start(ctx, "ListDue")
	defer span.End()

	resp, err := s.client.Txn(ctx).Then(
		clientv3.OpGet(JobSaveDir, clientv3.WithPrefix()),
		clientv3.OpGet(CursorDir, clientv3.WithPrefix()),
	).Commit()
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to read due jobs from etcd: %w", err), "failed to read due jobs")
	}

	var defs []*domain.JobDefinition
	for _, kv := range resp.Responses[0].GetResponseRange().Kvs {
		var def domain.JobDefinition
		if err := decode(kv.Value, &def); err != nil {
			s.logger.Warn("failed to unmarshal job from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		defs = append(defs, &def)
	}
	last := make(map[string]time.Time)
	for _, kv := range resp.Responses[1].GetResponseRange().Kvs {
		var c cursor
		if err := decode(kv.Value, &c); err != nil {
			s.logger.Warn("failed to unmarshal cursor from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		last[strings.TrimPrefix(string(kv.Key), CursorDir)] = c.ScheduledFor
	}

	sort.Slice(defs, func(a, b int) bool { return defs[a].ID < defs[b].ID })
	due, errs := domain.CollectDue(defs, last, now)
	for _, err := range errs {
		s.logger.Warn("skipping job with unusable schedule", "error", err)
	}
	span.SetAttributes(attribute.Int("jobs.due", len(due)))
	return due, nil
}

// RetireDefinition marks a one-shot definition as dispatched.
func (s *Store) RetireDefinition(ctx context.Context, id string) error {
	ctx, span := s.start(ctx, "RetireDefinition", attribute.String("job.id", id))
	defer span.End()

	key := jobKey(id)
	err := update(ctx, s, key, domain.ErrJobNotFound, func(job *domain.JobDefinition) ([]clientv3.Op, error) {
		job.Retired = true
		op, err := putOp(key, job)
		return []clientv3.Op{op}, err
	})
	if err != nil {
		return fail(span, err, "failed to retire job")
	}
	return nil
}
