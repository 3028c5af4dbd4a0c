// internal/infra/etcd/etcd_execution_repository.go
package etcd

import (
	"context"
	"fmt"
	"sort"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel/attribute"

	"dbops-orchestrator/internal/domain"
)

// CreateRun inserts a pending run together with its index entries. A first
// attempt of a scheduled occurrence also advances the definition cursor.
func (s *Store) CreateRun(ctx context.Context, run *domain.JobRun) error {
	ctx, span := s.start(ctx, "CreateRun",
		attribute.String("run.id", run.ID),
		attribute.String("job.id", run.DefinitionID),
		attribute.Int("run.attempt", run.Attempt),
	)
	defer span.End()

	if err := run.Validate(); err != nil {
		return err
	}
	key := runKey(run.DefinitionID, run.ID)
	runOp, err := putOp(key, run)
	if err != nil {
		return err
	}
	advances := run.Attempt == 1 && !run.Manual

	for range casAttempts {
		cmps := []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(key), "=", 0)}
		ops := []clientv3.Op{
			runOp,
			clientv3.OpPut(runIndexKey(run.ID), run.DefinitionID),
			clientv3.OpPut(activeKey(run.ID), run.DefinitionID),
		}
		if advances {
			ck := cursorKey(run.DefinitionID)
			var cur cursor
			rev, found, err := s.getJSON(ctx, ck, &cur)
			if err != nil {
				return fail(span, err, "failed to read cursor")
			}
			if found {
				cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(ck), "=", rev))
			} else {
				cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(ck), "=", 0))
			}
			if !found || run.ScheduledFor.After(cur.ScheduledFor) {
				op, err := putOp(ck, cursor{ScheduledFor: run.ScheduledFor})
				if err != nil {
					return err
				}
				ops = append(ops, op)
			}
		}

		resp, err := s.client.Txn(ctx).If(cmps...).Then(ops...).Commit()
		if err != nil {
			return fail(span, fmt.Errorf("failed to create run %s in etcd: %w", run.ID, err), "failed to put run to etcd")
		}
		if resp.Succeeded {
			return nil
		}
		exists, err := s.client.Get(ctx, key, clientv3.WithCountOnly())
		if err != nil {
			return fail(span, err, "failed to check run")
		}
		if exists.Count > 0 {
			return fmt.Errorf("job run %s already exists", run.ID)
		}
	}
	return fail(span, fmt.Errorf("%w creating run %s", ErrConflict, run.ID), "cursor conflict")
}

// UpdateRunState records a non-final state of a run.
func (s *Store) UpdateRunState(ctx context.Context, run *domain.JobRun) error {
	return s.updateRun(ctx, run, false)
}

// UpdateRunTerminal records the final state of a run and drops it from the active set.
func (s *Store) UpdateRunTerminal(ctx context.Context, run *domain.JobRun) error {
	return s.updateRun(ctx, run, true)
}

func (s *Store) updateRun(ctx context.Context, run *domain.JobRun, final bool) error {
	ctx, span := s.start(ctx, "UpdateRun",
		attribute.String("run.id", run.ID),
		attribute.String("run.state", string(run.State)),
		attribute.Bool("run.final", final),
	)
	defer span.End()

	key := runKey(run.DefinitionID, run.ID)
	err := update(ctx, s, key, domain.ErrRunNotFound, func(cur *domain.JobRun) ([]clientv3.Op, error) {
		if cur.Final {
			return nil, domain.ErrRunFinal
		}
		c := run.Clone()
		c.Final = final
		op, err := putOp(key, c)
		if err != nil {
			return nil, err
		}
		ops := []clientv3.Op{op}
		if final {
			ops = append(ops, clientv3.OpDelete(activeKey(run.ID)))
		}
		return ops, nil
	})
	if err != nil {
		return fail(span, err, "failed to update run")
	}
	return nil
}

// ListActiveRuns returns all runs not recorded as final, oldest first.
func (s *Store) ListActiveRuns(ctx context.Context) ([]*domain.JobRun, error) {
	ctx, span := s.start(ctx, "ListActiveRuns")
	defer span.End()

	resp, err := s.client.Get(ctx, ActiveRunDir, clientv3.WithPrefix())
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to list active runs from etcd: %w", err), "failed to list active runs")
	}
	out := make([]*domain.JobRun, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		runID := string(kv.Key[len(ActiveRunDir):])
		var run domain.JobRun
		_, found, err := s.getJSON(ctx, runKey(string(kv.Value), runID), &run)
		if err != nil {
			return nil, fail(span, err, "failed to get active run")
		}
		if !found {
			s.logger.Warn("active index points at a missing run", "run_id", runID)
			continue
		}
		out = append(out, &run)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	span.SetAttributes(attribute.Int("runs.active", len(out)))
	return out, nil
}

// GetRun retrieves a run by id through the run index.
func (s *Store) GetRun(ctx context.Context, id string) (*domain.JobRun, error) {
	ctx, span := s.start(ctx, "GetRun", attribute.String("run.id", id))
	defer span.End()

	idx, err := s.client.Get(ctx, runIndexKey(id))
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to get run %s from etcd: %w", id, err), "failed to get run index")
	}
	if len(idx.Kvs) == 0 {
		return nil, domain.ErrRunNotFound
	}
	var run domain.JobRun
	_, found, err := s.getJSON(ctx, runKey(string(idx.Kvs[0].Value), id), &run)
	if err != nil {
		return nil, fail(span, err, "failed to get run")
	}
	if !found {
		return nil, domain.ErrRunNotFound
	}
	return &run, nil
}

// ListRuns retrieves the runs of a definition, newest first, with pagination.
func (s *Store) ListRuns(ctx context.Context, definitionID string, page, pageSize int) ([]*domain.JobRun, error) {
	ctx, span := s.start(ctx, "ListRuns",
		attribute.String("job.id", definitionID),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)
	defer span.End()

	runs, err := listPrefix[domain.JobRun](ctx, s, runKey(definitionID, "")+"/",
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortDescend),
	)
	if err != nil {
		return nil, fail(span, err, "failed to list runs from etcd")
	}
	// creation order matches CreatedAt and retry order
	runs = paginate(runs, page, pageSize)
	span.SetAttributes(attribute.Int("records_returned", len(runs)))
	return runs, nil
}

func paginate[T any](items []T, page, pageSize int) []T {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		return items
	}
	start := (page - 1) * pageSize
	if start >= len(items) {
		return []T{}
	}
	return items[start:min(start+pageSize, len(items))]
}
