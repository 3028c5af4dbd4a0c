package etcd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel/attribute"

	"dbops-orchestrator/internal/domain"
)

// Open incidents and resolved incidents live under separate prefixes so the
// escalation tracker only ever scans the open ones.

// ListOpenIncidents returns unresolved incidents, oldest first.
func (s *Store) ListOpenIncidents(ctx context.Context) ([]*domain.Incident, error) {
	ctx, span := s.start(ctx, "ListOpenIncidents")
	defer span.End()

	out, err := listPrefix[domain.Incident](ctx, s, OpenIncidentDir)
	if err != nil {
		return nil, fail(span, err, "failed to list incidents from etcd")
	}
	sort.Slice(out, func(a, b int) bool { return out[a].OpenedAt.Before(out[b].OpenedAt) })
	return out, nil
}

// RaiseIncident inserts an open incident.
func (s *Store) RaiseIncident(ctx context.Context, incident *domain.Incident) error {
	key := openIncidentKey(incident.ID)
	ctx, span := s.start(ctx, "RaiseIncident", attribute.String("incident.id", incident.ID), attribute.String("etcd.key", key))
	defer span.End()

	op, err := putOp(key, incident)
	if err != nil {
		return err
	}
	resp, err := s.client.Txn(ctx).
		If(
			clientv3.Compare(clientv3.CreateRevision(key), "=", 0),
			clientv3.Compare(clientv3.CreateRevision(resolvedIncidentKey(incident.ID)), "=", 0),
		).
		Then(op).
		Commit()
	if err != nil {
		return fail(span, fmt.Errorf("failed to raise incident %s in etcd: %w", incident.ID, err), "failed to put incident to etcd")
	}
	if !resp.Succeeded {
		return fmt.Errorf("incident %s already exists", incident.ID)
	}
	return nil
}

// UpdateIncidentLevel raises the escalation level of an open incident.
func (s *Store) UpdateIncidentLevel(ctx context.Context, id string, level int) error {
	ctx, span := s.start(ctx, "UpdateIncidentLevel", attribute.String("incident.id", id), attribute.Int("incident.level", level))
	defer span.End()

	key := openIncidentKey(id)
	err := update(ctx, s, key, domain.ErrIncidentNotFound, func(inc *domain.Incident) ([]clientv3.Op, error) {
		if level < inc.Level {
			return nil, domain.ErrLevelRegression
		}
		inc.Level = level
		op, err := putOp(key, inc)
		return []clientv3.Op{op}, err
	})
	if errors.Is(err, domain.ErrIncidentNotFound) {
		err = s.missingIncident(ctx, id)
	}
	if err != nil {
		return fail(span, err, "failed to update incident level")
	}
	return nil
}

// ResolveIncident moves an incident from the open to the resolved prefix.
func (s *Store) ResolveIncident(ctx context.Context, id string, at time.Time, resolution string) error {
	ctx, span := s.start(ctx, "ResolveIncident", attribute.String("incident.id", id))
	defer span.End()

	key := openIncidentKey(id)
	err := update(ctx, s, key, domain.ErrIncidentNotFound, func(inc *domain.Incident) ([]clientv3.Op, error) {
		t := at
		inc.ResolvedAt = &t
		inc.Resolution = resolution
		op, err := putOp(resolvedIncidentKey(id), inc)
		return []clientv3.Op{op, clientv3.OpDelete(key)}, err
	})
	if errors.Is(err, domain.ErrIncidentNotFound) {
		err = s.missingIncident(ctx, id)
	}
	if err != nil {
		return fail(span, err, "failed to resolve incident")
	}
	return nil
}

// GetIncident returns an open or resolved incident by id.
func (s *Store) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	ctx, span := s.start(ctx, "GetIncident", attribute.String("incident.id", id))
	defer span.End()

	for _, key := range []string{openIncidentKey(id), resolvedIncidentKey(id)} {
		var inc domain.Incident
		_, found, err := s.getJSON(ctx, key, &inc)
		if err != nil {
			return nil, fail(span, err, "failed to get incident")
		}
		if found {
			return &inc, nil
		}
	}
	return nil, domain.ErrIncidentNotFound
}

// missingIncident tells a resolved incident apart from an unknown one.
func (s *Store) missingIncident(ctx context.Context, id string) error {
	resp, err := s.client.Get(ctx, resolvedIncidentKey(id), clientv3.WithCountOnly())
	if err != nil {
		return fmt.Errorf("failed to get incident %s from etcd: %w", id, err)
	}
	if resp.Count > 0 {
		return domain.ErrIncidentResolved
	}
	return domain.ErrIncidentNotFound
}
