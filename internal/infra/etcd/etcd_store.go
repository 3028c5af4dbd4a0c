// Package etcd implements the orchestrator stores, the distributed lease
// guard and leader election on top of etcd.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dbops-orchestrator/internal/domain"
)

const casAttempts = 5

// ErrConflict is returned when a compare-and-swap lost every attempt.
var ErrConflict = errors.New("etcd: concurrent update conflict")

// Store implements domain.Store on etcd. Multi-key updates go through
// transactions guarded by the mod revision of the record they change.
type Store struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

var (
	_ domain.Store           = (*Store)(nil)
	_ domain.InventoryWriter = (*Store)(nil)
)

// NewStore creates a store backed by etcd.
func NewStore(client *clientv3.Client, logger *slog.Logger) *Store {
	return &Store{
		client: client,
		logger: logger.With("component", "etcd-store"),
		tracer: otel.Tracer("dbops-orchestrator/etcd-store"),
	}
}

func (s *Store) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "repo.etcd."+name, trace.WithAttributes(attrs...))
}

func fail(span trace.Span, err error, msg string) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	return err
}

// getJSON decodes the value at key into v. It reports false when the key is absent.
func (s *Store) getJSON(ctx context.Context, key string, v any) (rev int64, found bool, err error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return 0, false, fmt.Errorf("failed to get %s from etcd: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return 0, false, nil
	}
	if err := json.Unmarshal(resp.Kvs[0].Value, v); err != nil {
		return 0, false, fmt.Errorf("failed to unmarshal %s from JSON: %w", key, err)
	}
	return resp.Kvs[0].ModRevision, true, nil
}

func decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func putOp(key string, v any) (clientv3.Op, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return clientv3.Op{}, fmt.Errorf("failed to marshal %s to JSON: %w", key, err)
	}
	return clientv3.OpPut(key, string(data)), nil
}

// update reads the record at key, lets mutate build the write ops and
// commits them only if the record did not change meanwhile. mutate is
// called again after a lost race.
func update[T any](ctx context.Context, s *Store, key string, missing error, mutate func(cur *T) ([]clientv3.Op, error)) error {
	for range casAttempts {
		var cur T
		rev, found, err := s.getJSON(ctx, key, &cur)
		if err != nil {
			return err
		}
		if !found {
			return missing
		}
		ops, err := mutate(&cur)
		if err != nil {
			return err
		}
		resp, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
			Then(ops...).
			Commit()
		if err != nil {
			return fmt.Errorf("failed to commit %s: %w", key, err)
		}
		if resp.Succeeded {
			return nil
		}
	}
	return fmt.Errorf("%w on %s", ErrConflict, key)
}

// listPrefix decodes every value under prefix, skipping undecodable ones.
func listPrefix[T any](ctx context.Context, s *Store, prefix string, opts ...clientv3.OpOption) ([]*T, error) {
	resp, err := s.client.Get(ctx, prefix, append([]clientv3.OpOption{clientv3.WithPrefix()}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s from etcd: %w", prefix, err)
	}
	out := make([]*T, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var v T
		if err := json.Unmarshal(kv.Value, &v); err != nil {
			s.logger.Warn("failed to unmarshal record from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		out = append(out, &v)
	}
	return out, nil
}
