package store

import (
	"context"
	"time"
)

// Operation names recorded by InstrumentedStore.
const (
	OpListScopes            = "list_scopes"
	OpScopeBacklog          = "scope_backlog"
	OpListOperations        = "list_operations"
	OpUpsertMetrics         = "upsert_metrics"
	OpDeleteMetrics         = "delete_metrics"
	OpListMetrics           = "list_metrics"
	OpListModelGenerations  = "list_model_generations"
	OpRecordModelGeneration = "record_model_generation"
	OpFactoryLastRun        = "factory_last_run"
	OpPing                  = "ping"
)

// MetricsRecorder records store operation metrics.
// This allows the store package to be decoupled from the metrics package.
type MetricsRecorder interface {
	RecordOperation(operation string, durationSeconds float64, success bool)
}

// InstrumentedStore wraps a Store and records metrics for each operation.
type InstrumentedStore struct {
	store   Store
	metrics MetricsRecorder
}

// NewInstrumentedStore creates an instrumented wrapper around a Store.
// If metrics is nil, operations pass through directly.
func NewInstrumentedStore(store Store, metrics MetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{store: store, metrics: metrics}
}

func (s *InstrumentedStore) record(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordOperation(op, time.Since(start).Seconds(), err == nil)
	}
}

func (s *InstrumentedStore) ListScopes(ctx context.Context) ([]string, error) {
	start := time.Now()
	scopes, err := s.store.ListScopes(ctx)
	s.record(OpListScopes, start, err)
	return scopes, err
}

func (s *InstrumentedStore) ScopeBacklog(ctx context.Context, scope string) (Backlog, error) {
	start := time.Now()
	b, err := s.store.ScopeBacklog(ctx, scope)
	s.record(OpScopeBacklog, start, err)
	return b, err
}

func (s *InstrumentedStore) ListOperations(ctx context.Context, since time.Time) ([]OperationRecord, error) {
	start := time.Now()
	ops, err := s.store.ListOperations(ctx, since)
	s.record(OpListOperations, start, err)
	return ops, err
}

func (s *InstrumentedStore) UpsertMetrics(ctx context.Context, rows []MetricRow) error {
	start := time.Now()
	err := s.store.UpsertMetrics(ctx, rows)
	s.record(OpUpsertMetrics, start, err)
	return err
}

func (s *InstrumentedStore) DeleteMetricsExcept(ctx context.Context, scopes []string) error {
	start := time.Now()
	err := s.store.DeleteMetricsExcept(ctx, scopes)
	s.record(OpDeleteMetrics, start, err)
	return err
}

func (s *InstrumentedStore) ListMetrics(ctx context.Context) ([]MetricRow, error) {
	start := time.Now()
	rows, err := s.store.ListMetrics(ctx)
	s.record(OpListMetrics, start, err)
	return rows, err
}

func (s *InstrumentedStore) ListModelGenerations(ctx context.Context) ([]ModelGeneration, error) {
	start := time.Now()
	gens, err := s.store.ListModelGenerations(ctx)
	s.record(OpListModelGenerations, start, err)
	return gens, err
}

func (s *InstrumentedStore) RecordModelGeneration(ctx context.Context, g ModelGeneration) error {
	start := time.Now()
	err := s.store.RecordModelGeneration(ctx, g)
	s.record(OpRecordModelGeneration, start, err)
	return err
}

func (s *InstrumentedStore) FactoryLastRun(ctx context.Context) (time.Time, bool, error) {
	start := time.Now()
	t, ok, err := s.store.FactoryLastRun(ctx)
	s.record(OpFactoryLastRun, start, err)
	return t, ok, err
}

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	start := time.Now()
	err := s.store.Ping(ctx)
	s.record(OpPing, start, err)
	return err
}

// Close closes the underlying store.
func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

// Unwrap returns the underlying store.
func (s *InstrumentedStore) Unwrap() Store {
	return s.store
}

var _ Store = (*InstrumentedStore)(nil)
