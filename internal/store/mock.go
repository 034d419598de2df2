package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore implements Store for testing.
// It is exported so that tests in other packages can use it.
type MockStore struct {
	mu          sync.RWMutex
	scopes      []string
	backlogs    map[string]Backlog
	operations  []OperationRecord
	metrics     map[metricKey]float64
	generations map[generationKey]ModelGeneration
	factoryRun  *time.Time
	closed      bool

	// Errors injected per operation. A ScopeErrors entry fails that scope's
	// backlog query only.
	ListScopesErr     error
	ScopeErrors       map[string]error
	ListOperationsErr error
	UpsertErr         error
	DeleteErr         error
	ListMetricsErr    error
	GenerationsErr    error
	FactoryErr        error
	PingErr           error

	backlogCalls int
	upsertCalls  int
}

type metricKey struct {
	scope string
	name  string
}

type generationKey struct {
	scope string
	typ   string
}

// NewMockStore creates a new MockStore for testing.
func NewMockStore() *MockStore {
	return &MockStore{
		backlogs:    make(map[string]Backlog),
		metrics:     make(map[metricKey]float64),
		generations: make(map[generationKey]ModelGeneration),
		ScopeErrors: make(map[string]error),
	}
}

// SetBacklog registers scope as active with backlog b.
func (m *MockStore) SetBacklog(b Backlog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backlogs[b.Scope]; !ok {
		m.scopes = append(m.scopes, b.Scope)
		sort.Strings(m.scopes)
	}
	m.backlogs[b.Scope] = b
}

// RemoveScope makes scope inactive.
func (m *MockStore) RemoveScope(scope string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backlogs, scope)
	for i, s := range m.scopes {
		if s == scope {
			m.scopes = append(m.scopes[:i], m.scopes[i+1:]...)
			break
		}
	}
}

// AddOperations appends operation records.
func (m *MockStore) AddOperations(ops ...OperationRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operations = append(m.operations, ops...)
}

// SetFactoryLastRun sets the task factory's last run.
func (m *MockStore) SetFactoryLastRun(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factoryRun = &t
}

// Metric returns a persisted value.
func (m *MockStore) Metric(name, scope string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.metrics[metricKey{scope: scope, name: name}]
	return v, ok
}

// BacklogCalls returns how many ScopeBacklog calls were made.
func (m *MockStore) BacklogCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backlogCalls
}

// UpsertCalls returns how many UpsertMetrics calls were made.
func (m *MockStore) UpsertCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.upsertCalls
}

func (m *MockStore) ListScopes(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	if m.ListScopesErr != nil {
		return nil, m.ListScopesErr
	}
	return append([]string(nil), m.scopes...), nil
}

func (m *MockStore) ScopeBacklog(ctx context.Context, scope string) (Backlog, error) {
	m.mu.Lock()
	m.backlogCalls++
	closed := m.closed
	injected := m.ScopeErrors[scope]
	b, ok := m.backlogs[scope]
	m.mu.Unlock()

	if closed {
		return Backlog{}, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return Backlog{}, err
	}
	if injected != nil {
		return Backlog{}, injected
	}
	if !ok {
		return Backlog{}, ErrInvalidScope
	}
	stages := make(map[Stage]int64, len(b.Stages))
	for k, v := range b.Stages {
		stages[k] = v
	}
	b.Stages = stages
	return b, nil
}

func (m *MockStore) ListOperations(_ context.Context, since time.Time) ([]OperationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	if m.ListOperationsErr != nil {
		return nil, m.ListOperationsErr
	}
	var out []OperationRecord
	for _, op := range m.operations {
		if !op.Ended.Before(since) {
			out = append(out, op)
		}
	}
	return out, nil
}

func (m *MockStore) UpsertMetrics(_ context.Context, rows []MetricRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.upsertCalls++
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	for _, r := range rows {
		m.metrics[metricKey{scope: r.Scope, name: r.Name}] = r.Value
	}
	return nil
}

func (m *MockStore) DeleteMetricsExcept(_ context.Context, scopes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	keep := map[string]struct{}{"": {}}
	for _, s := range scopes {
		keep[s] = struct{}{}
	}
	for k := range m.metrics {
		if _, ok := keep[k.scope]; !ok {
			delete(m.metrics, k)
		}
	}
	return nil
}

func (m *MockStore) ListMetrics(_ context.Context) ([]MetricRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	if m.ListMetricsErr != nil {
		return nil, m.ListMetricsErr
	}
	out := make([]MetricRow, 0, len(m.metrics))
	for k, v := range m.metrics {
		out = append(out, MetricRow{Name: k.name, Scope: k.scope, Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Scope < out[j].Scope
	})
	return out, nil
}

func (m *MockStore) ListModelGenerations(_ context.Context) ([]ModelGeneration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	if m.GenerationsErr != nil {
		return nil, m.GenerationsErr
	}
	out := make([]ModelGeneration, 0, len(m.generations))
	for _, g := range m.generations {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

func (m *MockStore) RecordModelGeneration(_ context.Context, g ModelGeneration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.generations[generationKey{scope: g.Scope, typ: g.Type}] = g
	return nil
}

func (m *MockStore) FactoryLastRun(_ context.Context) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return time.Time{}, false, ErrStoreClosed
	}
	if m.FactoryErr != nil {
		return time.Time{}, false, m.FactoryErr
	}
	if m.factoryRun == nil {
		return time.Time{}, false, nil
	}
	return *m.factoryRun, true, nil
}

func (m *MockStore) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return m.PingErr
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Store = (*MockStore)(nil)
