// Package store defines the durable store the backlog estimator reads from
// and persists metric snapshots to. The production implementation is
// PostgreSQL; MockStore serves tests.
package store

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by Store operations.
var (
	// ErrStoreClosed is returned when operations are attempted on a closed store.
	ErrStoreClosed = errors.New("store: store closed")

	// ErrTimeout is returned when the store aborts a query that exceeded its
	// statement timeout.
	ErrTimeout = errors.New("store: statement timeout")

	// ErrInvalidScope is returned for scope names that cannot name a schema.
	ErrInvalidScope = errors.New("store: invalid scope")
)

// Stage is a processing stage with its own backlog.
type Stage string

const (
	StageOCR            Stage = "OCR"
	StagePrediction     Stage = "PREDICTION"
	StageControl        Stage = "CONTROL"
	StageClassification Stage = "CLASSIFICATION"
	StagePDF            Stage = "PDF"
	StageExport         Stage = "EXPORT"
)

// Stages lists every stage in publication order.
var Stages = []Stage{StageOCR, StagePrediction, StageControl, StageClassification, StagePDF, StageExport}

// Backlog is the result of one scope's backlog query.
type Backlog struct {
	Scope              string
	Stages             map[Stage]int64
	DocumentsInBacklog int64
	DocumentsInError   int64
	// NoQuota marks a scope with unlimited quota. Its backlog is published as 0.
	NoQuota bool
}

// OperationRecord is one completed unit of work.
type OperationRecord struct {
	Kind    Stage
	Started time.Time
	Ended   time.Time
	// NbPages weighs page-counted kinds (OCR, PREDICTION).
	NbPages int64
}

// MetricRow is a persisted metric value. An empty Scope denotes a metric
// without labels.
type MetricRow struct {
	Name  string
	Scope string
	Value float64
}

// ModelGeneration is the latest generation record for a (scope, type) pair.
type ModelGeneration struct {
	Scope   string
	Type    string
	Started time.Time
	Ended   time.Time
	// Error is nil for a successful generation.
	Error            *string
	CompressedSize   *int64
	UncompressedSize *int64
}

// Store is the durable store collaborator.
//
// Implementations must be safe for concurrent use: the estimator issues
// ScopeBacklog calls for several scopes in parallel.
type Store interface {
	// ListScopes returns the active scopes.
	ListScopes(ctx context.Context) ([]string, error)

	// ScopeBacklog runs the per-scope backlog aggregate, bounded by the
	// store's statement timeout.
	ScopeBacklog(ctx context.Context, scope string) (Backlog, error)

	// ListOperations returns operations overlapping [since, now).
	ListOperations(ctx context.Context, since time.Time) ([]OperationRecord, error)

	// UpsertMetrics inserts rows or replaces the value of existing
	// (scope, name) rows.
	UpsertMetrics(ctx context.Context, rows []MetricRow) error

	// DeleteMetricsExcept deletes rows whose scope is neither in scopes nor
	// the empty scope.
	DeleteMetricsExcept(ctx context.Context, scopes []string) error

	// ListMetrics returns every persisted row.
	ListMetrics(ctx context.Context) ([]MetricRow, error)

	// ListModelGenerations returns the latest generation per (scope, type).
	ListModelGenerations(ctx context.Context) ([]ModelGeneration, error)

	// RecordModelGeneration stores g as the latest generation of its
	// (scope, type).
	RecordModelGeneration(ctx context.Context, g ModelGeneration) error

	// FactoryLastRun returns when the task factory last ran. ok is false
	// when it never ran.
	FactoryLastRun(ctx context.Context) (t time.Time, ok bool, err error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources. Further calls return ErrStoreClosed.
	Close() error
}
