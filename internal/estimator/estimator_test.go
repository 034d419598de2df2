package estimator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrix-io/sentrix/internal/logging"
	"github.com/sentrix-io/sentrix/internal/metrics"
	"github.com/sentrix-io/sentrix/internal/store"
)

type fixture struct {
	store *store.MockStore
	reg   *metrics.Registry
	clock *clock.Mock
	est   *Estimator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := metrics.NewRegistry()
	metrics.RegisterCatalog(reg)
	mock := clock.NewMock()
	mock.Set(testNow)
	st := store.NewMockStore()
	est := New(st, reg, Config{Window: 72 * time.Hour, BucketWidth: testWidth, MaxWorkers: 2},
		WithClock(mock), WithLogger(logging.Nop()))
	return &fixture{store: st, reg: reg, clock: mock, est: est}
}

func (f *fixture) value(t *testing.T, name string, labels ...string) float64 {
	t.Helper()
	v, _, err := f.reg.Value(name, labels...)
	require.NoError(t, err)
	return v
}

func strPtr(s string) *string { return &s }
func i64Ptr(v int64) *int64   { return &v }

func TestRun_ProcessingDelayFromPeakBucket(t *testing.T) {
	f := newFixture(t)
	f.store.SetBacklog(store.Backlog{Scope: "acme", Stages: map[store.Stage]int64{
		store.StageOCR: 30, store.StagePrediction: 5,
	}})
	f.store.SetBacklog(store.Backlog{Scope: "globex", Stages: map[store.Stage]int64{
		store.StageOCR: 20, store.StagePrediction: 15,
	}})
	b := bucketStart(10)
	f.store.AddOperations(
		store.OperationRecord{Kind: store.StageOCR, Started: b.Add(10 * time.Second), Ended: b.Add(20 * time.Second), NbPages: 3000},
		store.OperationRecord{Kind: store.StagePrediction, Started: b.Add(30 * time.Second), Ended: b.Add(40 * time.Second), NbPages: 600},
		// a quieter bucket
		store.OperationRecord{Kind: store.StageOCR, Started: bucketStart(2), Ended: bucketStart(2).Add(time.Second), NbPages: 30},
	)

	res, err := f.est.Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, res.Peak)
	assert.True(t, res.Peak.Start.Equal(b))
	assert.Equal(t, 5.0, res.Durations[store.StageOCR])
	assert.Equal(t, 10.0, res.Durations[store.StagePrediction])
	assert.Equal(t, 10.0, res.ProcessingDelay)
	assert.True(t, res.DelayPublished)
	assert.Equal(t, 10.0, f.value(t, metrics.ProcessingDelay))

	persisted, ok := f.store.Metric(metrics.ProcessingDelay, "")
	require.True(t, ok)
	assert.Equal(t, 10.0, persisted)
	persisted, ok = f.store.Metric(metrics.OCRBacklog, "globex")
	require.True(t, ok)
	assert.Equal(t, 20.0, persisted)
	// 8 gauges per scope plus the processing delay.
	assert.Equal(t, 17, res.Persisted)
}

func TestRun_NoHistoryPublishesZeroDelay(t *testing.T) {
	f := newFixture(t)
	f.store.SetBacklog(store.Backlog{Scope: "acme", Stages: map[store.Stage]int64{store.StageOCR: 1000}})

	res, err := f.est.Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res.Peak)
	assert.Zero(t, res.ProcessingDelay)
	assert.Zero(t, f.value(t, metrics.ProcessingDelay))
}

func TestRun_NoQuotaForcesZeroBacklog(t *testing.T) {
	f := newFixture(t)
	f.store.SetBacklog(store.Backlog{
		Scope: "free",
		Stages: map[store.Stage]int64{
			store.StageOCR: 10, store.StagePrediction: 11, store.StageControl: 12,
			store.StageClassification: 13, store.StagePDF: 14, store.StageExport: 15,
		},
		DocumentsInBacklog: 16,
		DocumentsInError:   17,
		NoQuota:            true,
	})
	f.store.SetBacklog(store.Backlog{
		Scope:              "paid",
		Stages:             map[store.Stage]int64{store.StageOCR: 10, store.StageExport: 3},
		DocumentsInBacklog: 4,
		DocumentsInError:   1,
	})

	_, err := f.est.Run(context.Background())
	require.NoError(t, err)

	for _, name := range []string{
		metrics.OCRBacklog, metrics.PredictionBacklog, metrics.ControlBacklog,
		metrics.ClassificationBacklog, metrics.PDFBacklog, metrics.ExportBacklog,
		metrics.DocumentsInBacklog, metrics.DocumentsInError,
	} {
		v, ok, err := f.reg.Value(name, "free")
		require.NoError(t, err)
		assert.True(t, ok, name)
		assert.Zero(t, v, name)
	}
	assert.Equal(t, 10.0, f.value(t, metrics.OCRBacklog, "paid"))
	assert.Equal(t, 3.0, f.value(t, metrics.ExportBacklog, "paid"))
	assert.Equal(t, 4.0, f.value(t, metrics.DocumentsInBacklog, "paid"))
	assert.Equal(t, 1.0, f.value(t, metrics.DocumentsInError, "paid"))
}

func TestRun_FailedScopeKeepsPreviousValues(t *testing.T) {
	f := newFixture(t)
	f.store.SetBacklog(store.Backlog{Scope: "acme", Stages: map[store.Stage]int64{store.StageOCR: 5}})
	f.store.SetBacklog(store.Backlog{Scope: "globex", Stages: map[store.Stage]int64{store.StageOCR: 1}})
	_, err := f.est.Run(context.Background())
	require.NoError(t, err)

	f.store.SetBacklog(store.Backlog{Scope: "acme", Stages: map[store.Stage]int64{store.StageOCR: 9}})
	f.store.SetBacklog(store.Backlog{Scope: "globex", Stages: map[store.Stage]int64{store.StageOCR: 2}})
	f.store.ScopeErrors["acme"] = store.ErrTimeout

	res, err := f.est.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrTimeout)
	assert.Equal(t, []string{"acme"}, res.FailedScopes)
	assert.Equal(t, 5.0, f.value(t, metrics.OCRBacklog, "acme"))
	assert.Equal(t, 2.0, f.value(t, metrics.OCRBacklog, "globex"))
	assert.Equal(t, 1.0, f.value(t, metrics.EstimatorFailures, StageBacklog))
}

func TestRun_ScopeDiscoveryFailureAbandonsCycle(t *testing.T) {
	f := newFixture(t)
	f.store.ListScopesErr = errors.New("connection refused")

	_, err := f.est.Run(context.Background())
	require.Error(t, err)
	assert.Zero(t, f.store.BacklogCalls())
	assert.Zero(t, f.store.UpsertCalls())
	assert.Equal(t, 1.0, f.value(t, metrics.EstimatorFailures, StageScopes))
}

func TestRun_OperationsFailureKeepsPreviousDelay(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, metrics.NewDirectClient(f.reg).Set(metrics.ProcessingDelay, 42))
	f.store.ListOperationsErr = errors.New("boom")

	res, err := f.est.Run(context.Background())
	require.Error(t, err)
	assert.False(t, res.DelayPublished)
	assert.Equal(t, 42.0, f.value(t, metrics.ProcessingDelay))
}

func TestRun_DeletesRowsOfInactiveScopes(t *testing.T) {
	f := newFixture(t)
	f.store.SetBacklog(store.Backlog{Scope: "acme"})
	f.store.SetBacklog(store.Backlog{Scope: "gone", Stages: map[store.Stage]int64{store.StageOCR: 3}})
	_, err := f.est.Run(context.Background())
	require.NoError(t, err)
	_, ok := f.store.Metric(metrics.OCRBacklog, "gone")
	require.True(t, ok)

	f.store.RemoveScope("gone")
	_, err = f.est.Run(context.Background())
	require.NoError(t, err)

	_, ok = f.store.Metric(metrics.OCRBacklog, "gone")
	assert.False(t, ok)
	_, ok = f.store.Metric(metrics.OCRBacklog, "acme")
	assert.True(t, ok)
	_, ok = f.store.Metric(metrics.ProcessingDelay, "")
	assert.True(t, ok)
}

func TestRun_FactoryDelay(t *testing.T) {
	f := newFixture(t)
	f.store.SetFactoryLastRun(testNow.Add(-90 * time.Second))

	res, err := f.est.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 90.0, res.FactoryDelay)
	assert.Equal(t, 90.0, f.value(t, metrics.FactoryLastUpdate))

	f.store.SetFactoryLastRun(testNow.Add(time.Minute))
	_, err = f.est.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, f.value(t, metrics.FactoryLastUpdate))
}

func TestRun_ModelGenerationOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started := testNow.Add(-time.Hour)
	ended := started.Add(90 * time.Second)
	ts := float64(ended.UnixMilli())

	require.NoError(t, f.store.RecordModelGeneration(ctx, store.ModelGeneration{
		Scope: "acme", Type: "aborted", Started: started, Ended: ended, Error: strPtr("abort"),
	}))
	require.NoError(t, f.store.RecordModelGeneration(ctx, store.ModelGeneration{
		Scope: "acme", Type: "broken", Started: started, Ended: ended, Error: strPtr("weird-string"),
	}))
	require.NoError(t, f.store.RecordModelGeneration(ctx, store.ModelGeneration{
		Scope: "acme", Type: "ok", Started: started, Ended: ended,
		CompressedSize: i64Ptr(1024), UncompressedSize: i64Ptr(4096),
	}))

	_, err := f.est.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, ts, f.value(t, metrics.ModelGenerationError, "acme", "aborted", "abort"))
	assert.Zero(t, f.value(t, metrics.ModelGenerationError, "acme", "aborted", "timeout"))
	assert.Zero(t, f.value(t, metrics.ModelGenerationError, "acme", "aborted", "failure"))

	assert.Zero(t, f.value(t, metrics.ModelGenerationError, "acme", "broken", "abort"))
	assert.Zero(t, f.value(t, metrics.ModelGenerationError, "acme", "broken", "timeout"))
	assert.Equal(t, ts, f.value(t, metrics.ModelGenerationError, "acme", "broken", "failure"))

	assert.Equal(t, ts, f.value(t, metrics.ModelGeneration, "acme", "ok"))
	assert.Equal(t, 90000.0, f.value(t, metrics.ModelGenerationDuration, "acme", "ok"))
	assert.Equal(t, 1024.0, f.value(t, metrics.ModelGenerationCompressedSize, "acme", "ok"))
	assert.Equal(t, 4096.0, f.value(t, metrics.ModelGenerationUncompressedSize, "acme", "ok"))
	for _, o := range []string{"abort", "timeout", "failure"} {
		assert.Zero(t, f.value(t, metrics.ModelGenerationError, "acme", "ok", o))
	}

	_, exists, err := f.reg.Value(metrics.ModelGeneration, "acme", "broken")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestClassifyGenerationError(t *testing.T) {
	assert.Equal(t, OutcomeNone, ClassifyGenerationError(nil))
	assert.Equal(t, OutcomeAbort, ClassifyGenerationError(strPtr("abort")))
	assert.Equal(t, OutcomeTimeout, ClassifyGenerationError(strPtr("timeout")))
	assert.Equal(t, OutcomeFailure, ClassifyGenerationError(strPtr("weird-string")))
	assert.Equal(t, OutcomeFailure, ClassifyGenerationError(strPtr("")))
	assert.Equal(t, "failure", OutcomeFailure.String())
}

func TestRestore_LoadsPersistedRows(t *testing.T) {
	ctx := context.Background()
	persisted := store.NewMockStore()
	require.NoError(t, persisted.UpsertMetrics(ctx, []store.MetricRow{
		{Name: metrics.OCRBacklog, Scope: "acme", Value: 7},
		{Name: metrics.ProcessingDelay, Scope: "", Value: 12},
		{Name: "sentrix_retired_metric", Scope: "acme", Value: 1},
	}))

	// A fresh process: new registry, no cycle has run.
	reg := metrics.NewRegistry()
	metrics.RegisterCatalog(reg)
	est := New(persisted, reg, Config{}, WithLogger(logging.Nop()))

	n, err := est.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	v, ok, err := reg.Value(metrics.OCRBacklog, "acme")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7.0, v)
	v, _, err = reg.Value(metrics.ProcessingDelay)
	require.NoError(t, err)
	assert.Equal(t, 12.0, v)
}

func TestRestore_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.store.ListMetricsErr = errors.New("down")

	_, err := f.est.Restore(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1.0, f.value(t, metrics.EstimatorFailures, StageRestore))
}

func TestRun_BoundedConcurrency(t *testing.T) {
	f := newFixture(t)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		f.store.SetBacklog(store.Backlog{Scope: s, Stages: map[store.Stage]int64{store.StageOCR: 1}})
	}

	res, err := f.est.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Scopes, 5)
	assert.Equal(t, 5, f.store.BacklogCalls())

	total, err := f.reg.Sum(metrics.OCRBacklog)
	require.NoError(t, err)
	assert.Equal(t, 5.0, total)
}
