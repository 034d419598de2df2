package metrics

import (
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, defs ...Definition) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, d := range defs {
		require.NoError(t, reg.Register(d))
	}
	return reg
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	reg := newTestRegistry(t, Definition{Name: "jobs", Kind: KindCounter})

	err := reg.Register(Definition{Name: "jobs", Kind: KindGauge})
	assert.ErrorIs(t, err, ErrDuplicateMetric)
}

func TestRegistry_MustRegisterPanicsOnDuplicate(t *testing.T) {
	reg := NewRegistry()
	assert.Panics(t, func() {
		reg.MustRegister(
			Definition{Name: "jobs", Kind: KindCounter},
			Definition{Name: "jobs", Kind: KindCounter},
		)
	})
}

func TestRegistry_RegisterInvalid(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
	}{
		{"empty name", Definition{Kind: KindGauge}},
		{"unknown kind", Definition{Name: "x", Kind: Kind(42)}},
		{"descending buckets", Definition{Name: "x", Kind: KindHistogram, Buckets: []float64{5, 1}}},
		{"inf not last", Definition{Name: "x", Kind: KindHistogram, Buckets: []float64{1, math.Inf(1), 5}}},
		{"buckets on gauge", Definition{Name: "x", Kind: KindGauge, Buckets: []float64{1}}},
		{"duplicate label", Definition{Name: "x", Kind: KindGauge, LabelNames: []string{"a", "a"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := NewRegistry().Register(tc.def)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}

func TestRegistry_UnknownMetric(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Definition("missing")
	assert.ErrorIs(t, err, ErrUnknownMetric)

	err = reg.Apply(Update{Name: "missing", Op: OpInc, Value: 1})
	assert.ErrorIs(t, err, ErrUnknownMetric)

	_, _, err = reg.Value("missing")
	assert.ErrorIs(t, err, ErrUnknownMetric)
}

func TestRegistry_LabelArity(t *testing.T) {
	reg := newTestRegistry(t, Definition{Name: "backlog", Kind: KindGauge, LabelNames: []string{"scope"}})

	err := reg.Apply(Update{Name: "backlog", Op: OpSet, Value: 1})
	assert.ErrorIs(t, err, ErrLabelArity)

	err = reg.Apply(Update{Name: "backlog", Op: OpSet, Value: 1, LabelValues: []string{"a", "b"}})
	assert.ErrorIs(t, err, ErrLabelArity)
}

func TestRegistry_InvalidOperations(t *testing.T) {
	reg := newTestRegistry(t,
		Definition{Name: "c", Kind: KindCounter},
		Definition{Name: "g", Kind: KindGauge},
		Definition{Name: "h", Kind: KindHistogram},
		Definition{Name: "s", Kind: KindSummary},
	)

	tests := []Update{
		{Name: "c", Op: OpSet, Value: 1},
		{Name: "c", Op: OpDec, Value: 1},
		{Name: "c", Op: OpInc, Value: -1},
		{Name: "c", Op: OpObserve, Value: 1},
		{Name: "g", Op: OpObserve, Value: 1},
		{Name: "h", Op: OpInc, Value: 1},
		{Name: "s", Op: OpSet, Value: 1},
		{Name: "g", Op: Op(99), Value: 1},
	}
	for _, u := range tests {
		t.Run(u.Name+"_"+u.Op.String(), func(t *testing.T) {
			assert.ErrorIs(t, reg.Apply(u), ErrInvalidOperation)
		})
	}
}

func TestRegistry_CounterAndGauge(t *testing.T) {
	reg := newTestRegistry(t,
		Definition{Name: "pages", Kind: KindCounter, LabelNames: []string{"scope"}},
		Definition{Name: "backlog", Kind: KindGauge, LabelNames: []string{"scope"}},
	)

	require.NoError(t, reg.Apply(Update{Name: "pages", LabelValues: []string{"acme"}, Op: OpInc, Value: 3}))
	require.NoError(t, reg.Apply(Update{Name: "pages", LabelValues: []string{"acme"}, Op: OpInc, Value: 2}))
	require.NoError(t, reg.Apply(Update{Name: "backlog", LabelValues: []string{"acme"}, Op: OpSet, Value: 10}))
	require.NoError(t, reg.Apply(Update{Name: "backlog", LabelValues: []string{"acme"}, Op: OpDec, Value: 4}))
	require.NoError(t, reg.Apply(Update{Name: "backlog", LabelValues: []string{"beta"}, Op: OpInc, Value: 1}))

	v, ok, err := reg.Value("pages", "acme")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5.0, v)

	v, ok, err = reg.Value("backlog", "acme")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 6.0, v)

	_, ok, err = reg.Value("backlog", "unknown-scope")
	require.NoError(t, err)
	assert.False(t, ok)

	sum, err := reg.Sum("backlog")
	require.NoError(t, err)
	assert.Equal(t, 7.0, sum)
}

func TestRegistry_HistogramBuckets(t *testing.T) {
	reg := newTestRegistry(t, Definition{
		Name:    "latency",
		Kind:    KindHistogram,
		Buckets: []float64{1, 5, 10, math.Inf(1)},
	})

	require.NoError(t, reg.Apply(Update{Name: "latency", Op: OpObserve, Value: 3}))

	e, err := reg.lookup("latency")
	require.NoError(t, err)
	m, err := reg.sample(e, nil)
	require.NoError(t, err)
	require.NotNil(t, m)

	h := m.GetHistogram()
	assert.Equal(t, uint64(1), h.GetSampleCount())
	assert.Equal(t, 3.0, h.GetSampleSum())

	counts := map[float64]uint64{}
	for _, b := range h.GetBucket() {
		counts[b.GetUpperBound()] = b.GetCumulativeCount()
	}
	assert.Equal(t, uint64(0), counts[1])
	assert.Equal(t, uint64(1), counts[5])
	assert.Equal(t, uint64(1), counts[10])
	// The +Inf bucket is the sample count.
	assert.NotContains(t, counts, math.Inf(1))
}

func TestRegistry_Summary(t *testing.T) {
	reg := newTestRegistry(t, Definition{Name: "wait", Kind: KindSummary, LabelNames: []string{"pool"}})

	for _, v := range []float64{0.1, 0.2, 0.3} {
		require.NoError(t, reg.Apply(Update{Name: "wait", LabelValues: []string{"ro"}, Op: OpObserve, Value: v}))
	}

	e, err := reg.lookup("wait")
	require.NoError(t, err)
	m, err := reg.sample(e, []string{"ro"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), m.GetSummary().GetSampleCount())
	assert.InDelta(t, 0.6, m.GetSummary().GetSampleSum(), 1e-9)
}

func TestRegistry_LabelLessMetricsExposedAtZero(t *testing.T) {
	reg := newTestRegistry(t,
		Definition{Name: "delay", Help: "delay", Kind: KindGauge},
		Definition{Name: "restarts", Help: "restarts", Kind: KindCounter},
	)

	n, err := testutil.GatherAndCount(reg.Gatherer())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	v, ok, err := reg.Value("delay")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0.0, v)
}

func TestRegistry_GatherIncludesUnsetLabelledMetrics(t *testing.T) {
	reg := newTestRegistry(t,
		Definition{Name: "backlog", Help: "backlog", Kind: KindGauge, LabelNames: []string{"scope"}},
		Definition{Name: "delay", Help: "delay", Kind: KindGauge},
	)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, mfs, 2)
	assert.Equal(t, "backlog", mfs[0].GetName())
	assert.Equal(t, dto.MetricType_GAUGE, mfs[0].GetType())
	assert.Empty(t, mfs[0].GetMetric())
	assert.Equal(t, "delay", mfs[1].GetName())
	assert.Len(t, mfs[1].GetMetric(), 1)

	require.NoError(t, reg.Apply(Update{Name: "backlog", LabelValues: []string{"acme"}, Op: OpSet, Value: 4}))
	mfs, err = reg.Gather()
	require.NoError(t, err)
	require.Len(t, mfs, 2)
	assert.Len(t, mfs[0].GetMetric(), 1)
}

func TestRegistry_CatalogRegisters(t *testing.T) {
	reg := NewRegistry()
	RegisterCatalog(reg)

	names := reg.Names()
	assert.Contains(t, names, OCRBacklog)
	assert.Contains(t, names, ProcessingDelay)
	assert.Len(t, names, len(Catalog()))

	d, err := reg.Definition(ModelGenerationError)
	require.NoError(t, err)
	assert.Equal(t, []string{"scope", "type", "error"}, d.LabelNames)
}

func TestSchema_Validate(t *testing.T) {
	s, err := NewSchema(Definition{Name: "backlog", Kind: KindGauge, LabelNames: []string{"scope"}})
	require.NoError(t, err)

	assert.NoError(t, s.Validate(Update{Name: "backlog", LabelValues: []string{"a"}, Op: OpSet, Value: 1}))
	assert.ErrorIs(t, s.Validate(Update{Name: "nope", Op: OpSet}), ErrUnknownMetric)
	assert.ErrorIs(t, s.Validate(Update{Name: "backlog", Op: OpSet}), ErrLabelArity)
	assert.ErrorIs(t, s.Validate(Update{Name: "backlog", LabelValues: []string{"a"}, Op: OpObserve}), ErrInvalidOperation)

	_, err = NewSchema(Definition{Name: "x", Kind: KindGauge}, Definition{Name: "x", Kind: KindGauge})
	assert.ErrorIs(t, err, ErrDuplicateMetric)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "counter", KindCounter.String())
	assert.Equal(t, "gauge", KindGauge.String())
	assert.Equal(t, "histogram", KindHistogram.String())
	assert.Equal(t, "summary", KindSummary.String())
	assert.Equal(t, "unknown", Kind(9).String())
}
