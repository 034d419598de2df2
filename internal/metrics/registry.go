package metrics

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Kind is the type of a registered metric.
type Kind int

const (
	KindCounter Kind = iota
	KindGauge
	KindHistogram
	KindSummary
)

func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	case KindHistogram:
		return "histogram"
	case KindSummary:
		return "summary"
	default:
		return "unknown"
	}
}

func (k Kind) metricType() dto.MetricType {
	switch k {
	case KindCounter:
		return dto.MetricType_COUNTER
	case KindGauge:
		return dto.MetricType_GAUGE
	case KindHistogram:
		return dto.MetricType_HISTOGRAM
	case KindSummary:
		return dto.MetricType_SUMMARY
	default:
		return dto.MetricType_UNTYPED
	}
}

// Errors returned by Registry and Schema operations.
var (
	// ErrDuplicateMetric is returned when a name is registered twice.
	ErrDuplicateMetric = errors.New("metrics: duplicate metric")

	// ErrUnknownMetric is returned when a name was never registered.
	ErrUnknownMetric = errors.New("metrics: unknown metric")

	// ErrInvalidDefinition is returned for malformed definitions.
	ErrInvalidDefinition = errors.New("metrics: invalid definition")

	// ErrLabelArity is returned when the number of label values does not
	// match the metric's label names.
	ErrLabelArity = errors.New("metrics: label arity mismatch")

	// ErrInvalidOperation is returned when an operation does not apply to
	// the metric's kind.
	ErrInvalidOperation = errors.New("metrics: invalid operation for metric kind")
)

// DefaultBuckets are the request-duration buckets, in seconds. +Inf is implicit.
var DefaultBuckets = []float64{
	.005, .01, .025, .05, .075, .1, .25, .5, .75, 1, 1.5, 2, 2.5, 3, 4, 5, 6, 7, 8, 9, 10, 12,
	15, 18, 20, 30, 60, 120,
}

// DefaultObjectives are the quantiles tracked by summaries without explicit objectives.
var DefaultObjectives = map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001}

// Definition describes a metric. It is fixed at registration.
type Definition struct {
	Name       string
	Help       string
	Kind       Kind
	LabelNames []string
	// Buckets are strictly ascending upper bounds (histograms only). A
	// trailing +Inf is accepted; the +Inf bucket always exists.
	Buckets []float64
	// Objectives are summary quantiles (summaries only).
	Objectives map[float64]float64
}

func (d Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDefinition)
	}
	switch d.Kind {
	case KindCounter, KindGauge, KindSummary:
		if len(d.Buckets) > 0 {
			return fmt.Errorf("%w: %s: buckets on a %s", ErrInvalidDefinition, d.Name, d.Kind)
		}
	case KindHistogram:
		for i := 1; i < len(d.Buckets); i++ {
			if d.Buckets[i] <= d.Buckets[i-1] {
				return fmt.Errorf("%w: %s: buckets not strictly ascending", ErrInvalidDefinition, d.Name)
			}
		}
		for i, b := range d.Buckets {
			if math.IsInf(b, 1) && i != len(d.Buckets)-1 {
				return fmt.Errorf("%w: %s: +Inf must be the last bucket", ErrInvalidDefinition, d.Name)
			}
		}
	default:
		return fmt.Errorf("%w: %s: unknown kind %d", ErrInvalidDefinition, d.Name, d.Kind)
	}
	seen := make(map[string]struct{}, len(d.LabelNames))
	for _, l := range d.LabelNames {
		if l == "" {
			return fmt.Errorf("%w: %s: empty label name", ErrInvalidDefinition, d.Name)
		}
		if _, dup := seen[l]; dup {
			return fmt.Errorf("%w: %s: duplicate label %q", ErrInvalidDefinition, d.Name, l)
		}
		seen[l] = struct{}{}
	}
	return nil
}

// Schema is an immutable set of definitions. It validates updates without
// holding any metric state, so worker processes can check their own calls.
type Schema struct {
	defs map[string]Definition
}

// NewSchema builds a schema. It fails on invalid or duplicate definitions.
func NewSchema(defs ...Definition) (*Schema, error) {
	s := &Schema{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, ok := s.defs[d.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMetric, d.Name)
		}
		s.defs[d.Name] = d
	}
	return s, nil
}

// Definition returns the definition registered under name.
func (s *Schema) Definition(name string) (Definition, error) {
	d, ok := s.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	return d, nil
}

// Validate checks that u names a known metric, has the right arity, and
// uses an operation the metric's kind supports.
func (s *Schema) Validate(u Update) error {
	d, err := s.Definition(u.Name)
	if err != nil {
		return err
	}
	return checkUpdate(d, u)
}

func checkUpdate(d Definition, u Update) error {
	if len(u.LabelValues) != len(d.LabelNames) {
		return fmt.Errorf("%w: %s wants %d label values, got %d",
			ErrLabelArity, d.Name, len(d.LabelNames), len(u.LabelValues))
	}
	ok := false
	switch u.Op {
	case OpSet, OpDec:
		ok = d.Kind == KindGauge
	case OpInc:
		ok = d.Kind == KindGauge || (d.Kind == KindCounter && u.Value >= 0)
	case OpObserve:
		ok = d.Kind == KindHistogram || d.Kind == KindSummary
	}
	if !ok {
		return fmt.Errorf("%w: %s %s(%g)", ErrInvalidOperation, d.Kind, u.Op, u.Value)
	}
	return nil
}

type entry struct {
	def       Definition
	counter   *prometheus.CounterVec
	gauge     *prometheus.GaugeVec
	histogram *prometheus.HistogramVec
	summary   *prometheus.SummaryVec
}

func (e *entry) collector() prometheus.Collector {
	switch e.def.Kind {
	case KindCounter:
		return e.counter
	case KindGauge:
		return e.gauge
	case KindHistogram:
		return e.histogram
	default:
		return e.summary
	}
}

// Registry is the authoritative store of named metrics. Exactly one process
// owns it; other processes reach it through a RemoteClient.
//
// Mutations are serialised by an internal lock, so the live state never
// sees concurrent writers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	prom    *prometheus.Registry

	applyMu sync.Mutex
}

// NewRegistry creates an empty registry backed by a private Prometheus registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		prom:    prometheus.NewRegistry(),
	}
}

// Register adds a metric definition. Registering a name twice returns
// ErrDuplicateMetric.
func (r *Registry) Register(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	def.LabelNames = append([]string(nil), def.LabelNames...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMetric, def.Name)
	}

	e := &entry{def: def}
	switch def.Kind {
	case KindCounter:
		e.counter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: def.Name, Help: def.Help}, def.LabelNames)
	case KindGauge:
		e.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: def.Name, Help: def.Help}, def.LabelNames)
	case KindHistogram:
		buckets := def.Buckets
		if len(buckets) == 0 {
			buckets = DefaultBuckets
		}
		e.histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    def.Name,
			Help:    def.Help,
			Buckets: append([]float64(nil), buckets...),
		}, def.LabelNames)
	case KindSummary:
		objectives := def.Objectives
		if objectives == nil {
			objectives = DefaultObjectives
		}
		e.summary = prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       def.Name,
			Help:       def.Help,
			Objectives: objectives,
		}, def.LabelNames)
	}

	if err := r.prom.Register(e.collector()); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, def.Name, err)
	}

	// Label-less metrics are exposed from the start, even with no observations.
	if len(def.LabelNames) == 0 {
		switch def.Kind {
		case KindCounter:
			e.counter.WithLabelValues()
		case KindGauge:
			e.gauge.WithLabelValues()
		case KindHistogram:
			e.histogram.WithLabelValues()
		case KindSummary:
			e.summary.WithLabelValues()
		}
	}

	r.entries[def.Name] = e
	return nil
}

// MustRegister registers every definition and panics on the first error.
// Registration problems are startup defects.
func (r *Registry) MustRegister(defs ...Definition) {
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

// Definition returns the definition registered under name.
func (r *Registry) Definition(name string) (Definition, error) {
	e, err := r.lookup(name)
	if err != nil {
		return Definition{}, err
	}
	return e.def, nil
}

// Names returns the registered metric names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Schema returns a snapshot of the registered definitions.
func (r *Registry) Schema() *Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := &Schema{defs: make(map[string]Definition, len(r.entries))}
	for n, e := range r.entries {
		s.defs[n] = e.def
	}
	return s
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	return e, nil
}

// Apply validates u and applies it to the live metric state.
func (r *Registry) Apply(u Update) error {
	e, err := r.lookup(u.Name)
	if err != nil {
		return err
	}
	if err := checkUpdate(e.def, u); err != nil {
		return err
	}

	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	switch u.Op {
	case OpSet:
		g, err := e.gauge.GetMetricWithLabelValues(u.LabelValues...)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLabelArity, err)
		}
		g.Set(u.Value)
	case OpInc:
		if e.def.Kind == KindCounter {
			c, err := e.counter.GetMetricWithLabelValues(u.LabelValues...)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrLabelArity, err)
			}
			c.Add(u.Value)
			return nil
		}
		g, err := e.gauge.GetMetricWithLabelValues(u.LabelValues...)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLabelArity, err)
		}
		g.Add(u.Value)
	case OpDec:
		g, err := e.gauge.GetMetricWithLabelValues(u.LabelValues...)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLabelArity, err)
		}
		g.Sub(u.Value)
	case OpObserve:
		var o prometheus.Observer
		if e.def.Kind == KindHistogram {
			o, err = e.histogram.GetMetricWithLabelValues(u.LabelValues...)
		} else {
			o, err = e.summary.GetMetricWithLabelValues(u.LabelValues...)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLabelArity, err)
		}
		o.Observe(u.Value)
	default:
		return fmt.Errorf("%w: op %d", ErrInvalidOperation, u.Op)
	}
	return nil
}

// Value returns the current value of a counter or gauge sample. The bool is
// false when no sample exists yet for the label values.
func (r *Registry) Value(name string, labelValues ...string) (float64, bool, error) {
	e, err := r.lookup(name)
	if err != nil {
		return 0, false, err
	}
	if len(labelValues) != len(e.def.LabelNames) {
		return 0, false, fmt.Errorf("%w: %s wants %d label values, got %d",
			ErrLabelArity, name, len(e.def.LabelNames), len(labelValues))
	}
	m, err := r.sample(e, labelValues)
	if err != nil || m == nil {
		return 0, false, err
	}
	switch e.def.Kind {
	case KindCounter:
		return m.GetCounter().GetValue(), true, nil
	case KindGauge:
		return m.GetGauge().GetValue(), true, nil
	default:
		return 0, false, fmt.Errorf("%w: value of a %s", ErrInvalidOperation, e.def.Kind)
	}
}

// Sum returns the sum of a counter or gauge across all label values.
func (r *Registry) Sum(name string) (float64, error) {
	e, err := r.lookup(name)
	if err != nil {
		return 0, err
	}
	if e.def.Kind != KindCounter && e.def.Kind != KindGauge {
		return 0, fmt.Errorf("%w: sum of a %s", ErrInvalidOperation, e.def.Kind)
	}
	ms, err := r.samples(e)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, m := range ms {
		if e.def.Kind == KindCounter {
			total += m.GetCounter().GetValue()
		} else {
			total += m.GetGauge().GetValue()
		}
	}
	return total, nil
}

// Gatherer exposes the registry for the /metrics endpoint.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.prom
}

// Gather returns every metric family in name order. Registered metrics
// with no samples yet, such as a labelled gauge nobody has set, come back as
// families without Metric entries so that they can still be exposed.
func (r *Registry) Gather() ([]*dto.MetricFamily, error) {
	mfs, err := r.prom.Gather()
	seen := make(map[string]bool, len(mfs))
	for _, mf := range mfs {
		seen[mf.GetName()] = true
	}

	r.mu.RLock()
	for name, e := range r.entries {
		if seen[name] {
			continue
		}
		help := e.def.Help
		mfs = append(mfs, &dto.MetricFamily{
			Name: &name,
			Help: &help,
			Type: e.def.Kind.metricType().Enum(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(mfs, func(i, j int) bool { return mfs[i].GetName() < mfs[j].GetName() })
	return mfs, err
}

// Registerer accepts extra collectors (Go runtime, process) that are
// exported alongside the registered metrics.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.prom
}

func (r *Registry) samples(e *entry) ([]*dto.Metric, error) {
	ch := make(chan prometheus.Metric, 16)
	go func() {
		e.collector().Collect(ch)
		close(ch)
	}()
	var out []*dto.Metric
	var firstErr error
	for pm := range ch {
		m := &dto.Metric{}
		if err := pm.Write(m); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, m)
	}
	return out, firstErr
}

func (r *Registry) sample(e *entry, labelValues []string) (*dto.Metric, error) {
	ms, err := r.samples(e)
	if err != nil {
		return nil, err
	}
	want := make(map[string]string, len(labelValues))
	for i, n := range e.def.LabelNames {
		want[n] = labelValues[i]
	}
	for _, m := range ms {
		if labelsMatch(m.GetLabel(), want) {
			return m, nil
		}
	}
	return nil, nil
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}
