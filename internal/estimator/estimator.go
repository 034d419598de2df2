// Package estimator computes backlog gauges and the processing delay from
// the durable store, and persists the published values so a restarted
// process exposes them before its first cycle completes.
package estimator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/sentrix-io/sentrix/internal/logging"
	"github.com/sentrix-io/sentrix/internal/metrics"
	"github.com/sentrix-io/sentrix/internal/store"
)

// Failure stages recorded on sentrix_estimator_failures_total.
const (
	StageScopes      = "scopes"
	StageFactory     = "factory"
	StageBacklog     = "backlog"
	StageOperations  = "operations"
	StageGenerations = "generations"
	StagePersist     = "persist"
	StageRestore     = "restore"
)

// Config configures an Estimator.
type Config struct {
	// Window is the trailing history used for throughput. Default 72h.
	Window time.Duration
	// BucketWidth is the throughput bucket size. Default 5m.
	BucketWidth time.Duration
	// MaxWorkers caps concurrent per-scope queries. Zero means one per scope.
	MaxWorkers int
}

// DefaultConfig returns the default estimator configuration.
func DefaultConfig() Config {
	return Config{
		Window:      72 * time.Hour,
		BucketWidth: 5 * time.Minute,
		MaxWorkers:  8,
	}
}

// backlogGauges maps stages onto their per-scope gauge.
var backlogGauges = map[store.Stage]string{
	store.StageOCR:            metrics.OCRBacklog,
	store.StagePrediction:     metrics.PredictionBacklog,
	store.StageControl:        metrics.ControlBacklog,
	store.StageClassification: metrics.ClassificationBacklog,
	store.StagePDF:            metrics.PDFBacklog,
	store.StageExport:         metrics.ExportBacklog,
}

// Result summarizes one estimator cycle.
type Result struct {
	Scopes       []string
	FailedScopes []string
	// Peak is nil when no operation fell in the window.
	Peak            *BucketRate
	Durations       map[store.Stage]float64
	ProcessingDelay float64
	// DelayPublished is false when the operations query failed and the
	// previous delay was kept.
	DelayPublished bool
	FactoryDelay   float64
	Persisted      int
}

// Estimator runs estimation cycles against a Store and publishes into the
// Registry. Cycles are serialized.
type Estimator struct {
	store  store.Store
	reg    *metrics.Registry
	client metrics.Client
	self   *metrics.EstimatorMetrics
	cfg    Config
	clock  clock.Clock
	logger *logging.Logger

	runMu sync.Mutex
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithClock sets the clock. Tests use clock.NewMock().
func WithClock(c clock.Clock) Option {
	return func(e *Estimator) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Estimator) { e.logger = l }
}

// New creates an estimator. reg must have the catalog registered.
func New(st store.Store, reg *metrics.Registry, cfg Config, opts ...Option) *Estimator {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BucketWidth <= 0 {
		cfg.BucketWidth = def.BucketWidth
	}
	e := &Estimator{
		store:  st,
		reg:    reg,
		client: metrics.NewDirectClient(reg),
		cfg:    cfg,
		clock:  clock.New(),
		logger: logging.DefaultLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.self = metrics.NewEstimatorMetrics(e.client, e.logger)
	return e
}

// publisher sets gauges and remembers the persistable rows.
type publisher struct {
	client metrics.Client
	rows   []store.MetricRow
	errs   []error
}

func (p *publisher) set(name, scope string, v float64) {
	var err error
	if scope == "" {
		err = p.client.Set(name, v)
	} else {
		err = p.client.Set(name, v, scope)
	}
	if err != nil {
		p.errs = append(p.errs, err)
		return
	}
	p.rows = append(p.rows, store.MetricRow{Name: name, Scope: scope, Value: v})
}

type scopeResult struct {
	backlog store.Backlog
	err     error
}

// Run executes one cycle. A scope discovery failure abandons the cycle.
// Other failures are logged and skipped, leaving the affected metrics at
// their previous values; they are returned combined with the result.
func (e *Estimator) Run(ctx context.Context) (Result, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	start := e.clock.Now()
	defer func() {
		e.self.RecordCycle(e.clock.Since(start).Seconds())
	}()

	scopes, err := e.store.ListScopes(ctx)
	if err != nil {
		e.self.RecordFailure(StageScopes)
		e.logger.Errorf("estimator cycle abandoned", map[string]any{"error": err})
		return Result{}, fmt.Errorf("estimator: list scopes: %w", err)
	}

	res := Result{Scopes: scopes}
	pub := &publisher{client: e.client}
	var errs error

	if err := e.publishFactoryDelay(ctx, pub, &res); err != nil {
		e.self.RecordFailure(StageFactory)
		e.logger.Warnf("failed to read factory status", map[string]any{"error": err})
		errs = multierr.Append(errs, err)
	}

	for i, r := range e.fetchBacklogs(ctx, scopes) {
		if r.err != nil {
			e.self.RecordFailure(StageBacklog)
			e.logger.Warnf("failed to compute scope backlog", map[string]any{
				"scope": scopes[i],
				"error": r.err,
			})
			res.FailedScopes = append(res.FailedScopes, scopes[i])
			errs = multierr.Append(errs, r.err)
			continue
		}
		publishBacklog(pub, scopes[i], r.backlog)
	}

	if err := e.publishDelay(ctx, pub, scopes, &res); err != nil {
		e.self.RecordFailure(StageOperations)
		e.logger.Warnf("failed to compute processing delay", map[string]any{"error": err})
		errs = multierr.Append(errs, err)
	}

	if err := e.publishGenerations(ctx); err != nil {
		e.self.RecordFailure(StageGenerations)
		e.logger.Warnf("failed to publish model generations", map[string]any{"error": err})
		errs = multierr.Append(errs, err)
	}

	if len(pub.errs) > 0 {
		errs = multierr.Append(errs, combine(pub.errs))
	}

	if err := e.persist(ctx, pub.rows, scopes); err != nil {
		e.self.RecordFailure(StagePersist)
		e.logger.Warnf("failed to persist metrics", map[string]any{"error": err})
		errs = multierr.Append(errs, err)
	} else {
		res.Persisted = len(pub.rows)
	}

	e.logger.Debugf("estimator cycle complete", map[string]any{
		"scopes":          len(scopes),
		"failedScopes":    len(res.FailedScopes),
		"processingDelay": res.ProcessingDelay,
		"durationMs":      e.clock.Since(start).Milliseconds(),
	})
	return res, errs
}

func (e *Estimator) publishFactoryDelay(ctx context.Context, pub *publisher, res *Result) error {
	last, ok, err := e.store.FactoryLastRun(ctx)
	if err != nil {
		return fmt.Errorf("estimator: factory status: %w", err)
	}
	if !ok {
		return nil
	}
	delay := e.clock.Now().Sub(last).Seconds()
	if delay < 0 {
		delay = 0
	}
	res.FactoryDelay = delay
	pub.set(metrics.FactoryLastUpdate, "", delay)
	return nil
}

// fetchBacklogs queries every scope on a bounded pool and returns results in
// scope order once all queries have completed.
func (e *Estimator) fetchBacklogs(ctx context.Context, scopes []string) []scopeResult {
	results := make([]scopeResult, len(scopes))
	if len(scopes) == 0 {
		return results
	}
	limit := len(scopes)
	if e.cfg.MaxWorkers > 0 && e.cfg.MaxWorkers < limit {
		limit = e.cfg.MaxWorkers
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, scope := range scopes {
		g.Go(func() error {
			b, err := e.store.ScopeBacklog(ctx, scope)
			results[i] = scopeResult{backlog: b, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// publishBacklog sets the eight per-scope gauges. A scope without quota
// publishes 0 everywhere.
func publishBacklog(pub *publisher, scope string, b store.Backlog) {
	value := func(v int64) float64 {
		if b.NoQuota {
			return 0
		}
		return float64(v)
	}
	for _, stage := range store.Stages {
		pub.set(backlogGauges[stage], scope, value(b.Stages[stage]))
	}
	pub.set(metrics.DocumentsInBacklog, scope, value(b.DocumentsInBacklog))
	pub.set(metrics.DocumentsInError, scope, value(b.DocumentsInError))
}

// currentBacklog sums the registry's per-scope backlog gauges over scopes.
// Scopes whose query failed this cycle contribute their last known value.
func (e *Estimator) currentBacklog(scopes []string) (map[store.Stage]float64, error) {
	out := make(map[store.Stage]float64, len(RateKinds))
	for _, kind := range RateKinds {
		for _, scope := range scopes {
			v, _, err := e.reg.Value(backlogGauges[kind], scope)
			if err != nil {
				return nil, err
			}
			out[kind] += v
		}
	}
	return out, nil
}

func (e *Estimator) publishDelay(ctx context.Context, pub *publisher, scopes []string, res *Result) error {
	now := e.clock.Now()
	since := now.Add(-e.cfg.Window - e.cfg.BucketWidth)
	ops, err := e.store.ListOperations(ctx, since)
	if err != nil {
		return fmt.Errorf("estimator: list operations: %w", err)
	}

	buckets, found := ComputeRates(ops, now, e.cfg.Window, e.cfg.BucketWidth)
	delay := 0.0
	if found {
		peak, _ := PeakBucket(buckets)
		backlog, err := e.currentBacklog(scopes)
		if err != nil {
			return fmt.Errorf("estimator: read backlog: %w", err)
		}
		res.Peak = &peak
		res.Durations = ExpectedDurations(peak.Rates, backlog)
		delay = ProcessingDelay(res.Durations)
	}
	res.ProcessingDelay = delay
	res.DelayPublished = true
	pub.set(metrics.ProcessingDelay, "", delay)
	return nil
}

func (e *Estimator) publishGenerations(ctx context.Context) error {
	gens, err := e.store.ListModelGenerations(ctx)
	if err != nil {
		return fmt.Errorf("estimator: list model generations: %w", err)
	}
	var errs []error
	for _, g := range gens {
		errs = append(errs, publishGeneration(e.client, g))
	}
	return combine(errs)
}

func (e *Estimator) persist(ctx context.Context, rows []store.MetricRow, scopes []string) error {
	if err := e.store.UpsertMetrics(ctx, rows); err != nil {
		return fmt.Errorf("estimator: upsert metrics: %w", err)
	}
	if err := e.store.DeleteMetricsExcept(ctx, scopes); err != nil {
		return fmt.Errorf("estimator: delete stale metrics: %w", err)
	}
	return nil
}

// Restore loads persisted rows into the Registry. A row with an empty scope
// sets a label-less metric; other rows set the metric's scope label. Rows
// that do not match a registered gauge are skipped with a warning.
// It returns the number of rows restored.
func (e *Estimator) Restore(ctx context.Context) (int, error) {
	rows, err := e.store.ListMetrics(ctx)
	if err != nil {
		e.self.RecordFailure(StageRestore)
		return 0, fmt.Errorf("estimator: restore: %w", err)
	}
	restored := 0
	for _, r := range rows {
		var err error
		if r.Scope == "" {
			err = e.client.Set(r.Name, r.Value)
		} else {
			err = e.client.Set(r.Name, r.Value, r.Scope)
		}
		if err != nil {
			e.logger.Warnf("skipping persisted metric", map[string]any{
				"metric": r.Name,
				"scope":  r.Scope,
				"error":  err,
			})
			continue
		}
		restored++
	}
	e.logger.Infof("restored persisted metrics", map[string]any{"rows": restored, "skipped": len(rows) - restored})
	return restored, nil
}

func combine(errs []error) error {
	return multierr.Combine(errs...)
}
