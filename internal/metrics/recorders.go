package metrics

import (
	"strconv"
	"sync"

	"github.com/sentrix-io/sentrix/internal/logging"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// recorder is embedded by the typed recorders below. Metric mutations never
// fail the instrumented operation; failures are logged instead.
type recorder struct {
	client Client
	logger *logging.Logger
}

func newRecorder(client Client, logger *logging.Logger) recorder {
	if client == nil {
		client = NopClient{}
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return recorder{client: client, logger: logger}
}

func (r recorder) check(metric string, err error) {
	if err != nil {
		r.logger.Warnf("failed to record metric", map[string]any{
			"metric": metric,
			"error":  err,
		})
	}
}

// RequestMetrics records HTTP request metrics.
type RequestMetrics struct {
	recorder
	worker string
}

// NewRequestMetrics creates request metrics for the named worker.
func NewRequestMetrics(client Client, worker string, logger *logging.Logger) *RequestMetrics {
	return &RequestMetrics{recorder: newRecorder(client, logger), worker: worker}
}

// RecordRequest records one completed request.
// endpoint is the route pattern, not the raw path.
func (m *RequestMetrics) RecordRequest(method, endpoint string, status int, durationSeconds float64) {
	m.check(RequestDuration, m.client.Observe(RequestDuration, durationSeconds, method, endpoint))
	m.check(RequestCount, m.client.Inc(RequestCount, 1, method, endpoint, strconv.Itoa(status)))
}

// RequestStarted increments the worker's in-flight gauge.
func (m *RequestMetrics) RequestStarted() {
	m.check(InFlightRequests, m.client.Inc(InFlightRequests, 1, m.worker))
}

// RequestFinished decrements the worker's in-flight gauge.
func (m *RequestMetrics) RequestFinished() {
	m.check(InFlightRequests, m.client.Dec(InFlightRequests, 1, m.worker))
}

// RecordClassification counts a classification served with the given label.
func (m *RequestMetrics) RecordClassification(label string) {
	m.check(ClassificationResults, m.client.Inc(ClassificationResults, 1, label))
}

// RecordModelSize sets the in-memory size of the model serving scope.
func (m *RequestMetrics) RecordModelSize(scope string, bytes int64) {
	m.check(ModelSize, m.client.Set(ModelSize, float64(bytes), scope))
}

// StoreMetrics records durable store operation metrics.
type StoreMetrics struct {
	recorder

	mu            sync.Mutex
	emptyAcquires map[string]int64
}

// NewStoreMetrics creates store metrics.
func NewStoreMetrics(client Client, logger *logging.Logger) *StoreMetrics {
	return &StoreMetrics{recorder: newRecorder(client, logger), emptyAcquires: make(map[string]int64)}
}

// RecordPool publishes connection pool usage. emptyAcquires is the pool's
// cumulative count of acquires that had to wait; only its growth since the
// previous call is added to the exhaustion counter.
func (m *StoreMetrics) RecordPool(pool string, total, maxConns int32, emptyAcquires int64) {
	m.check(PoolSize, m.client.Set(PoolSize, float64(total), pool))
	m.check(PoolMaxSize, m.client.Set(PoolMaxSize, float64(maxConns), pool))

	m.mu.Lock()
	delta := emptyAcquires - m.emptyAcquires[pool]
	m.emptyAcquires[pool] = emptyAcquires
	m.mu.Unlock()
	if delta > 0 {
		m.check(PoolExhaustion, m.client.Inc(PoolExhaustion, float64(delta), pool))
	}
}

// RecordOperation records a store operation latency, and counts it as an
// error when success is false.
func (m *StoreMetrics) RecordOperation(operation string, durationSeconds float64, success bool) {
	m.check(StoreOperationSeconds, m.client.Observe(StoreOperationSeconds, durationSeconds, operation))
	if !success {
		m.check(StoreOperationErrors, m.client.Inc(StoreOperationErrors, 1, operation))
	}
}

// RelayMetrics records metrics about the update relay.
type RelayMetrics struct {
	recorder
	transport string
}

// NewRelayMetrics creates relay metrics for a transport ("socket", "kafka").
func NewRelayMetrics(client Client, transport string, logger *logging.Logger) *RelayMetrics {
	return &RelayMetrics{recorder: newRecorder(client, logger), transport: transport}
}

// ProducerConnected increments the connected producers gauge.
func (m *RelayMetrics) ProducerConnected() {
	m.check(RelayProducers, m.client.Inc(RelayProducers, 1))
}

// ProducerClosed decrements the connected producers gauge.
func (m *RelayMetrics) ProducerClosed() {
	m.check(RelayProducers, m.client.Dec(RelayProducers, 1))
}

// RecordFrame counts a frame received from a producer.
func (m *RelayMetrics) RecordFrame() {
	m.check(RelayFrames, m.client.Inc(RelayFrames, 1, m.transport))
}

// RecordDecodeError counts a frame that could not be decoded.
func (m *RelayMetrics) RecordDecodeError() {
	m.check(RelayDecodeErrors, m.client.Inc(RelayDecodeErrors, 1, m.transport))
}

// EstimatorMetrics records backlog estimator cycle metrics.
type EstimatorMetrics struct {
	recorder
}

// NewEstimatorMetrics creates estimator metrics.
func NewEstimatorMetrics(client Client, logger *logging.Logger) *EstimatorMetrics {
	return &EstimatorMetrics{recorder: newRecorder(client, logger)}
}

// RecordCycle records the duration of one estimator cycle.
func (m *EstimatorMetrics) RecordCycle(durationSeconds float64) {
	m.check(EstimatorCycleSeconds, m.client.Observe(EstimatorCycleSeconds, durationSeconds))
}

// RecordFailure counts a failed estimator stage.
func (m *EstimatorMetrics) RecordFailure(stage string) {
	m.check(EstimatorFailures, m.client.Inc(EstimatorFailures, 1, stage))
}
