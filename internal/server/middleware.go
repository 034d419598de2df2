package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sentrix-io/sentrix/internal/logging"
	"github.com/sentrix-io/sentrix/internal/metrics"
)

// CorrelationHeader carries the request correlation id in both directions.
const CorrelationHeader = "X-Correlation-Id"

// unmatchedEndpoint labels requests no route matched. The API's catch-all
// "/" pattern counts as unmatched.
const unmatchedEndpoint = "unmatched"

// Middleware tracks every request in the ledger, tags it with a correlation
// id and records request metrics.
type Middleware struct {
	ledger  *Ledger
	metrics *metrics.RequestMetrics
	worker  string
	logger  *logging.Logger
}

// NewMiddleware creates a Middleware. A nil m disables request metrics.
func NewMiddleware(ledger *Ledger, m *metrics.RequestMetrics, worker string, logger *logging.Logger) *Middleware {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	if m == nil {
		m = metrics.NewRequestMetrics(nil, worker, logger)
	}
	return &Middleware{ledger: ledger, metrics: m, worker: worker, logger: logger}
}

// Wrap returns next instrumented by the middleware.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.ledger.OnStart()
		defer m.ledger.OnFinish()
		m.metrics.RequestStarted()
		defer m.metrics.RequestFinished()

		started := time.Now()
		id := r.Header.Get(CorrelationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(CorrelationHeader, id)

		ctx := logging.WithCorrelationIDCtx(r.Context(), id)
		ctx = WithRequestInfo(ctx, RequestInfo{CorrelationID: id, Worker: m.worker, Started: started})
		r = r.WithContext(ctx)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		endpoint := routeEndpoint(r.Pattern)
		m.metrics.RecordRequest(r.Method, endpoint, sw.status, time.Since(started).Seconds())
		logging.ContextLogger(ctx, m.logger).Debugf("request served", map[string]any{
			"method":   r.Method,
			"endpoint": endpoint,
			"status":   sw.status,
		})
	})
}

// routeEndpoint strips the method from a ServeMux pattern such as
// "POST /v0/classify".
func routeEndpoint(pattern string) string {
	if pattern == "" || pattern == "/" {
		return unmatchedEndpoint
	}
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}

// statusWriter captures the status code written by a handler.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
