package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sentrix-io/sentrix/internal/classifier"
	"github.com/sentrix-io/sentrix/internal/logging"
	"github.com/sentrix-io/sentrix/internal/metrics"
)

// DefaultDrainTimeout applies when /admin/drain has no timeout parameter.
const DefaultDrainTimeout = 60 * time.Second

// APIConfig configures the public API.
type APIConfig struct {
	Version string
	// Scope labels the model size gauge.
	Scope        string
	Worker       string
	DrainTimeout time.Duration
}

// API serves the classification endpoints and the drain control.
type API struct {
	cfg        APIConfig
	classifier classifier.Classifier
	ledger     *Ledger
	requests   *metrics.RequestMetrics
	logger     *logging.Logger

	stopOnce sync.Once
	stop     func()
}

// NewAPI creates the API. requests may be nil.
func NewAPI(cfg APIConfig, c classifier.Classifier, ledger *Ledger, requests *metrics.RequestMetrics, logger *logging.Logger) *API {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	if cfg.Version == "" {
		cfg.Version = "0"
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if requests == nil {
		requests = metrics.NewRequestMetrics(nil, cfg.Worker, logger)
	}
	return &API{
		cfg:        cfg,
		classifier: c,
		ledger:     ledger,
		requests:   requests,
		logger:     logger,
	}
}

// OnDrained sets the function called once a drain request has been
// answered. It is called at most once.
func (a *API) OnDrained(stop func()) {
	a.stop = stop
}

// Handler returns the routed API wrapped in the request middleware.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/version", a.handleVersion)
	mux.HandleFunc("/v0/model", a.handleModel)
	mux.HandleFunc("/v0/classify", a.handleClassify)
	mux.HandleFunc("/admin/drain", a.handleDrain)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "the requested URL was not found on the server", nil)
	})
	return NewMiddleware(a.ledger, a.requests, a.cfg.Worker, a.logger).Wrap(mux)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Message string  `json:"message"`
	Cause   *string `json:"cause"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error body. cause names the type of the error
// underlying err, if any.
func writeError(w http.ResponseWriter, status int, message string, err error) {
	body := errorBody{Message: message}
	if inner := errors.Unwrap(err); inner != nil {
		name := fmt.Sprintf("%T", inner)
		body.Cause = &name
	}
	writeJSON(w, status, body)
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method || (method == http.MethodGet && r.Method == http.MethodHead) {
		return true
	}
	w.Header().Set("Allow", method)
	writeError(w, http.StatusMethodNotAllowed, "the method is not allowed for the requested URL", nil)
	return false
}

func (a *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": a.cfg.Version})
}

func (a *API) handleModel(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	a.requests.RecordModelSize(a.cfg.Scope, a.classifier.Size())
	writeJSON(w, http.StatusOK, a.classifier.Model())
}

func (a *API) handleClassify(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	input := r.FormValue("input")
	if input == "" {
		writeError(w, http.StatusBadRequest, "missing form field: input", nil)
		return
	}

	res, err := a.classifier.Classify(r.Context(), input)
	switch {
	case errors.Is(err, classifier.ErrEmptyInput):
		writeError(w, http.StatusBadRequest, err.Error(), err)
		return
	case err != nil:
		logging.ContextLogger(r.Context(), a.logger).Errorf("classification failed", map[string]any{
			"error": err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "classification failed", fmt.Errorf("classify: %w", err))
		return
	}

	a.requests.RecordClassification(res.Label)
	writeJSON(w, http.StatusOK, res)
}

// maxDrainSeconds is the longest timeout a time.Duration can hold.
const maxDrainSeconds = float64(math.MaxInt64 / int64(time.Second))

// handleDrain waits for every other in-flight request to finish, answers
// with the number that were in flight, then triggers the stop callback.
func (a *API) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	timeout := a.cfg.DrainTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err == nil && (math.IsNaN(secs) || math.IsInf(secs, 0) || secs > maxDrainSeconds) {
			err = fmt.Errorf("timeout %q out of range", raw)
		}
		if err != nil || secs < 0 {
			writeError(w, http.StatusBadRequest, "timeout must be a non-negative number of seconds", err)
			return
		}
		timeout = time.Duration(secs * float64(time.Second))
	}

	log := logging.ContextLogger(r.Context(), a.logger)
	log.Infof("draining in-flight requests", map[string]any{"timeout": timeout.String()})

	n := a.ledger.WaitUntilDrained(timeout)
	writeJSON(w, http.StatusOK, map[string]int{"inFlight": n})
	_ = http.NewResponseController(w).Flush()

	if a.stop != nil {
		a.stopOnce.Do(func() { go a.stop() })
	}
}
