package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrix-io/sentrix/internal/classifier"
	"github.com/sentrix-io/sentrix/internal/logging"
	"github.com/sentrix-io/sentrix/internal/metrics"
)

type apiFixture struct {
	reg     *metrics.Registry
	ledger  *Ledger
	api     *API
	handler http.Handler
}

func newAPIFixture(t *testing.T, c classifier.Classifier) *apiFixture {
	t.Helper()
	reg := metrics.NewRegistry()
	metrics.RegisterCatalog(reg)
	if c == nil {
		c = classifier.NewKeywords("keywords", map[string]string{"invoice": "invoice,vat"})
	}
	ledger := newTestLedger()
	requests := metrics.NewRequestMetrics(metrics.NewDirectClient(reg), "w0", logging.Nop())
	api := NewAPI(APIConfig{Scope: "acme", Worker: "w0"}, c, ledger, requests, logging.Nop())
	return &apiFixture{reg: reg, ledger: ledger, api: api, handler: api.Handler()}
}

func (f *apiFixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) value(t *testing.T, name string, labels ...string) float64 {
	t.Helper()
	v, _, err := f.reg.Value(name, labels...)
	require.NoError(t, err)
	return v
}

func classifyRequest(input string) *http.Request {
	form := url.Values{"input": {input}}
	req := httptest.NewRequest(http.MethodPost, "/v0/classify", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestAPI_Classify(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(classifyRequest("VAT invoice"))

	require.Equal(t, http.StatusOK, w.Code)
	var res classifier.Result
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, "invoice", res.Label)

	_, err := uuid.Parse(w.Header().Get(CorrelationHeader))
	assert.NoError(t, err)

	assert.Equal(t, 1.0, f.value(t, metrics.RequestCount, "POST", "/v0/classify", "200"))
	assert.Equal(t, 1.0, f.value(t, metrics.ClassificationResults, "invoice"))
	assert.Equal(t, 0.0, f.value(t, metrics.InFlightRequests, "w0"))
	assert.Equal(t, 0, f.ledger.Count())
}

func TestAPI_ClassifyMissingInput(t *testing.T) {
	f := newAPIFixture(t, nil)

	for _, input := range []string{"", "..."} {
		w := f.do(classifyRequest(input))
		assert.Equal(t, http.StatusBadRequest, w.Code, "%q", input)
		body := decodeError(t, w)
		assert.NotEmpty(t, body.Message)
	}
	assert.Equal(t, 2.0, f.value(t, metrics.RequestCount, "POST", "/v0/classify", "400"))
}

func TestAPI_CorrelationIDEchoed(t *testing.T) {
	f := newAPIFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	req.Header.Set(CorrelationHeader, "corr-123")
	w := f.do(req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "corr-123", w.Header().Get(CorrelationHeader))
	assert.JSONEq(t, `{"version":"0"}`, w.Body.String())
}

func TestAPI_Model(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(httptest.NewRequest(http.MethodGet, "/v0/model", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"name":"keywords","config":{"invoice":["invoice","vat"]}}`, w.Body.String())
	assert.Positive(t, f.value(t, metrics.ModelSize, "acme"))
}

func TestAPI_ErrorsAreJSON(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	body := decodeError(t, w)
	assert.NotEmpty(t, body.Message)
	assert.Nil(t, body.Cause)

	w = f.do(httptest.NewRequest(http.MethodGet, "/v0/classify", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, http.MethodPost, w.Header().Get("Allow"))

	assert.Equal(t, 1.0, f.value(t, metrics.RequestCount, "GET", unmatchedEndpoint, "404"))
	assert.Equal(t, 1.0, f.value(t, metrics.RequestCount, "GET", "/v0/classify", "405"))
}

func TestAPI_DrainBadTimeout(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(httptest.NewRequest(http.MethodPost, "/admin/drain?timeout=soon", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeError(t, w)
	require.NotNil(t, body.Cause)
}

func TestAPI_DrainTimeoutOutOfRange(t *testing.T) {
	for _, raw := range []string{"-1", "NaN", "Inf", "-Inf", "1e300"} {
		t.Run(raw, func(t *testing.T) {
			f := newAPIFixture(t, nil)
			stopped := false
			f.api.OnDrained(func() { stopped = true })

			w := f.do(httptest.NewRequest(http.MethodPost, "/admin/drain?timeout="+raw, nil))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, decodeError(t, w).Message, "timeout")
			assert.False(t, stopped)
		})
	}
}

// blockingClassifier holds every Classify call until release is closed.
type blockingClassifier struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingClassifier) Classify(ctx context.Context, _ string) (classifier.Result, error) {
	b.entered <- struct{}{}
	<-b.release
	return classifier.Result{Label: "slow"}, nil
}

func (b *blockingClassifier) Model() classifier.Model { return classifier.Model{Name: "blocking"} }
func (b *blockingClassifier) Size() int64             { return 0 }

func TestAPI_DrainWaitsForInFlightRequests(t *testing.T) {
	bc := &blockingClassifier{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f := newAPIFixture(t, bc)
	stopped := make(chan struct{})
	f.api.OnDrained(func() { close(stopped) })

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	slowDone := make(chan int)
	go func() {
		resp, err := http.PostForm(srv.URL+"/v0/classify", url.Values{"input": {"x"}})
		if err != nil {
			slowDone <- 0
			return
		}
		resp.Body.Close()
		slowDone <- resp.StatusCode
	}()
	<-bc.entered

	drainDone := make(chan *http.Response)
	go func() {
		resp, err := http.Post(srv.URL+"/admin/drain?timeout=5", "", nil)
		if err != nil {
			drainDone <- nil
			return
		}
		drainDone <- resp
	}()

	require.Eventually(t, func() bool { return f.ledger.Count() == 2 }, time.Second, 5*time.Millisecond)
	select {
	case <-drainDone:
		t.Fatal("drain returned while a request was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(bc.release)
	assert.Equal(t, http.StatusOK, <-slowDone)

	resp := <-drainDone
	require.NotNil(t, resp)
	defer resp.Body.Close()
	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, map[string]int{"inFlight": 1}, body)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop callback not called after drain")
	}
}

func TestMiddleware_RequestContext(t *testing.T) {
	ledger := newTestLedger()
	var info RequestInfo
	var corr string
	var countInside int
	h := NewMiddleware(ledger, nil, "w3", logging.Nop()).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, _ = RequestInfoFromContext(r.Context())
		corr = logging.CorrelationIDFromCtx(r.Context())
		countInside = ledger.Count()
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationHeader, "abc")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "abc", info.CorrelationID)
	assert.Equal(t, "w3", info.Worker)
	assert.False(t, info.Started.IsZero())
	assert.Equal(t, "abc", corr)
	assert.Equal(t, 1, countInside)
	assert.Equal(t, 0, ledger.Count())
}

func TestRouteEndpoint(t *testing.T) {
	assert.Equal(t, unmatchedEndpoint, routeEndpoint(""))
	assert.Equal(t, unmatchedEndpoint, routeEndpoint("/"))
	assert.Equal(t, "/v0/classify", routeEndpoint("POST /v0/classify"))
	assert.Equal(t, "/version", routeEndpoint("/version"))
}
