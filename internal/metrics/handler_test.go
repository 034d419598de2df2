package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrix-io/sentrix/internal/logging"
)

func TestHandler_ServesRegistry(t *testing.T) {
	reg := catalogRegistry(t)
	require.NoError(t, NewDirectClient(reg).Set(OCRBacklog, 42, "acme"))

	srv := httptest.NewServer(NewHandler(reg, HandlerOpts{Logger: logging.Nop()}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `sentrix_ocr_backlog{scope="acme"} 42`)
	assert.Contains(t, string(body), "sentrix_processing_delay 0")
}

func TestHandler_RunsBeforeScrapeHook(t *testing.T) {
	reg := catalogRegistry(t)
	client := NewDirectClient(reg)

	calls := 0
	h := NewHandler(reg, HandlerOpts{
		Logger: logging.Nop(),
		BeforeScrape: func(ctx context.Context) {
			calls++
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			assert.NoError(t, client.Set(ProcessingDelay, 17))
		},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, 1, calls)
	assert.Contains(t, rec.Body.String(), "sentrix_processing_delay 17")
}

func TestHandler_ListsLabelledMetricsBeforeFirstSample(t *testing.T) {
	reg := catalogRegistry(t)

	rec := httptest.NewRecorder()
	NewHandler(reg, HandlerOpts{Logger: logging.Nop()}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, body, "# HELP sentrix_ocr_backlog Number of pages to be OCRed\n")
	assert.Contains(t, body, "# TYPE sentrix_ocr_backlog gauge\n")
	assert.Contains(t, body, "# TYPE sentrix_request_count counter\n")
	assert.Contains(t, body, "# TYPE sentrix_request_duration_seconds histogram\n")
	assert.Contains(t, body, "# TYPE sentrix_store_operation_seconds summary\n")
	assert.Contains(t, body, "# TYPE sentrix_model_generation_error gauge\n")
	for _, def := range Catalog() {
		assert.Contains(t, body, "# TYPE "+def.Name+" ", def.Name)
	}
}

func TestHandler_FamilyListedOnceAfterFirstSample(t *testing.T) {
	reg := catalogRegistry(t)
	require.NoError(t, NewDirectClient(reg).Set(OCRBacklog, 3, "acme"))

	rec := httptest.NewRecorder()
	NewHandler(reg, HandlerOpts{Logger: logging.Nop()}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Equal(t, 1, strings.Count(body, "# TYPE sentrix_ocr_backlog gauge\n"))
	assert.Contains(t, body, `sentrix_ocr_backlog{scope="acme"} 3`)
}

func TestHandler_HeadHasNoBody(t *testing.T) {
	reg := catalogRegistry(t)

	rec := httptest.NewRecorder()
	NewHandler(reg, HandlerOpts{Logger: logging.Nop()}).ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}
