package main

import (
	"context"
	"net/http"
	"net/url"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrix-io/sentrix/internal/logging"
	"github.com/sentrix-io/sentrix/internal/metrics"
)

type recordingSink struct {
	mu      sync.Mutex
	updates []metrics.Update
	closed  bool
}

func (s *recordingSink) Send(u metrics.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) find(name string) []metrics.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []metrics.Update
	for _, u := range s.updates {
		if u.Name == name {
			out = append(out, u)
		}
	}
	return out
}

func startWorker(t *testing.T, sink RelaySink) (*Worker, <-chan error) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("workers share the site port with SO_REUSEPORT")
	}
	w := NewWorker(WorkerOptions{
		Config:  testConfig(t),
		Logger:  logging.Nop(),
		ID:      "worker-0",
		Version: "test",
		Sink:    sink,
	})
	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(context.Background()) }()

	select {
	case <-w.Ready():
	case err := <-errCh:
		t.Fatalf("worker failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for worker to start")
	}
	return w, errCh
}

func TestWorker_SendsRequestMetricsToSink(t *testing.T) {
	sink := &recordingSink{}
	w, _ := startWorker(t, sink)

	resp, err := http.PostForm("http://"+w.APIAddr().String()+"/v0/classify", url.Values{"input": {"vat"}})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Shutdown(ctx))

	counts := sink.find(metrics.RequestCount)
	require.Len(t, counts, 1)
	assert.Equal(t, metrics.OpInc, counts[0].Op)
	assert.Equal(t, []string{"POST", "/v0/classify", "200"}, counts[0].LabelValues)

	inflight := sink.find(metrics.InFlightRequests)
	require.Len(t, inflight, 2)
	assert.Equal(t, []string{"worker-0"}, inflight[0].LabelValues)
	assert.Equal(t, metrics.OpInc, inflight[0].Op)
	assert.Equal(t, metrics.OpDec, inflight[1].Op)

	assert.True(t, sink.closed)
}

func TestWorker_StopsAfterDrain(t *testing.T) {
	w, errCh := startWorker(t, &recordingSink{})

	resp, err := http.Post("http://"+w.APIAddr().String()+"/admin/drain?timeout=1", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after drain")
	}
	assert.NoError(t, w.Shutdown(context.Background()))
}

func TestWorker_RejectsUnknownTransport(t *testing.T) {
	cfg := testConfig(t)
	cfg.Relay.Transport = "carrier-pigeon"
	w := NewWorker(WorkerOptions{Config: cfg, Logger: logging.Nop(), ID: "worker-0"})

	err := w.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown relay transport")
}
