package main

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sentrix-io/sentrix/internal/config"
	"github.com/sentrix-io/sentrix/internal/logging"
	"github.com/sentrix-io/sentrix/internal/metrics"
	"github.com/sentrix-io/sentrix/internal/relay"
)

// RelaySink is a metrics.Sink the worker closes on shutdown.
type RelaySink interface {
	metrics.Sink
	Close() error
}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Config  *config.Config
	Logger  *logging.Logger
	ID      string
	Version string
	// Sink overrides the relay sink built from the configuration.
	Sink RelaySink
}

// Worker serves the public API. Its metrics go through a RemoteClient to the
// server's relay; it holds no registry of its own.
type Worker struct {
	opts   WorkerOptions
	logger *logging.Logger

	sink RelaySink
	api  *apiServer

	ready chan struct{}

	mu      sync.Mutex
	started bool
}

// NewWorker creates a Worker but does not start it.
func NewWorker(opts WorkerOptions) *Worker {
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	return &Worker{opts: opts, logger: opts.Logger, ready: make(chan struct{})}
}

// Ready is closed once the API is listening.
func (w *Worker) Ready() <-chan struct{} {
	return w.ready
}

// APIAddr returns the API address once Ready.
func (w *Worker) APIAddr() net.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.api == nil {
		return nil
	}
	return w.api.Addr()
}

func newSink(cfg *config.Config, producerID string, logger *logging.Logger) (RelaySink, error) {
	switch cfg.Relay.Transport {
	case "kafka":
		return relay.NewKafkaSink(relay.KafkaConfig{
			Brokers:    cfg.Relay.Kafka.Brokers,
			Topic:      cfg.Relay.Kafka.Topic,
			ProducerID: producerID,
		})
	case "socket", "":
		return relay.NewConnSink(relay.SinkConfig{
			Network:     cfg.Relay.Network,
			Address:     cfg.Relay.Address,
			DialTimeout: cfg.Relay.DialTimeout,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown relay transport %q", cfg.Relay.Transport)
	}
}

// Start binds the API and serves until ctx is cancelled or a drain request
// completes.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("worker already started")
	}
	w.started = true
	w.mu.Unlock()

	cfg := w.opts.Config

	sink := w.opts.Sink
	if sink == nil {
		var err error
		if sink, err = newSink(cfg, w.opts.ID, w.logger); err != nil {
			return fmt.Errorf("failed to create relay sink: %w", err)
		}
	}
	client := metrics.NewRemoteClient(sink, metrics.CatalogSchema())

	api := newAPIServer(cfg, client, w.opts.ID, w.opts.Version, true, w.logger)
	if err := api.listen(ctx); err != nil {
		sink.Close()
		return fmt.Errorf("failed to start api: %w", err)
	}

	w.mu.Lock()
	w.sink = sink
	w.api = api
	w.mu.Unlock()

	w.logger.Infof("starting worker", map[string]any{
		"transport": cfg.Relay.Transport,
		"version":   w.opts.Version,
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- api.serve() }()
	close(w.ready)

	select {
	case <-ctx.Done():
		return nil
	case <-api.Drained():
		w.logger.Info("drained, stopping worker")
		return nil
	case err := <-serveErr:
		return err
	}
}

// Shutdown stops the API, then closes the relay sink so every metric the
// last requests recorded has been sent.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	api, sink := w.api, w.sink
	w.mu.Unlock()

	var err error
	if api != nil {
		if err = api.shutdown(ctx); err != nil {
			w.logger.Warnf("error shutting down api", map[string]any{"error": err.Error()})
		}
	}
	if sink != nil {
		if cerr := sink.Close(); cerr != nil {
			w.logger.Warnf("error closing relay sink", map[string]any{"error": cerr.Error()})
		}
	}
	return err
}
