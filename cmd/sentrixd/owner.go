package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"go.uber.org/multierr"

	"github.com/sentrix-io/sentrix/internal/config"
	"github.com/sentrix-io/sentrix/internal/estimator"
	"github.com/sentrix-io/sentrix/internal/logging"
	"github.com/sentrix-io/sentrix/internal/metrics"
	"github.com/sentrix-io/sentrix/internal/relay"
	"github.com/sentrix-io/sentrix/internal/server"
	"github.com/sentrix-io/sentrix/internal/store"
)

// defaultPool labels the store's connection pool metrics.
const defaultPool = "default"

// OwnerOptions configures an Owner.
type OwnerOptions struct {
	Config  *config.Config
	Logger  *logging.Logger
	Version string
	// ConfigPath is handed to spawned workers.
	ConfigPath string
	// Store replaces the PostgreSQL store.
	Store store.Store
	// WorkerCommand replaces re-executing this binary for workers.
	WorkerCommand CommandFunc
}

// Owner is the process that owns the metric registry. Workers send it
// metric updates over the relay; a single consumer applies them.
type Owner struct {
	opts   OwnerOptions
	logger *logging.Logger

	registry *metrics.Registry
	client   metrics.Client
	channel  *metrics.Channel
	consumer *metrics.Consumer

	relayListener *relay.Listener
	kafkaSource   *relay.KafkaSource
	relayCancel   context.CancelFunc
	relayDone     chan struct{}

	store        store.Store
	postgres     *store.Postgres
	storeMetrics *metrics.StoreMetrics

	estimator *estimator.Estimator
	scheduler *estimator.Scheduler

	health     *server.HealthServer
	supervisor *Supervisor
	api        *apiServer

	consumerCancel context.CancelFunc
	consumerDone   chan struct{}
	fatal          chan error
	ready          chan struct{}

	mu      sync.Mutex
	started bool
}

// NewOwner creates an Owner but does not start it.
func NewOwner(opts OwnerOptions) *Owner {
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	return &Owner{
		opts:   opts,
		logger: opts.Logger,
		fatal:  make(chan error, 4),
		ready:  make(chan struct{}),
	}
}

// Ready is closed once Start has brought every component up.
func (o *Owner) Ready() <-chan struct{} {
	return o.ready
}

// Registry returns the owner's registry.
func (o *Owner) Registry() *metrics.Registry {
	return o.registry
}

// Start brings every component up and blocks until ctx is cancelled, an
// in-process drain completes, or a component fails.
func (o *Owner) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	o.started = true
	o.mu.Unlock()

	cfg := o.opts.Config
	o.logger.Infof("starting server", map[string]any{
		"workers":   cfg.Workers.Count,
		"transport": cfg.Relay.Transport,
		"version":   o.opts.Version,
	})

	o.registry = metrics.NewRegistry()
	metrics.RegisterCatalog(o.registry)
	o.client = metrics.NewDirectClient(o.registry)

	o.health = server.NewHealthServer(cfg.Metrics.Addr(), o.logger)
	// Owner goroutines report exit, not heartbeats.
	o.health.SetStaleAfter(0)

	o.startConsumer()
	if err := o.startRelay(); err != nil {
		return err
	}
	if err := o.openStore(ctx); err != nil {
		return err
	}
	if cfg.Estimator.Enabled {
		o.startEstimator(ctx)
	}

	o.health.RegisterHandler("/metrics", metrics.NewHandler(o.registry, metrics.HandlerOpts{
		BeforeScrape: o.beforeScrape,
		Logger:       o.logger,
	}))
	o.health.RegisterReadinessCheck(server.NewStoreChecker(o.store))
	if o.relayListener != nil {
		o.health.RegisterReadinessCheck(server.NewRelayChecker(o.relayListener))
	}
	if err := o.health.Start(); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}

	var drained <-chan struct{}
	if cfg.Workers.Count > 0 {
		if err := o.startWorkers(); err != nil {
			return err
		}
	} else {
		o.api = newAPIServer(cfg, o.client, "server", o.opts.Version, false, o.logger)
		if err := o.api.listen(ctx); err != nil {
			return fmt.Errorf("failed to start api: %w", err)
		}
		drained = o.api.Drained()
		go func() {
			if err := o.api.serve(); err != nil {
				o.fatal <- fmt.Errorf("api: %w", err)
			}
		}()
	}

	o.logger.Infof("server started", map[string]any{"metricsAddr": o.health.Addr()})
	close(o.ready)

	select {
	case <-ctx.Done():
		return nil
	case <-drained:
		o.logger.Info("drained, stopping server")
		return nil
	case err := <-o.fatal:
		return err
	}
}

func (o *Owner) startConsumer() {
	o.channel = metrics.NewChannel(o.opts.Config.Relay.QueueSize)
	o.consumer = metrics.NewConsumer(o.channel, o.registry, o.logger)

	ctx, cancel := context.WithCancel(context.Background())
	o.consumerCancel = cancel
	o.consumerDone = make(chan struct{})
	o.health.RegisterGoroutine("metric-consumer")
	go func() {
		defer close(o.consumerDone)
		defer o.health.UnregisterGoroutine("metric-consumer")
		if err := o.consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Errorf("metric consumer stopped", map[string]any{"error": err.Error()})
		}
	}()
}

// startRelay runs on its own context: it must outlive Start's context until
// the workers have stopped.
func (o *Owner) startRelay() error {
	cfg := o.opts.Config.Relay
	ctx, cancel := context.WithCancel(context.Background())
	o.relayCancel = cancel
	o.relayDone = make(chan struct{})

	switch cfg.Transport {
	case "kafka":
		m := metrics.NewRelayMetrics(o.client, "kafka", o.logger)
		src, err := relay.NewKafkaSource(relay.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Group:   cfg.Kafka.Group,
		}, o.channel, m, o.logger)
		if err != nil {
			close(o.relayDone)
			return err
		}
		o.kafkaSource = src
		o.health.RegisterGoroutine("relay")
		go func() {
			defer close(o.relayDone)
			defer o.health.UnregisterGoroutine("relay")
			if err := src.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.fatal <- fmt.Errorf("relay: %w", err)
			}
		}()
	default:
		m := metrics.NewRelayMetrics(o.client, "socket", o.logger)
		o.relayListener = relay.NewListener(relay.ListenerConfig{
			Network:      cfg.Network,
			Address:      cfg.Address,
			MaxFrameSize: cfg.MaxFrameSize,
		}, o.channel, m, o.logger)
		ln, err := o.relayListener.Listen()
		if err != nil {
			close(o.relayDone)
			return fmt.Errorf("failed to start relay: %w", err)
		}
		o.health.RegisterGoroutine("relay")
		go func() {
			defer close(o.relayDone)
			defer o.health.UnregisterGoroutine("relay")
			if err := o.relayListener.Serve(ln); err != nil && !errors.Is(err, relay.ErrListenerClosed) {
				o.fatal <- fmt.Errorf("relay: %w", err)
			}
		}()
	}
	return nil
}

func (o *Owner) openStore(ctx context.Context) error {
	base := o.opts.Store
	if base == nil {
		cfg := o.opts.Config.Database
		pg, err := store.NewPostgres(ctx, store.PostgresConfig{
			DSN:              cfg.DSN,
			MaxConns:         cfg.MaxConns,
			StatementTimeout: cfg.StatementTimeout,
		}, o.logger)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		o.postgres = pg
		base = pg
	}
	o.storeMetrics = metrics.NewStoreMetrics(o.client, o.logger)
	o.store = store.NewInstrumentedStore(base, o.storeMetrics)
	return nil
}

func (o *Owner) startEstimator(ctx context.Context) {
	cfg := o.opts.Config
	o.estimator = estimator.New(o.store, o.registry, estimator.Config{
		Window:      cfg.Estimator.Window,
		BucketWidth: cfg.Estimator.BucketWidth,
		MaxWorkers:  cfg.Estimator.MaxWorkers,
	}, estimator.WithLogger(o.logger))

	if cfg.Estimator.RestoreOnStart {
		if _, err := o.estimator.Restore(ctx); err != nil {
			o.logger.Warnf("failed to restore persisted metrics", map[string]any{"error": err.Error()})
		}
	}

	o.scheduler = estimator.NewScheduler(o.estimator, estimator.SchedulerConfig{
		Interval:     cfg.Estimator.Interval,
		CycleTimeout: 2 * cfg.Database.StatementTimeout,
	}, nil, o.logger)
	o.scheduler.Start()
}

func (o *Owner) startWorkers() error {
	cfg := o.opts.Config
	command := o.opts.WorkerCommand
	if command == nil {
		var err error
		if command, err = workerCommand(o.opts.ConfigPath, cfg.Site.Port); err != nil {
			return fmt.Errorf("failed to start workers: %w", err)
		}
	}
	o.supervisor = NewSupervisor(cfg.Workers.Count, cfg.Workers.RestartDelay, command, o.logger)
	o.supervisor.Start()
	return nil
}

// beforeScrape refreshes pool gauges and asks for an estimator cycle.
func (o *Owner) beforeScrape(context.Context) {
	if o.postgres != nil {
		s := o.postgres.PoolStats()
		o.storeMetrics.RecordPool(defaultPool, s.TotalConns, s.MaxConns, s.EmptyAcquires)
	}
	if o.scheduler != nil {
		o.scheduler.Trigger()
	}
}

// MetricsAddr returns the health and metrics listener address.
func (o *Owner) MetricsAddr() string {
	if o.health == nil {
		return ""
	}
	return o.health.Addr()
}

// APIAddr returns the in-process API address, or nil when workers serve it.
func (o *Owner) APIAddr() net.Addr {
	if o.api == nil {
		return nil
	}
	return o.api.Addr()
}

// RelayAddr returns the relay listener address, or nil for Kafka.
func (o *Owner) RelayAddr() net.Addr {
	if o.relayListener == nil {
		return nil
	}
	return o.relayListener.Addr()
}

// Shutdown stops producers first, then the relay, then drains the channel
// into the registry, so no update a worker sent is lost.
func (o *Owner) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	o.logger.Info("shutting down server")
	var errs error

	if o.health != nil {
		o.health.SetShuttingDown()
	}

	if o.supervisor != nil {
		errs = multierr.Append(errs, o.supervisor.Stop(ctx))
	}
	if o.api != nil {
		errs = multierr.Append(errs, o.api.shutdown(ctx))
	}
	if o.scheduler != nil {
		o.scheduler.Stop()
	}

	if o.relayListener != nil {
		if err := o.relayListener.Shutdown(ctx); err != nil && !errors.Is(err, relay.ErrListenerClosed) {
			errs = multierr.Append(errs, fmt.Errorf("relay shutdown: %w", err))
		}
	}
	if o.kafkaSource != nil {
		o.kafkaSource.Close()
	}
	if o.relayDone != nil {
		select {
		case <-o.relayDone:
		case <-ctx.Done():
			o.relayCancel()
			<-o.relayDone
		}
	}

	if o.channel != nil {
		o.channel.Close()
		select {
		case <-o.consumerDone:
		case <-ctx.Done():
			o.consumerCancel()
			<-o.consumerDone
		}
		stats := o.consumer.Stats()
		o.logger.Infof("metric consumer drained", map[string]any{
			"applied":  strconv.FormatUint(stats.Applied, 10),
			"rejected": strconv.FormatUint(stats.Rejected, 10),
		})
	}

	if o.health != nil {
		if err := o.health.Close(); err != nil {
			o.logger.Warnf("error closing health server", map[string]any{"error": err.Error()})
		}
	}
	if o.store != nil {
		if err := o.store.Close(); err != nil {
			o.logger.Warnf("error closing store", map[string]any{"error": err.Error()})
		}
	}

	return errs
}
