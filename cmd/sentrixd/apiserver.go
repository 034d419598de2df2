package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/sentrix-io/sentrix/internal/classifier"
	"github.com/sentrix-io/sentrix/internal/config"
	"github.com/sentrix-io/sentrix/internal/logging"
	"github.com/sentrix-io/sentrix/internal/metrics"
	"github.com/sentrix-io/sentrix/internal/server"
)

// apiServer is the public classification API as run by a worker, or by the
// server itself when it has no workers.
type apiServer struct {
	cfg      *config.Config
	listener server.ListenerConfig
	logger   *logging.Logger

	ledger *server.Ledger
	api    *server.API
	http   *http.Server

	mu       sync.Mutex
	ln       net.Listener
	reloader *server.CertReloader

	drained  chan struct{}
	drainOne sync.Once
}

func newAPIServer(cfg *config.Config, client metrics.Client, worker, version string, reusePort bool, logger *logging.Logger) *apiServer {
	ledger := server.NewLedger(logger)
	ledger.SetGracePeriod(cfg.Shutdown.GracePeriod)

	requests := metrics.NewRequestMetrics(client, worker, logger)
	cls := classifier.NewKeywords(cfg.Model.Name, cfg.Model.Labels)
	api := server.NewAPI(server.APIConfig{
		Version:      version,
		Scope:        cfg.DeployID,
		Worker:       worker,
		DrainTimeout: cfg.Shutdown.DrainTimeout,
	}, cls, ledger, requests, logger)

	s := &apiServer{
		cfg: cfg,
		listener: server.ListenerConfig{
			Addr:      cfg.Site.Addr(),
			ReusePort: reusePort,
			TLS: server.TLSConfig{
				Enabled:       cfg.Site.TLS.Enabled,
				CertFile:      cfg.Site.TLS.CertFile,
				KeyFile:       cfg.Site.TLS.KeyFile,
				CheckInterval: cfg.Site.TLS.CheckInterval,
			},
		},
		logger:  logger,
		ledger:  ledger,
		api:     api,
		drained: make(chan struct{}),
	}
	api.OnDrained(func() {
		s.drainOne.Do(func() { close(s.drained) })
	})
	s.http = server.NewHTTPServer(api.Handler())
	return s
}

// listen binds the listener; serve must follow.
func (s *apiServer) listen(ctx context.Context) error {
	ln, reloader, err := server.Listen(ctx, s.listener, s.logger)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.reloader = reloader
	s.mu.Unlock()
	s.logger.Infof("api listening", map[string]any{
		"addr":      ln.Addr().String(),
		"reusePort": s.listener.ReusePort,
		"tls":       reloader != nil,
	})
	return nil
}

// serve blocks until the server is shut down.
func (s *apiServer) serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Drained is closed once a drain request has been answered.
func (s *apiServer) Drained() <-chan struct{} {
	return s.drained
}

// Addr returns the bound address, or nil before listen.
func (s *apiServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *apiServer) shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.mu.Lock()
	reloader := s.reloader
	s.mu.Unlock()
	if reloader != nil {
		reloader.Stop()
	}
	return err
}
