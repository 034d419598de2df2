package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sentrix-io/sentrix/internal/logging"
)

// ErrReusePortUnsupported is returned when a shared listener is requested on
// a platform without SO_REUSEPORT.
var ErrReusePortUnsupported = errors.New("server: SO_REUSEPORT is not supported on this platform")

// ListenerConfig describes the public API listener.
type ListenerConfig struct {
	Addr string
	// ReusePort lets several processes bind Addr at once.
	ReusePort bool
	TLS       TLSConfig
}

// Listen binds the public API listener. When TLS is enabled the returned
// reloader must be stopped by the caller.
func Listen(ctx context.Context, cfg ListenerConfig, logger *logging.Logger) (net.Listener, *CertReloader, error) {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	var lc net.ListenConfig
	if cfg.ReusePort {
		if !reusePortSupported {
			return nil, nil, ErrReusePortUnsupported
		}
		lc.Control = reusePortControl
	}

	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("server: listen on %s: %w", cfg.Addr, err)
	}
	if !cfg.TLS.Enabled {
		return ln, nil, nil
	}

	if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
		ln.Close()
		return nil, nil, errors.New("server: TLS requires certFile and keyFile")
	}
	reloader, err := NewCertReloader(cfg.TLS.CertFile, cfg.TLS.KeyFile, logger)
	if err != nil {
		ln.Close()
		return nil, nil, err
	}
	reloader.StartWatcher(cfg.TLS.CheckInterval)
	return WrapTLS(ln, reloader), reloader, nil
}

// NewHTTPServer returns the http.Server used for the public API.
func NewHTTPServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
