package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentrix-io/sentrix/internal/logging"
)

// DefaultCertCheckInterval is how often the watcher stats the key pair.
const DefaultCertCheckInterval = 30 * time.Second

// TLSConfig enables TLS on the public API listener.
type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
	// CheckInterval is how often certificate files are checked for changes.
	CheckInterval time.Duration
}

// CertReloader serves the current key pair and swaps it when the files on
// disk change, so certificates rotate without a restart.
type CertReloader struct {
	certFile string
	keyFile  string
	cert     atomic.Pointer[tls.Certificate]
	logger   *logging.Logger

	mu      sync.Mutex
	lastMod time.Time

	stopOnce sync.Once
	started  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCertReloader loads the key pair once and returns a reloader for it.
func NewCertReloader(certFile, keyFile string, logger *logging.Logger) (*CertReloader, error) {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	r := &CertReloader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	r.lastMod = r.modTime()
	return r, nil
}

func (r *CertReloader) load() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("server: load key pair: %w", err)
	}
	r.cert.Store(&cert)
	r.logger.Infof("TLS certificate loaded", map[string]any{"certFile": r.certFile})
	return nil
}

// GetCertificate is the tls.Config callback.
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := r.cert.Load()
	if cert == nil {
		return nil, errors.New("server: no certificate loaded")
	}
	return cert, nil
}

// Reload reads the key pair again. On failure the previous pair stays in use.
func (r *CertReloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

// modTime returns the later modification time of the two files, or the zero
// time when either cannot be stat'ed.
func (r *CertReloader) modTime() time.Time {
	certInfo, err := os.Stat(r.certFile)
	if err != nil {
		return time.Time{}
	}
	keyInfo, err := os.Stat(r.keyFile)
	if err != nil {
		return time.Time{}
	}
	if keyInfo.ModTime().After(certInfo.ModTime()) {
		return keyInfo.ModTime()
	}
	return certInfo.ModTime()
}

// reloadIfChanged reloads when either file is newer than the last load.
func (r *CertReloader) reloadIfChanged() {
	mod := r.modTime()
	r.mu.Lock()
	changed := mod.After(r.lastMod)
	if changed {
		r.lastMod = mod
	}
	r.mu.Unlock()
	if !changed {
		return
	}
	if err := r.Reload(); err != nil {
		r.logger.Warnf("certificate reload failed", map[string]any{"error": err.Error()})
	}
}

// StartWatcher polls the key pair every interval until Stop.
func (r *CertReloader) StartWatcher(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCertCheckInterval
	}
	r.started.Store(true)
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.reloadIfChanged()
			}
		}
	}()
}

// Stop ends the watcher. It is safe to call more than once, or without
// StartWatcher.
func (r *CertReloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.started.Load() {
			<-r.doneCh
		}
	})
}

// WrapTLS serves TLS on ln using the reloader's certificate.
func WrapTLS(ln net.Listener, r *CertReloader) net.Listener {
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: r.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	})
}
