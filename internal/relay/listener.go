package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentrix-io/sentrix/internal/logging"
	"github.com/sentrix-io/sentrix/internal/metrics"
)

// ErrListenerClosed is returned when operations are attempted on a closed listener.
var ErrListenerClosed = errors.New("relay: listener closed")

// ListenerConfig configures the relay listener.
type ListenerConfig struct {
	// Network is "unix" or "tcp".
	Network string
	Address string
	// MaxFrameSize bounds a frame. Zero means DefaultMaxFrameSize.
	MaxFrameSize int
}

// Listener accepts producer connections and puts their updates on a Channel.
// Each connection is read by one goroutine, so updates from one producer
// reach the channel in the order they were sent. A full channel stalls the
// reader, which stalls the producer once the socket buffers fill.
type Listener struct {
	cfg     ListenerConfig
	ch      *metrics.Channel
	metrics *metrics.RelayMetrics
	logger  *logging.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	stopping atomic.Bool
	closed   atomic.Bool
	connWg   sync.WaitGroup
	connID   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewListener creates a listener feeding ch. m may be nil.
func NewListener(cfg ListenerConfig, ch *metrics.Channel, m *metrics.RelayMetrics, logger *logging.Logger) *Listener {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.Network == "" {
		cfg.Network = "unix"
	}
	if m == nil {
		m = metrics.NewRelayMetrics(nil, "socket", logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		cfg:     cfg,
		ch:      ch,
		metrics: m,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Listen binds the configured address. A stale unix socket file left by a
// previous owner is removed first.
func (l *Listener) Listen() (net.Listener, error) {
	if l.cfg.Network == "unix" {
		if err := os.Remove(l.cfg.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale socket %s: %w", l.cfg.Address, err)
		}
	}
	ln, err := net.Listen(l.cfg.Network, l.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s %s: %w", l.cfg.Network, l.cfg.Address, err)
	}
	return ln, nil
}

// ListenAndServe binds the configured address and serves it.
func (l *Listener) ListenAndServe() error {
	ln, err := l.Listen()
	if err != nil {
		return err
	}
	return l.Serve(ln)
}

// Serve accepts producer connections on ln until Close or Shutdown.
func (l *Listener) Serve(ln net.Listener) error {
	l.mu.Lock()
	if l.closed.Load() || l.stopping.Load() {
		l.mu.Unlock()
		ln.Close()
		return ErrListenerClosed
	}
	l.listener = ln
	l.mu.Unlock()

	l.logger.Infof("relay listening", map[string]any{"network": l.cfg.Network, "addr": ln.Addr().String()})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.stopping.Load() || l.closed.Load() {
				return ErrListenerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept error: %w", err)
		}

		l.connWg.Add(1)
		go l.handleConn(conn)
	}
}

// Addr returns the listener's address, or nil if not listening.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Shutdown stops accepting producers and waits until every connected
// producer has disconnected, so all frames they sent are on the channel.
// When ctx expires first, remaining connections are closed.
func (l *Listener) Shutdown(ctx context.Context) error {
	if l.closed.Load() {
		return ErrListenerClosed
	}
	l.stopping.Store(true)
	l.mu.Lock()
	if l.listener != nil {
		l.listener.Close()
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.connWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.closed.Store(true)
		l.cancel()
		return nil
	case <-ctx.Done():
		_ = l.Close()
		return ctx.Err()
	}
}

// Close shuts down the listener and all producer connections immediately.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return ErrListenerClosed
	}
	l.stopping.Store(true)
	l.cancel()

	l.mu.Lock()
	if l.listener != nil {
		l.listener.Close()
	}
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()

	l.connWg.Wait()
	return nil
}

func (l *Listener) handleConn(conn net.Conn) {
	defer l.connWg.Done()
	defer conn.Close()

	connID := l.connID.Add(1)
	l.mu.Lock()
	l.conns[conn] = struct{}{}
	l.mu.Unlock()
	l.metrics.ProducerConnected()

	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		l.metrics.ProducerClosed()
	}()

	logger := l.logger.With(map[string]any{"connId": connID})
	logger.Debug("producer connected")

	var buf []byte
	for {
		frame, err := readFrame(conn, buf, l.cfg.MaxFrameSize)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF) || l.closed.Load():
				logger.Debug("producer disconnected")
			case isConnReset(err):
				logger.Debug("producer connection reset")
			default:
				l.metrics.RecordDecodeError()
				logger.Warnf("read error, closing producer connection", map[string]any{"error": err})
			}
			return
		}
		buf = frame

		var u metrics.Update
		if err := u.UnmarshalBinary(frame); err != nil {
			l.metrics.RecordDecodeError()
			logger.Warnf("undecodable update, closing producer connection", map[string]any{"error": err})
			return
		}
		l.metrics.RecordFrame()

		if err := l.ch.Put(l.ctx, u); err != nil {
			logger.Warnf("update channel unavailable", map[string]any{"error": err})
			return
		}
	}
}
