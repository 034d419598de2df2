package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sentrix-io/sentrix/internal/logging"
	"github.com/sentrix-io/sentrix/internal/metrics"
)

// SinkConfig configures a ConnSink.
type SinkConfig struct {
	Network string
	Address string
	// DialTimeout bounds each connection attempt. Zero means 5 seconds.
	DialTimeout time.Duration
	// MinBackoff and MaxBackoff bound the delay between reconnect attempts.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// ConnSink sends updates to a relay Listener over a stream connection.
//
// Send blocks until the frame is written. When the connection fails it
// reconnects with backoff and resends the same frame, so updates are not
// dropped while the owner restarts its listener. Send only fails after
// Close.
type ConnSink struct {
	cfg    SinkConfig
	logger *logging.Logger

	sendMu sync.Mutex // one writer keeps frames in send order
	buf    []byte

	connMu sync.Mutex
	conn   net.Conn

	closed    chan struct{}
	closeOnce sync.Once
}

// NewConnSink creates a sink. The connection is opened on first Send.
func NewConnSink(cfg SinkConfig, logger *logging.Logger) *ConnSink {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	if cfg.Network == "" {
		cfg.Network = "unix"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 50 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 2 * time.Second
	}
	return &ConnSink{cfg: cfg, logger: logger, closed: make(chan struct{})}
}

// Send implements metrics.Sink.
func (s *ConnSink) Send(u metrics.Update) error {
	payload, err := u.MarshalBinary()
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.buf = appendFrame(s.buf[:0], payload)
	backoff := s.cfg.MinBackoff
	for attempt := 0; ; attempt++ {
		if s.isClosed() {
			return metrics.ErrSinkClosed
		}
		conn, err := s.connect()
		if err == nil {
			if _, err = conn.Write(s.buf); err == nil {
				return nil
			}
			s.dropConn(conn)
		}
		if s.isClosed() {
			return metrics.ErrSinkClosed
		}
		if attempt == 0 || backoff == s.cfg.MaxBackoff {
			s.logger.Warnf("relay send failed, retrying", map[string]any{
				"addr":    s.cfg.Address,
				"error":   err,
				"backoff": backoff.String(),
			})
		}
		select {
		case <-time.After(backoff):
		case <-s.closed:
			return metrics.ErrSinkClosed
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

func (s *ConnSink) connect() (net.Conn, error) {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn != nil {
		return conn, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, s.cfg.Network, s.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.isClosed() {
		conn.Close()
		return nil, metrics.ErrSinkClosed
	}
	s.conn = conn
	return conn, nil
}

func (s *ConnSink) dropConn(conn net.Conn) {
	s.connMu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.connMu.Unlock()
	conn.Close()
}

func (s *ConnSink) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Close closes the connection. A Send blocked on a stalled owner returns
// ErrSinkClosed.
func (s *ConnSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.connMu.Lock()
		if s.conn != nil {
			err = s.conn.Close()
			s.conn = nil
		}
		s.connMu.Unlock()
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

var _ metrics.Sink = (*ConnSink)(nil)
