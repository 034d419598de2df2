package metrics

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sentrix-io/sentrix/internal/logging"
)

// ErrChannelClosed is returned by Put after the channel is closed.
var ErrChannelClosed = errors.New("metrics: update channel closed")

// Channel is a bounded multi-producer, single-consumer queue of updates.
// Updates put by one goroutine are consumed in the order they were put.
// A full channel blocks producers rather than dropping updates.
type Channel struct {
	ch     chan Update
	closed chan struct{}
	// sealed is closed once no Put can add to ch any more.
	sealed    chan struct{}
	closeOnce sync.Once

	mu      sync.RWMutex
	closing bool
	puts    sync.WaitGroup
}

// NewChannel creates a channel buffering up to size updates.
func NewChannel(size int) *Channel {
	if size < 1 {
		size = 1
	}
	return &Channel{
		ch:     make(chan Update, size),
		closed: make(chan struct{}),
		sealed: make(chan struct{}),
	}
}

// Put enqueues u, blocking while the channel is full. An update for which
// Put returns nil is always seen by the consumer, even if Close runs
// concurrently.
func (c *Channel) Put(ctx context.Context, u Update) error {
	c.mu.RLock()
	if c.closing {
		c.mu.RUnlock()
		return ErrChannelClosed
	}
	c.puts.Add(1)
	c.mu.RUnlock()
	defer c.puts.Done()

	select {
	case c.ch <- u:
		return nil
	case <-c.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send implements Sink for producers living in the owner process.
func (c *Channel) Send(u Update) error {
	err := c.Put(context.Background(), u)
	if errors.Is(err, ErrChannelClosed) {
		return ErrSinkClosed
	}
	return err
}

// Len returns the number of buffered updates.
func (c *Channel) Len() int {
	return len(c.ch)
}

// Close stops accepting updates, wakes blocked producers and waits for
// Puts already in progress. The consumer then drains what is buffered.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		close(c.closed)
		c.puts.Wait()
		close(c.sealed)
	})
}

// ConsumerStats are counters kept by a Consumer.
type ConsumerStats struct {
	Applied  uint64
	Rejected uint64
}

// Consumer is the single reader of a Channel. It applies updates to the
// Registry one at a time.
type Consumer struct {
	ch     *Channel
	reg    *Registry
	logger *logging.Logger

	applied  atomic.Uint64
	rejected atomic.Uint64
}

// NewConsumer creates a consumer applying updates from ch to reg.
func NewConsumer(ch *Channel, reg *Registry, logger *logging.Logger) *Consumer {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Consumer{ch: ch, reg: reg, logger: logger}
}

// Run applies updates until ctx is cancelled or the channel is closed and
// drained. It must be called from exactly one goroutine.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case u := <-c.ch.ch:
			c.apply(u)
		case <-c.ch.sealed:
			c.drain()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Consumer) drain() {
	for {
		select {
		case u := <-c.ch.ch:
			c.apply(u)
		default:
			return
		}
	}
}

func (c *Consumer) apply(u Update) {
	if err := c.reg.Apply(u); err != nil {
		c.rejected.Add(1)
		c.logger.Warnf("metric update rejected", map[string]any{
			"metric": u.Name,
			"op":     u.Op.String(),
			"error":  err,
		})
		// Best effort: the catalog may not be registered in tests.
		_ = c.reg.Apply(Update{
			Name:        UpdatesRejectedTotal,
			LabelValues: []string{rejectReason(err)},
			Op:          OpInc,
			Value:       1,
		})
		return
	}
	c.applied.Add(1)
}

// Stats returns the consumer's counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{Applied: c.applied.Load(), Rejected: c.rejected.Load()}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownMetric):
		return "unknown_metric"
	case errors.Is(err, ErrLabelArity):
		return "label_arity"
	case errors.Is(err, ErrInvalidOperation):
		return "invalid_operation"
	default:
		return "other"
	}
}
