package server

import (
	"sync"
	"time"

	"github.com/sentrix-io/sentrix/internal/logging"
)

// DefaultGracePeriod is how long WaitUntilDrained sleeps after the wait
// resolves so that response writes already in progress can flush.
const DefaultGracePeriod = 2 * time.Second

// Ledger counts in-flight requests for graceful drain.
//
// A drain request is itself in flight while it waits, so the ledger is
// drained when the count is back to 1.
type Ledger struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int

	grace  time.Duration
	logger *logging.Logger
}

// NewLedger returns a ledger with the default grace period.
func NewLedger(logger *logging.Logger) *Ledger {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	l := &Ledger{
		grace:  DefaultGracePeriod,
		logger: logger,
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// SetGracePeriod overrides the post-drain sleep.
func (l *Ledger) SetGracePeriod(d time.Duration) {
	l.mu.Lock()
	l.grace = d
	l.mu.Unlock()
}

// OnStart records a request entering the handler chain.
func (l *Ledger) OnStart() {
	l.mu.Lock()
	l.count++
	l.mu.Unlock()
}

// OnFinish records a request leaving the handler chain. Calling it more often
// than OnStart is a programming error and panics.
func (l *Ledger) OnFinish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count <= 0 {
		panic("server: ledger OnFinish without matching OnStart")
	}
	l.count--
	if l.count == 1 {
		l.cond.Signal()
	}
}

// Count returns the number of requests in flight.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// WaitUntilDrained blocks until no request other than the caller's own is in
// flight, or until timeout elapses. A timeout is logged and is not an error.
// It then sleeps the grace period and returns the number of other requests
// that were in flight when it was called.
func (l *Ledger) WaitUntilDrained(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)

	// Cond has no timed wait; wake every waiter at the deadline instead.
	timer := time.AfterFunc(timeout, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer timer.Stop()

	l.mu.Lock()
	initial := max(l.count-1, 0)
	for l.count > 1 && time.Now().Before(deadline) {
		l.cond.Wait()
	}
	remaining := max(l.count-1, 0)
	grace := l.grace
	l.mu.Unlock()

	if remaining > 0 {
		l.logger.Warnf("drain timed out with requests still in flight", map[string]any{
			"inFlight": remaining,
			"timeout":  timeout.String(),
		})
	} else {
		l.logger.Infof("requests drained", map[string]any{"initial": initial})
	}

	if grace > 0 {
		time.Sleep(grace)
	}
	return initial
}
