package estimator

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sentrix-io/sentrix/internal/logging"
)

// Runner runs one estimation cycle.
type Runner interface {
	Run(ctx context.Context) (Result, error)
}

// SchedulerConfig configures the Scheduler.
type SchedulerConfig struct {
	// Interval between cycles. Zero disables periodic runs; cycles then
	// only happen on Trigger.
	Interval time.Duration
	// CycleTimeout bounds each cycle. Zero means no bound beyond the
	// store's statement timeout.
	CycleTimeout time.Duration
}

// Scheduler runs estimator cycles periodically and on demand. It runs one
// cycle immediately on Start.
type Scheduler struct {
	runner Runner
	config SchedulerConfig
	clock  clock.Clock
	logger *logging.Logger

	trigger chan struct{}

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	cancel  context.CancelFunc
	cycles  int
}

// NewScheduler creates a scheduler for runner.
func NewScheduler(runner Runner, config SchedulerConfig, clk clock.Clock, logger *logging.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Scheduler{
		runner:  runner,
		config:  config,
		clock:   clk,
		logger:  logger,
		trigger: make(chan struct{}, 1),
	}
}

// Start begins the scheduler loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop stops the loop, cancels a cycle in progress, and waits for it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.cancel()
	s.mu.Unlock()

	<-s.doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Trigger requests a cycle without waiting for it. Requests made while a
// cycle is pending are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Cycles returns the number of completed cycles.
func (s *Scheduler) Cycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	var tick <-chan time.Time
	if s.config.Interval > 0 {
		ticker := s.clock.Ticker(s.config.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	// Run one cycle immediately on start
	s.cycle(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-tick:
			s.cycle(ctx)
		case <-s.trigger:
			s.cycle(ctx)
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) {
	if s.config.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.CycleTimeout)
		defer cancel()
	}
	res, err := s.runner.Run(ctx)
	if err != nil {
		s.logger.Warnf("estimator cycle completed with errors", map[string]any{
			"error":        err,
			"failedScopes": len(res.FailedScopes),
		})
	}

	s.mu.Lock()
	s.cycles++
	s.mu.Unlock()
}
