package estimator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrix-io/sentrix/internal/logging"
)

type countingRunner struct {
	runs  atomic.Int32
	block chan struct{}
}

func (r *countingRunner) Run(ctx context.Context) (Result, error) {
	r.runs.Add(1)
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return Result{}, nil
}

func TestScheduler_RunsImmediatelyThenOnTick(t *testing.T) {
	runner := &countingRunner{}
	mock := clock.NewMock()
	s := NewScheduler(runner, SchedulerConfig{Interval: 30 * time.Second}, mock, logging.Nop())

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return s.Cycles() == 1 }, time.Second, 5*time.Millisecond)

	mock.Add(30 * time.Second)
	require.Eventually(t, func() bool { return s.Cycles() == 2 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_Trigger(t *testing.T) {
	runner := &countingRunner{}
	s := NewScheduler(runner, SchedulerConfig{}, clock.NewMock(), logging.Nop())

	s.Start()
	defer s.Stop()
	require.Eventually(t, func() bool { return s.Cycles() == 1 }, time.Second, 5*time.Millisecond)

	s.Trigger()
	require.Eventually(t, func() bool { return s.Cycles() == 2 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_TriggersCoalesce(t *testing.T) {
	runner := &countingRunner{block: make(chan struct{})}
	s := NewScheduler(runner, SchedulerConfig{}, clock.NewMock(), logging.Nop())

	s.Start()
	require.Eventually(t, func() bool { return runner.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	// The first cycle is still running: these collapse into one pending run.
	s.Trigger()
	s.Trigger()
	s.Trigger()
	close(runner.block)

	require.Eventually(t, func() bool { return s.Cycles() == 2 }, time.Second, 5*time.Millisecond)
	s.Stop()
	assert.Equal(t, int32(2), runner.runs.Load())
}

func TestScheduler_StopCancelsRunningCycle(t *testing.T) {
	runner := &countingRunner{block: make(chan struct{})}
	s := NewScheduler(runner, SchedulerConfig{Interval: time.Hour}, clock.NewMock(), logging.Nop())

	s.Start()
	require.Eventually(t, func() bool { return runner.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestScheduler_StartStopIdempotent(t *testing.T) {
	s := NewScheduler(&countingRunner{}, SchedulerConfig{}, nil, nil)
	s.Stop()
	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}
