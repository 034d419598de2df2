package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sentrix-io/sentrix/internal/logging"
)

// CommandFunc builds the command for worker slot i.
type CommandFunc func(i int) *exec.Cmd

// Supervisor keeps a fixed number of worker processes running. A worker
// that exits with an error is restarted after a delay; one that exits
// cleanly, after a drain, is not.
type Supervisor struct {
	count        int
	restartDelay time.Duration
	command      CommandFunc
	logger       *logging.Logger

	mu      sync.Mutex
	procs   map[int]*os.Process
	starts  int
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewSupervisor creates a supervisor for count workers.
func NewSupervisor(count int, restartDelay time.Duration, command CommandFunc, logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Supervisor{
		count:        count,
		restartDelay: restartDelay,
		command:      command,
		logger:       logger,
		procs:        make(map[int]*os.Process),
		stopCh:       make(chan struct{}),
	}
}

// workerCommand re-executes the running binary as a worker listening on
// sitePort.
func workerCommand(configPath string, sitePort int) (CommandFunc, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return func(i int) *exec.Cmd {
		args := []string{"worker", "-id", fmt.Sprintf("worker-%d", i), "-port", strconv.Itoa(sitePort)}
		if configPath != "" {
			args = append(args, "-config", configPath)
		}
		cmd := exec.Command(exe, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd
	}, nil
}

// Start launches every worker slot.
func (s *Supervisor) Start() {
	for i := range s.count {
		s.wg.Add(1)
		go s.supervise(i)
	}
}

func (s *Supervisor) supervise(slot int) {
	defer s.wg.Done()
	log := s.logger.With(map[string]any{"slot": slot})

	for {
		cmd := s.command(slot)
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		err := cmd.Start()
		if err == nil {
			s.procs[slot] = cmd.Process
			s.starts++
		}
		s.mu.Unlock()

		if err != nil {
			log.Errorf("failed to start worker", map[string]any{"error": err.Error()})
		} else {
			log.Infof("worker started", map[string]any{"pid": cmd.Process.Pid})
			err = cmd.Wait()
			s.mu.Lock()
			delete(s.procs, slot)
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			if err == nil {
				log.Info("worker exited cleanly")
				return
			}
			log.Warnf("worker exited, restarting", map[string]any{
				"error": err.Error(),
				"delay": s.restartDelay.String(),
			})
		}

		select {
		case <-s.stopCh:
			return
		case <-time.After(s.restartDelay):
		}
	}
}

// Running returns the number of live worker processes.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Starts returns how many processes have been started, restarts included.
func (s *Supervisor) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

// Stop sends SIGTERM to every worker and waits for them to exit. Workers
// still running when ctx expires are killed.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	for slot, p := range s.procs {
		if err := p.Signal(syscall.SIGTERM); err != nil {
			s.logger.Warnf("failed to signal worker", map[string]any{"slot": slot, "error": err.Error()})
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	for _, p := range s.procs {
		_ = p.Kill()
	}
	s.mu.Unlock()
	<-done
	return fmt.Errorf("workers killed after shutdown timeout: %w", ctx.Err())
}
