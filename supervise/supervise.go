// Package supervise keeps a single relay worker process alive. Abnormal
// exits trigger bounded restarts, repeated failure trips a throttled
// alarm, and graceful shutdown kills the worker without alerting.
package supervise

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"feedback-relay/alert"
)

const (
	// defaultPollInterval is how often the health check looks for an
	// absent worker.
	defaultPollInterval = 5 * time.Minute

	// maxRestartAttempts is how many consecutive abnormal exits it
	// takes before an alarm is considered.
	maxRestartAttempts = 3
)

// workerState names the points of the worker lifecycle.
type workerState string

const (
	stateAbsent   workerState = "absent"
	stateStarting workerState = "starting"
	stateRunning  workerState = "running"
)

// Alerter delivers operator alerts.
type Alerter interface {
	Alarm(ctx context.Context, kind, detail string)
}

// Process is a handle to one running worker.
type Process interface {
	// Wait blocks until the process exits; a nil error is a normal exit.
	Wait() error
	Kill() error
	PID() int
}

// StartFunc launches one worker process.
type StartFunc func(ctx context.Context) (Process, error)

// Command returns a StartFunc that runs the given binary with the
// supervisor's stdio, so worker logs land in the same stream. The
// process dies with the supervisor's context.
func Command(path string, args ...string) StartFunc {
	return func(ctx context.Context) (Process, error) {
		cmd := exec.CommandContext(ctx, path, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start worker %s: %w", path, err)
		}
		return &execProcess{cmd: cmd}, nil
	}
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }
func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }
func (p *execProcess) PID() int    { return p.cmd.Process.Pid }

// Supervisor owns the worker lifecycle: absent → starting → running →
// exited (normally | abnormally) → absent. It holds the single
// authoritative restart counter for its scope.
type Supervisor struct {
	start    StartFunc
	alerter  Alerter
	throttle *alert.Throttle
	logger   *slog.Logger

	pollInterval time.Duration
	now          func() time.Time

	mu              sync.Mutex
	state           workerState
	proc            Process
	stopping        bool
	restartAttempts int

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a supervisor.
func New(start StartFunc, alerter Alerter, throttle *alert.Throttle, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		start:        start,
		alerter:      alerter,
		throttle:     throttle,
		logger:       logger,
		pollInterval: defaultPollInterval,
		now:          time.Now,
		state:        stateAbsent,
		done:         make(chan struct{}),
	}
}

// Start launches the worker and the periodic health poll.
func (s *Supervisor) Start(ctx context.Context) {
	s.logger.Info("Supervisor starting", "poll_interval", s.pollInterval.String())

	if err := s.startWorker(ctx); err != nil {
		s.recordFailure(ctx, fmt.Sprintf("initial worker start failed: %v", err))
	}

	go s.healthLoop(ctx)
}

// Stop kills the worker and stops supervision. Graceful shutdown is not
// a failure: no alert fires.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopping = true
	proc := s.proc
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.done) })

	if proc != nil {
		s.logger.Info("Killing worker for shutdown", "pid", proc.PID())
		if err := proc.Kill(); err != nil {
			s.logger.Warn("Failed to kill worker", "error", err)
		}
	}
	s.logger.Info("Supervisor stopped")
}

// healthLoop starts the worker whenever the poll finds it absent.
func (s *Supervisor) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			absent := s.state == stateAbsent && !s.stopping
			s.mu.Unlock()
			if !absent {
				s.logger.Debug("Health poll: worker running")
				continue
			}
			s.logger.Info("Health poll found no worker, starting one")
			if err := s.startWorker(ctx); err != nil {
				s.recordFailure(ctx, fmt.Sprintf("health-poll start failed: %v", err))
			}
		}
	}
}

// startWorker moves the lifecycle through starting → running and wires
// the exit watcher.
func (s *Supervisor) startWorker(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping || s.state != stateAbsent {
		s.mu.Unlock()
		return nil
	}
	s.state = stateStarting
	s.mu.Unlock()

	proc, err := s.start(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = stateAbsent
		s.mu.Unlock()
		s.logger.Error("Worker start failed", "error", err)
		return err
	}

	s.mu.Lock()
	s.state = stateRunning
	s.proc = proc
	s.mu.Unlock()

	s.logger.Info("Worker started", "pid", proc.PID())

	go func() {
		exitErr := proc.Wait()
		s.onExit(ctx, exitErr)
	}()
	return nil
}

// onExit handles one worker exit. A normal exit resets the restart
// counter; an abnormal exit restarts immediately and counts toward the
// alarm threshold.
func (s *Supervisor) onExit(ctx context.Context, exitErr error) {
	s.mu.Lock()
	s.state = stateAbsent
	s.proc = nil
	stopping := s.stopping
	s.mu.Unlock()

	if stopping {
		s.logger.Info("Worker exited during shutdown")
		return
	}

	if exitErr == nil {
		s.mu.Lock()
		s.restartAttempts = 0
		s.mu.Unlock()
		s.logger.Info("Worker exited normally")
		return
	}

	s.logger.Error("Worker exited abnormally", "error", exitErr)

	if err := s.startWorker(ctx); err != nil {
		s.logger.Error("Worker restart failed", "error", err)
	}
	s.recordFailure(ctx, fmt.Sprintf("worker exited abnormally: %v", exitErr))
}

// recordFailure increments the restart counter and fires a throttled
// alarm once the bound is reached. All failure paths funnel through this
// one counter so nothing is ever double counted.
func (s *Supervisor) recordFailure(ctx context.Context, detail string) {
	s.mu.Lock()
	s.restartAttempts++
	attempts := s.restartAttempts
	s.mu.Unlock()

	s.logger.Warn("Worker failure recorded",
		"restart_attempts", attempts,
		"max", maxRestartAttempts,
		"detail", detail)

	if attempts < maxRestartAttempts {
		return
	}

	if !s.throttle.AllowAndMark(s.now()) {
		s.logger.Info("Alarm suppressed by throttle", "restart_attempts", attempts)
		return
	}
	s.alerter.Alarm(ctx, "task fully interrupted",
		fmt.Sprintf("worker failed %d consecutive times, last: %s", attempts, detail))
}
