// Package schedule runs acquisition cycles on a fixed interval and turns
// repeated failures into throttled operator alerts.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"feedback-relay/alert"
	"feedback-relay/pipeline"
)

// failureThreshold is how many consecutive failed cycles it takes before
// an alarm is considered.
const failureThreshold = 5

// Runner executes one acquisition cycle.
type Runner interface {
	Run(ctx context.Context, windowMinutes int) pipeline.Outcome
}

// Alerter delivers operator alerts.
type Alerter interface {
	Alarm(ctx context.Context, kind, detail string)
}

// Scheduler owns the cycle cadence and the consecutive-failure counter.
//
// Cadence: one cycle runs immediately on Start, a one-shot timer lands
// exactly one interval after start, and from that tick onward a
// wall-clock cron trigger takes over so execution-time drift does not
// accumulate. A tick that arrives while the previous cycle is still in
// flight is skipped, never overlapped.
type Scheduler struct {
	runner   Runner
	alerter  Alerter
	throttle *alert.Throttle
	logger   *slog.Logger

	intervalMinutes int
	lookbackMinutes int
	now             func() time.Time

	mu                  sync.Mutex
	running             bool
	consecutiveFailures int
	firstTimer          *time.Timer
	cron                *cron.Cron
}

// New creates a scheduler. lookbackMinutes of 0 reuses the interval as
// the fetch window.
func New(runner Runner, alerter Alerter, throttle *alert.Throttle, intervalMinutes, lookbackMinutes int, logger *slog.Logger) *Scheduler {
	if intervalMinutes < 1 {
		intervalMinutes = 1
	}
	if lookbackMinutes < 1 {
		lookbackMinutes = intervalMinutes
	}
	return &Scheduler{
		runner:          runner,
		alerter:         alerter,
		throttle:        throttle,
		logger:          logger,
		intervalMinutes: intervalMinutes,
		lookbackMinutes: lookbackMinutes,
		now:             time.Now,
	}
}

// Start runs the first cycle immediately, then arms the interval
// triggers. It returns once the first cycle has completed.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Scheduler starting",
		"interval_minutes", s.intervalMinutes,
		"lookback_minutes", s.lookbackMinutes)

	s.tick(ctx)

	interval := time.Duration(s.intervalMinutes) * time.Minute
	s.mu.Lock()
	s.firstTimer = time.AfterFunc(interval, func() {
		s.tick(ctx)
		s.startRecurring(ctx)
	})
	s.mu.Unlock()

	s.logger.Info("First scheduled cycle armed", "fires_at", s.now().Add(interval).Format(time.RFC3339))
}

// startRecurring arms the wall-clock recurring trigger after the first
// scheduled tick has fired.
func (s *Scheduler) startRecurring(ctx context.Context) {
	c := cron.New()

	job := cron.FuncJob(func() { s.tick(ctx) })
	spec, every := recurringTrigger(s.intervalMinutes)
	if spec != "" {
		if _, err := c.AddJob(spec, job); err != nil {
			s.logger.Error("Failed to arm cron trigger", "spec", spec, "error", err)
			return
		}
		s.logger.Info("Recurring trigger armed", "spec", spec)
	} else {
		c.Schedule(cron.Every(every), job)
		s.logger.Info("Recurring trigger armed", "every", every.String())
	}

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()
}

// recurringTrigger picks the recurring trigger for an interval: a
// minute-of-hour aligned cron expression when the interval divides an
// hour, otherwise a fixed period. Intervals that do not divide the hour
// cannot align to the minute-of-hour grid (a */N expression would fire
// at uneven gaps across the hour boundary), and intervals of an hour or
// more do not fit a minute-field expression at all.
func recurringTrigger(intervalMinutes int) (spec string, every time.Duration) {
	if intervalMinutes < 60 && 60%intervalMinutes == 0 {
		return fmt.Sprintf("*/%d * * * *", intervalMinutes), 0
	}
	return "", time.Duration(intervalMinutes) * time.Minute
}

// Stop cancels both triggers. A cycle already in flight finishes on its
// own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstTimer != nil {
		s.firstTimer.Stop()
	}
	if s.cron != nil {
		s.cron.Stop()
	}
	s.logger.Info("Scheduler stopped")
}

// tick runs one cycle unless the previous one is still in flight.
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("Previous cycle still running, skipping this tick")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("Cycle starting", "lookback_minutes", s.lookbackMinutes)
	out := s.runner.Run(ctx, s.lookbackMinutes)
	s.record(ctx, out)
}

// record updates the failure counter from one cycle outcome and fires a
// throttled alarm once the threshold is crossed.
func (s *Scheduler) record(ctx context.Context, out pipeline.Outcome) {
	if out.Success {
		s.mu.Lock()
		s.consecutiveFailures = 0
		s.mu.Unlock()
		s.logger.Info("Cycle succeeded",
			"feedback_count", out.FeedbackCount,
			"method", out.Method)
		return
	}

	s.mu.Lock()
	s.consecutiveFailures++
	failures := s.consecutiveFailures
	s.mu.Unlock()

	s.logger.Error("Cycle failed",
		"consecutive_failures", failures,
		"threshold", failureThreshold,
		"message", out.Message)

	if failures < failureThreshold {
		return
	}

	if !s.throttle.AllowAndMark(s.now()) {
		s.logger.Info("Alarm suppressed by throttle", "consecutive_failures", failures)
		return
	}
	s.alerter.Alarm(ctx, "task fully interrupted",
		fmt.Sprintf("%d consecutive cycle failures, last error: %s", failures, out.Message))
}
