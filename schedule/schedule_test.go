package schedule

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"feedback-relay/alert"
	"feedback-relay/pipeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	mu       sync.Mutex
	outcomes []pipeline.Outcome
	calls    int
	block    chan struct{}
}

func (r *fakeRunner) Run(context.Context, int) pipeline.Outcome {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := pipeline.Outcome{Success: true}
	if r.calls < len(r.outcomes) {
		out = r.outcomes[r.calls]
	}
	r.calls++
	return out
}

type countingAlerter struct {
	calls int32
}

func (a *countingAlerter) Alarm(context.Context, string, string) {
	atomic.AddInt32(&a.calls, 1)
}

func failures(n int) []pipeline.Outcome {
	outs := make([]pipeline.Outcome, n)
	for i := range outs {
		outs[i] = pipeline.Outcome{Success: false, Message: "portal unreachable"}
	}
	return outs
}

func TestAlarmFiresAtThreshold(t *testing.T) {
	runner := &fakeRunner{outcomes: failures(5)}
	alerter := &countingAlerter{}
	s := New(runner, alerter, alert.NewThrottle(6*time.Hour), 15, 0, testLogger())

	for i := 0; i < 5; i++ {
		s.tick(context.Background())
	}

	if got := atomic.LoadInt32(&alerter.calls); got != 1 {
		t.Errorf("alarms = %d after 5 consecutive failures, want exactly 1", got)
	}
	if s.consecutiveFailures != 5 {
		t.Errorf("consecutiveFailures = %d, want 5", s.consecutiveFailures)
	}
}

func TestAlarmThrottledAcrossRepeatedFailures(t *testing.T) {
	runner := &fakeRunner{outcomes: failures(10)}
	alerter := &countingAlerter{}
	s := New(runner, alerter, alert.NewThrottle(6*time.Hour), 15, 0, testLogger())

	for i := 0; i < 10; i++ {
		s.tick(context.Background())
	}

	if got := atomic.LoadInt32(&alerter.calls); got != 1 {
		t.Errorf("alarms = %d for 10 failures inside the throttle window, want 1", got)
	}
}

func TestAlarmFiresAgainAfterThrottleWindow(t *testing.T) {
	runner := &fakeRunner{outcomes: failures(10)}
	alerter := &countingAlerter{}
	s := New(runner, alerter, alert.NewThrottle(6*time.Hour), 15, 0, testLogger())

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }

	for i := 0; i < 5; i++ {
		s.tick(context.Background())
	}
	// Seven hours later the ongoing failure alarms again.
	clock = base.Add(7 * time.Hour)
	s.tick(context.Background())

	if got := atomic.LoadInt32(&alerter.calls); got != 2 {
		t.Errorf("alarms = %d, want 2 (one per throttle window)", got)
	}
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	runner := &fakeRunner{outcomes: append(failures(4), pipeline.Outcome{Success: true})}
	alerter := &countingAlerter{}
	s := New(runner, alerter, alert.NewThrottle(6*time.Hour), 15, 0, testLogger())

	for i := 0; i < 5; i++ {
		s.tick(context.Background())
	}

	if s.consecutiveFailures != 0 {
		t.Errorf("consecutiveFailures = %d after success, want 0", s.consecutiveFailures)
	}
	if got := atomic.LoadInt32(&alerter.calls); got != 0 {
		t.Errorf("alarms = %d, want 0 (threshold never reached)", got)
	}
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	s := New(runner, &countingAlerter{}, alert.NewThrottle(6*time.Hour), 15, 0, testLogger())

	done := make(chan struct{})
	go func() {
		s.tick(context.Background())
		close(done)
	}()

	// Wait for the first tick to take the running guard.
	for {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if running {
			break
		}
		time.Sleep(time.Millisecond)
	}

	// A tick while the cycle is in flight must return without running.
	s.tick(context.Background())

	close(runner.block)
	<-done

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.calls != 1 {
		t.Errorf("runner ran %d times, want 1 (overlapping tick skipped)", runner.calls)
	}
}

func TestLookbackDefaultsToInterval(t *testing.T) {
	s := New(&fakeRunner{}, &countingAlerter{}, alert.NewThrottle(0), 30, 0, testLogger())
	if s.lookbackMinutes != 30 {
		t.Errorf("lookbackMinutes = %d, want interval 30", s.lookbackMinutes)
	}

	s = New(&fakeRunner{}, &countingAlerter{}, alert.NewThrottle(0), 15, 45, testLogger())
	if s.lookbackMinutes != 45 {
		t.Errorf("lookbackMinutes = %d, want configured 45", s.lookbackMinutes)
	}
}

func TestRecurringTrigger(t *testing.T) {
	tests := []struct {
		minutes   int
		wantSpec  string
		wantEvery time.Duration
	}{
		{1, "*/1 * * * *", 0},
		{15, "*/15 * * * *", 0},
		{30, "*/30 * * * *", 0},
		{7, "", 7 * time.Minute},
		{45, "", 45 * time.Minute},
		{60, "", time.Hour},
		{90, "", 90 * time.Minute},
	}
	for _, tt := range tests {
		spec, every := recurringTrigger(tt.minutes)
		if spec != tt.wantSpec || every != tt.wantEvery {
			t.Errorf("recurringTrigger(%d) = (%q, %v), want (%q, %v)",
				tt.minutes, spec, every, tt.wantSpec, tt.wantEvery)
		}
	}
}
