// Package scheduler runs the engine's periodic jobs. Each job fires on its
// own interval; a tick that finds the previous invocation still running is
// skipped rather than queued, and a job's gate can suppress a tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"trading-riskengine/internal/logger"
	"trading-riskengine/internal/metrics"
)

// ErrDrainTimeout is returned by Stop when in-flight jobs outlive the grace
// period and had to be cancelled.
var ErrDrainTimeout = errors.New("scheduler: jobs still running after grace period")

// Job is one periodic unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	// Gate, if set, is consulted on every tick; false skips the tick.
	Gate func(now time.Time) bool
	Run  func(ctx context.Context) error
}

type entry struct {
	job     Job
	running atomic.Bool
}

// Scheduler owns the job loops.
type Scheduler struct {
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	entries []*entry
	started bool

	stopTicks  context.CancelFunc
	cancelWork context.CancelFunc
	loops      sync.WaitGroup
	inflight   sync.WaitGroup
}

// New creates a scheduler. m may be nil.
func New(m *metrics.Metrics) *Scheduler {
	return &Scheduler{metrics: m, now: time.Now}
}

// Add registers a job. Jobs must be added before Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("scheduler: job needs a name and a Run func")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("scheduler: job %s: interval must be positive", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler: job %s added after start", job.Name)
	}
	for _, e := range s.entries {
		if e.job.Name == job.Name {
			return fmt.Errorf("scheduler: duplicate job %s", job.Name)
		}
	}
	s.entries = append(s.entries, &entry{job: job})
	return nil
}

// Start launches one loop per job. Job contexts derive from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	workCtx, cancelWork := context.WithCancel(ctx)
	tickCtx, stopTicks := context.WithCancel(ctx)
	s.cancelWork, s.stopTicks = cancelWork, stopTicks

	for _, e := range s.entries {
		e := e
		s.loops.Add(1)
		go func() {
			defer s.loops.Done()
			s.loop(tickCtx, workCtx, e)
		}()
		slog.Info("scheduler job registered", "job", e.job.Name, "interval", e.job.Interval.String())
	}
}

func (s *Scheduler) loop(tickCtx, workCtx context.Context, e *entry) {
	ticker := time.NewTicker(e.job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-tickCtx.Done():
			return
		case <-ticker.C:
			s.fire(workCtx, e, s.now())
		}
	}
}

// fire starts one invocation of e unless gated off or already running.
// It reports whether an invocation was started.
func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) bool {
	if e.job.Gate != nil && !e.job.Gate(now) {
		return false
	}
	if !e.running.CompareAndSwap(false, true) {
		slog.Warn("job still running, skipping tick", "job", e.job.Name)
		if s.metrics != nil {
			s.metrics.JobSkipped.WithLabelValues(e.job.Name).Inc()
		}
		return false
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer e.running.Store(false)
		s.invoke(ctx, e.job, now)
	}()
	return true
}

func (s *Scheduler) invoke(ctx context.Context, job Job, now time.Time) {
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(job.Name, now))
	start := time.Now()
	result := "ok"

	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			slog.Error("job panicked",
				append(logger.LogWithTrace(ctx), "job", job.Name, "panic", fmt.Sprint(r),
					"stack", string(debug.Stack()))...)
		}
		if s.metrics != nil {
			s.metrics.JobRuns.WithLabelValues(job.Name, result).Inc()
			s.metrics.JobDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())
		}
	}()

	if err := job.Run(ctx); err != nil {
		result = "error"
		slog.Error("job failed", append(logger.LogWithTrace(ctx), "job", job.Name, "error", err)...)
		return
	}
	slog.Debug("job completed",
		append(logger.LogWithTrace(ctx), "job", job.Name, "duration", time.Since(start).String())...)
}

// RunNow starts the named job immediately, subject to the same overlap
// rule as a tick but ignoring its gate.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var target *entry
	for _, e := range s.entries {
		if e.job.Name == name {
			target = e
		}
	}
	s.mu.Unlock()
	if target == nil {
		return fmt.Errorf("scheduler: unknown job %s", name)
	}

	if !target.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler: job %s already running", name)
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer target.running.Store(false)
		s.invoke(ctx, target.job, s.now())
	}()
	return nil
}

// Running reports whether any invocation of the named job is in flight.
func (s *Scheduler) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.job.Name == name {
			return e.running.Load()
		}
	}
	return false
}

// Stop stops issuing ticks at once, then waits up to grace for in-flight
// jobs to finish. Jobs still running after grace have their context
// cancelled and ErrDrainTimeout is returned.
func (s *Scheduler) Stop(grace time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	stopTicks, cancelWork := s.stopTicks, s.cancelWork
	s.mu.Unlock()

	stopTicks()
	s.loops.Wait()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancelWork()
		slog.Info("scheduler stopped")
		return nil
	case <-time.After(grace):
		cancelWork()
		slog.Warn("scheduler grace period elapsed, cancelling running jobs", "grace", grace.String())
		return ErrDrainTimeout
	}
}
