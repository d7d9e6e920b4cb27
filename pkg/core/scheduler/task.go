// Package scheduler runs background jobs on a schedule, one run at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Tompark0927/bus-assigning/pkg/metrics"
)

var (
	ErrNotStarted     = errors.New("task not started")
	ErrAlreadyStarted = errors.New("task already started")
)

// Job is the unit of work a Task runs. The context is cancelled when the task
// is stopped.
type Job func(ctx context.Context) error

// Task runs a Job whenever its Schedule comes due. Runs never overlap: a tick
// that arrives while the previous run is still going is skipped and counted.
// A stopped Task can be started again.
type Task struct {
	name       string
	schedule   Schedule
	job        Job
	logger     *zap.Logger
	metrics    metrics.Collector
	now        func() time.Time
	runOnStart bool

	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// Option configures a Task
type Option func(*Task)

// WithMetrics records every run and skip on c
func WithMetrics(c metrics.Collector) Option {
	return func(t *Task) {
		if c != nil {
			t.metrics = c
		}
	}
}

// WithClock overrides the clock used to compute the next run
func WithClock(now func() time.Time) Option {
	return func(t *Task) {
		if now != nil {
			t.now = now
		}
	}
}

// WithRunOnStart fires the job as soon as the task starts
func WithRunOnStart() Option {
	return func(t *Task) {
		t.runOnStart = true
	}
}

// NewTask creates a stopped task
func NewTask(name string, schedule Schedule, job Job, logger *zap.Logger, opts ...Option) *Task {
	t := &Task{
		name:     name,
		schedule: schedule,
		job:      job,
		logger:   logger.With(zap.String("task", name)),
		metrics:  metrics.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the task name
func (t *Task) Name() string {
	return t.name
}

// Start runs the task in the background until Stop is called or ctx ends.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.started = true
	t.cancel = cancel
	t.doneCh = make(chan struct{})

	go t.loop(runCtx, t.doneCh)

	t.logger.Info("Scheduled task started", zap.Stringer("schedule", describe(t.schedule)))
	return nil
}

// Stop cancels the task and blocks until an in-flight run returns.
func (t *Task) Stop() error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return ErrNotStarted
	}
	t.cancel()
	t.started = false
	done := t.doneCh
	t.mu.Unlock()

	<-done

	t.logger.Info("Scheduled task stopped",
		zap.Int64("runs", t.runs.Load()),
		zap.Int64("skipped", t.skipped.Load()))
	return nil
}

// IsStarted reports whether the task is running
func (t *Task) IsStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.started
}

// Runs returns the number of completed runs
func (t *Task) Runs() int64 {
	return t.runs.Load()
}

// Skipped returns the number of ticks dropped because a run was in progress
func (t *Task) Skipped() int64 {
	return t.skipped.Load()
}

func (t *Task) loop(ctx context.Context, done chan struct{}) {
	var inflight sync.WaitGroup
	defer close(done)
	defer inflight.Wait()

	if t.runOnStart {
		t.fire(ctx, &inflight)
	}

	for {
		next := t.schedule.Next(t.now())
		if next.IsZero() {
			t.logger.Warn("Schedule exhausted, task idle")
			<-ctx.Done()
			return
		}

		timer := time.NewTimer(next.Sub(t.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		t.fire(ctx, &inflight)
	}
}

// fire starts a run unless one is already in progress
func (t *Task) fire(ctx context.Context, inflight *sync.WaitGroup) {
	if !t.running.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		t.metrics.RecordTaskRun(t.name, metrics.OutcomeSkipped, 0)
		t.logger.Debug("Previous run still in progress, skipping tick")
		return
	}

	inflight.Add(1)
	go func() {
		defer inflight.Done()
		defer t.running.Store(false)
		t.run(ctx)
	}()
}

func (t *Task) run(ctx context.Context) {
	start := time.Now()
	err := t.job(ctx)
	elapsed := time.Since(start)
	t.runs.Add(1)

	if err != nil {
		t.metrics.RecordTaskRun(t.name, metrics.OutcomeFailure, elapsed)
		if ctx.Err() != nil {
			t.logger.Info("Run interrupted by shutdown", zap.Error(err))
			return
		}
		t.logger.Error("Scheduled run failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		return
	}

	t.metrics.RecordTaskRun(t.name, metrics.OutcomeSuccess, elapsed)
	t.logger.Debug("Scheduled run finished", zap.Duration("elapsed", elapsed))
}

type label string

func (l label) String() string { return string(l) }

func describe(s Schedule) fmt.Stringer {
	if named, ok := s.(fmt.Stringer); ok {
		return named
	}
	return label("custom")
}
