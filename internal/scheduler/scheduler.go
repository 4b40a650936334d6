// Package scheduler runs named tasks on configured cadences: twice_weekly,
// daily, weekly, or a custom list of weekday/hour/minute slots. Unlike the
// system this pipeline was distilled from, daily and weekly cadences here
// always respect the configured hour/minute — see SPEC_FULL.md §9.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CadenceKind selects how a task's next run time is computed.
type CadenceKind string

const (
	CadenceTwiceWeekly CadenceKind = "twice_weekly"
	CadenceDaily       CadenceKind = "daily"
	CadenceWeekly      CadenceKind = "weekly"
	CadenceCustom      CadenceKind = "custom"
)

// Cadence describes when a task should run.
type Cadence struct {
	Kind     CadenceKind
	Weekdays []time.Weekday // used by TwiceWeekly, Weekly, Custom
	Hour     int
	Minute   int
}

// Next computes the next time after `after` that satisfies the cadence.
func (c Cadence) Next(after time.Time) time.Time {
	switch c.Kind {
	case CadenceDaily:
		return nextDailyAt(after, c.Hour, c.Minute)
	case CadenceTwiceWeekly, CadenceWeekly, CadenceCustom:
		return nextWeekdayAt(after, c.Weekdays, c.Hour, c.Minute)
	default:
		return nextDailyAt(after, c.Hour, c.Minute)
	}
}

func nextDailyAt(after time.Time, hour, minute int) time.Time {
	candidate := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, 0, 0, after.Location())
	if !candidate.After(after) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func nextWeekdayAt(after time.Time, weekdays []time.Weekday, hour, minute int) time.Time {
	if len(weekdays) == 0 {
		return nextDailyAt(after, hour, minute)
	}
	for d := 0; d < 8; d++ {
		candidate := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, 0, 0, after.Location()).AddDate(0, 0, d)
		if !candidate.After(after) {
			continue
		}
		for _, wd := range weekdays {
			if candidate.Weekday() == wd {
				return candidate
			}
		}
	}
	// Unreachable in practice (8-day window always covers a full week).
	return nextDailyAt(after, hour, minute)
}

// TaskFunc is the work a scheduled task performs. It receives a context
// bounded by the task's own timeout policy, if any.
type TaskFunc func(ctx context.Context) error

// Task is one named, scheduled unit of work.
type Task struct {
	Name       string
	Cadence    Cadence
	Run        TaskFunc
	Enabled    bool
	MaxRetries int

	mu        sync.Mutex
	lastRun   time.Time
	nextRun   time.Time
	runCount  int
	errorCount int
	retries   int
}

// Status is a point-in-time snapshot of a task's run history.
type Status struct {
	Name       string
	Enabled    bool
	LastRun    time.Time
	NextRun    time.Time
	RunCount   int
	ErrorCount int
}

// Scheduler wakes every tick (one minute in production) and runs any task
// whose next_run has arrived. The wake loop is single-threaded, so it never
// starts a task while its own previous run of that task is still going.
// ForceRunTask runs the task on the caller's goroutine and does not wait for,
// or exclude, a run of the same task that the wake loop has in progress.
type Scheduler struct {
	tick time.Duration

	mu      sync.Mutex
	tasks   map[string]*Task
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Scheduler that wakes every tick. A zero tick defaults to one
// minute, matching the source system's wake interval.
func New(tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{tick: tick, tasks: make(map[string]*Task)}
}

// AddTask registers a task and computes its first next_run.
func (s *Scheduler) AddTask(t *Task) {
	t.nextRun = t.Cadence.Next(time.Now())
	if t.MaxRetries <= 0 {
		t.MaxRetries = 3
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.Name] = t
}

// Start runs the wake loop in a background goroutine until ctx is cancelled
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

func (s *Scheduler) runDue(ctx context.Context) {
	s.mu.Lock()
	due := make([]*Task, 0)
	now := time.Now()
	for _, t := range s.tasks {
		t.mu.Lock()
		if t.Enabled && !t.nextRun.IsZero() && !t.nextRun.After(now) {
			due = append(due, t)
		}
		t.mu.Unlock()
	}
	s.mu.Unlock()

	for _, t := range due {
		s.runTask(ctx, t)
	}
}

func (s *Scheduler) runTask(ctx context.Context, t *Task) {
	err := t.Run(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastRun = time.Now()
	t.runCount++
	if err != nil {
		t.errorCount++
		t.retries++
		slog.Error("scheduler: task failed", "task", t.Name, "error", err, "retry", t.retries)
		if t.retries < t.MaxRetries {
			t.nextRun = t.lastRun.Add(time.Hour)
			return
		}
		slog.Warn("scheduler: task exhausted retries, falling back to normal cadence", "task", t.Name)
	}
	t.retries = 0
	t.nextRun = t.Cadence.Next(t.lastRun)
}

// Stop cancels the wake loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
}

// ForceRunTask executes a registered task immediately, bypassing its cadence,
// and recomputes its next_run.
func (s *Scheduler) ForceRunTask(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", name)
	}
	s.runTask(ctx, t)
	return nil
}

// SetEnabled toggles whether a task is eligible to run.
func (s *Scheduler) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", name)
	}
	t.mu.Lock()
	t.Enabled = enabled
	t.mu.Unlock()
	return nil
}

// Status returns a snapshot of every registered task, plus whether the
// scheduler's wake loop is running.
func (s *Scheduler) Status() (running bool, tasks []Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	running = s.running
	for _, t := range s.tasks {
		t.mu.Lock()
		tasks = append(tasks, Status{
			Name: t.Name, Enabled: t.Enabled, LastRun: t.lastRun, NextRun: t.nextRun,
			RunCount: t.runCount, ErrorCount: t.errorCount,
		})
		t.mu.Unlock()
	}
	return running, tasks
}
