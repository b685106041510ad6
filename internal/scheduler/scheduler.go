// Package scheduler runs periodic tasks at fixed rates on a single
// goroutine, so tasks never overlap with each other or themselves.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultMaxCatchUp is how many missed runs of a task are replayed
// back-to-back before the scheduler gives up and skips ahead.
const DefaultMaxCatchUp = 5

// ErrNoTasks is returned by Run when nothing was scheduled.
var ErrNoTasks = errors.New("no tasks scheduled")

// TaskFunc is one run of a task. A returned error stops the scheduler.
type TaskFunc func(ctx context.Context) error

// TaskStats reports how a task has been running.
type TaskStats struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval_ns"`
	Runs         uint64        `json:"runs"`
	Skipped      uint64        `json:"skipped"`
	LastDuration time.Duration `json:"last_duration_ns"`
	MaxDuration  time.Duration `json:"max_duration_ns"`
}

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
	next     time.Time
	stats    TaskStats
}

// Scheduler is a single-threaded fixed-rate executor.
type Scheduler struct {
	maxCatchUp int

	mu      sync.Mutex
	tasks   []*task
	running bool
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{maxCatchUp: DefaultMaxCatchUp}
}

// Every schedules fn to run every interval. Tasks due at the same instant
// run in the order they were added. Every must be called before Run.
func (s *Scheduler) Every(name string, interval time.Duration, fn TaskFunc) error {
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive, got %s", name, interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("task %s: scheduler already running", name)
	}
	s.tasks = append(s.tasks, &task{
		name:     name,
		interval: interval,
		fn:       fn,
		stats:    TaskStats{Name: name, Interval: interval},
	})
	return nil
}

// Run executes the tasks until ctx is cancelled, returning nil, or until a
// task fails or panics, returning that failure.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if len(s.tasks) == 0 {
		s.mu.Unlock()
		return ErrNoTasks
	}
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	start := time.Now()
	for _, t := range s.tasks {
		t.next = start.Add(t.interval)
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	log.Debug().Int("tasks", len(s.tasks)).Msg("scheduler started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		wait := time.Until(s.nextDue())
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			log.Debug().Msg("scheduler stopped")
			return nil
		case <-timer.C:
		}

		if err := s.runDue(ctx, time.Now()); err != nil {
			return err
		}
	}
}

func (s *Scheduler) nextDue() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	earliest := s.tasks[0].next
	for _, t := range s.tasks[1:] {
		if t.next.Before(earliest) {
			earliest = t.next
		}
	}
	return earliest
}

func (s *Scheduler) runDue(ctx context.Context, now time.Time) error {
	for _, t := range s.tasks {
		if t.next.After(now) {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		began := time.Now()
		err := s.invoke(ctx, t)
		took := time.Since(began)

		s.mu.Lock()
		t.stats.Runs++
		t.stats.LastDuration = took
		if took > t.stats.MaxDuration {
			t.stats.MaxDuration = took
		}
		t.next = t.next.Add(t.interval)
		if behind := now.Sub(t.next); behind > t.interval*time.Duration(s.maxCatchUp) {
			missed := behind / t.interval
			t.next = t.next.Add(missed * t.interval)
			t.stats.Skipped += uint64(missed)
			log.Warn().
				Str("task", t.name).
				Int64("skipped", int64(missed)).
				Msg("task fell behind, skipping missed runs")
		}
		s.mu.Unlock()

		if err != nil {
			return fmt.Errorf("task %s: %w", t.name, err)
		}
	}
	return nil
}

// invoke runs one task, turning a panic into an error.
func (s *Scheduler) invoke(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error().
				Str("task", t.name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("task panicked")
		}
	}()
	return t.fn(ctx)
}

// Stats returns a copy of every task's counters.
func (s *Scheduler) Stats() []TaskStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStats, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = t.stats
	}
	return out
}
