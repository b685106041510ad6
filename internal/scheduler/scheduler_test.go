package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestTasksRunWithoutOverlap(t *testing.T) {
	s := New()
	var active, overlaps, fast, slow atomic.Int32

	body := func(counter *atomic.Int32) TaskFunc {
		return func(context.Context) error {
			if active.Add(1) > 1 {
				overlaps.Add(1)
			}
			counter.Add(1)
			time.Sleep(time.Millisecond)
			active.Add(-1)
			return nil
		}
	}
	if err := s.Every("fast", 5*time.Millisecond, body(&fast)); err != nil {
		t.Fatal(err)
	}
	if err := s.Every("slow", 20*time.Millisecond, body(&slow)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if overlaps.Load() != 0 {
		t.Fatalf("%d overlapping runs", overlaps.Load())
	}
	if fast.Load() <= slow.Load() {
		t.Fatalf("fast=%d slow=%d, want fast > slow", fast.Load(), slow.Load())
	}
	if slow.Load() == 0 {
		t.Fatal("slow task never ran")
	}
}

func TestTaskErrorStopsScheduler(t *testing.T) {
	s := New()
	boom := errors.New("boom")
	var runs atomic.Int32
	s.Every("fail", time.Millisecond, func(context.Context) error {
		if runs.Add(1) == 3 {
			return boom
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Run(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want boom", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("task ran %d times after failing", runs.Load())
	}
}

func TestTaskPanicStopsScheduler(t *testing.T) {
	s := New()
	s.Every("panic", time.Millisecond, func(context.Context) error {
		panic("kaboom")
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Run(ctx)
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("Run error = %v", err)
	}
}

func TestEveryValidation(t *testing.T) {
	s := New()
	if err := s.Every("zero", 0, nil); err == nil {
		t.Fatal("zero interval accepted")
	}
	if err := s.Run(context.Background()); !errors.Is(err, ErrNoTasks) {
		t.Fatalf("Run with no tasks = %v", err)
	}
}

func TestStatsCountRuns(t *testing.T) {
	s := New()
	s.Every("tick", 2*time.Millisecond, func(context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	stats := s.Stats()
	if len(stats) != 1 || stats[0].Name != "tick" || stats[0].Runs == 0 {
		t.Fatalf("stats = %+v", stats)
	}
}
