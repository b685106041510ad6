package loop

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	lagHistoryLimit = 1000
	lagWindow       = time.Minute
)

// Overrun is one tick that took longer than its budget.
type Overrun struct {
	Timestamp time.Time     `json:"timestamp"`
	Tick      int32         `json:"tick"`
	Duration  time.Duration `json:"duration_ns"`
	Budget    time.Duration `json:"budget_ns"`
}

// LagReport summarises recent overruns.
type LagReport struct {
	Total             int           `json:"total"`
	LastMinute        int           `json:"last_minute"`
	MaxDuration       time.Duration `json:"max_duration_ns"`
	AvgDuration       time.Duration `json:"avg_duration_ns"`
	LastOverrun       time.Time     `json:"last_overrun,omitempty"`
	Level             string        `json:"level"`
	HourlyBuckets     map[int]int   `json:"hourly_buckets"`
	WarnThreshold     int           `json:"warn_threshold"`
	CriticalThreshold int           `json:"critical_threshold"`
}

// LagMonitor keeps a bounded history of tick overruns and raises alerts
// when too many happen within a minute.
type LagMonitor struct {
	mu      sync.RWMutex
	history []Overrun
	total   int
	maxDur  time.Duration
	hourly  map[int]int
	level   string

	warnThreshold     int
	criticalThreshold int
	now               func() time.Time
}

// NewLagMonitor creates a monitor that warns at warn overruns per minute and
// escalates at four times that.
func NewLagMonitor(warn int) *LagMonitor {
	if warn < 1 {
		warn = 1
	}
	return &LagMonitor{
		history:           make([]Overrun, 0, 64),
		hourly:            make(map[int]int),
		level:             "ok",
		warnThreshold:     warn,
		criticalThreshold: warn * 4,
		now:               time.Now,
	}
}

// Record adds one overrun.
func (lm *LagMonitor) Record(tick int32, took, budget time.Duration) {
	now := lm.now()

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.total++
	lm.history = append(lm.history, Overrun{Timestamp: now, Tick: tick, Duration: took, Budget: budget})
	if took > lm.maxDur {
		lm.maxDur = took
	}
	lm.hourly[now.Hour()]++
	if len(lm.history) > lagHistoryLimit {
		lm.history = lm.history[len(lm.history)-lagHistoryLimit:]
	}
}

func (lm *LagMonitor) recentLocked(now time.Time) int {
	cutoff := now.Add(-lagWindow)
	n := 0
	for i := len(lm.history) - 1; i >= 0; i-- {
		if !lm.history[i].Timestamp.After(cutoff) {
			break
		}
		n++
	}
	return n
}

func (lm *LagMonitor) levelFor(recent int) string {
	switch {
	case recent >= lm.criticalThreshold:
		return "critical"
	case recent >= lm.warnThreshold:
		return "warning"
	default:
		return "ok"
	}
}

// Check evaluates the thresholds and logs when the level changes. It runs
// as a housekeeping task of the server loop.
func (lm *LagMonitor) Check(ctx context.Context) error {
	lm.mu.Lock()
	recent := lm.recentLocked(lm.now())
	level := lm.levelFor(recent)
	changed := level != lm.level
	lm.level = level
	lm.mu.Unlock()

	if !changed {
		return nil
	}
	evt := log.Info()
	if level != "ok" {
		evt = log.Warn()
	}
	evt.Str("component", "lag_monitor").
		Str("level", level).
		Int("overruns_last_minute", recent).
		Msg("tick lag level changed")
	return nil
}

// Report returns a summary of the recorded overruns.
func (lm *LagMonitor) Report() LagReport {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	recent := lm.recentLocked(lm.now())
	r := LagReport{
		Total:             lm.total,
		LastMinute:        recent,
		MaxDuration:       lm.maxDur,
		Level:             lm.levelFor(recent),
		HourlyBuckets:     make(map[int]int, len(lm.hourly)),
		WarnThreshold:     lm.warnThreshold,
		CriticalThreshold: lm.criticalThreshold,
	}
	for h, n := range lm.hourly {
		r.HourlyBuckets[h] = n
	}
	if n := len(lm.history); n > 0 {
		var sum time.Duration
		for _, o := range lm.history {
			sum += o.Duration
		}
		r.AvgDuration = sum / time.Duration(n)
		r.LastOverrun = lm.history[n-1].Timestamp
	}
	return r
}
