// Package health runs periodic checks over the server's subsystems and
// publishes heartbeats.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dungeon-net/dungeond/internal/events"
	"github.com/dungeon-net/dungeond/internal/util"
)

// Status is the outcome of a check or of the whole report.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Default intervals.
const (
	DefaultInterval  = 10 * time.Second
	DefaultHeartbeat = 30 * time.Second
	checkTimeout     = 5 * time.Second
)

// CheckFunc probes one subsystem. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// CheckResult is the latest outcome of one check.
type CheckResult struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Critical bool          `json:"critical"`
	Error    string        `json:"error,omitempty"`
	Took     time.Duration `json:"took_ns"`
	At       time.Time     `json:"at"`
}

// Report aggregates all check results.
type Report struct {
	Status Status        `json:"status"`
	Checks []CheckResult `json:"checks"`
	At     time.Time     `json:"at"`
}

type check struct {
	name     string
	critical bool
	fn       CheckFunc
}

// Manager runs registered checks on an interval and remembers the last
// report.
type Manager struct {
	bus       *events.Bus
	interval  time.Duration
	heartbeat time.Duration
	logger    zerolog.Logger

	mu     sync.RWMutex
	checks []check
	last   Report
	stats  func() interface{}
}

// NewManager creates a manager. Zero intervals select the defaults.
func NewManager(bus *events.Bus, interval, heartbeat time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Manager{
		bus:       bus,
		interval:  interval,
		heartbeat: heartbeat,
		logger:    util.ComponentLogger("health"),
		last:      Report{Status: StatusOK},
	}
}

// Register adds a check. A failing critical check marks the server down,
// any other failing check marks it degraded.
func (m *Manager) Register(name string, critical bool, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, check{name: name, critical: critical, fn: fn})
}

// SetHeartbeatStats sets the function whose result rides along with each
// heartbeat.
func (m *Manager) SetHeartbeatStats(fn func() interface{}) {
	m.mu.Lock()
	m.stats = fn
	m.mu.Unlock()
}

// Start runs checks and heartbeats until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	checkTicker := time.NewTicker(m.interval)
	defer checkTicker.Stop()
	beatTicker := time.NewTicker(m.heartbeat)
	defer beatTicker.Stop()

	m.RunChecks(ctx)
	m.logger.Info().Int("checks", len(m.snapshotChecks())).Dur("interval", m.interval).Msg("health check manager started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("health check manager stopped")
			return
		case <-checkTicker.C:
			m.RunChecks(ctx)
		case <-beatTicker.C:
			m.beat(ctx)
		}
	}
}

func (m *Manager) snapshotChecks() []check {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]check(nil), m.checks...)
}

// RunChecks runs every check once, stores the report and emits
// HealthChanged when the overall status moved.
func (m *Manager) RunChecks(ctx context.Context) Report {
	checks := m.snapshotChecks()
	report := Report{Status: StatusOK, At: time.Now(), Checks: make([]CheckResult, 0, len(checks))}

	for _, c := range checks {
		res := runCheck(ctx, c)
		if res.Status != StatusOK {
			m.logger.Warn().Str("check", c.name).Str("error", res.Error).Bool("critical", c.critical).Msg("health check failed")
			switch {
			case c.critical:
				report.Status = StatusDown
			case report.Status == StatusOK:
				report.Status = StatusDegraded
			}
		}
		report.Checks = append(report.Checks, res)
	}
	sort.Slice(report.Checks, func(i, j int) bool { return report.Checks[i].Name < report.Checks[j].Name })

	m.mu.Lock()
	previous := m.last.Status
	m.last = report
	m.mu.Unlock()

	if previous != report.Status {
		m.logger.Info().Str("from", string(previous)).Str("to", string(report.Status)).Msg("health status changed")
		m.emit(ctx, events.HealthChanged, report)
	}
	return report
}

func runCheck(ctx context.Context, c check) (res CheckResult) {
	res = CheckResult{Name: c.name, Status: StatusOK, Critical: c.critical, At: time.Now()}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusDown
			res.Error = fmt.Sprintf("panic: %v", r)
		}
		res.Took = time.Since(res.At)
	}()

	if err := c.fn(ctx); err != nil {
		res.Status = StatusDown
		if !c.critical {
			res.Status = StatusDegraded
		}
		res.Error = err.Error()
	}
	return res
}

// Latest returns the most recent report.
func (m *Manager) Latest() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *Manager) beat(ctx context.Context) {
	m.mu.RLock()
	status := m.last.Status
	statsFn := m.stats
	m.mu.RUnlock()

	payload := map[string]interface{}{
		"status":  status,
		"process": util.GetProcessStats(),
	}
	if statsFn != nil {
		payload["stats"] = statsFn()
	}
	m.emit(ctx, events.Heartbeat, payload)
}

func (m *Manager) emit(ctx context.Context, t events.Type, payload interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(ctx, events.Event{Type: t, Source: "health", Payload: payload})
}

// Errors returned by the standard checks.
var (
	ErrLoopStopped    = errors.New("server loop is not running")
	ErrNotListening   = errors.New("transport is not listening")
	ErrDiskNearlyFull = errors.New("disk nearly full")
)

// Runner reports whether a component is running.
type Runner interface {
	Running() bool
}

// Listener reports whether the transport is accepting clients.
type Listener interface {
	Listening() bool
}

// Pinger verifies a connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LoopCheck fails when the server loop has stopped.
func LoopCheck(r Runner) CheckFunc {
	return func(context.Context) error {
		if !r.Running() {
			return ErrLoopStopped
		}
		return nil
	}
}

// TransportCheck fails when the transport is not listening.
func TransportCheck(l Listener) CheckFunc {
	return func(context.Context) error {
		if !l.Listening() {
			return ErrNotListening
		}
		return nil
	}
}

// PingCheck fails when p cannot be reached.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		return p.Ping(ctx)
	}
}

// DiskCheck fails when the filesystem holding path is more than maxUsed
// percent full.
func DiskCheck(path string, maxUsed float64) CheckFunc {
	return func(context.Context) error {
		usage, err := util.GetDiskUsage(path)
		if err != nil {
			return fmt.Errorf("disk usage for %s: %w", path, err)
		}
		if usage.UsedPercent >= maxUsed {
			return fmt.Errorf("%w: %.1f%% used, %d MB free", ErrDiskNearlyFull, usage.UsedPercent, usage.FreeMB)
		}
		return nil
	}
}
