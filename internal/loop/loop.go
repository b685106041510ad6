// Package loop runs the authoritative simulation: a fixed-rate tick that
// reconciles clients with their heroes, applies queued input and advances
// the world, plus a lower-rate snapshot broadcast.
package loop

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dungeon-net/dungeond/internal/client"
	"github.com/dungeon-net/dungeond/internal/config"
	"github.com/dungeon-net/dungeond/internal/events"
	"github.com/dungeon-net/dungeond/internal/network"
	"github.com/dungeon-net/dungeond/internal/protocol"
	"github.com/dungeon-net/dungeond/internal/scheduler"
	"github.com/dungeon-net/dungeond/internal/session"
	"github.com/dungeon-net/dungeond/internal/sim"
)

var (
	ErrAlreadyStarted = errors.New("server loop already started")
	ErrSimulation     = errors.New("simulation failed")
)

// Transport is what the loop needs from the network layer.
type Transport interface {
	Clients() []*client.State
	Session(clientID uint16) (*session.Session, bool)
	Forget(clientID uint16) bool
	SendTo(clientID uint16, msg protocol.Message, reliable bool) *session.Result
	Broadcast(msg protocol.Message, reliable bool) *session.Result
}

// Queue is the consumer side of the input queue.
type Queue interface {
	Drain() []network.Envelope
	Len() int
	Dropped() uint64
}

// DialogResponder handles dialog answers on the loop goroutine.
type DialogResponder interface {
	HandleResponse(clientID uint16, resp protocol.DialogResponse) error
}

// SoundReporter handles sound-finished reports on the loop goroutine.
type SoundReporter interface {
	NotifyFinished(instanceID int64, clientID uint16) error
}

// Options configures the loop.
type Options struct {
	TickRate          int
	SnapshotRate      int
	RTTAlpha          float64
	ReconnectWindow   time.Duration
	DeltaSnapshots    bool
	FullSnapshotEvery int32
	OverrunWarnings   int
}

// OptionsFromConfig maps the loop section onto Options.
func OptionsFromConfig(l config.LoopConfig) Options {
	return Options{
		TickRate:          l.TickRate,
		SnapshotRate:      l.SnapshotRate,
		RTTAlpha:          l.RTTAlpha,
		ReconnectWindow:   l.ReconnectWindow(),
		DeltaSnapshots:    l.DeltaSnapshots,
		FullSnapshotEvery: l.FullSnapshotEvery,
		OverrunWarnings:   l.OverrunWarnings,
	}
}

// Stats is a point-in-time view of the loop.
type Stats struct {
	Running          bool                  `json:"running"`
	Tick             int32                 `json:"tick"`
	Ticks            uint64                `json:"ticks"`
	InputsApplied    uint64                `json:"inputs_applied"`
	InputsDropped    uint64                `json:"inputs_dropped"`
	InputsFailed     uint64                `json:"inputs_failed"`
	Snapshots        uint64                `json:"snapshots"`
	HeroesSpawned    uint64                `json:"heroes_spawned"`
	HeroesRemoved    uint64                `json:"heroes_removed"`
	Overruns         uint64                `json:"overruns"`
	LastTickDuration time.Duration         `json:"last_tick_duration_ns"`
	QueueLength      int                   `json:"queue_length"`
	QueueDropped     uint64                `json:"queue_dropped"`
	Error            string                `json:"error,omitempty"`
	Tasks            []scheduler.TaskStats `json:"tasks"`
	Lag              LagReport             `json:"lag"`
}

// Loop is the authoritative server loop. Tick and snapshot both run on the
// scheduler goroutine, so the simulation is only touched from there.
type Loop struct {
	opts      Options
	sim       sim.Simulation
	transport Transport
	queue     Queue
	dialogs   DialogResponder
	sounds    SoundReporter
	bus       *events.Bus
	sched     *scheduler.Scheduler
	lag       *LagMonitor
	logger    zerolog.Logger

	tick     atomic.Int32
	ticks    atomic.Uint64
	applied  atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
	snaps    atomic.Uint64
	spawned  atomic.Uint64
	removed  atomic.Uint64
	overruns atomic.Uint64
	lastTick atomic.Int64

	mu      sync.Mutex
	started bool
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// New creates a loop. dialogs and sounds may be nil.
func New(opts Options, simulation sim.Simulation, transport Transport, queue Queue, dialogs DialogResponder, sounds SoundReporter, bus *events.Bus) *Loop {
	if opts.TickRate <= 0 {
		opts.TickRate = 30
	}
	if opts.SnapshotRate <= 0 || opts.SnapshotRate > opts.TickRate {
		opts.SnapshotRate = opts.TickRate
	}
	return &Loop{
		opts:      opts,
		sim:       simulation,
		transport: transport,
		queue:     queue,
		dialogs:   dialogs,
		sounds:    sounds,
		bus:       bus,
		sched:     scheduler.New(),
		lag:       NewLagMonitor(opts.OverrunWarnings),
		logger:    log.With().Str("component", "loop").Logger(),
		done:      make(chan struct{}),
	}
}

func (l *Loop) tickBudget() time.Duration {
	return time.Second / time.Duration(l.opts.TickRate)
}

// Start schedules the tick, snapshot and housekeeping tasks and returns.
// The loop runs until Stop, ctx cancellation or a fatal tick error.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return ErrAlreadyStarted
	}

	if err := l.sched.Every("tick", l.tickBudget(), l.Tick); err != nil {
		return err
	}
	snapshotEvery := time.Second / time.Duration(l.opts.SnapshotRate)
	if err := l.sched.Every("snapshot", snapshotEvery, func(context.Context) error {
		l.EmitSnapshot()
		return nil
	}); err != nil {
		return err
	}
	if err := l.sched.Every("lag", time.Second, l.lag.Check); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.started, l.running, l.cancel = true, true, cancel

	l.logger.Info().
		Int("tick_hz", l.opts.TickRate).
		Int("snapshot_hz", l.opts.SnapshotRate).
		Str("level", l.sim.LevelName()).
		Msg("server loop started")
	l.emit(events.LoopStarted, events.TickPayload{Budget: l.tickBudget()})

	go l.run(runCtx)
	return nil
}

func (l *Loop) run(ctx context.Context) {
	err := l.sched.Run(ctx)

	l.mu.Lock()
	l.running = false
	l.err = err
	l.mu.Unlock()

	if err != nil {
		l.logger.Error().Err(err).Int32("tick", l.tick.Load()).Msg("server loop stopped on fatal error")
		l.emit(events.LoopFatal, events.TickPayload{Tick: l.tick.Load(), Error: err.Error()})
	} else {
		l.logger.Info().Uint64("ticks", l.ticks.Load()).Msg("server loop stopped")
		l.emit(events.LoopStopped, events.TickPayload{Tick: l.tick.Load()})
	}
	close(l.done)
}

// Stop cancels the scheduled tasks and waits for the current one to
// finish. In-flight sends complete on their own.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, started := l.cancel, l.started
	l.mu.Unlock()
	if !started {
		return
	}
	cancel()
	<-l.done
}

// Done is closed once a started loop has stopped.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Err returns the fatal error that stopped the loop, if any.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Running reports whether the scheduler is active.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// CurrentTick returns the last tick number.
func (l *Loop) CurrentTick() int32 { return l.tick.Load() }

func (l *Loop) nextTick() int32 {
	cur := l.tick.Load()
	next := cur + 1
	if cur == math.MaxInt32 {
		next = 0
	}
	l.tick.Store(next)
	return next
}

// Tick runs one simulation step: reconcile clients and heroes, drain the
// input queue, then advance the world by one frame. A returned error is
// fatal for the loop.
func (l *Loop) Tick(ctx context.Context) error {
	began := time.Now()
	tick := l.nextTick()

	l.reconcile(began)
	l.drain()

	if err := l.sim.AdvanceOneFrame(); err != nil {
		return fmt.Errorf("%w at tick %d: %w", ErrSimulation, tick, err)
	}

	took := time.Since(began)
	l.ticks.Add(1)
	l.lastTick.Store(int64(took))
	if budget := l.tickBudget(); took > budget {
		l.overruns.Add(1)
		l.lag.Record(tick, took, budget)
		l.logger.Debug().Int32("tick", tick).Dur("took", took).Dur("budget", budget).Msg("tick overran its budget")
		l.emit(events.TickOverrun, events.TickPayload{Tick: tick, Duration: took, Budget: budget})
	}
	return nil
}

// reconcile spawns heroes for connected clients that lack one and removes
// the heroes of clients whose reconnect window has passed.
func (l *Loop) reconcile(now time.Time) {
	for _, state := range l.transport.Clients() {
		sess, live := l.transport.Session(state.ID())
		switch {
		case live && sess.IsClosed():
			// The network side detaches it shortly.
			continue
		case live:
			if _, ok := state.Hero(); !ok {
				l.spawnHero(state)
			}
		case state.Detached() && !state.IsWithinReconnectWindow(now, l.opts.ReconnectWindow):
			l.expire(state)
		}
	}
}

func (l *Loop) spawnHero(state *client.State) {
	logger := l.logger.With().Uint16("client", state.ID()).Str("username", state.Username()).Logger()

	hero, err := l.trySpawnHero(state.Username())
	if err != nil {
		logger.Warn().Err(err).Msg("failed to spawn hero, retrying next tick")
		return
	}
	state.SetHero(hero)
	l.spawned.Add(1)

	// Sent before the snapshot task can show the hero.
	l.transport.SendTo(state.ID(), protocol.HeroSpawn{EntityID: hero}, true)

	logger.Info().Int32("entity", int32(hero)).Msg("hero spawned")
	l.emit(events.HeroSpawned, events.HeroPayload{ClientID: state.ID(), Username: state.Username(), EntityID: int32(hero)})
}

// trySpawnHero isolates panics from one client's spawn.
func (l *Loop) trySpawnHero(username string) (hero protocol.EntityID, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic spawning hero: %v", r)
			l.logger.Error().Str("username", username).Bytes("stack", debug.Stack()).Msg("hero spawn panicked")
		}
	}()
	return l.sim.SpawnHero(username)
}

func (l *Loop) expire(state *client.State) {
	logger := l.logger.With().Uint16("client", state.ID()).Str("username", state.Username()).Logger()

	if hero, ok := state.ReleaseHero(); ok {
		l.sim.RemoveEntity(hero)
		l.removed.Add(1)
		l.transport.Broadcast(protocol.EntityDespawn{EntityID: hero, Reason: "disconnected"}, true)
		logger.Info().Int32("entity", int32(hero)).Msg("hero removed after reconnect window")
		l.emit(events.HeroRemoved, events.HeroPayload{ClientID: state.ID(), Username: state.Username(), EntityID: int32(hero)})
	}
	if l.transport.Forget(state.ID()) {
		l.emit(events.ClientExpired, events.ClientPayload{ClientID: state.ID(), Username: state.Username(), Reason: "reconnect window expired"})
	}
}

// drain applies every queued message in arrival order. One client's
// failure, panics included, never stops the drain.
func (l *Loop) drain() {
	for _, env := range l.queue.Drain() {
		if env.State == nil {
			continue
		}
		l.handle(env)
	}
}

func (l *Loop) handle(env network.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			l.failed.Add(1)
			l.logger.Error().
				Uint16("client", env.State.ID()).
				Str("username", env.State.Username()).
				Str("kind", env.Msg.Kind().String()).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("client message panicked")
		}
	}()

	switch m := env.Msg.(type) {
	case protocol.Input:
		l.applyInput(env.State, m)
	case protocol.DialogResponse:
		if l.dialogs == nil {
			return
		}
		if err := l.dialogs.HandleResponse(env.State.ID(), m); err != nil {
			l.logger.Debug().Err(err).
				Uint16("client", env.State.ID()).
				Str("dialog", m.DialogID).
				Msg("dialog response refused")
		}
	case protocol.SoundFinished:
		if l.sounds == nil {
			return
		}
		if err := l.sounds.NotifyFinished(m.InstanceID, env.State.ID()); err != nil {
			l.logger.Debug().Err(err).
				Uint16("client", env.State.ID()).
				Int64("sound", m.InstanceID).
				Msg("sound report refused")
		}
	default:
		l.logger.Warn().Str("kind", env.Msg.Kind().String()).Msg("unexpected message in input queue")
	}
}

func (l *Loop) applyInput(state *client.State, in protocol.Input) {
	logger := l.logger.With().
		Uint16("client", state.ID()).
		Str("username", state.Username()).
		Int32("seq", in.Sequence).
		Logger()

	if !state.IsSeqPlausible(in.Sequence) || in.Sequence <= state.LastProcessedSeq() {
		l.dropped.Add(1)
		logger.Debug().Int32("last", state.LastProcessedSeq()).Msg("dropping stale or implausible input")
		return
	}
	gap, err := state.HandleSeqGap(in.Sequence)
	if err != nil {
		l.dropped.Add(1)
		logger.Warn().Err(err).Msg("dropping input")
		return
	}
	hero, ok := state.Hero()
	if !ok {
		l.dropped.Add(1)
		logger.Debug().Msg("dropping input for client without hero")
		return
	}

	if err := l.applyCommand(hero, in); err != nil {
		l.failed.Add(1)
		logger.Warn().Err(err).Str("action", in.Action.String()).Msg("failed to apply input")
		return
	}
	if err := state.UpdateProcessedSeq(in.Sequence); err != nil {
		logger.Warn().Err(err).Msg("sequence update rejected")
		return
	}
	if in.SentAtMs > 0 {
		if err := state.UpdateRTTEstimate(in.SentAtMs, in.ClientTick, l.opts.RTTAlpha); err != nil {
			logger.Debug().Err(err).Msg("rtt sample ignored")
		}
	}
	l.applied.Add(1)
	if gap > 0 {
		logger.Trace().Int("gap", gap).Msg("input sequence skipped ahead")
	}
}

// applyCommand isolates panics from one client's command.
func (l *Loop) applyCommand(hero protocol.EntityID, in protocol.Input) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic applying %s: %v", in.Action, r)
			l.logger.Error().Bytes("stack", debug.Stack()).Msg("command panicked")
		}
	}()
	return l.sim.ApplyCommand(hero, in.Action, in.Point)
}

// EmitSnapshot translates the world at the current tick and sends it over
// the unreliable channel, either as one broadcast or as a per-client delta.
func (l *Loop) EmitSnapshot() {
	tick := l.tick.Load()
	snap, ok := l.sim.TranslateSnapshot(tick)
	if !ok || snap == nil {
		return
	}
	l.snaps.Add(1)

	if !l.opts.DeltaSnapshots {
		l.transport.Broadcast(*snap, false)
		return
	}
	for _, state := range l.transport.Clients() {
		sess, live := l.transport.Session(state.ID())
		if !live || sess.UDPAddr() == nil {
			continue
		}
		delta := state.SnapshotCache().Delta(snap, l.opts.FullSnapshotEvery)
		res := sess.SendMessage(*delta, false)
		if res.Outcome() == session.Failed {
			// The client missed this delta; resend everything next time.
			state.ClearSnapshotCache()
		}
	}
}

// GameOver broadcasts the end of the game to every client.
func (l *Loop) GameOver(reason string) *session.Result {
	l.logger.Info().Str("reason", reason).Msg("game over")
	l.emit(events.GameOver, events.ClientPayload{Reason: reason})
	return l.transport.Broadcast(protocol.GameOver{Reason: reason}, true)
}

// Stats returns the loop counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	running, err := l.running, l.err
	l.mu.Unlock()

	s := Stats{
		Running:          running,
		Tick:             l.tick.Load(),
		Ticks:            l.ticks.Load(),
		InputsApplied:    l.applied.Load(),
		InputsDropped:    l.dropped.Load(),
		InputsFailed:     l.failed.Load(),
		Snapshots:        l.snaps.Load(),
		HeroesSpawned:    l.spawned.Load(),
		HeroesRemoved:    l.removed.Load(),
		Overruns:         l.overruns.Load(),
		LastTickDuration: time.Duration(l.lastTick.Load()),
		QueueLength:      l.queue.Len(),
		QueueDropped:     l.queue.Dropped(),
		Tasks:            l.sched.Stats(),
		Lag:              l.lag.Report(),
	}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

func (l *Loop) emit(eventType events.Type, payload interface{}) {
	if l.bus == nil {
		return
	}
	l.bus.Emit(context.Background(), events.Event{
		Type:    eventType,
		Source:  "loop",
		Payload: payload,
	})
}
