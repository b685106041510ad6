package loop

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dungeon-net/dungeond/internal/client"
	"github.com/dungeon-net/dungeond/internal/network"
	"github.com/dungeon-net/dungeond/internal/protocol"
	"github.com/dungeon-net/dungeond/internal/session"
	"github.com/dungeon-net/dungeond/internal/sim"
	"github.com/dungeon-net/dungeond/internal/tracker"
)

type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *recorder) add(msg protocol.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder) all() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.msgs...)
}

type fakeConn struct {
	id     uint64
	closed bool
	recorder
}

func (c *fakeConn) ID() uint64 { return c.id }
func (c *fakeConn) Send(msg protocol.Message) *session.Result {
	c.add(msg)
	return session.Resolved(nil)
}
func (c *fakeConn) Close() error         { c.closed = true; return nil }
func (c *fakeConn) IsClosed() bool       { return c.closed }
func (c *fakeConn) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

type fakeUDP struct{ recorder }

func (u *fakeUDP) SendTo(_ *net.UDPAddr, msg protocol.Message) *session.Result {
	u.add(msg)
	return session.Resolved(nil)
}

type fakeTransport struct {
	mu        sync.Mutex
	states    map[uint16]*client.State
	sessions  map[uint16]*session.Session
	broadcast recorder
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		states:   make(map[uint16]*client.State),
		sessions: make(map[uint16]*session.Session),
	}
}

func (f *fakeTransport) Clients() []*client.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*client.State, 0, len(f.states))
	for _, s := range f.states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (f *fakeTransport) Session(id uint16) (*session.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	return s, ok
}

func (f *fakeTransport) Forget(id uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, live := f.sessions[id]; live {
		return false
	}
	if _, ok := f.states[id]; !ok {
		return false
	}
	delete(f.states, id)
	return true
}

func (f *fakeTransport) SendTo(id uint16, msg protocol.Message, reliable bool) *session.Result {
	s, ok := f.Session(id)
	if !ok {
		return session.Resolved(errors.New("unknown client"))
	}
	return s.SendMessage(msg, reliable)
}

func (f *fakeTransport) Broadcast(msg protocol.Message, reliable bool) *session.Result {
	f.broadcast.add(msg)
	return session.Resolved(nil)
}

// connect registers a live client and returns its state and connection.
func (f *fakeTransport) connect(t *testing.T, id uint16, name string) (*client.State, *fakeConn, *fakeUDP) {
	t.Helper()
	state, err := client.New(id, name, int64(id)+100, []byte{byte(id)})
	if err != nil {
		t.Fatal(err)
	}
	conn := &fakeConn{id: uint64(id)}
	udp := &fakeUDP{}
	sess := session.New(conn, udp)
	if err := sess.AttachClientState(state); err != nil {
		t.Fatal(err)
	}
	sess.SetUDPAddr(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000 + int(id)})

	f.mu.Lock()
	f.states[id] = state
	f.sessions[id] = sess
	f.mu.Unlock()
	return state, conn, udp
}

func (f *fakeTransport) drop(id uint16) {
	f.mu.Lock()
	delete(f.sessions, id)
	state := f.states[id]
	f.mu.Unlock()
	state.Detach()
}

func testOptions() Options {
	return Options{
		TickRate:        60,
		SnapshotRate:    20,
		RTTAlpha:        0.5,
		ReconnectWindow: time.Hour,
		OverrunWarnings: 3,
	}
}

func newTestLoop(opts Options, simulation sim.Simulation) (*Loop, *fakeTransport, *network.InputQueue) {
	tr := newFakeTransport()
	q := network.NewInputQueue(128)
	return New(opts, simulation, tr, q, nil, nil, nil), tr, q
}

func heroSpawns(msgs []protocol.Message) []protocol.HeroSpawn {
	var out []protocol.HeroSpawn
	for _, m := range msgs {
		if hs, ok := m.(protocol.HeroSpawn); ok {
			out = append(out, hs)
		}
	}
	return out
}

func TestTickSpawnsHeroOnce(t *testing.T) {
	arena := sim.NewArena(sim.DefaultArenaConfig())
	l, tr, _ := newTestLoop(testOptions(), arena)
	state, conn, _ := tr.connect(t, 1, "Aria")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := l.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}

	hero, ok := state.Hero()
	if !ok {
		t.Fatal("no hero assigned")
	}
	spawns := heroSpawns(conn.all())
	if len(spawns) != 1 || spawns[0].EntityID != hero {
		t.Fatalf("hero spawn messages = %+v, hero %d", spawns, hero)
	}
	if l.Stats().HeroesSpawned != 1 {
		t.Fatalf("heroes spawned = %d", l.Stats().HeroesSpawned)
	}
	if l.CurrentTick() != 3 {
		t.Fatalf("tick = %d", l.CurrentTick())
	}
}

func TestStaleSequenceRejected(t *testing.T) {
	arena := sim.NewArena(sim.DefaultArenaConfig())
	l, tr, q := newTestLoop(testOptions(), arena)
	state, _, _ := tr.connect(t, 1, "Aria")
	ctx := context.Background()
	l.Tick(ctx)

	move := &protocol.Point{X: 1, Y: 0}
	q.Push(state, protocol.Input{Sequence: 5, Action: protocol.ActionMove, Point: move})
	q.Push(state, protocol.Input{Sequence: 3, Action: protocol.ActionMove, Point: move})
	if err := l.Tick(ctx); err != nil {
		t.Fatal(err)
	}

	if got := state.LastProcessedSeq(); got != 5 {
		t.Fatalf("last processed = %d, want 5", got)
	}
	if got := state.ExpectedSeq(); got != 6 {
		t.Fatalf("expected seq = %d, want 6", got)
	}
	stats := l.Stats()
	if stats.InputsApplied != 1 || stats.InputsDropped != 1 {
		t.Fatalf("applied=%d dropped=%d", stats.InputsApplied, stats.InputsDropped)
	}
}

func TestHugeGapDropped(t *testing.T) {
	arena := sim.NewArena(sim.DefaultArenaConfig())
	l, tr, q := newTestLoop(testOptions(), arena)
	state, _, _ := tr.connect(t, 1, "Aria")
	ctx := context.Background()
	l.Tick(ctx)

	q.Push(state, protocol.Input{Sequence: client.DefaultMaxSeqGap + 50, Action: protocol.ActionNextSkill})
	l.Tick(ctx)

	if state.LastProcessedSeq() != -1 {
		t.Fatalf("last processed = %d", state.LastProcessedSeq())
	}
	if l.Stats().InputsDropped != 1 {
		t.Fatal("gap not dropped")
	}
}

func TestOneBadClientDoesNotStallOthers(t *testing.T) {
	arena := sim.NewArena(sim.DefaultArenaConfig())
	l, tr, q := newTestLoop(testOptions(), arena)
	bad, _, _ := tr.connect(t, 1, "Aria")
	good, _, _ := tr.connect(t, 2, "Brand")
	ctx := context.Background()
	l.Tick(ctx)

	// MOVE without a direction is refused by the arena.
	q.Push(bad, protocol.Input{Sequence: 1, Action: protocol.ActionMove})
	q.Push(good, protocol.Input{Sequence: 1, Action: protocol.ActionNextSkill})
	if err := l.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if bad.LastProcessedSeq() != -1 {
		t.Fatal("failed input advanced the sequence")
	}
	if good.LastProcessedSeq() != 1 {
		t.Fatal("good client's input not applied")
	}
	stats := l.Stats()
	if stats.InputsFailed != 1 || stats.InputsApplied != 1 {
		t.Fatalf("failed=%d applied=%d", stats.InputsFailed, stats.InputsApplied)
	}
}

func TestRTTUpdatedFromInput(t *testing.T) {
	arena := sim.NewArena(sim.DefaultArenaConfig())
	l, tr, q := newTestLoop(testOptions(), arena)
	state, _, _ := tr.connect(t, 1, "Aria")
	ctx := context.Background()
	l.Tick(ctx)

	sent := time.Now().Add(-200 * time.Millisecond).UnixMilli()
	q.Push(state, protocol.Input{ClientTick: 9, Sequence: 0, Action: protocol.ActionNextSkill, SentAtMs: sent})
	l.Tick(ctx)

	if rtt := state.RTTEstimateMs(); rtt < 50 {
		t.Fatalf("rtt estimate = %v", rtt)
	}
}

func TestDetachedHeroKeptInsideWindow(t *testing.T) {
	arena := sim.NewArena(sim.DefaultArenaConfig())
	l, tr, _ := newTestLoop(testOptions(), arena)
	state, _, _ := tr.connect(t, 1, "Aria")
	ctx := context.Background()
	l.Tick(ctx)
	before := arena.EntityCount()

	tr.drop(1)
	l.Tick(ctx)

	if _, ok := state.Hero(); !ok {
		t.Fatal("hero released inside the reconnect window")
	}
	if arena.EntityCount() != before {
		t.Fatal("hero removed from the world")
	}
	if len(tr.Clients()) != 1 {
		t.Fatal("state forgotten inside the reconnect window")
	}
}

func TestDetachedHeroRemovedAfterWindow(t *testing.T) {
	opts := testOptions()
	opts.ReconnectWindow = 0
	arena := sim.NewArena(sim.DefaultArenaConfig())
	l, tr, _ := newTestLoop(opts, arena)
	state, _, _ := tr.connect(t, 1, "Aria")
	ctx := context.Background()
	l.Tick(ctx)
	hero, _ := state.Hero()
	before := arena.EntityCount()

	tr.drop(1)
	time.Sleep(2 * time.Millisecond)
	l.Tick(ctx)

	if _, ok := state.Hero(); ok {
		t.Fatal("hero still assigned")
	}
	if arena.EntityCount() != before-1 {
		t.Fatalf("entity count %d, want %d", arena.EntityCount(), before-1)
	}
	if len(tr.Clients()) != 0 {
		t.Fatal("expired state not forgotten")
	}
	var despawned bool
	for _, m := range tr.broadcast.all() {
		if d, ok := m.(protocol.EntityDespawn); ok && d.EntityID == hero {
			despawned = true
		}
	}
	if !despawned {
		t.Fatal("no despawn broadcast")
	}
}

func TestClosedSessionWaitsForDetach(t *testing.T) {
	opts := testOptions()
	opts.ReconnectWindow = 0
	arena := sim.NewArena(sim.DefaultArenaConfig())
	l, tr, _ := newTestLoop(opts, arena)
	state, conn, _ := tr.connect(t, 1, "Aria")
	conn.closed = true

	l.Tick(context.Background())

	if _, ok := state.Hero(); ok {
		t.Fatal("hero spawned for a closed session")
	}
	if len(tr.Clients()) != 1 {
		t.Fatal("closed but attached state was expired")
	}
}

func TestSnapshotBroadcastUnreliable(t *testing.T) {
	arena := sim.NewArena(sim.DefaultArenaConfig())
	l, tr, _ := newTestLoop(testOptions(), arena)
	tr.connect(t, 1, "Aria")
	l.Tick(context.Background())

	l.EmitSnapshot()
	l.EmitSnapshot() // same tick, refused by the tick guard

	var snaps []protocol.Snapshot
	for _, m := range tr.broadcast.all() {
		if s, ok := m.(protocol.Snapshot); ok {
			snaps = append(snaps, s)
		}
	}
	if len(snaps) != 1 {
		t.Fatalf("snapshots broadcast = %d, want 1", len(snaps))
	}
	if snaps[0].Tick != 1 || len(snaps[0].Entities) != 3 {
		t.Fatalf("snapshot = tick %d with %d entities", snaps[0].Tick, len(snaps[0].Entities))
	}
}

func TestDeltaSnapshotsPerClient(t *testing.T) {
	opts := testOptions()
	opts.DeltaSnapshots = true
	opts.FullSnapshotEvery = 1000
	arena := sim.NewArena(sim.DefaultArenaConfig())
	l, tr, _ := newTestLoop(opts, arena)
	_, _, udp := tr.connect(t, 1, "Aria")
	ctx := context.Background()

	l.Tick(ctx)
	l.EmitSnapshot()
	l.Tick(ctx)
	l.EmitSnapshot()

	sent := udp.all()
	if len(sent) != 2 {
		t.Fatalf("datagrams = %d, want 2", len(sent))
	}
	first, second := sent[0].(protocol.Snapshot), sent[1].(protocol.Snapshot)
	if !first.Full || len(first.Entities) != 3 {
		t.Fatalf("first snapshot full=%v entities=%d", first.Full, len(first.Entities))
	}
	if second.Full || len(second.Entities) != 0 {
		t.Fatalf("second snapshot full=%v entities=%d", second.Full, len(second.Entities))
	}
}

func TestDialogFirstResponderThroughQueue(t *testing.T) {
	arena := sim.NewArena(sim.DefaultArenaConfig())
	tr := newFakeTransport()
	q := network.NewInputQueue(16)
	dialogs := tracker.NewDialogTracker(tr, tr, nil)
	l := New(testOptions(), arena, tr, q, dialogs, nil, nil)

	first, _, _ := tr.connect(t, 1, "Aria")
	second, _, _ := tr.connect(t, 2, "Brand")

	var winners []uint16
	if _, err := dialogs.Show(tracker.Dialog{
		ID:   "d1",
		Type: "prompt",
		Callbacks: map[string]tracker.DialogCallback{
			"ok": func(clientID uint16, _ string) { winners = append(winners, clientID) },
		},
	}); err != nil {
		t.Fatal(err)
	}

	q.Push(first, protocol.DialogResponse{DialogID: "d1", Callback: "ok"})
	q.Push(second, protocol.DialogResponse{DialogID: "d1", Callback: "ok"})
	l.Tick(context.Background())
	q.Push(second, protocol.DialogResponse{DialogID: "d1", Callback: "ok"})
	l.Tick(context.Background())

	if len(winners) != 1 || winners[0] != 1 {
		t.Fatalf("callback winners = %v, want [1]", winners)
	}
	if dialogs.TryClaim("d1", 2) {
		t.Fatal("losing client claimed later")
	}
}

func TestStatsReportQueueOverflow(t *testing.T) {
	arena := sim.NewArena(sim.DefaultArenaConfig())
	tr := newFakeTransport()
	q := network.NewInputQueue(2)
	l := New(testOptions(), arena, tr, q, nil, nil, nil)

	state, _, _ := tr.connect(t, 1, "Aria")
	for seq := int32(1); seq <= 5; seq++ {
		q.Push(state, protocol.Input{Sequence: seq, Action: protocol.ActionMove})
	}

	stats := l.Stats()
	if stats.QueueLength != 2 || stats.QueueDropped != 3 {
		t.Fatalf("queue length %d dropped %d, want 2 and 3", stats.QueueLength, stats.QueueDropped)
	}
}

func TestPanickingCallbacksDoNotStopDrain(t *testing.T) {
	arena := sim.NewArena(sim.DefaultArenaConfig())
	tr := newFakeTransport()
	q := network.NewInputQueue(16)
	dialogs := tracker.NewDialogTracker(tr, tr, nil)
	sounds := tracker.NewSoundTracker(tr, tr, nil)
	l := New(testOptions(), arena, tr, q, dialogs, sounds, nil)

	first, _, _ := tr.connect(t, 1, "Aria")
	second, _, _ := tr.connect(t, 2, "Brand")
	ctx := context.Background()
	if err := l.Tick(ctx); err != nil {
		t.Fatal(err)
	}

	if err := dialogs.Register(tracker.Dialog{
		ID: "trap",
		Callbacks: map[string]tracker.DialogCallback{
			"ok": func(uint16, string) { panic("bad callback") },
		},
	}); err != nil {
		t.Fatal(err)
	}
	sound, err := sounds.RegisterAndSend(tracker.SoundSpec{SoundName: "bell"})
	if err != nil {
		t.Fatal(err)
	}
	if err := sounds.OnFinished(sound, func() { panic("bad finish") }); err != nil {
		t.Fatal(err)
	}

	q.Push(first, protocol.DialogResponse{DialogID: "trap", Callback: "ok"})
	q.Push(first, protocol.SoundFinished{InstanceID: sound})
	q.Push(second, protocol.Input{Sequence: 1, Action: protocol.ActionNextSkill})
	if err := l.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if second.LastProcessedSeq() != 1 {
		t.Fatalf("second client's input not applied, last = %d", second.LastProcessedSeq())
	}
	stats := l.Stats()
	if stats.InputsFailed != 2 || stats.InputsApplied != 1 {
		t.Fatalf("failed=%d applied=%d", stats.InputsFailed, stats.InputsApplied)
	}
}

type panickySpawner struct {
	*sim.Arena
	victim string
}

func (p *panickySpawner) SpawnHero(username string) (protocol.EntityID, error) {
	if username == p.victim {
		panic("spawn exploded")
	}
	return p.Arena.SpawnHero(username)
}

func TestPanickingSpawnSkipsOnlyThatClient(t *testing.T) {
	world := &panickySpawner{Arena: sim.NewArena(sim.DefaultArenaConfig()), victim: "Aria"}
	l, tr, _ := newTestLoop(testOptions(), world)
	bad, _, _ := tr.connect(t, 1, "Aria")
	good, _, _ := tr.connect(t, 2, "Brand")

	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, ok := bad.Hero(); ok {
		t.Fatal("panicking spawn assigned a hero")
	}
	if _, ok := good.Hero(); !ok {
		t.Fatal("other client did not get a hero")
	}
}

func (f *fakeTransport) ClientForEntity(entity protocol.EntityID) (uint16, bool) {
	for _, s := range f.Clients() {
		if hero, ok := s.Hero(); ok && hero == entity {
			return s.ID(), true
		}
	}
	return 0, false
}

type brokenSim struct {
	*sim.Arena
	panics bool
}

var errWorldCorrupt = errors.New("world corrupt")

func (b *brokenSim) AdvanceOneFrame() error {
	if b.panics {
		panic("physics exploded")
	}
	return errWorldCorrupt
}

func TestFatalSimulationErrorStopsLoop(t *testing.T) {
	for _, panics := range []bool{false, true} {
		world := &brokenSim{Arena: sim.NewArena(sim.DefaultArenaConfig()), panics: panics}
		l, _, _ := newTestLoop(testOptions(), world)

		if err := l.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		select {
		case <-l.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("panics=%v: loop did not stop", panics)
		}

		if l.Err() == nil {
			t.Fatalf("panics=%v: no error reported", panics)
		}
		if !panics && !errors.Is(l.Err(), errWorldCorrupt) {
			t.Fatalf("error = %v", l.Err())
		}
		if l.Running() {
			t.Fatal("loop still marked running")
		}
		if l.Stats().Error == "" {
			t.Fatal("stats do not carry the error")
		}
	}
}

func TestStartStop(t *testing.T) {
	arena := sim.NewArena(sim.DefaultArenaConfig())
	l, tr, _ := newTestLoop(testOptions(), arena)
	tr.connect(t, 1, "Aria")

	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := l.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v", err)
	}
	time.Sleep(250 * time.Millisecond)
	l.Stop()

	if l.Err() != nil {
		t.Fatalf("clean stop reported %v", l.Err())
	}
	stats := l.Stats()
	if stats.Ticks == 0 || stats.Snapshots == 0 {
		t.Fatalf("ticks=%d snapshots=%d", stats.Ticks, stats.Snapshots)
	}
	if stats.HeroesSpawned != 1 {
		t.Fatalf("heroes spawned = %d", stats.HeroesSpawned)
	}
}

func TestGameOverBroadcastsReliably(t *testing.T) {
	l, tr, _ := newTestLoop(testOptions(), sim.NewArena(sim.DefaultArenaConfig()))
	l.GameOver("boss defeated")

	msgs := tr.broadcast.all()
	if len(msgs) != 1 {
		t.Fatalf("broadcasts = %d", len(msgs))
	}
	if g, ok := msgs[0].(protocol.GameOver); !ok || g.Reason != "boss defeated" {
		t.Fatalf("broadcast = %+v", msgs[0])
	}
}
