package sim

import (
	"fmt"
	"math"
	"sync"

	"github.com/dungeon-net/dungeond/internal/protocol"
)

// ArenaConfig sizes the reference world.
type ArenaConfig struct {
	Level     string
	Width     float32
	Height    float32
	Spawn     protocol.Point
	Speed     float32 // tiles per second
	TickRate  int
	MaxHealth int32
	Skills    []string
	Props     []Prop
}

// Prop is a static interactable entity placed at startup.
type Prop struct {
	Name     string
	Position protocol.Point
}

// DefaultArenaConfig returns a small single-room level.
func DefaultArenaConfig() ArenaConfig {
	return ArenaConfig{
		Level:     "arena",
		Width:     32,
		Height:    32,
		Spawn:     protocol.Point{X: 16, Y: 16},
		Speed:     4,
		TickRate:  30,
		MaxHealth: 100,
		Skills:    []string{"fireball", "heal", "dash"},
		Props: []Prop{
			{Name: "chest", Position: protocol.Point{X: 4, Y: 4}},
			{Name: "lever", Position: protocol.Point{X: 28, Y: 4}},
		},
	}
}

const interactRange = 1.5

type entity struct {
	id        protocol.EntityID
	name      string
	pos       protocol.Point
	target    *protocol.Point
	direction string
	state     string
	health    int32
	maxHealth int32
	skill     int
	static    bool
}

// Arena is a minimal Simulation: heroes walk toward targets inside a
// rectangle, cycle skills and interact with props.
type Arena struct {
	cfg ArenaConfig

	mu       sync.Mutex
	nextID   protocol.EntityID
	entities map[protocol.EntityID]*entity
	frame    uint64
	guard    *TickGuard
}

// NewArena creates the world and places its props.
func NewArena(cfg ArenaConfig) *Arena {
	if cfg.TickRate <= 0 {
		cfg.TickRate = 30
	}
	if len(cfg.Skills) == 0 {
		cfg.Skills = []string{"none"}
	}
	a := &Arena{
		cfg:      cfg,
		nextID:   1,
		entities: make(map[protocol.EntityID]*entity),
		guard:    NewTickGuard(),
	}
	for _, p := range cfg.Props {
		a.add(&entity{name: p.Name, pos: a.clamp(p.Position), state: "idle", static: true})
	}
	return a
}

func (a *Arena) add(e *entity) protocol.EntityID {
	e.id = a.nextID
	a.nextID++
	a.entities[e.id] = e
	return e.id
}

func (a *Arena) clamp(p protocol.Point) protocol.Point {
	p.X = float32(math.Max(0, math.Min(float64(a.cfg.Width), float64(p.X))))
	p.Y = float32(math.Max(0, math.Min(float64(a.cfg.Height), float64(p.Y))))
	return p
}

// AdvanceOneFrame moves every entity one step toward its target.
func (a *Arena) AdvanceOneFrame() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	step := a.cfg.Speed / float32(a.cfg.TickRate)
	for _, e := range a.entities {
		if e.target == nil {
			continue
		}
		dx, dy := e.target.X-e.pos.X, e.target.Y-e.pos.Y
		dist := float32(math.Hypot(float64(dx), float64(dy)))
		if dist <= step {
			e.pos = *e.target
			e.target = nil
			e.state = "idle"
			continue
		}
		e.pos.X += dx / dist * step
		e.pos.Y += dy / dist * step
		e.direction = facing(dx, dy)
		e.state = "walking"
	}
	a.frame++
	return nil
}

func facing(dx, dy float32) string {
	if math.Abs(float64(dx)) >= math.Abs(float64(dy)) {
		if dx < 0 {
			return "LEFT"
		}
		return "RIGHT"
	}
	if dy < 0 {
		return "DOWN"
	}
	return "UP"
}

// ApplyCommand applies one action to a hero.
func (a *Arena) ApplyCommand(id protocol.EntityID, action protocol.Action, point *protocol.Point) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entities[id]
	if !ok || e.static {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}

	switch action {
	case protocol.ActionMove:
		if point == nil {
			return fmt.Errorf("%w: %s needs a direction", ErrBadCommand, action)
		}
		t := a.clamp(protocol.Point{X: e.pos.X + point.X, Y: e.pos.Y + point.Y})
		e.target = &t
	case protocol.ActionMovePath:
		if point == nil {
			return fmt.Errorf("%w: %s needs a destination", ErrBadCommand, action)
		}
		t := a.clamp(*point)
		e.target = &t
	case protocol.ActionCastSkill:
		if point == nil {
			return fmt.Errorf("%w: %s needs a target", ErrBadCommand, action)
		}
		e.state = "casting:" + a.cfg.Skills[e.skill]
		e.direction = facing(point.X-e.pos.X, point.Y-e.pos.Y)
	case protocol.ActionNextSkill:
		e.skill = (e.skill + 1) % len(a.cfg.Skills)
	case protocol.ActionPrevSkill:
		e.skill = (e.skill - 1 + len(a.cfg.Skills)) % len(a.cfg.Skills)
	case protocol.ActionInteract:
		if point == nil {
			return fmt.Errorf("%w: %s needs a target", ErrBadCommand, action)
		}
		prop := a.propNear(*point)
		if prop == nil || distance(prop.pos, e.pos) > interactRange {
			return fmt.Errorf("%w: nothing to interact with", ErrBadCommand)
		}
		prop.state = "used"
	default:
		return fmt.Errorf("%w: unknown action %s", ErrBadCommand, action)
	}
	return nil
}

func (a *Arena) propNear(p protocol.Point) *entity {
	for _, e := range a.entities {
		if e.static && distance(e.pos, p) <= interactRange {
			return e
		}
	}
	return nil
}

func distance(a, b protocol.Point) float64 {
	return math.Hypot(float64(a.X-b.X), float64(a.Y-b.Y))
}

// TranslateSnapshot returns every entity; ticks rejected by the TickGuard
// produce no snapshot.
func (a *Arena) TranslateSnapshot(tick int32) (*protocol.Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.guard.Accept(tick) {
		return nil, false
	}

	snap := &protocol.Snapshot{Tick: tick, Level: a.cfg.Level}
	for _, e := range a.entities {
		pos := e.pos
		st := protocol.EntityState{
			EntityID:      e.id,
			Name:          e.name,
			Position:      &pos,
			ViewDirection: e.direction,
			State:         e.state,
			Static:        e.static,
		}
		if !e.static {
			hp, maxHP := e.health, e.maxHealth
			st.Health, st.MaxHealth = &hp, &maxHP
		}
		snap.Entities = append(snap.Entities, st)
	}
	return snap, true
}

// SpawnHero places a hero at the level spawn point.
func (a *Arena) SpawnHero(username string) (protocol.EntityID, error) {
	if username == "" {
		return protocol.NoEntity, fmt.Errorf("%w: empty username", ErrBadCommand)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.add(&entity{
		name:      "hero:" + username,
		pos:       a.cfg.Spawn,
		direction: "DOWN",
		state:     "idle",
		health:    a.cfg.MaxHealth,
		maxHealth: a.cfg.MaxHealth,
	}), nil
}

// RemoveEntity deletes an entity; unknown ids are ignored.
func (a *Arena) RemoveEntity(id protocol.EntityID) {
	a.mu.Lock()
	delete(a.entities, id)
	a.mu.Unlock()
}

// LevelName returns the configured level name.
func (a *Arena) LevelName() string { return a.cfg.Level }

// SpawnEvent describes a live entity.
func (a *Arena) SpawnEvent(id protocol.EntityID) (protocol.EntitySpawn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entities[id]
	if !ok {
		return protocol.EntitySpawn{}, false
	}
	return protocol.EntitySpawn{EntityID: e.id, Name: e.name, Position: e.pos}, true
}

// Frame returns the number of frames advanced.
func (a *Arena) Frame() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frame
}

// EntityCount returns the number of live entities.
func (a *Arena) EntityCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entities)
}
