// Package sim defines the narrow contract between the netcode core and the
// game simulation, plus Arena, a small in-memory world that satisfies it.
package sim

import (
	"errors"
	"math"

	"github.com/dungeon-net/dungeond/internal/protocol"
)

var (
	ErrUnknownEntity = errors.New("unknown entity")
	ErrBadCommand    = errors.New("invalid command")
)

// Simulation is everything the server loop needs from the game. Calls come
// from the loop goroutine, except SpawnEvent which may be called from
// network handlers.
type Simulation interface {
	// AdvanceOneFrame runs every gameplay system once. An error is fatal
	// for the server.
	AdvanceOneFrame() error
	// ApplyCommand applies one client action to the entity it controls.
	ApplyCommand(entity protocol.EntityID, action protocol.Action, point *protocol.Point) error
	// TranslateSnapshot returns the world state for tick, or false when no
	// snapshot should be sent.
	TranslateSnapshot(tick int32) (*protocol.Snapshot, bool)
	SpawnHero(username string) (protocol.EntityID, error)
	RemoveEntity(entity protocol.EntityID)
	// LevelName identifies the loaded level for LevelChange events.
	LevelName() string
	// SpawnEvent describes an entity for late joiners.
	SpawnEvent(entity protocol.EntityID) (protocol.EntitySpawn, bool)
}

// TickGuard filters snapshot ticks: negative ticks are invalid, ticks at or
// behind the last accepted one are out of order, and a tick close to the
// int32 limit resets the guard so the counter can wrap.
type TickGuard struct {
	latest int32
}

// NewTickGuard returns a guard that accepts any non-negative first tick.
func NewTickGuard() *TickGuard {
	return &TickGuard{latest: -1}
}

// Accept reports whether tick may be translated and records it.
func (g *TickGuard) Accept(tick int32) bool {
	if tick < 0 {
		return false
	}
	if tick > math.MaxInt32-1000 {
		g.latest = -1
		return true
	}
	if tick <= g.latest {
		return false
	}
	g.latest = tick
	return true
}
