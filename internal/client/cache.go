package client

import (
	"sync"

	"github.com/dungeon-net/dungeond/internal/protocol"
)

// SnapshotCache remembers what was last sent to one client so later
// snapshots can carry only the entities that changed.
type SnapshotCache struct {
	mu               sync.Mutex
	lastSent         map[protocol.EntityID]protocol.EntityState
	lastLevel        string
	lastFullTick     int32
	sentStaticEntity map[protocol.EntityID]struct{}
}

// NewSnapshotCache returns an empty cache; the first Delta is always full.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{
		lastSent:         make(map[protocol.EntityID]protocol.EntityState),
		lastFullTick:     -1,
		sentStaticEntity: make(map[protocol.EntityID]struct{}),
	}
}

// Clear drops all cached state.
func (c *SnapshotCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.lastSent)
	clear(c.sentStaticEntity)
	c.lastLevel = ""
	c.lastFullTick = -1
}

// LastFullTick returns the tick of the last full snapshot, -1 if none.
func (c *SnapshotCache) LastFullTick() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFullTick
}

// MarkStaticSent records that the spawn data of a static entity was sent.
// It returns false if it had already been recorded.
func (c *SnapshotCache) MarkStaticSent(id protocol.EntityID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markStaticLocked(id)
}

func (c *SnapshotCache) markStaticLocked(id protocol.EntityID) bool {
	if _, ok := c.sentStaticEntity[id]; ok {
		return false
	}
	c.sentStaticEntity[id] = struct{}{}
	return true
}

// Delta reduces snap to what this client has not seen and records the
// result as sent. A full snapshot is produced when the cache is empty, the
// level changed, or fullEvery ticks have passed since the last full one
// (fullEvery <= 0 disables the periodic refresh). Static entities are sent
// once per level, full snapshots included.
func (c *SnapshotCache) Delta(snap *protocol.Snapshot, fullEvery int32) *protocol.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if snap.Level != c.lastLevel {
		clear(c.sentStaticEntity)
	}
	full := c.lastFullTick < 0 ||
		snap.Level != c.lastLevel ||
		(fullEvery > 0 && snap.Tick-c.lastFullTick >= fullEvery)

	out := &protocol.Snapshot{Tick: snap.Tick, Level: snap.Level, Full: full}
	visible := make(map[protocol.EntityID]struct{}, len(snap.Entities))

	for _, st := range snap.Entities {
		visible[st.EntityID] = struct{}{}
		if st.Static {
			if c.markStaticLocked(st.EntityID) {
				out.Entities = append(out.Entities, st)
			}
			c.lastSent[st.EntityID] = st
			continue
		}
		prev, seen := c.lastSent[st.EntityID]
		if full || !seen || !sameState(prev, st) {
			out.Entities = append(out.Entities, st)
		}
		c.lastSent[st.EntityID] = st
	}

	for id := range c.lastSent {
		if _, ok := visible[id]; !ok {
			if !full {
				out.Removed = append(out.Removed, id)
			}
			delete(c.lastSent, id)
			delete(c.sentStaticEntity, id)
		}
	}

	c.lastLevel = snap.Level
	if full {
		c.lastFullTick = snap.Tick
	}
	return out
}

func sameState(a, b protocol.EntityState) bool {
	return a.EntityID == b.EntityID &&
		a.Name == b.Name &&
		a.ViewDirection == b.ViewDirection &&
		a.State == b.State &&
		samePoint(a.Position, b.Position) &&
		sameInt(a.Health, b.Health) &&
		sameInt(a.MaxHealth, b.MaxHealth)
}

func samePoint(a, b *protocol.Point) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameInt(a, b *int32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
