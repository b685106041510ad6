package sim

import (
	"errors"
	"math"
	"testing"

	"github.com/dungeon-net/dungeond/internal/protocol"
)

func TestTickGuard(t *testing.T) {
	g := NewTickGuard()
	if g.Accept(-1) {
		t.Fatal("negative tick accepted")
	}
	if !g.Accept(5) || g.Accept(5) || g.Accept(4) {
		t.Fatal("out of order tick accepted")
	}
	if !g.Accept(math.MaxInt32 - 10) {
		t.Fatal("near-limit tick rejected")
	}
	if !g.Accept(0) {
		t.Fatal("tick after wrap reset rejected")
	}
}

func TestArenaMovePath(t *testing.T) {
	cfg := DefaultArenaConfig()
	cfg.Speed = 30
	cfg.TickRate = 30
	a := NewArena(cfg)

	hero, err := a.SpawnHero("Aria")
	if err != nil {
		t.Fatalf("SpawnHero: %v", err)
	}
	if err := a.ApplyCommand(hero, protocol.ActionMovePath, &protocol.Point{X: 18, Y: 16}); err != nil {
		t.Fatalf("ApplyCommand: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := a.AdvanceOneFrame(); err != nil {
			t.Fatalf("AdvanceOneFrame: %v", err)
		}
	}

	ev, ok := a.SpawnEvent(hero)
	if !ok {
		t.Fatal("hero missing")
	}
	if ev.Position.X != 18 || ev.Position.Y != 16 {
		t.Fatalf("hero at %+v, want (18,16)", ev.Position)
	}
}

func TestArenaRejectsBadCommands(t *testing.T) {
	a := NewArena(DefaultArenaConfig())
	if err := a.ApplyCommand(999, protocol.ActionNextSkill, nil); !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("unknown entity error = %v", err)
	}

	hero, _ := a.SpawnHero("Aria")
	if err := a.ApplyCommand(hero, protocol.ActionMovePath, nil); !errors.Is(err, ErrBadCommand) {
		t.Fatalf("move without point error = %v", err)
	}
	if err := a.ApplyCommand(hero, protocol.ActionInteract, &protocol.Point{X: 4, Y: 4}); !errors.Is(err, ErrBadCommand) {
		t.Fatalf("interact out of range error = %v", err)
	}
	if err := a.ApplyCommand(1, protocol.ActionNextSkill, nil); !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("command on prop error = %v", err)
	}
}

func TestArenaSnapshotAndRemove(t *testing.T) {
	a := NewArena(DefaultArenaConfig())
	props := a.EntityCount()
	hero, _ := a.SpawnHero("Aria")

	snap, ok := a.TranslateSnapshot(1)
	if !ok || len(snap.Entities) != props+1 || snap.Level != "arena" {
		t.Fatalf("snapshot = %+v, %v", snap, ok)
	}
	if _, ok := a.TranslateSnapshot(1); ok {
		t.Fatal("repeated tick produced a snapshot")
	}

	a.RemoveEntity(hero)
	a.RemoveEntity(hero)
	if a.EntityCount() != props {
		t.Fatalf("entity count = %d, want %d", a.EntityCount(), props)
	}
}
