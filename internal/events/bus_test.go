package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handlers not called in time")
	}
}

func TestEmitReachesTypedAndWildcardHandlers(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	bus.Subscribe(ClientConnected, "typed", func(ctx context.Context, e Event) error {
		if e.Time.IsZero() {
			t.Error("event time not stamped")
		}
		wg.Done()
		return nil
	})
	bus.SubscribeAll("all", func(ctx context.Context, e Event) error {
		wg.Done()
		return nil
	})

	bus.Emit(context.Background(), Event{Type: ClientConnected, Source: "test"})
	waitFor(t, &wg)
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe(LoopFatal, "panics", func(ctx context.Context, e Event) error { panic("boom") })
	bus.Subscribe(LoopFatal, "works", func(ctx context.Context, e Event) error { wg.Done(); return nil })

	bus.Emit(context.Background(), Event{Type: LoopFatal})
	waitFor(t, &wg)
}

func TestUnsubscribeAndStop(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(HeroSpawned, "a", func(ctx context.Context, e Event) error { return nil })
	bus.Subscribe(HeroSpawned, "b", func(ctx context.Context, e Event) error { return nil })
	bus.Unsubscribe(HeroSpawned, "a")
	if n := bus.HandlerCount(HeroSpawned); n != 1 {
		t.Fatalf("HandlerCount = %d, want 1", n)
	}

	bus.Stop()
	called := false
	bus.Subscribe(HeroRemoved, "late", func(ctx context.Context, e Event) error { called = true; return nil })
	bus.Emit(context.Background(), Event{Type: HeroRemoved})
	time.Sleep(10 * time.Millisecond)
	if called {
		t.Fatal("handler ran after Stop")
	}
}
