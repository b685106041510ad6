package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HandlerFunc handles one event.
type HandlerFunc func(ctx context.Context, event Event) error

// Bus is an asynchronous publish-subscribe hub. Netcode components emit
// lifecycle events on it; telemetry, the session store and the live API
// stream consume them without the emitters knowing about them.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]handlerEntry
	wildcard []handlerEntry
	stopped  bool
	wg       sync.WaitGroup
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]handlerEntry)}
}

// Subscribe registers handler for one event type. name identifies the
// handler in logs and in Unsubscribe.
func (b *Bus) Subscribe(eventType Type, name string, handler HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handlerEntry{name: name, handler: handler})
	log.Debug().Str("event", string(eventType)).Str("handler", name).Msg("subscribed to event")
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(name string, handler HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.wildcard = append(b.wildcard, handlerEntry{name: name, handler: handler})
	log.Debug().Str("handler", name).Msg("subscribed to all events")
}

// Unsubscribe removes the named handler from eventType, or from the
// wildcard list when eventType is empty.
func (b *Bus) Unsubscribe(eventType Type, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if eventType == "" {
		b.wildcard = without(b.wildcard, name)
		return
	}
	b.handlers[eventType] = without(b.handlers[eventType], name)
}

func without(entries []handlerEntry, name string) []handlerEntry {
	kept := make([]handlerEntry, 0, len(entries))
	for _, h := range entries {
		if h.name != name {
			kept = append(kept, h)
		}
	}
	return kept
}

// Emit delivers event to its handlers, each in its own goroutine. It never
// blocks the caller on handler work.
func (b *Bus) Emit(ctx context.Context, event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopped {
		return
	}

	targets := b.handlers[event.Type]
	if len(targets) == 0 && len(b.wildcard) == 0 {
		return
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(targets)+len(b.wildcard)).
		Msg("emitting event")

	for _, set := range [][]handlerEntry{targets, b.wildcard} {
		for _, h := range set {
			b.wg.Add(1)
			go b.run(ctx, h, event)
		}
	}
}

func (b *Bus) run(ctx context.Context, h handlerEntry, event Event) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", h.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err := h.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", h.name).
			Msg("handler returned error")
	}
}

// Stop rejects further events and waits for in-flight handlers.
func (b *Bus) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	b.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// HandlerCount returns the number of handlers for eventType, wildcard
// handlers excluded.
func (b *Bus) HandlerCount(eventType Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// WildcardCount returns the number of handlers subscribed to every event.
func (b *Bus) WildcardCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.wildcard)
}
