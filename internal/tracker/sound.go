package tracker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"

	"github.com/dungeon-net/dungeond/internal/events"
	"github.com/dungeon-net/dungeond/internal/protocol"
)

// SoundSpec describes one sound instance played on clients. A zero
// InstanceID is replaced by a generated one. A negative MaxDistance means
// the sound is heard everywhere.
type SoundSpec struct {
	InstanceID        int64
	SoundName         string
	BaseVolume        float32
	Looping           bool
	Pitch             float32
	Pan               float32
	MaxDistance       float32
	AttenuationFactor float32
	Entity            protocol.EntityID
	TargetEntityIDs   []protocol.EntityID
}

type soundEntry struct {
	spec       SoundSpec
	audience   audience
	onFinished []func()
}

// SoundInfo is a read-only view for status reporting.
type SoundInfo struct {
	InstanceID int64    `json:"instance_id"`
	SoundName  string   `json:"sound"`
	Looping    bool     `json:"looping"`
	Entity     int32    `json:"entity"`
	Open       bool     `json:"open_to_all"`
	Authorized []uint16 `json:"authorized_clients"`
	Callbacks  int      `json:"on_finished"`
}

// SoundTracker is the registry of playing sounds. Sounds have no claim;
// any authorized client may report one finished.
type SoundTracker struct {
	mu     deadlock.Mutex
	sounds map[int64]*soundEntry
	nextID atomic.Int64

	sender   Sender
	resolver Resolver
	bus      *events.Bus
	logger   zerolog.Logger
}

// NewSoundTracker creates an empty registry. bus may be nil.
func NewSoundTracker(sender Sender, resolver Resolver, bus *events.Bus) *SoundTracker {
	return &SoundTracker{
		sounds:   make(map[int64]*soundEntry),
		sender:   sender,
		resolver: resolver,
		bus:      bus,
		logger:   log.With().Str("component", "sound_tracker").Logger(),
	}
}

// nextFreeIDLocked returns the next generated id not already tracked,
// including ids callers supplied themselves.
func (t *SoundTracker) nextFreeIDLocked() int64 {
	for {
		id := t.nextID.Add(1)
		if _, taken := t.sounds[id]; !taken {
			return id
		}
	}
}

// RegisterAndSend tracks spec and sends it reliably to its audience. It
// returns the instance id.
func (t *SoundTracker) RegisterAndSend(spec SoundSpec) (int64, error) {
	if strings.TrimSpace(spec.SoundName) == "" {
		return 0, fmt.Errorf("%w: sound name must not be empty", ErrInvalid)
	}
	spec.BaseVolume = clamp01(spec.BaseVolume)
	if spec.Pitch == 0 {
		spec.Pitch = 1
	}

	t.mu.Lock()
	if spec.InstanceID == 0 {
		spec.InstanceID = t.nextFreeIDLocked()
	}
	if _, exists := t.sounds[spec.InstanceID]; exists {
		t.mu.Unlock()
		return 0, fmt.Errorf("sound instance %d: %w", spec.InstanceID, ErrDuplicate)
	}
	entry := &soundEntry{spec: spec, audience: resolveAudience(t.resolver, spec.TargetEntityIDs, t.logger)}
	t.sounds[spec.InstanceID] = entry
	t.mu.Unlock()

	entry.audience.deliver(t.sender, playMessage(spec))

	t.emit(events.SoundStarted, events.ResourcePayload{
		ID:      strconv.FormatInt(spec.InstanceID, 10),
		Clients: entry.audience.list(),
		Name:    spec.SoundName,
	})
	t.logger.Debug().
		Int64("instance", spec.InstanceID).
		Str("sound", spec.SoundName).
		Bool("looping", spec.Looping).
		Msg("sound started")
	return spec.InstanceID, nil
}

func clamp01(v float32) float32 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func playMessage(spec SoundSpec) protocol.SoundPlay {
	return protocol.SoundPlay{
		InstanceID:        spec.InstanceID,
		SoundName:         spec.SoundName,
		Volume:            spec.BaseVolume,
		Looping:           spec.Looping,
		Pitch:             spec.Pitch,
		Pan:               spec.Pan,
		MaxDistance:       spec.MaxDistance,
		AttenuationFactor: spec.AttenuationFactor,
		EntityID:          spec.Entity,
	}
}

// Stop stops tracking instanceID and, if notify is set, tells its audience
// to stop it. Stopping an unknown instance is a no-op that returns false.
// Finish callbacks are dropped without running.
func (t *SoundTracker) Stop(instanceID int64, notify bool) bool {
	t.mu.Lock()
	entry, ok := t.sounds[instanceID]
	delete(t.sounds, instanceID)
	t.mu.Unlock()

	if !ok {
		return false
	}
	if notify {
		entry.audience.deliver(t.sender, protocol.SoundStop{InstanceID: instanceID})
	}
	t.emit(events.SoundStopped, events.ResourcePayload{ID: strconv.FormatInt(instanceID, 10), Name: entry.spec.SoundName})
	return true
}

// OnFinished registers fn to run once when instanceID is reported finished.
func (t *SoundTracker) OnFinished(instanceID int64, fn func()) error {
	if fn == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.sounds[instanceID]
	if !ok {
		return fmt.Errorf("sound instance %d: %w", instanceID, ErrNotFound)
	}
	entry.onFinished = append(entry.onFinished, fn)
	return nil
}

// CanReport reports whether clientID may report instanceID finished.
func (t *SoundTracker) CanReport(instanceID int64, clientID uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.sounds[instanceID]
	return ok && entry.audience.allows(clientID)
}

// NotifyFinished handles a client's finish report: the instance stops being
// tracked and its callbacks run once, on the caller's goroutine.
func (t *SoundTracker) NotifyFinished(instanceID int64, clientID uint16) error {
	t.mu.Lock()
	entry, ok := t.sounds[instanceID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("sound instance %d: %w", instanceID, ErrNotFound)
	}
	if !entry.audience.allows(clientID) {
		t.mu.Unlock()
		return fmt.Errorf("sound instance %d client %d: %w", instanceID, clientID, ErrUnauthorized)
	}
	delete(t.sounds, instanceID)
	callbacks := entry.onFinished
	t.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	t.emit(events.SoundStopped, events.ResourcePayload{
		ID:       strconv.FormatInt(instanceID, 10),
		ClientID: clientID,
		Name:     entry.spec.SoundName,
	})
	return nil
}

// ResyncToClient replays the looping sounds that target clientID. One-shot
// sounds have finished by the time a reconnect completes.
func (t *SoundTracker) ResyncToClient(clientID uint16) int {
	t.mu.Lock()
	var pending []SoundSpec
	for _, entry := range t.sounds {
		if entry.spec.Looping && entry.audience.allows(clientID) {
			pending = append(pending, entry.spec)
		}
	}
	t.mu.Unlock()

	if t.sender != nil {
		for _, spec := range pending {
			t.sender.SendTo(clientID, playMessage(spec), true)
		}
	}
	if len(pending) > 0 {
		t.logger.Debug().Uint16("client", clientID).Int("sounds", len(pending)).Msg("resynced sounds")
	}
	return len(pending)
}

// Clear drops every sound without notifying clients or running callbacks.
func (t *SoundTracker) Clear() {
	t.mu.Lock()
	t.sounds = make(map[int64]*soundEntry)
	t.mu.Unlock()
}

// List returns a view of every tracked sound.
func (t *SoundTracker) List() []SoundInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]SoundInfo, 0, len(t.sounds))
	for id, entry := range t.sounds {
		out = append(out, SoundInfo{
			InstanceID: id,
			SoundName:  entry.spec.SoundName,
			Looping:    entry.spec.Looping,
			Entity:     int32(entry.spec.Entity),
			Open:       !entry.audience.restricted,
			Authorized: entry.audience.list(),
			Callbacks:  len(entry.onFinished),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

func (t *SoundTracker) emit(eventType events.Type, payload events.ResourcePayload) {
	if t.bus == nil {
		return
	}
	t.bus.Emit(context.Background(), events.Event{Type: eventType, Source: "sound_tracker", Payload: payload})
}

