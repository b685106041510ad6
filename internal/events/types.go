// Package events carries server lifecycle notifications between the
// netcode core and its observers.
package events

import "time"

// Type names an event.
type Type string

const (
	// Session lifecycle
	ClientConnected    Type = "client.connected"
	ClientRejected     Type = "client.rejected"
	ClientReconnected  Type = "client.reconnected"
	ClientDisconnected Type = "client.disconnected"
	ClientExpired      Type = "client.expired"
	UDPRegistered      Type = "udp.registered"

	// Simulation
	HeroSpawned Type = "hero.spawned"
	HeroRemoved Type = "hero.removed"
	GameOver    Type = "game.over"

	// Server loop
	LoopStarted Type = "loop.started"
	LoopStopped Type = "loop.stopped"
	LoopFatal   Type = "loop.fatal"
	TickOverrun Type = "tick.overrun"

	// Health and administration
	Heartbeat     Type = "server.heartbeat"
	HealthChanged Type = "server.health"
	ConfigChanged Type = "server.config"

	// Resource trackers
	DialogOpened  Type = "dialog.opened"
	DialogClaimed Type = "dialog.claimed"
	DialogClosed  Type = "dialog.closed"
	SoundStarted  Type = "sound.started"
	SoundStopped  Type = "sound.stopped"
)

// Event is one notification on the Bus.
type Event struct {
	Type    Type        `json:"type"`
	Source  string      `json:"source"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload,omitempty"`
}

// ClientPayload describes a client in session events.
type ClientPayload struct {
	ClientID  uint16 `json:"client_id"`
	Username  string `json:"username"`
	SessionID int64  `json:"session_id,omitempty"`
	Remote    string `json:"remote,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// HeroPayload describes a hero entity change.
type HeroPayload struct {
	ClientID uint16 `json:"client_id"`
	Username string `json:"username"`
	EntityID int32  `json:"entity_id"`
}

// TickPayload reports loop timing.
type TickPayload struct {
	Tick     int32         `json:"tick"`
	Duration time.Duration `json:"duration_ns"`
	Budget   time.Duration `json:"budget_ns"`
	Error    string        `json:"error,omitempty"`
}

// ResourcePayload describes a dialog or sound.
type ResourcePayload struct {
	ID       string   `json:"id"`
	ClientID uint16   `json:"client_id,omitempty"`
	Clients  []uint16 `json:"clients,omitempty"`
	Name     string   `json:"name,omitempty"`
}
