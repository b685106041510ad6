package protocol

// Message is implemented by every wire message. The unexported method seals
// the set to this package.
type Message interface {
	Kind() Kind
	message()
}

// ConnectRequest opens a session over TCP. A non-zero SessionID together
// with SessionToken asks to resume a previous session.
type ConnectRequest struct {
	ProtocolVersion uint16 `cbor:"v"`
	PlayerName      string `cbor:"name"`
	SessionID       int64  `cbor:"sid,omitempty"`
	SessionToken    []byte `cbor:"tok,omitempty"`
}

// ConnectAck accepts a connect request.
type ConnectAck struct {
	ClientID     uint16 `cbor:"cid"`
	SessionID    int64  `cbor:"sid"`
	SessionToken []byte `cbor:"tok"`
}

// ConnectReject refuses a connect request. The server closes the
// connection after sending it.
type ConnectReject struct {
	Reason string `cbor:"reason"`
}

// RegisterUDP binds the sender's UDP address to ClientID.
type RegisterUDP struct {
	ClientID uint16 `cbor:"cid"`
}

// RegisterAck answers a UDP registration over UDP.
type RegisterAck struct {
	Success bool `cbor:"ok"`
}

// Input is one gameplay command. It may arrive on either channel.
// SentAtMs is the client's wall clock in Unix milliseconds; when set the
// server folds it into the client's RTT estimate.
type Input struct {
	ClientTick int32  `cbor:"tick"`
	Sequence   int32  `cbor:"seq"`
	Action     Action `cbor:"act"`
	Point      *Point `cbor:"pt,omitempty"`
	SentAtMs   int64  `cbor:"ts,omitempty"`
}

// RequestEntitySpawn asks for the spawn data of an entity the client saw in
// a snapshot but never received a spawn event for.
type RequestEntitySpawn struct {
	EntityID EntityID `cbor:"eid"`
}

// DialogResponse reports a button press or close on a server dialog.
type DialogResponse struct {
	DialogID string `cbor:"did"`
	Callback string `cbor:"cb"`
	Payload  string `cbor:"data,omitempty"`
}

// SoundFinished reports that a client finished playing a sound instance.
type SoundFinished struct {
	InstanceID int64 `cbor:"iid"`
}

// LevelChange tells clients which level is loaded.
type LevelChange struct {
	LevelName string `cbor:"level"`
	Data      []byte `cbor:"data,omitempty"`
}

// HeroSpawn announces the entity a client controls. It is sent before the
// entity can appear in any snapshot.
type HeroSpawn struct {
	EntityID EntityID `cbor:"eid"`
}

// GameOver ends the running game.
type GameOver struct {
	Reason string `cbor:"reason"`
}

// EntitySpawn describes a newly visible entity.
type EntitySpawn struct {
	EntityID EntityID `cbor:"eid"`
	Name     string   `cbor:"name"`
	Position Point    `cbor:"pos"`
}

// EntityDespawn removes an entity from clients.
type EntityDespawn struct {
	EntityID EntityID `cbor:"eid"`
	Reason   string   `cbor:"reason,omitempty"`
}

// DialogShow opens a dialog on the client.
type DialogShow struct {
	DialogID string   `cbor:"did"`
	Type     string   `cbor:"type"`
	Title    string   `cbor:"title,omitempty"`
	Text     string   `cbor:"text,omitempty"`
	Buttons  []string `cbor:"buttons,omitempty"`
	EntityID EntityID `cbor:"eid"`
	Resync   bool     `cbor:"resync,omitempty"`
}

// DialogClose closes a dialog on the client.
type DialogClose struct {
	DialogID string `cbor:"did"`
}

// SoundPlay starts a sound instance on the client.
type SoundPlay struct {
	InstanceID        int64    `cbor:"iid"`
	SoundName         string   `cbor:"name"`
	Volume            float32  `cbor:"vol"`
	Looping           bool     `cbor:"loop,omitempty"`
	Pitch             float32  `cbor:"pitch"`
	Pan               float32  `cbor:"pan"`
	MaxDistance       float32  `cbor:"maxd"`
	AttenuationFactor float32  `cbor:"att"`
	EntityID          EntityID `cbor:"eid"`
}

// SoundStop stops a sound instance on the client.
type SoundStop struct {
	InstanceID int64 `cbor:"iid"`
}

// EntityState is one entity inside a snapshot. Optional fields are omitted
// when unchanged since the last snapshot sent to the client.
type EntityState struct {
	EntityID      EntityID `cbor:"eid"`
	Name          string   `cbor:"name,omitempty"`
	Position      *Point   `cbor:"pos,omitempty"`
	ViewDirection string   `cbor:"dir,omitempty"`
	Health        *int32   `cbor:"hp,omitempty"`
	MaxHealth     *int32   `cbor:"mhp,omitempty"`
	State         string   `cbor:"state,omitempty"`
	Static        bool     `cbor:"static,omitempty"`
}

// Snapshot is the world state at a server tick. A delta snapshot lists only
// entities that changed since the last snapshot sent to the client plus the
// ids that are no longer visible.
type Snapshot struct {
	Tick     int32         `cbor:"tick"`
	Entities []EntityState `cbor:"ents"`
	Removed  []EntityID    `cbor:"gone,omitempty"`
	Level    string        `cbor:"level,omitempty"`
	Full     bool          `cbor:"full,omitempty"`
}

func (ConnectRequest) Kind() Kind     { return KindConnectRequest }
func (RegisterUDP) Kind() Kind        { return KindRegisterUDP }
func (Input) Kind() Kind              { return KindInput }
func (RequestEntitySpawn) Kind() Kind { return KindRequestEntitySpawn }
func (DialogResponse) Kind() Kind     { return KindDialogResponse }
func (SoundFinished) Kind() Kind      { return KindSoundFinished }
func (ConnectAck) Kind() Kind         { return KindConnectAck }
func (ConnectReject) Kind() Kind      { return KindConnectReject }
func (RegisterAck) Kind() Kind        { return KindRegisterAck }
func (LevelChange) Kind() Kind        { return KindLevelChange }
func (HeroSpawn) Kind() Kind          { return KindHeroSpawn }
func (GameOver) Kind() Kind           { return KindGameOver }
func (EntitySpawn) Kind() Kind        { return KindEntitySpawn }
func (EntityDespawn) Kind() Kind      { return KindEntityDespawn }
func (DialogShow) Kind() Kind         { return KindDialogShow }
func (DialogClose) Kind() Kind        { return KindDialogClose }
func (SoundPlay) Kind() Kind          { return KindSoundPlay }
func (SoundStop) Kind() Kind          { return KindSoundStop }
func (Snapshot) Kind() Kind           { return KindSnapshot }

func (ConnectRequest) message()     {}
func (RegisterUDP) message()        {}
func (Input) message()              {}
func (RequestEntitySpawn) message() {}
func (DialogResponse) message()     {}
func (SoundFinished) message()      {}
func (ConnectAck) message()         {}
func (ConnectReject) message()      {}
func (RegisterAck) message()        {}
func (LevelChange) message()        {}
func (HeroSpawn) message()          {}
func (GameOver) message()           {}
func (EntitySpawn) message()        {}
func (EntityDespawn) message()      {}
func (DialogShow) message()         {}
func (DialogClose) message()        {}
func (SoundPlay) message()          {}
func (SoundStop) message()          {}
func (Snapshot) message()           {}
