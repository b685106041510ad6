// Package protocol defines the dungeond wire messages and their encoding.
// Every message travels as a CBOR envelope carrying its kind tag and body.
// TCP frames the envelope with a 4-byte big-endian length prefix; UDP sends
// one envelope per datagram.
package protocol

import "fmt"

// Kind tags a message on the wire. The set is closed: decoding an unknown
// kind is a protocol violation.
type Kind uint8

const (
	// Client to server
	KindConnectRequest Kind = iota + 1
	KindRegisterUDP
	KindInput
	KindRequestEntitySpawn
	KindDialogResponse
	KindSoundFinished

	// Server to client
	KindConnectAck
	KindConnectReject
	KindRegisterAck
	KindLevelChange
	KindHeroSpawn
	KindGameOver
	KindEntitySpawn
	KindEntityDespawn
	KindDialogShow
	KindDialogClose
	KindSoundPlay
	KindSoundStop
	KindSnapshot

	kindEnd
)

var kindNames = map[Kind]string{
	KindConnectRequest:     "ConnectRequest",
	KindRegisterUDP:        "RegisterUdp",
	KindInput:              "InputMessage",
	KindRequestEntitySpawn: "RequestEntitySpawn",
	KindDialogResponse:     "DialogResponse",
	KindSoundFinished:      "SoundFinished",
	KindConnectAck:         "ConnectAck",
	KindConnectReject:      "ConnectReject",
	KindRegisterAck:        "RegisterAck",
	KindLevelChange:        "LevelChangeEvent",
	KindHeroSpawn:          "HeroSpawnEvent",
	KindGameOver:           "GameOverEvent",
	KindEntitySpawn:        "EntitySpawnEvent",
	KindEntityDespawn:      "EntityDespawnEvent",
	KindDialogShow:         "DialogShow",
	KindDialogClose:        "DialogClose",
	KindSoundPlay:          "SoundPlay",
	KindSoundStop:          "SoundStop",
	KindSnapshot:           "Snapshot",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Valid reports whether k belongs to the closed message set.
func (k Kind) Valid() bool {
	return k > 0 && k < kindEnd
}

// ClientOriginated reports whether clients are allowed to send k.
func (k Kind) ClientOriginated() bool {
	return k >= KindConnectRequest && k <= KindSoundFinished
}

// Wire limits.
const (
	// LengthPrefixSize is the size of the TCP frame length field.
	LengthPrefixSize = 4

	// DefaultMaxTCPObjectSize caps a single reliable payload.
	DefaultMaxTCPObjectSize = 1 << 20

	// DefaultSafeUDPMTU caps a single datagram so it is not fragmented on
	// common paths.
	DefaultSafeUDPMTU = 1200
)

// Version is the protocol version clients must present on connect.
const Version uint16 = 1

// EntityID identifies a simulation entity.
type EntityID int32

// NoEntity marks an absent entity reference.
const NoEntity EntityID = -1

// Point is a world position in tile coordinates.
type Point struct {
	X float32 `cbor:"x"`
	Y float32 `cbor:"y"`
}

// Action is the gameplay verb carried by an input message.
type Action uint8

const (
	ActionMove Action = iota + 1
	ActionMovePath
	ActionCastSkill
	ActionNextSkill
	ActionPrevSkill
	ActionInteract
)

var actionNames = map[Action]string{
	ActionMove:      "MOVE",
	ActionMovePath:  "MOVE_PATH",
	ActionCastSkill: "CAST_SKILL",
	ActionNextSkill: "NEXT_SKILL",
	ActionPrevSkill: "PREV_SKILL",
	ActionInteract:  "INTERACT",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Action(%d)", uint8(a))
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	_, ok := actionNames[a]
	return ok
}
