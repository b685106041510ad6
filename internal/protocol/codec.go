package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrEmptyPayload is returned for zero-length frames and datagrams.
	ErrEmptyPayload = errors.New("empty payload")
	// ErrPayloadTooLarge is returned when a payload exceeds its channel cap.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrUnknownKind is returned when an envelope carries a kind outside the
	// closed message set.
	ErrUnknownKind = errors.New("unknown message kind")
)

type envelope struct {
	_    struct{} `cbor:",toarray"`
	Kind Kind
	Body cbor.RawMessage
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Sort: cbor.SortCoreDeterministic}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor encode options: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxNestedLevels:  16,
		MaxArrayElements: 65536,
		MaxMapPairs:      65536,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor decode options: %v", err))
	}
}

// Encode serializes msg into a tagged envelope.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("failed to encode: nil message")
	}
	body, err := encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", msg.Kind(), err)
	}
	data, err := encMode.Marshal(envelope{Kind: msg.Kind(), Body: body})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", msg.Kind(), err)
	}
	return data, nil
}

// Decode parses a tagged envelope into its concrete message value.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	switch env.Kind {
	case KindConnectRequest:
		return decodeBody[ConnectRequest](env)
	case KindRegisterUDP:
		return decodeBody[RegisterUDP](env)
	case KindInput:
		return decodeBody[Input](env)
	case KindRequestEntitySpawn:
		return decodeBody[RequestEntitySpawn](env)
	case KindDialogResponse:
		return decodeBody[DialogResponse](env)
	case KindSoundFinished:
		return decodeBody[SoundFinished](env)
	case KindConnectAck:
		return decodeBody[ConnectAck](env)
	case KindConnectReject:
		return decodeBody[ConnectReject](env)
	case KindRegisterAck:
		return decodeBody[RegisterAck](env)
	case KindLevelChange:
		return decodeBody[LevelChange](env)
	case KindHeroSpawn:
		return decodeBody[HeroSpawn](env)
	case KindGameOver:
		return decodeBody[GameOver](env)
	case KindEntitySpawn:
		return decodeBody[EntitySpawn](env)
	case KindEntityDespawn:
		return decodeBody[EntityDespawn](env)
	case KindDialogShow:
		return decodeBody[DialogShow](env)
	case KindDialogClose:
		return decodeBody[DialogClose](env)
	case KindSoundPlay:
		return decodeBody[SoundPlay](env)
	case KindSoundStop:
		return decodeBody[SoundStop](env)
	case KindSnapshot:
		return decodeBody[Snapshot](env)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(env.Kind))
	}
}

func decodeBody[T Message](env envelope) (Message, error) {
	var msg T
	if err := decMode.Unmarshal(env.Body, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s body: %w", env.Kind, err)
	}
	return msg, nil
}

// ReadFrame reads one length-prefixed frame: [4-byte BE length][payload].
// The declared length is checked against maxSize before the payload buffer
// is allocated. After ErrPayloadTooLarge the stream is out of sync and the
// connection must be closed.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		return nil, ErrEmptyPayload
	}
	if uint64(length) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: frame of %d bytes (max %d)", ErrPayloadTooLarge, length, maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload (%d bytes): %w", length, err)
	}
	return payload, nil
}

// WriteFrame writes payload with its length prefix in a single Write call.
func WriteFrame(w io.Writer, payload []byte, maxSize int) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if len(payload) > maxSize {
		return fmt.Errorf("%w: frame of %d bytes (max %d)", ErrPayloadTooLarge, len(payload), maxSize)
	}

	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
