// Package client holds the per-player connection state that survives
// reconnects: identity, session credentials, input sequencing, RTT and the
// reference to the player's hero entity.
package client

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dungeon-net/dungeond/internal/protocol"
	"github.com/dungeon-net/dungeond/internal/token"
)

// DefaultMaxSeqGap bounds how far ahead of the expected sequence an input
// may jump.
const DefaultMaxSeqGap = 1000

var (
	ErrStaleSequence  = errors.New("stale or duplicate sequence")
	ErrGapTooLarge    = errors.New("sequence gap too large")
	ErrInvalidState   = errors.New("invalid client state")
	ErrNoHeroAssigned = errors.New("no hero entity assigned")
)

// EntityRemover releases an entity from the simulation.
type EntityRemover interface {
	RemoveEntity(id protocol.EntityID)
}

// Option configures a State.
type Option func(*State)

// WithMaxSeqGap overrides DefaultMaxSeqGap.
func WithMaxSeqGap(gap int32) Option {
	return func(s *State) {
		if gap > 0 {
			s.maxSeqGap = gap
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *State) {
		if now != nil {
			s.now = now
		}
	}
}

// State is one logical player across reconnects. Every method is safe for
// concurrent use; each mutator is atomic on its own.
type State struct {
	id       uint16
	username string

	mu           sync.Mutex
	sessionID    int64
	sessionToken []byte

	lastProcessedSeq int32
	expectedSeq      int32
	maxSeqGap        int32

	rttEstimateMs  float64
	lastClientTick int32
	lastActivity   time.Time

	hero     protocol.EntityID
	detached bool

	now   func() time.Time
	cache *SnapshotCache
}

// New validates the identity fields and returns a fresh State. The token is
// copied.
func New(id uint16, username string, sessionID int64, sessionToken []byte, opts ...Option) (*State, error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: client id must be positive", ErrInvalidState)
	}
	if strings.TrimSpace(username) == "" {
		return nil, fmt.Errorf("%w: username must not be blank", ErrInvalidState)
	}
	if sessionID == 0 {
		return nil, fmt.Errorf("%w: session id must be non-zero", ErrInvalidState)
	}
	if len(sessionToken) == 0 {
		return nil, fmt.Errorf("%w: session token must not be empty", ErrInvalidState)
	}

	s := &State{
		id:               id,
		username:         username,
		sessionID:        sessionID,
		sessionToken:     append([]byte(nil), sessionToken...),
		lastProcessedSeq: -1,
		expectedSeq:      0,
		maxSeqGap:        DefaultMaxSeqGap,
		hero:             protocol.NoEntity,
		now:              time.Now,
		cache:            NewSnapshotCache(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastActivity = s.now()
	return s, nil
}

// ID returns the immutable client id.
func (s *State) ID() uint16 { return s.id }

// Username returns the immutable username.
func (s *State) Username() string { return s.username }

// String never includes the session token.
func (s *State) String() string {
	return fmt.Sprintf("client(%d, %q)", s.id, s.username)
}

// UpdateProcessedSeq records seq as applied. Only strictly increasing
// sequences are accepted; a rejected call changes nothing.
func (s *State) UpdateProcessedSeq(seq int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq <= s.lastProcessedSeq {
		return fmt.Errorf("%w: %d <= %d", ErrStaleSequence, seq, s.lastProcessedSeq)
	}
	s.lastProcessedSeq = seq
	s.expectedSeq = seq + 1
	s.lastActivity = s.now()
	return nil
}

// HandleSeqGap advances the expected sequence to newSeq when it is ahead and
// returns the number of skipped sequences. A newSeq at or behind the
// expected one is not a gap and returns 0.
func (s *State) HandleSeqGap(newSeq int32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if newSeq <= s.expectedSeq {
		return 0, nil
	}
	gap := int64(newSeq) - int64(s.expectedSeq)
	if gap > int64(s.maxSeqGap) {
		return 0, fmt.Errorf("%w: %d > %d", ErrGapTooLarge, gap, s.maxSeqGap)
	}
	s.expectedSeq = newSeq
	s.lastActivity = s.now()
	return int(gap), nil
}

// UpdateRTTEstimate folds one round-trip sample into the moving average:
// rtt = alpha*max(0, now-sentAtMs) + (1-alpha)*rtt. Negative samples from
// clock skew count as zero.
func (s *State) UpdateRTTEstimate(sentAtMs int64, clientTick int32, alpha float64) error {
	if alpha < 0 || alpha > 1 || math.IsNaN(alpha) {
		return fmt.Errorf("%w: alpha %v outside [0,1]", ErrInvalidState, alpha)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	raw := float64(now.UnixMilli() - sentAtMs)
	if raw < 0 {
		raw = 0
	}
	s.rttEstimateMs = alpha*raw + (1-alpha)*s.rttEstimateMs
	s.lastClientTick = clientTick
	s.lastActivity = now
	return nil
}

// IsSeqPlausible is a cheap pre-filter: a fresh state accepts anything,
// otherwise seq must be ahead of the last processed sequence by at most the
// gap bound, allowing for int32 wraparound.
func (s *State) IsSeqPlausible(seq int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastProcessedSeq == -1 {
		return true
	}
	diff := int64(seq) - int64(s.lastProcessedSeq)
	if diff >= 0 {
		return diff <= int64(s.maxSeqGap)
	}
	// seq wrapped past MaxInt32 into the negative range.
	wrapped := int64(seq) - math.MinInt32 + (math.MaxInt32 - int64(s.lastProcessedSeq)) + 1
	return wrapped >= 0 && wrapped <= int64(s.maxSeqGap)
}

// ResetForReconnect installs new session credentials and resets sequencing.
// Unless preserveHero is set the hero is released through remover.
func (s *State) ResetForReconnect(sessionID int64, sessionToken []byte, preserveHero bool, remover EntityRemover) error {
	if sessionID == 0 {
		return fmt.Errorf("%w: session id must be non-zero", ErrInvalidState)
	}
	if len(sessionToken) == 0 {
		return fmt.Errorf("%w: session token must not be empty", ErrInvalidState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token.Wipe(s.sessionToken)
	s.sessionID = sessionID
	s.sessionToken = append([]byte(nil), sessionToken...)
	s.lastProcessedSeq = -1
	s.expectedSeq = 0
	s.lastClientTick = 0
	s.detached = false

	if !preserveHero && s.hero != protocol.NoEntity {
		if remover != nil {
			remover.RemoveEntity(s.hero)
		}
		s.hero = protocol.NoEntity
	}

	s.cache.Clear()
	s.lastActivity = s.now()
	return nil
}

// IsWithinReconnectWindow reports whether now is at most window after the
// last recorded activity.
func (s *State) IsWithinReconnectWindow(now time.Time, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity) <= window
}

// VerifyToken compares provided against the current session token in
// constant time.
func (s *State) VerifyToken(provided []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return token.Verify(s.sessionToken, provided)
}

// Touch refreshes the activity timestamp.
func (s *State) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// SessionID returns the current session id.
func (s *State) SessionID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// SessionToken returns a copy of the current token.
func (s *State) SessionToken() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.sessionToken...)
}

// LastProcessedSeq returns the last applied sequence, -1 if none.
func (s *State) LastProcessedSeq() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProcessedSeq
}

// ExpectedSeq returns the next expected sequence.
func (s *State) ExpectedSeq() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expectedSeq
}

// RTTEstimateMs returns the smoothed round trip time.
func (s *State) RTTEstimateMs() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rttEstimateMs
}

// LastActivity returns the last activity timestamp.
func (s *State) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Hero returns the hero entity, or false if none is assigned.
func (s *State) Hero() (protocol.EntityID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hero, s.hero != protocol.NoEntity
}

// SetHero binds the hero entity spawned for this client.
func (s *State) SetHero(id protocol.EntityID) {
	s.mu.Lock()
	s.hero = id
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// ReleaseHero clears the hero reference and returns what it was.
func (s *State) ReleaseHero() (protocol.EntityID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.hero
	s.hero = protocol.NoEntity
	return id, id != protocol.NoEntity
}

// Detach marks the state as having lost its reliable connection and starts
// the reconnect window. The state stays resumable while
// IsWithinReconnectWindow holds.
func (s *State) Detach() {
	s.mu.Lock()
	s.detached = true
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// Detached reports whether the state currently has no connection.
func (s *State) Detached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

// SnapshotCache returns the per-client delta snapshot cache.
func (s *State) SnapshotCache() *SnapshotCache { return s.cache }

// ClearSnapshotCache forces the next snapshot to this client to be full.
func (s *State) ClearSnapshotCache() { s.cache.Clear() }

// Info is a read-only view for status reporting. It never carries the token.
type Info struct {
	ID               uint16    `json:"id"`
	Username         string    `json:"username"`
	SessionID        int64     `json:"session_id"`
	LastProcessedSeq int32     `json:"last_processed_seq"`
	ExpectedSeq      int32     `json:"expected_seq"`
	RTTEstimateMs    float64   `json:"rtt_ms"`
	LastClientTick   int32     `json:"last_client_tick"`
	LastActivity     time.Time `json:"last_activity"`
	Hero             int32     `json:"hero_entity"`
	Detached         bool      `json:"detached"`
	LastFullSnapshot int32     `json:"last_full_snapshot_tick"`
}

// Info returns a consistent copy of the reportable fields.
func (s *State) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:               s.id,
		Username:         s.username,
		SessionID:        s.sessionID,
		LastProcessedSeq: s.lastProcessedSeq,
		ExpectedSeq:      s.expectedSeq,
		RTTEstimateMs:    s.rttEstimateMs,
		LastClientTick:   s.lastClientTick,
		LastActivity:     s.lastActivity,
		Hero:             int32(s.hero),
		Detached:         s.detached,
		LastFullSnapshot: s.cache.LastFullTick(),
	}
}
