package client

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/dungeon-net/dungeond/internal/protocol"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestState(t *testing.T, opts ...Option) *State {
	t.Helper()
	s, err := New(1, "Aria", 42, []byte{1, 2, 3, 4}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

type removerFunc func(protocol.EntityID)

func (f removerFunc) RemoveEntity(id protocol.EntityID) { f(id) }

func TestNewValidates(t *testing.T) {
	cases := []struct {
		name     string
		id       uint16
		username string
		session  int64
		token    []byte
	}{
		{"zero id", 0, "Aria", 1, []byte{1}},
		{"blank name", 1, "  ", 1, []byte{1}},
		{"zero session", 1, "Aria", 0, []byte{1}},
		{"empty token", 1, "Aria", 1, nil},
	}
	for _, tc := range cases {
		if _, err := New(tc.id, tc.username, tc.session, tc.token); !errors.Is(err, ErrInvalidState) {
			t.Errorf("%s: error = %v, want ErrInvalidState", tc.name, err)
		}
	}
}

func TestFreshDefaults(t *testing.T) {
	s := newTestState(t)
	if s.LastProcessedSeq() != -1 || s.ExpectedSeq() != 0 {
		t.Fatalf("fresh seq = %d/%d, want -1/0", s.LastProcessedSeq(), s.ExpectedSeq())
	}
	if _, ok := s.Hero(); ok {
		t.Fatal("fresh state has a hero")
	}
}

func TestUpdateProcessedSeqIsMonotonic(t *testing.T) {
	s := newTestState(t)

	if err := s.UpdateProcessedSeq(5); err != nil {
		t.Fatalf("UpdateProcessedSeq(5): %v", err)
	}
	if s.LastProcessedSeq() != 5 || s.ExpectedSeq() != 6 {
		t.Fatalf("after 5: last=%d expected=%d", s.LastProcessedSeq(), s.ExpectedSeq())
	}

	for _, stale := range []int32{5, 3, -1} {
		if err := s.UpdateProcessedSeq(stale); !errors.Is(err, ErrStaleSequence) {
			t.Fatalf("UpdateProcessedSeq(%d) error = %v, want ErrStaleSequence", stale, err)
		}
		if s.LastProcessedSeq() != 5 || s.ExpectedSeq() != 6 {
			t.Fatalf("rejected seq %d changed state to %d/%d", stale, s.LastProcessedSeq(), s.ExpectedSeq())
		}
	}

	if err := s.UpdateProcessedSeq(9); err != nil {
		t.Fatalf("UpdateProcessedSeq(9): %v", err)
	}
	if s.ExpectedSeq() != s.LastProcessedSeq()+1 {
		t.Fatal("expectedSeq != lastProcessedSeq+1")
	}
}

func TestHandleSeqGap(t *testing.T) {
	s := newTestState(t, WithMaxSeqGap(10))

	gap, err := s.HandleSeqGap(4)
	if err != nil || gap != 4 {
		t.Fatalf("HandleSeqGap(4) = %d, %v; want 4, nil", gap, err)
	}
	if s.ExpectedSeq() != 4 {
		t.Fatalf("expectedSeq = %d, want 4", s.ExpectedSeq())
	}

	if _, err := s.HandleSeqGap(15); !errors.Is(err, ErrGapTooLarge) {
		t.Fatalf("HandleSeqGap(15) error = %v, want ErrGapTooLarge", err)
	}
	if s.ExpectedSeq() != 4 {
		t.Fatalf("rejected gap moved expectedSeq to %d", s.ExpectedSeq())
	}

	gap, err = s.HandleSeqGap(14)
	if err != nil || gap != 10 || s.ExpectedSeq() != 14 {
		t.Fatalf("HandleSeqGap(14) = %d, %v, expected=%d", gap, err, s.ExpectedSeq())
	}

	gap, err = s.HandleSeqGap(2)
	if err != nil || gap != 0 || s.ExpectedSeq() != 14 {
		t.Fatalf("HandleSeqGap behind expected = %d, %v, expected=%d", gap, err, s.ExpectedSeq())
	}
}

func TestUpdateRTTEstimate(t *testing.T) {
	clock := &fakeClock{t: time.UnixMilli(10_000)}
	s := newTestState(t, WithClock(clock.Now))

	if err := s.UpdateRTTEstimate(9_900, 1, 0.5); err != nil {
		t.Fatalf("UpdateRTTEstimate: %v", err)
	}
	if got := s.RTTEstimateMs(); got != 50 {
		t.Fatalf("rtt = %v, want 50", got)
	}

	// Client clock ahead of ours: the sample counts as zero.
	if err := s.UpdateRTTEstimate(20_000, 2, 0.5); err != nil {
		t.Fatalf("UpdateRTTEstimate: %v", err)
	}
	if got := s.RTTEstimateMs(); got != 25 {
		t.Fatalf("rtt after skewed sample = %v, want 25", got)
	}

	// Zero alpha never moves the estimate.
	for _, sent := range []int64{0, 5_000, 50_000} {
		_ = s.UpdateRTTEstimate(sent, 3, 0)
		if got := s.RTTEstimateMs(); got != 25 {
			t.Fatalf("rtt with alpha 0 = %v, want 25", got)
		}
	}

	if err := s.UpdateRTTEstimate(0, 0, 1.5); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("alpha 1.5 error = %v", err)
	}
}

func TestIsSeqPlausible(t *testing.T) {
	s := newTestState(t, WithMaxSeqGap(100))
	if !s.IsSeqPlausible(123456) {
		t.Fatal("fresh state rejected a sequence")
	}

	_ = s.UpdateProcessedSeq(50)
	cases := []struct {
		seq  int32
		want bool
	}{
		{50, true},
		{150, true},
		{151, false},
		{49, false},
		{-50, false},
	}
	for _, tc := range cases {
		if got := s.IsSeqPlausible(tc.seq); got != tc.want {
			t.Errorf("IsSeqPlausible(%d) = %v, want %v", tc.seq, got, tc.want)
		}
	}
}

func TestIsSeqPlausibleAcrossWraparound(t *testing.T) {
	s := newTestState(t, WithMaxSeqGap(100))
	_ = s.UpdateProcessedSeq(math.MaxInt32 - 2)

	if !s.IsSeqPlausible(math.MinInt32 + 1) {
		t.Fatal("sequence just past the int32 wrap rejected")
	}
	if s.IsSeqPlausible(math.MinInt32 + 500) {
		t.Fatal("sequence far past the int32 wrap accepted")
	}
	if s.IsSeqPlausible(0) {
		t.Fatal("unrelated low sequence accepted")
	}
}

func TestResetForReconnect(t *testing.T) {
	s := newTestState(t)
	_ = s.UpdateProcessedSeq(10)
	s.SetHero(7)
	s.Detach()

	var removed []protocol.EntityID
	remover := removerFunc(func(id protocol.EntityID) { removed = append(removed, id) })

	if err := s.ResetForReconnect(0, []byte{1}, true, remover); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("zero session id error = %v", err)
	}
	if err := s.ResetForReconnect(77, nil, true, remover); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("empty token error = %v", err)
	}

	if err := s.ResetForReconnect(77, []byte{9, 9}, true, remover); err != nil {
		t.Fatalf("ResetForReconnect: %v", err)
	}
	if s.LastProcessedSeq() != -1 || s.ExpectedSeq() != 0 {
		t.Fatal("sequencing not reset")
	}
	if hero, ok := s.Hero(); !ok || hero != 7 {
		t.Fatalf("preserved hero = %d, %v", hero, ok)
	}
	if s.Detached() {
		t.Fatal("state still detached after reconnect")
	}
	if !s.VerifyToken([]byte{9, 9}) || s.VerifyToken([]byte{1, 2, 3, 4}) {
		t.Fatal("token not rotated")
	}
	if s.SessionID() != 77 {
		t.Fatalf("session id = %d", s.SessionID())
	}

	if err := s.ResetForReconnect(78, []byte{5}, false, remover); err != nil {
		t.Fatalf("ResetForReconnect: %v", err)
	}
	if _, ok := s.Hero(); ok {
		t.Fatal("hero kept without preserveHero")
	}
	if len(removed) != 1 || removed[0] != 7 {
		t.Fatalf("removed = %v, want [7]", removed)
	}
}

func TestIsWithinReconnectWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	s := newTestState(t, WithClock(clock.Now))

	if !s.IsWithinReconnectWindow(clock.t.Add(5*time.Second), 5*time.Second) {
		t.Fatal("edge of window rejected")
	}
	if s.IsWithinReconnectWindow(clock.t.Add(5*time.Second+time.Millisecond), 5*time.Second) {
		t.Fatal("past window accepted")
	}
}

func TestInfoOmitsToken(t *testing.T) {
	s := newTestState(t)
	info := s.Info()
	if info.ID != 1 || info.Username != "Aria" || info.Hero != int32(protocol.NoEntity) {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.LastFullSnapshot != -1 {
		t.Fatalf("last full snapshot = %d before any snapshot", info.LastFullSnapshot)
	}
	s.SnapshotCache().Delta(&protocol.Snapshot{Tick: 7}, 0)
	if got := s.Info().LastFullSnapshot; got != 7 {
		t.Fatalf("last full snapshot = %d, want 7", got)
	}
}
