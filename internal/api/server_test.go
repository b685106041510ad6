package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dungeon-net/dungeond/internal/client"
	"github.com/dungeon-net/dungeond/internal/config"
	"github.com/dungeon-net/dungeond/internal/db"
	"github.com/dungeon-net/dungeond/internal/events"
	"github.com/dungeon-net/dungeond/internal/health"
	"github.com/dungeon-net/dungeond/internal/loop"
	"github.com/dungeon-net/dungeond/internal/protocol"
	"github.com/dungeon-net/dungeond/internal/session"
	"github.com/dungeon-net/dungeond/internal/tracker"
)

type fakeLoop struct {
	mu       sync.Mutex
	gameOver []string
}

func (f *fakeLoop) Stats() loop.Stats { return loop.Stats{Running: true, Tick: 12} }

func (f *fakeLoop) GameOver(reason string) *session.Result {
	f.mu.Lock()
	f.gameOver = append(f.gameOver, reason)
	f.mu.Unlock()
	return session.Resolved(nil)
}

type fakeClients struct {
	states []*client.State
	kicked []uint16
}

func (f *fakeClients) Clients() []*client.State { return f.states }
func (f *fakeClients) SessionCount() int        { return len(f.states) }

func (f *fakeClients) Kick(id uint16) bool {
	for _, s := range f.states {
		if s.ID() == id {
			f.kicked = append(f.kicked, id)
			return true
		}
	}
	return false
}

// sender delivers nothing and resolves every send immediately.
type sender struct{}

func (sender) SendTo(uint16, protocol.Message, bool) *session.Result { return session.Resolved(nil) }
func (sender) Broadcast(protocol.Message, bool) *session.Result      { return session.Resolved(nil) }
func (sender) ClientForEntity(protocol.EntityID) (uint16, bool)      { return 0, false }

type fakeHealth struct{ status health.Status }

func (f fakeHealth) Latest() health.Report { return health.Report{Status: f.status} }

type fixture struct {
	srv     *Server
	cfg     *config.Config
	bus     *events.Bus
	loop    *fakeLoop
	clients *fakeClients
	dialogs *tracker.DialogTracker
	sounds  *tracker.SoundTracker
	store   *db.SessionStore
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()

	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.API.Token = token
	cfg.API.RateLimitRPS = 0

	store, err := db.NewSessionStore(":memory:")
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	alice, err := client.New(1, "alice", 11, []byte("tok-a"))
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	bob, err := client.New(2, "bob", 12, []byte("tok-b"))
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}

	f := &fixture{
		cfg:     cfg,
		bus:     events.NewBus(),
		loop:    &fakeLoop{},
		clients: &fakeClients{states: []*client.State{alice, bob}},
		dialogs: tracker.NewDialogTracker(sender{}, sender{}, nil),
		sounds:  tracker.NewSoundTracker(sender{}, sender{}, nil),
		store:   store,
	}
	f.srv = NewServer(cfg, f.bus, Deps{
		Version: "test",
		Loop:    f.loop,
		Clients: f.clients,
		Dialogs: f.dialogs,
		Sounds:  f.sounds,
		History: store,
		Health:  fakeHealth{status: health.StatusOK},
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if f.cfg.API.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.cfg.API.Token)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthAndVersion(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/version", nil)
	body := decode(t, rec)
	if body["version"] != "test" || body["name"] != "dungeond" {
		t.Fatalf("unexpected version body %v", body)
	}
}

func TestHealthDownIs503(t *testing.T) {
	f := newFixture(t, "")
	f.srv.deps.Health = fakeHealth{status: health.StatusDown}

	if rec := f.do(t, http.MethodGet, "/health", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestTokenAuth(t *testing.T) {
	f := newFixture(t, "s3cret")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: expected 401, got %d", rec.Code)
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/status", nil); rec.Code != http.StatusOK {
		t.Fatalf("valid token: expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/status?token=s3cret", nil)
	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("query token: expected 200, got %d", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, "")
	body := decode(t, f.do(t, http.MethodGet, "/api/v1/status", nil))

	if body["clients"].(float64) != 2 {
		t.Fatalf("unexpected client count %v", body["clients"])
	}
	loopStats := body["loop"].(map[string]interface{})
	if loopStats["tick"].(float64) != 12 || loopStats["running"] != true {
		t.Fatalf("unexpected loop stats %v", loopStats)
	}
}

func TestClientsListGetAndKick(t *testing.T) {
	f := newFixture(t, "")

	body := decode(t, f.do(t, http.MethodGet, "/api/v1/clients", nil))
	if body["total"].(float64) != 2 {
		t.Fatalf("unexpected total %v", body["total"])
	}
	first := body["clients"].([]interface{})[0].(map[string]interface{})
	if first["username"] != "alice" {
		t.Fatalf("unexpected first client %v", first)
	}
	if _, leaked := first["session_token"]; leaked {
		t.Fatal("client listing must not expose the session token")
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/clients/2", nil); rec.Code != http.StatusOK {
		t.Fatalf("get client: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/clients/9", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get unknown client: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/clients/abc", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("get bad id: %d", rec.Code)
	}

	if rec := f.do(t, http.MethodDelete, "/api/v1/clients/1", nil); rec.Code != http.StatusOK {
		t.Fatalf("kick: %d", rec.Code)
	}
	if len(f.clients.kicked) != 1 || f.clients.kicked[0] != 1 {
		t.Fatalf("kick not forwarded: %v", f.clients.kicked)
	}
	if rec := f.do(t, http.MethodDelete, "/api/v1/clients/9", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("kick unknown: %d", rec.Code)
	}
}

func TestGameOver(t *testing.T) {
	f := newFixture(t, "")

	body := decode(t, f.do(t, http.MethodPost, "/api/v1/gameover", map[string]string{"reason": "boss defeated"}))
	if body["outcome"] != session.Delivered.String() {
		t.Fatalf("unexpected outcome %v", body)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/gameover", nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("empty body: %d", rec.Code)
	}

	if len(f.loop.gameOver) != 2 || f.loop.gameOver[0] != "boss defeated" || f.loop.gameOver[1] != "ended by operator" {
		t.Fatalf("unexpected game over calls %v", f.loop.gameOver)
	}
}

func TestDialogLifecycle(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodPost, "/api/v1/dialogs", map[string]interface{}{
		"id": "notice", "title": "Maintenance", "text": "Restart in 5 minutes", "buttons": []string{"ok"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("show: %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/dialogs", map[string]interface{}{"id": "notice"}); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate show: %d", rec.Code)
	}

	body := decode(t, f.do(t, http.MethodGet, "/api/v1/dialogs", nil))
	if body["total"].(float64) != 1 {
		t.Fatalf("expected one dialog, got %v", body)
	}

	if err := f.dialogs.HandleResponse(1, protocol.DialogResponse{DialogID: "notice", Callback: "ok"}); err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if len(f.dialogs.List()) != 0 {
		t.Fatal("answering an operator dialog should close it")
	}
	if rec := f.do(t, http.MethodDelete, "/api/v1/dialogs/notice", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("close closed dialog: %d", rec.Code)
	}
}

func TestSoundLifecycle(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodPost, "/api/v1/sounds", map[string]interface{}{"sound": "bell", "looping": true})
	if rec.Code != http.StatusCreated {
		t.Fatalf("play: %d %s", rec.Code, rec.Body.String())
	}
	id := int64(decode(t, rec)["instance_id"].(float64))

	body := decode(t, f.do(t, http.MethodGet, "/api/v1/sounds", nil))
	if body["total"].(float64) != 1 {
		t.Fatalf("expected one sound, got %v", body)
	}

	path := "/api/v1/sounds/" + jsonNumber(id)
	if rec := f.do(t, http.MethodDelete, path, nil); rec.Code != http.StatusOK {
		t.Fatalf("stop: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, path, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("stop twice: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/sounds", map[string]interface{}{"volume": 1}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing sound name: %d", rec.Code)
	}
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestSessionHistory(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	f.store.Record(ctx, events.Event{Type: events.ClientConnected, Payload: events.ClientPayload{ClientID: 1, Username: "alice"}})
	f.store.Record(ctx, events.Event{Type: events.ClientConnected, Payload: events.ClientPayload{ClientID: 2, Username: "bob"}})

	body := decode(t, f.do(t, http.MethodGet, "/api/v1/sessions/history?username=bob", nil))
	if body["total"].(float64) != 1 {
		t.Fatalf("expected one event for bob, got %v", body)
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/sessions/history?since=yesterday", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since: %d", rec.Code)
	}

	body = decode(t, f.do(t, http.MethodGet, "/api/v1/sessions/players", nil))
	if body["total"].(float64) != 2 {
		t.Fatalf("expected two players, got %v", body)
	}

	f.srv.deps.History = nil
	if rec := f.do(t, http.MethodGet, "/api/v1/sessions/history", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("history without db: %d", rec.Code)
	}
}

func TestConfigRedactsAndValidates(t *testing.T) {
	f := newFixture(t, "s3cret")

	body := decode(t, f.do(t, http.MethodGet, "/api/v1/config", nil))
	apiCfg := body["api"].(map[string]interface{})
	if apiCfg["token"] == "s3cret" {
		t.Fatal("config view leaked the API token")
	}

	bad := f.cfg.GetLoop()
	bad.SnapshotRate = bad.TickRate + 1
	if rec := f.do(t, http.MethodPut, "/api/v1/config/loop", bad); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid loop config: %d", rec.Code)
	}
	if f.cfg.GetLoop().SnapshotRate == bad.SnapshotRate {
		t.Fatal("invalid loop config was not rolled back")
	}

	good := f.cfg.GetLoop()
	good.SnapshotRate = 10
	if rec := f.do(t, http.MethodPut, "/api/v1/config/loop", good); rec.Code != http.StatusOK {
		t.Fatalf("valid loop config: %d %s", rec.Code, rec.Body.String())
	}
	if f.cfg.GetLoop().SnapshotRate != 10 {
		t.Fatal("loop config not applied")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Unix(0, 0)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst of two should be allowed")
	}
	if rl.Allow("a") {
		t.Fatal("third request should be limited")
	}
	if !rl.Allow("b") {
		t.Fatal("limits are per key")
	}
	now = now.Add(time.Second)
	if !rl.Allow("a") {
		t.Fatal("bucket should refill")
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, "")
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events/ws?types=client.connected"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.bus.WildcardCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// Filtered out, then delivered.
	f.bus.Emit(context.Background(), events.Event{Type: events.HeroSpawned, Payload: events.HeroPayload{ClientID: 1}})
	f.bus.Emit(context.Background(), events.Event{Type: events.ClientConnected, Payload: events.ClientPayload{ClientID: 7, Username: "zed"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got events.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if got.Type != events.ClientConnected {
		t.Fatalf("unexpected event %s", got.Type)
	}
}
