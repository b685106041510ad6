package network

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dungeon-net/dungeond/internal/client"
	"github.com/dungeon-net/dungeond/internal/config"
	"github.com/dungeon-net/dungeond/internal/events"
	"github.com/dungeon-net/dungeond/internal/protocol"
	"github.com/dungeon-net/dungeond/internal/session"
	"github.com/dungeon-net/dungeond/internal/token"
)

// Reject reasons sent in ConnectReject.
const (
	RejectVersion  = "Protocol version mismatch"
	RejectName     = "Invalid player name. Must be non-empty, without underscores, and unique."
	RejectFull     = "Server is full"
	RejectInternal = "Internal server error"
)

// ErrUnknownClient is reported for sends to a client id with no session.
var ErrUnknownClient = errors.New("unknown client")

// World is the part of the simulation the transport consults directly.
type World interface {
	LevelName() string
	SpawnEvent(entity protocol.EntityID) (protocol.EntitySpawn, bool)
}

// ResumeHook runs after a client resumed its previous state on a new
// connection.
type ResumeHook func(state *client.State)

// Options configures a Transport.
type Options struct {
	TCPAddr          string
	UDPAddr          string
	ProtocolVersion  uint16
	MaxTCPObjectSize int
	SafeUDPMTU       int
	SendQueueSize    int
	InputQueueSize   int
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	WriteTimeout     time.Duration
	ReconnectWindow  time.Duration
	MaxSeqGap        int32
}

// OptionsFromConfig maps the network and loop sections onto Options.
func OptionsFromConfig(n config.NetworkConfig, l config.LoopConfig) Options {
	return Options{
		TCPAddr:          n.TCPAddr(),
		UDPAddr:          n.UDPAddr(),
		ProtocolVersion:  n.ProtocolVersion,
		MaxTCPObjectSize: n.MaxTCPObjectSize,
		SafeUDPMTU:       n.SafeUDPMTU,
		SendQueueSize:    n.SendQueueSize,
		InputQueueSize:   n.InputQueueSize,
		HandshakeTimeout: time.Duration(n.HandshakeTimeout) * time.Millisecond,
		IdleTimeout:      time.Duration(n.IdleTimeout) * time.Millisecond,
		WriteTimeout:     time.Duration(n.WriteTimeout) * time.Millisecond,
		ReconnectWindow:  l.ReconnectWindow(),
		MaxSeqGap:        l.MaxSeqGap,
	}
}

// Transport owns both channels and the client registry. All maps are
// guarded by one lock so the forward and reverse mappings never disagree.
type Transport struct {
	opts   Options
	world  World
	bus    *events.Bus
	queue  *InputQueue
	tcp    *TCPListener
	udp    *UDPSocket
	logger zerolog.Logger

	nextClientID atomic.Uint32
	nextConnID   atomic.Uint64

	// mu covers all six maps; forward and reverse entries change together.
	mu          sync.RWMutex
	sessions    map[uint16]*session.Session
	states      map[uint16]*client.State
	usernames   map[string]uint16
	connClients map[uint64]uint16
	udpAddrs    map[uint16]*net.UDPAddr
	udpClients  map[string]uint16

	hooksMu     sync.RWMutex
	resumeHooks []ResumeHook
}

// NewTransport creates an unbound transport.
func NewTransport(opts Options, world World, bus *events.Bus) *Transport {
	if opts.MaxTCPObjectSize <= 0 {
		opts.MaxTCPObjectSize = protocol.DefaultMaxTCPObjectSize
	}
	if opts.SafeUDPMTU <= 0 {
		opts.SafeUDPMTU = protocol.DefaultSafeUDPMTU
	}
	if opts.ProtocolVersion == 0 {
		opts.ProtocolVersion = protocol.Version
	}
	if opts.MaxSeqGap <= 0 {
		opts.MaxSeqGap = client.DefaultMaxSeqGap
	}

	t := &Transport{
		opts:        opts,
		world:       world,
		bus:         bus,
		queue:       NewInputQueue(opts.InputQueueSize),
		logger:      log.With().Str("component", "transport").Logger(),
		sessions:    make(map[uint16]*session.Session),
		states:      make(map[uint16]*client.State),
		usernames:   make(map[string]uint16),
		connClients: make(map[uint64]uint16),
		udpAddrs:    make(map[uint16]*net.UDPAddr),
		udpClients:  make(map[string]uint16),
	}
	t.tcp = NewTCPListener(opts.TCPAddr, t.handleConnection)
	t.udp = NewUDPSocket(opts.UDPAddr, opts.SafeUDPMTU, t.handleDatagram)
	return t
}

// OnResume registers a hook run after every successful reconnect.
func (t *Transport) OnResume(hook ResumeHook) {
	t.hooksMu.Lock()
	defer t.hooksMu.Unlock()
	t.resumeHooks = append(t.resumeHooks, hook)
}

// Listen binds the TCP listener and the UDP socket.
func (t *Transport) Listen(ctx context.Context) error {
	if err := t.tcp.Listen(ctx); err != nil {
		return err
	}
	if err := t.udp.Listen(ctx); err != nil {
		t.tcp.Stop()
		return err
	}
	return nil
}

// Serve runs both channels until ctx is cancelled, then closes every
// session.
func (t *Transport) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.tcp.Serve(gctx) })
	g.Go(func() error { return t.udp.Serve(gctx) })

	go func() {
		<-gctx.Done()
		t.closeAll()
	}()

	return g.Wait()
}

// TCPAddr returns the bound TCP address.
func (t *Transport) TCPAddr() net.Addr { return t.tcp.Addr() }

// UDPAddr returns the bound UDP address.
func (t *Transport) UDPAddr() *net.UDPAddr { return t.udp.Addr() }

// Queue returns the shared input queue.
func (t *Transport) Queue() *InputQueue { return t.queue }

// Listening reports whether both sockets are bound.
func (t *Transport) Listening() bool {
	return t.tcp.Addr() != nil && t.udp.Addr() != nil
}

func (t *Transport) closeAll() {
	t.mu.RLock()
	sessions := make([]*session.Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
	if len(sessions) > 0 {
		t.logger.Info().Int("sessions", len(sessions)).Msg("all sessions closed")
	}
}

// handleConnection runs the handshake, then reads messages until the
// connection closes.
func (t *Transport) handleConnection(ctx context.Context, raw net.Conn) {
	conn := NewConnection(t.nextConnID.Add(1), raw, t.opts.MaxTCPObjectSize, t.opts.SendQueueSize, t.opts.WriteTimeout)
	sess := session.New(conn, t.udp)
	defer t.disconnect(sess)

	logger := t.logger.With().Uint64("conn", conn.ID()).Str("remote", raw.RemoteAddr().String()).Logger()

	msg, err := conn.ReadMessage(t.opts.HandshakeTimeout)
	if err != nil {
		logger.Debug().Err(err).Msg("failed to read handshake")
		return
	}
	req, ok := msg.(protocol.ConnectRequest)
	if !ok {
		logger.Warn().Str("kind", msg.Kind().String()).Msg("expected connect request as first message")
		return
	}
	if !t.handshake(ctx, sess, req) {
		return
	}

	state := sess.ClientState()
	logger = logger.With().Uint16("client", state.ID()).Str("username", state.Username()).Logger()
	defer func() {
		logger.Debug().
			Dur("connected_for", time.Since(conn.ConnectedAt())).
			Time("last_activity", conn.LastActivity()).
			Msg("connection finished")
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		msg, err := conn.ReadMessage(t.opts.IdleTimeout)
		if err != nil {
			if conn.IsClosed() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				logger.Warn().Dur("idle", t.opts.IdleTimeout).Msg("connection idle, closing")
				return
			}
			if errors.Is(err, ErrMalformed) {
				logger.Warn().Err(err).Msg("dropping malformed message")
				continue
			}
			if errors.Is(err, protocol.ErrPayloadTooLarge) || errors.Is(err, protocol.ErrEmptyPayload) {
				logger.Warn().Err(err).Msg("protocol violation, closing connection")
				return
			}
			logger.Debug().Err(err).Msg("read error, closing connection")
			return
		}
		t.dispatch(sess, state, msg, logger)
	}
}

// dispatch routes one reliable-channel message from an attached client.
func (t *Transport) dispatch(sess *session.Session, state *client.State, msg protocol.Message, logger zerolog.Logger) {
	switch m := msg.(type) {
	case protocol.Input, protocol.DialogResponse, protocol.SoundFinished:
		t.enqueue(state, m, logger)
	case protocol.RequestEntitySpawn:
		t.handleSpawnRequest(sess, m, logger)
	case protocol.ConnectRequest:
		logger.Warn().Msg("ignoring connect request on an established session")
	case protocol.RegisterUDP:
		logger.Warn().Msg("ignoring udp registration sent over tcp")
	case protocol.ConnectAck, protocol.ConnectReject, protocol.RegisterAck,
		protocol.LevelChange, protocol.HeroSpawn, protocol.GameOver,
		protocol.EntitySpawn, protocol.EntityDespawn, protocol.DialogShow,
		protocol.DialogClose, protocol.SoundPlay, protocol.SoundStop, protocol.Snapshot:
		logger.Warn().Str("kind", m.Kind().String()).Msg("ignoring server message sent by client")
	}
}

func (t *Transport) enqueue(state *client.State, msg protocol.Message, logger zerolog.Logger) {
	state.Touch()
	if !t.queue.Push(state, msg) {
		logger.Warn().
			Str("kind", msg.Kind().String()).
			Int("capacity", t.queue.Capacity()).
			Msg("input queue full, dropping message")
	}
}

func (t *Transport) handleSpawnRequest(sess *session.Session, m protocol.RequestEntitySpawn, logger zerolog.Logger) {
	if t.world == nil {
		return
	}
	ev, ok := t.world.SpawnEvent(m.EntityID)
	if !ok {
		logger.Debug().Int32("entity", int32(m.EntityID)).Msg("spawn requested for unknown entity")
		return
	}
	sess.SendMessage(ev, true)
}

// handshake answers a ConnectRequest. It reports whether the session is now
// attached; on rejection the reason has been sent.
func (t *Transport) handshake(ctx context.Context, sess *session.Session, req protocol.ConnectRequest) bool {
	logger := t.logger.With().Str("remote", sess.RemoteAddr().String()).Str("username", req.PlayerName).Logger()

	if req.ProtocolVersion != t.opts.ProtocolVersion {
		logger.Info().
			Uint16("client_version", req.ProtocolVersion).
			Uint16("server_version", t.opts.ProtocolVersion).
			Msg("rejecting connection: protocol version mismatch")
		t.reject(ctx, sess, req.PlayerName, RejectVersion)
		return false
	}
	if !validName(req.PlayerName) {
		logger.Info().Msg("rejecting connection: invalid player name")
		t.reject(ctx, sess, req.PlayerName, RejectName)
		return false
	}

	if req.SessionID != 0 && len(req.SessionToken) > 0 {
		if ok, handled := t.resume(ctx, sess, req, logger); handled {
			return ok
		}
	}

	sessionID, sessionToken, err := newCredentials()
	if err != nil {
		logger.Error().Err(err).Msg("failed to generate session credentials")
		t.reject(ctx, sess, req.PlayerName, RejectInternal)
		return false
	}
	defer token.Wipe(sessionToken)

	t.mu.Lock()
	if t.nameTakenLocked(req.PlayerName) {
		t.mu.Unlock()
		logger.Info().Msg("rejecting connection: player name in use")
		t.reject(ctx, sess, req.PlayerName, RejectName)
		return false
	}
	next := t.nextClientID.Add(1)
	if next > math.MaxUint16 {
		t.mu.Unlock()
		logger.Warn().Msg("rejecting connection: client ids exhausted")
		t.reject(ctx, sess, req.PlayerName, RejectFull)
		return false
	}
	id := uint16(next)
	state, err := client.New(id, req.PlayerName, sessionID, sessionToken, client.WithMaxSeqGap(t.opts.MaxSeqGap))
	if err == nil {
		err = sess.AttachClientState(state)
	}
	if err != nil {
		t.mu.Unlock()
		logger.Error().Err(err).Msg("failed to create client state")
		t.reject(ctx, sess, req.PlayerName, RejectInternal)
		return false
	}
	t.registerLocked(sess, state)
	t.mu.Unlock()

	t.welcome(sess, state, sessionToken)
	logger.Info().Uint16("client", id).Msg("client connected")
	t.emit(events.ClientConnected, events.ClientPayload{
		ClientID:  id,
		Username:  state.Username(),
		SessionID: sessionID,
		Remote:    sess.RemoteAddr().String(),
	})
	return true
}

// resume reattaches a detached state whose credentials match. handled is
// false when no state matched and the request should be treated as a fresh
// connect.
func (t *Transport) resume(ctx context.Context, sess *session.Session, req protocol.ConnectRequest, logger zerolog.Logger) (ok, handled bool) {
	sessionID, sessionToken, err := newCredentials()
	if err != nil {
		logger.Error().Err(err).Msg("failed to generate session credentials")
		t.reject(ctx, sess, req.PlayerName, RejectInternal)
		return false, true
	}
	defer token.Wipe(sessionToken)

	now := time.Now()
	t.mu.Lock()
	var state *client.State
	for _, s := range t.states {
		if s.Username() == req.PlayerName && s.Detached() &&
			s.SessionID() == req.SessionID && s.VerifyToken(req.SessionToken) &&
			s.IsWithinReconnectWindow(now, t.opts.ReconnectWindow) {
			state = s
			break
		}
	}
	if state == nil {
		t.mu.Unlock()
		logger.Debug().Msg("no resumable session matched, treating as new connection")
		return false, false
	}
	if err := state.ResetForReconnect(sessionID, sessionToken, true, nil); err != nil {
		t.mu.Unlock()
		logger.Error().Err(err).Msg("failed to reset client state")
		t.reject(ctx, sess, req.PlayerName, RejectInternal)
		return false, true
	}
	if err := sess.AttachClientState(state); err != nil {
		t.mu.Unlock()
		logger.Error().Err(err).Msg("failed to attach resumed state")
		t.reject(ctx, sess, req.PlayerName, RejectInternal)
		return false, true
	}
	t.registerLocked(sess, state)
	t.mu.Unlock()

	t.welcome(sess, state, sessionToken)

	t.hooksMu.RLock()
	hooks := append([]ResumeHook(nil), t.resumeHooks...)
	t.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(state)
	}

	logger.Info().Uint16("client", state.ID()).Msg("client reconnected")
	t.emit(events.ClientReconnected, events.ClientPayload{
		ClientID:  state.ID(),
		Username:  state.Username(),
		SessionID: sessionID,
		Remote:    sess.RemoteAddr().String(),
	})
	return true, true
}

func newCredentials() (int64, []byte, error) {
	sessionID, err := token.SessionID()
	if err != nil {
		return 0, nil, err
	}
	sessionToken, err := token.Generate(token.DefaultLength)
	if err != nil {
		return 0, nil, err
	}
	return sessionID, sessionToken, nil
}

func validName(name string) bool {
	return strings.TrimSpace(name) != "" && !strings.Contains(name, "_")
}

// nameTakenLocked reports whether name belongs to a connected client or to
// a detached one that may still resume.
func (t *Transport) nameTakenLocked(name string) bool {
	if _, ok := t.usernames[name]; ok {
		return true
	}
	now := time.Now()
	for _, s := range t.states {
		if s.Username() == name && s.Detached() && s.IsWithinReconnectWindow(now, t.opts.ReconnectWindow) {
			return true
		}
	}
	return false
}

func (t *Transport) registerLocked(sess *session.Session, state *client.State) {
	id := state.ID()
	t.sessions[id] = sess
	t.states[id] = state
	t.usernames[state.Username()] = id
	t.connClients[sess.ConnID()] = id
}

// welcome sends the acknowledgement and the current level.
func (t *Transport) welcome(sess *session.Session, state *client.State, sessionToken []byte) {
	sess.SendMessage(protocol.ConnectAck{
		ClientID:     state.ID(),
		SessionID:    state.SessionID(),
		SessionToken: append([]byte(nil), sessionToken...),
	}, true)

	level := ""
	if t.world != nil {
		level = t.world.LevelName()
	}
	sess.SendMessage(protocol.LevelChange{LevelName: level}, true)

	// A resumed client keeps its hero; tell the new connection which one
	// before snapshots show it.
	if hero, ok := state.Hero(); ok {
		sess.SendMessage(protocol.HeroSpawn{EntityID: hero}, true)
	}
}

// reject sends the reason and waits briefly for it to reach the socket
// before the caller closes the connection.
func (t *Transport) reject(ctx context.Context, sess *session.Session, username, reason string) {
	res := sess.SendMessage(protocol.ConnectReject{Reason: reason}, true)
	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	res.Wait(wctx)

	t.emit(events.ClientRejected, events.ClientPayload{
		Username: username,
		Remote:   sess.RemoteAddr().String(),
		Reason:   reason,
	})
}

// disconnect removes the session, its UDP mapping and its name reservation.
// The client state is detached, not destroyed; the server loop decides its
// fate on its next tick.
func (t *Transport) disconnect(sess *session.Session) {
	sess.Close()

	state := sess.ClientState()

	t.mu.Lock()
	delete(t.connClients, sess.ConnID())
	if state == nil {
		t.mu.Unlock()
		return
	}
	id := state.ID()
	if current, ok := t.sessions[id]; !ok || current != sess {
		t.mu.Unlock()
		return
	}
	delete(t.sessions, id)
	delete(t.usernames, state.Username())
	if addr, ok := t.udpAddrs[id]; ok {
		delete(t.udpClients, addr.String())
		delete(t.udpAddrs, id)
	}
	state.Detach()
	t.mu.Unlock()

	t.logger.Info().Uint16("client", id).Str("username", state.Username()).Msg("client disconnected")
	t.emit(events.ClientDisconnected, events.ClientPayload{
		ClientID:  id,
		Username:  state.Username(),
		SessionID: state.SessionID(),
	})
}

// handleDatagram routes one unreliable-channel message.
func (t *Transport) handleDatagram(from *net.UDPAddr, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.RegisterUDP:
		t.registerUDP(from, m)
	case protocol.Input:
		t.mu.RLock()
		id, ok := t.udpClients[from.String()]
		state := t.states[id]
		t.mu.RUnlock()
		if !ok || state == nil {
			t.logger.Debug().Str("remote", from.String()).Msg("dropping input from unregistered address")
			return
		}
		t.enqueue(state, m, t.logger.With().Uint16("client", id).Logger())
	default:
		t.logger.Debug().
			Str("remote", from.String()).
			Str("kind", msg.Kind().String()).
			Msg("dropping unexpected datagram")
	}
}

// registerUDP binds from to a handshaken client, replacing any previous
// address in both directions, and acknowledges over UDP.
func (t *Transport) registerUDP(from *net.UDPAddr, m protocol.RegisterUDP) {
	logger := t.logger.With().Uint16("client", m.ClientID).Str("remote", from.String()).Logger()

	t.mu.Lock()
	sess, ok := t.sessions[m.ClientID]
	if !ok {
		t.mu.Unlock()
		logger.Warn().Msg("rejecting udp registration for unknown client")
		t.udp.SendTo(from, protocol.RegisterAck{Success: false})
		return
	}
	if prev, ok := t.udpAddrs[m.ClientID]; ok {
		delete(t.udpClients, prev.String())
	}
	if other, ok := t.udpClients[from.String()]; ok && other != m.ClientID {
		delete(t.udpAddrs, other)
		if otherSess, ok := t.sessions[other]; ok {
			otherSess.SetUDPAddr(nil)
		}
	}
	t.udpAddrs[m.ClientID] = from
	t.udpClients[from.String()] = m.ClientID
	sess.SetUDPAddr(from)
	t.mu.Unlock()

	t.udp.SendTo(from, protocol.RegisterAck{Success: true})
	logger.Info().Msg("udp address registered")
	t.emit(events.UDPRegistered, events.ClientPayload{ClientID: m.ClientID, Remote: from.String()})
}

// SendTo sends msg to one client.
func (t *Transport) SendTo(clientID uint16, msg protocol.Message, reliable bool) *session.Result {
	t.mu.RLock()
	sess, ok := t.sessions[clientID]
	t.mu.RUnlock()
	if !ok {
		return session.Resolved(fmt.Errorf("%w: %d", ErrUnknownClient, clientID))
	}
	return sess.SendMessage(msg, reliable)
}

// Broadcast sends msg to every attached session, or for unreliable sends
// to every session with a registered UDP address. Every send is attempted;
// the aggregate is Delivered only if all of them are.
func (t *Transport) Broadcast(msg protocol.Message, reliable bool) *session.Result {
	t.mu.RLock()
	targets := make([]*session.Session, 0, len(t.sessions))
	for id, s := range t.sessions {
		if !reliable {
			if _, ok := t.udpAddrs[id]; !ok {
				continue
			}
		}
		targets = append(targets, s)
	}
	t.mu.RUnlock()

	return t.fanOut(targets, msg, reliable)
}

func (t *Transport) fanOut(targets []*session.Session, msg protocol.Message, reliable bool) *session.Result {
	results := make([]*session.Result, len(targets))
	var g errgroup.Group
	for i, s := range targets {
		i, s := i, s
		g.Go(func() error {
			results[i] = s.SendMessage(msg, reliable)
			return nil
		})
	}
	g.Wait()

	agg := session.All(results...)
	go func() {
		<-agg.Done()
		if err := agg.Err(); err != nil {
			t.logger.Debug().
				Err(err).
				Str("kind", msg.Kind().String()).
				Bool("reliable", reliable).
				Msg("broadcast not fully delivered")
		}
	}()
	return agg
}

// ClientForEntity returns the client whose hero is entity. Detached clients
// still count, so their resources survive a reconnect.
func (t *Transport) ClientForEntity(entity protocol.EntityID) (uint16, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, s := range t.states {
		if hero, ok := s.Hero(); ok && hero == entity {
			return id, true
		}
	}
	return 0, false
}

// Clients returns every known client state, connected or detached, ordered
// by client id.
func (t *Transport) Clients() []*client.State {
	t.mu.RLock()
	out := make([]*client.State, 0, len(t.states))
	for _, s := range t.states {
		out = append(out, s)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Session returns the live session of a client.
func (t *Transport) Session(clientID uint16) (*session.Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[clientID]
	return s, ok
}

// SessionCount returns the number of live sessions.
func (t *Transport) SessionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Forget drops a detached client state for good. Connected clients are
// left alone.
func (t *Transport) Forget(clientID uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.states[clientID]
	if !ok {
		return false
	}
	if _, live := t.sessions[clientID]; live {
		return false
	}
	delete(t.states, clientID)
	if owner, ok := t.usernames[state.Username()]; ok && owner == clientID {
		delete(t.usernames, state.Username())
	}
	return true
}

// Kick closes a client's connection. The regular disconnect path runs from
// the connection's reader.
func (t *Transport) Kick(clientID uint16) bool {
	sess, ok := t.Session(clientID)
	if !ok {
		return false
	}
	t.logger.Info().Uint16("client", clientID).Msg("kicking client")
	sess.Close()
	return true
}

func (t *Transport) emit(eventType events.Type, payload interface{}) {
	if t.bus == nil {
		return
	}
	t.bus.Emit(context.Background(), events.Event{
		Type:    eventType,
		Source:  "transport",
		Payload: payload,
	})
}
