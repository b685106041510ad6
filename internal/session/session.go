// Package session binds an authenticated client to its live connections.
package session

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/dungeon-net/dungeond/internal/client"
	"github.com/dungeon-net/dungeond/internal/protocol"
)

var (
	ErrNotAttached     = errors.New("session has no client state")
	ErrAlreadyAttached = errors.New("session already has a client state")
	ErrNoUDPAddress    = errors.New("no udp address registered")
	ErrClosed          = errors.New("connection is closed")
)

// Conn is the reliable channel of a session. Send must not block on the
// network; it queues the message and returns its Result.
type Conn interface {
	ID() uint64
	Send(msg protocol.Message) *Result
	Close() error
	IsClosed() bool
	RemoteAddr() net.Addr
}

// DatagramSender writes one message as a single datagram.
type DatagramSender interface {
	SendTo(addr *net.UDPAddr, msg protocol.Message) *Result
}

// Session is one accepted reliable connection plus the UDP address its
// client registered, if any.
type Session struct {
	conn Conn
	udp  DatagramSender

	mu      sync.RWMutex
	udpAddr *net.UDPAddr
	state   *client.State
}

// New creates a Session for an accepted connection. udp may be nil when the
// server runs without an unreliable channel.
func New(conn Conn, udp DatagramSender) *Session {
	return &Session{conn: conn, udp: udp}
}

// SendMessage routes msg to the reliable or unreliable sender. Failures are
// reported through the Result and never panic. Before a client state is
// attached only handshake replies may be sent.
func (s *Session) SendMessage(msg protocol.Message, reliable bool) *Result {
	if msg == nil {
		return Resolved(errors.New("nil message"))
	}

	s.mu.RLock()
	state, addr := s.state, s.udpAddr
	s.mu.RUnlock()

	if state == nil && !handshakeKind(msg.Kind()) {
		return Resolved(fmt.Errorf("%w: cannot send %s", ErrNotAttached, msg.Kind()))
	}

	if reliable {
		if s.conn.IsClosed() {
			return Resolved(ErrClosed)
		}
		return s.conn.Send(msg)
	}

	if s.udp == nil || addr == nil {
		return Resolved(ErrNoUDPAddress)
	}
	return s.udp.SendTo(addr, msg)
}

func handshakeKind(k protocol.Kind) bool {
	return k == protocol.KindConnectAck || k == protocol.KindConnectReject
}

// AttachClientState binds state to this session once. Resumed sessions
// attach the previous client's state to a new Session; an attached Session
// is never rebound.
func (s *Session) AttachClientState(state *client.State) error {
	if state == nil {
		return fmt.Errorf("%w: nil state", ErrNotAttached)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyAttached, s.state)
	}
	s.state = state
	return nil
}

// ClientState returns the attached state, or nil before the handshake.
func (s *Session) ClientState() *client.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetUDPAddr records the client's registered UDP address and returns the
// previous one.
func (s *Session) SetUDPAddr(addr *net.UDPAddr) *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.udpAddr
	s.udpAddr = addr
	return prev
}

// UDPAddr returns the registered UDP address, or nil.
func (s *Session) UDPAddr() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.udpAddr
}

// IsClosed reflects the liveness of the reliable channel.
func (s *Session) IsClosed() bool { return s.conn.IsClosed() }

// Close closes the reliable channel.
func (s *Session) Close() error { return s.conn.Close() }

// ConnID identifies the reliable channel.
func (s *Session) ConnID() uint64 { return s.conn.ID() }

// RemoteAddr returns the reliable channel's peer address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
