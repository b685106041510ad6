// Package network implements the server transport: a TCP listener for the
// reliable channel, a UDP socket for the unreliable one, and the client
// registry that binds both to authenticated sessions.
package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dungeon-net/dungeond/internal/protocol"
	"github.com/dungeon-net/dungeond/internal/session"
)

var (
	// ErrSendQueueFull is reported when a connection's outbound queue has
	// no room for another message.
	ErrSendQueueFull = errors.New("send queue full")
	// ErrMalformed wraps decode failures of a complete frame. The stream
	// stays aligned, so the connection may keep reading.
	ErrMalformed = errors.New("malformed message")
)

type outbound struct {
	payload []byte
	kind    protocol.Kind
	result  *session.Result
}

// Connection is one accepted TCP connection. Reads happen on the handler
// goroutine; writes are queued and flushed by a dedicated writer goroutine
// so Send never blocks the caller on the socket.
type Connection struct {
	id           uint64
	conn         net.Conn
	maxSize      int
	writeTimeout time.Duration
	logger       zerolog.Logger

	out  chan outbound
	done chan struct{}

	mu           sync.Mutex
	closed       bool
	connectedAt  time.Time
	lastActivity time.Time
}

// NewConnection wraps conn and starts its writer.
func NewConnection(id uint64, conn net.Conn, maxSize, queueSize int, writeTimeout time.Duration) *Connection {
	if queueSize < 1 {
		queueSize = 1
	}
	now := time.Now()
	c := &Connection{
		id:           id,
		conn:         conn,
		maxSize:      maxSize,
		writeTimeout: writeTimeout,
		logger: log.With().
			Str("component", "connection").
			Uint64("conn", id).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
		out:          make(chan outbound, queueSize),
		done:         make(chan struct{}),
		connectedAt:  now,
		lastActivity: now,
	}
	go c.writeLoop()
	return c
}

// ID identifies the connection for the lifetime of the process.
func (c *Connection) ID() uint64 { return c.id }

// ReadMessage reads and decodes one frame. A zero timeout waits forever.
func (c *Connection) ReadMessage(timeout time.Duration) (protocol.Message, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}

	data, err := protocol.ReadFrame(c.conn, c.maxSize)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	msg, err := protocol.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return msg, nil
}

// Send encodes msg and queues it for the writer. Oversized payloads are
// refused rather than fragmented.
func (c *Connection) Send(msg protocol.Message) *session.Result {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return session.Resolved(err)
	}
	if len(payload) > c.maxSize {
		c.logger.Warn().
			Str("kind", msg.Kind().String()).
			Int("size", len(payload)).
			Int("max", c.maxSize).
			Msg("dropping oversized reliable payload")
		return session.Resolved(fmt.Errorf("%w: %s is %d bytes", protocol.ErrPayloadTooLarge, msg.Kind(), len(payload)))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return session.Resolved(session.ErrClosed)
	}

	res := session.NewPending()
	select {
	case c.out <- outbound{payload: payload, kind: msg.Kind(), result: res}:
		return res
	default:
		c.logger.Warn().Str("kind", msg.Kind().String()).Msg("send queue full, dropping message")
		return session.Resolved(ErrSendQueueFull)
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			c.failPending()
			return
		case ob := <-c.out:
			if c.writeTimeout > 0 {
				c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := protocol.WriteFrame(c.conn, ob.payload, c.maxSize); err != nil {
				ob.result.Resolve(fmt.Errorf("write %s: %w", ob.kind, err))
				c.logger.Debug().Err(err).Str("kind", ob.kind.String()).Msg("write failed, closing connection")
				c.Close()
				continue
			}
			ob.result.Resolve(nil)

			c.mu.Lock()
			c.lastActivity = time.Now()
			c.mu.Unlock()
		}
	}
}

// failPending resolves everything still queued. Close sets closed before
// signalling done, so nothing is enqueued after this drain.
func (c *Connection) failPending() {
	for {
		select {
		case ob := <-c.out:
			ob.result.Resolve(session.ErrClosed)
		default:
			return
		}
	}
}

// Close closes the socket and stops the writer. It is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.logger.Debug().Msg("connection closed")
	return c.conn.Close()
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the time of the last read/write activity.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns the time the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
