package network

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dungeon-net/dungeond/internal/protocol"
	"github.com/dungeon-net/dungeond/internal/session"
)

// DatagramHandler receives one decoded datagram.
type DatagramHandler func(from *net.UDPAddr, msg protocol.Message)

// UDPSocket is the unreliable channel: one socket shared by every client,
// one message per datagram.
type UDPSocket struct {
	addr    string
	mtu     int
	handler DatagramHandler
	conn    *net.UDPConn
	logger  zerolog.Logger
}

// NewUDPSocket creates a socket for addr that accepts datagrams of at most
// mtu bytes.
func NewUDPSocket(addr string, mtu int, handler DatagramHandler) *UDPSocket {
	return &UDPSocket{
		addr:    addr,
		mtu:     mtu,
		handler: handler,
		logger:  log.With().Str("component", "udp").Logger(),
	}
}

// Listen binds the socket.
func (u *UDPSocket) Listen(ctx context.Context) error {
	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp", u.addr)
	if err != nil {
		return fmt.Errorf("failed to start UDP socket on %s: %w", u.addr, err)
	}
	u.conn = pc.(*net.UDPConn)
	u.logger.Info().Str("addr", u.conn.LocalAddr().String()).Msg("UDP socket started")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (u *UDPSocket) Addr() *net.UDPAddr {
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr().(*net.UDPAddr)
}

// Serve reads datagrams until ctx is cancelled. Empty, oversized and
// undecodable datagrams are dropped.
func (u *UDPSocket) Serve(ctx context.Context) error {
	if u.conn == nil {
		return fmt.Errorf("UDP socket on %s is not bound", u.addr)
	}

	go func() {
		<-ctx.Done()
		u.conn.Close()
	}()

	// One spare byte detects datagrams longer than the cap.
	buf := make([]byte, u.mtu+1)
	for {
		n, remote, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				u.logger.Info().Msg("UDP socket stopping")
				return nil
			default:
			}
			if isClosedErr(err) {
				return nil
			}
			u.logger.Error().Err(err).Msg("UDP read error")
			continue
		}

		if n == 0 {
			u.logger.Warn().Str("remote", remote.String()).Msg("dropping empty datagram")
			continue
		}
		if n > u.mtu {
			u.logger.Warn().Str("remote", remote.String()).Int("max", u.mtu).Msg("dropping oversized datagram")
			continue
		}

		msg, err := protocol.Decode(buf[:n])
		if err != nil {
			u.logger.Debug().Err(err).Str("remote", remote.String()).Msg("dropping undecodable datagram")
			continue
		}
		u.handler(remote, msg)
	}
}

// SendTo writes msg as one datagram. Payloads above the MTU cap are
// refused rather than fragmented.
func (u *UDPSocket) SendTo(addr *net.UDPAddr, msg protocol.Message) *session.Result {
	if u.conn == nil {
		return session.Resolved(fmt.Errorf("UDP socket on %s is not bound", u.addr))
	}
	if addr == nil {
		return session.Resolved(session.ErrNoUDPAddress)
	}
	payload, err := protocol.Encode(msg)
	if err != nil {
		return session.Resolved(err)
	}
	if len(payload) > u.mtu {
		u.logger.Warn().
			Str("kind", msg.Kind().String()).
			Int("size", len(payload)).
			Int("max", u.mtu).
			Msg("dropping oversized unreliable payload")
		return session.Resolved(fmt.Errorf("%w: %s is %d bytes", protocol.ErrPayloadTooLarge, msg.Kind(), len(payload)))
	}
	if _, err := u.conn.WriteToUDP(payload, addr); err != nil {
		return session.Resolved(fmt.Errorf("write %s to %s: %w", msg.Kind(), addr, err))
	}
	return session.Resolved(nil)
}

// Stop closes the socket.
func (u *UDPSocket) Stop() error {
	if u.conn != nil {
		return u.conn.Close()
	}
	return nil
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
