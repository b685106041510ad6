package network

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
)

// ConnHandler serves one accepted connection until it closes.
type ConnHandler func(ctx context.Context, conn net.Conn)

// TCPListener accepts reliable-channel connections and hands each to its
// handler on a dedicated goroutine.
type TCPListener struct {
	addr     string
	handler  ConnHandler
	listener net.Listener
	wg       sync.WaitGroup
}

// NewTCPListener creates a listener for addr.
func NewTCPListener(addr string, handler ConnHandler) *TCPListener {
	return &TCPListener{addr: addr, handler: handler}
}

// Listen binds the socket.
func (l *TCPListener) Listen(ctx context.Context) error {
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP listener on %s: %w", l.addr, err)
	}
	l.listener = ln
	log.Info().Str("addr", ln.Addr().String()).Msg("TCP listener started")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *TCPListener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Serve accepts connections until ctx is cancelled, then waits for the
// handlers to return.
func (l *TCPListener) Serve(ctx context.Context) error {
	if l.listener == nil {
		return fmt.Errorf("TCP listener on %s is not bound", l.addr)
	}

	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	defer l.wg.Wait()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("TCP listener stopping")
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if isClosedErr(err) {
				return nil
			}
			log.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}
		log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("new client connection")

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handler(ctx, conn)
		}()
	}
}

// Stop closes the listening socket.
func (l *TCPListener) Stop() error {
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}
