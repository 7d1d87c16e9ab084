// Package netutil holds small net.Conn/net.Listener adaptations shared by
// the server and client binaries.
package netutil

import (
	"net"

	"github.com/rs/zerolog/log"
)

// SetTCPNoDelay disables Nagle's algorithm on conn. Returns nil for
// non-TCP connections.
func SetTCPNoDelay(conn net.Conn) error {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		return tcpConn.SetNoDelay(true)
	}
	return nil
}

// NoDelayListener wraps a net.Listener and enables TCP_NODELAY on every
// accepted connection, cutting per-record latency for the small,
// back-and-forth frames this protocol exchanges.
type NoDelayListener struct {
	net.Listener
}

// NewNoDelayListener wraps l.
func NewNoDelayListener(l net.Listener) *NoDelayListener {
	return &NoDelayListener{Listener: l}
}

// Accept accepts a connection and enables TCP_NODELAY on it.
func (l *NoDelayListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if err := SetTCPNoDelay(conn); err != nil {
		log.Debug().Err(err).Msg("netutil: failed to set TCP_NODELAY on accepted connection")
	}
	return conn, nil
}
