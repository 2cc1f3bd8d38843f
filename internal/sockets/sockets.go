// Package sockets owns the three transports of the authenticator: the raw
// EAPOL socket, the raw MAB (DHCP snooping) socket, and the RADIUS UDP
// socket. The dispatcher consumes them through the Conn interface so tests
// can substitute in-memory implementations.
package sockets

import "errors"

// readBufferSize is the MTU-sized receive buffer used by all three sockets.
const readBufferSize = 4096

// ErrReceiveOnly is returned when sending on a listen-only socket.
var ErrReceiveOnly = errors.New("socket is receive-only")

// Conn is one frame- or datagram-oriented transport. Receive blocks until a
// frame arrives or the socket is closed; Close unblocks pending receives,
// which then fail cleanly.
type Conn interface {
	Send(b []byte) error
	Receive() ([]byte, error)
	Close() error
}
