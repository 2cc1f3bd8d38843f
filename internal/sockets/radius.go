package sockets

import (
	"fmt"
	"log/slog"
	"net"
)

// RadiusSocket is the UDP transport to the authentication server. It binds
// an ephemeral local port and unicasts to the configured endpoint.
type RadiusSocket struct {
	conn   *net.UDPConn
	server *net.UDPAddr
	logger *slog.Logger
}

// NewRadiusSocket opens the socket and remembers the server endpoint.
func NewRadiusSocket(serverIP net.IP, serverPort int, logger *slog.Logger) (*RadiusSocket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("binding radius socket: %w", err)
	}
	s := &RadiusSocket{
		conn:   conn,
		server: &net.UDPAddr{IP: serverIP, Port: serverPort},
		logger: logger,
	}
	logger.Info("radius socket open",
		"local", conn.LocalAddr().String(),
		"server", s.server.String())
	return s, nil
}

// Send unicasts one datagram to the server.
func (s *RadiusSocket) Send(b []byte) error {
	_, err := s.conn.WriteToUDP(b, s.server)
	return err
}

// Receive blocks until one datagram arrives. Datagrams from other sources
// than the configured server are dropped.
func (s *RadiusSocket) Receive() ([]byte, error) {
	buf := make([]byte, readBufferSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}
		if !addr.IP.Equal(s.server.IP) || addr.Port != s.server.Port {
			s.logger.Warn("dropping datagram from unexpected source", "source", addr.String())
			continue
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		return out, nil
	}
}

// Close releases the socket; pending receives unblock with an error.
func (s *RadiusSocket) Close() error {
	return s.conn.Close()
}
