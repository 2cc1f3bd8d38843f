//go:build linux

package sockets

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// MABSocket is the read-only raw socket watching for DHCP client traffic,
// ethertype 0x0800 with a kernel filter narrowing delivery to UDP 68→67.
type MABSocket struct {
	f      *os.File
	logger *slog.Logger
}

// NewMABSocket opens the MAB socket on the given interface.
func NewMABSocket(ifaceName string, logger *slog.Logger) (*MABSocket, error) {
	f, ifindex, err := openRaw(ifaceName, 0x0800)
	if err != nil {
		return nil, err
	}
	prog, err := DHCPClientFilter()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("assembling dhcp filter: %w", err)
	}
	filter := make([]unix.SockFilter, len(prog))
	for i, ins := range prog {
		filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	fprog := unix.SockFprog{Len: uint16(len(filter)), Filter: &filter[0]}
	raw, err := f.SyscallConn()
	if err != nil {
		f.Close()
		return nil, err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptSockFprog(int(fd), unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &fprog)
	}); err != nil {
		f.Close()
		return nil, err
	}
	if sockErr != nil {
		f.Close()
		return nil, fmt.Errorf("attaching dhcp filter: %w", sockErr)
	}
	logger.Info("mab socket open", "interface", ifaceName, "ifindex", ifindex)
	return &MABSocket{f: f, logger: logger}, nil
}

// Send is not supported; this socket only listens.
func (s *MABSocket) Send(b []byte) error {
	return ErrReceiveOnly
}

// Receive blocks until a DHCP client→server frame arrives. Frames the
// kernel filter let through before attachment are re-checked and skipped.
func (s *MABSocket) Receive() ([]byte, error) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.f.Read(buf)
		if err != nil {
			return nil, err
		}
		if IsDHCPClientFrame(buf[:n]) {
			out := make([]byte, n)
			copy(out, buf[:n])
			return out, nil
		}
	}
}

// Close releases the descriptor; pending receives unblock with an error.
func (s *MABSocket) Close() error {
	return s.f.Close()
}
