//go:build linux

package sockets

import (
	"fmt"
	"log/slog"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/dot1xd/dot1xd/pkg/eapol"
)

// htons converts to the network byte order AF_PACKET expects.
func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// openRaw opens a non-blocking AF_PACKET socket bound to the interface and
// joins the PAE group address so EAPOL multicast is delivered.
func openRaw(ifaceName string, proto uint16) (*os.File, int, error) {
	ifi, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, 0, fmt.Errorf("looking up interface %s: %w", ifaceName, err)
	}
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(proto)))
	if err != nil {
		return nil, 0, fmt.Errorf("opening raw socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{
		Protocol: htons(proto),
		Ifindex:  ifi.Index,
	}); err != nil {
		unix.Close(fd)
		return nil, 0, fmt.Errorf("binding to %s: %w", ifaceName, err)
	}
	mreq := unix.PacketMreq{
		Ifindex: int32(ifi.Index),
		Type:    unix.PACKET_MR_MULTICAST,
		Alen:    uint16(len(eapol.PAEGroupAddress)),
	}
	copy(mreq.Address[:], eapol.PAEGroupAddress)
	if err := unix.SetsockoptPacketMreq(fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, &mreq); err != nil {
		unix.Close(fd)
		return nil, 0, fmt.Errorf("joining PAE group on %s: %w", ifaceName, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, 0, fmt.Errorf("setting non-blocking: %w", err)
	}
	return os.NewFile(uintptr(fd), fmt.Sprintf("raw:%s:0x%04x", ifaceName, proto)), ifi.Index, nil
}

// EAPSocket is the supplicant-facing raw socket, ethertype 0x888E.
type EAPSocket struct {
	f      *os.File
	logger *slog.Logger
}

// NewEAPSocket opens the EAPOL socket on the given interface.
func NewEAPSocket(ifaceName string, logger *slog.Logger) (*EAPSocket, error) {
	f, ifindex, err := openRaw(ifaceName, eapol.EtherType)
	if err != nil {
		return nil, err
	}
	logger.Info("eapol socket open", "interface", ifaceName, "ifindex", ifindex)
	return &EAPSocket{f: f, logger: logger}, nil
}

// Send writes one complete frame.
func (s *EAPSocket) Send(b []byte) error {
	_, err := s.f.Write(b)
	return err
}

// Receive blocks until one frame arrives or the socket closes.
func (s *EAPSocket) Receive() ([]byte, error) {
	buf := make([]byte, readBufferSize)
	n, err := s.f.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Close releases the descriptor; pending receives unblock with an error.
func (s *EAPSocket) Close() error {
	return s.f.Close()
}
