package sockets

import (
	"golang.org/x/net/bpf"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// DHCP client→server ports. The MAB socket only passes DHCPDISCOVER /
// DHCPREQUEST traffic, which is what an agentless client emits first.
const (
	dhcpClientPort = 68
	dhcpServerPort = 67
)

// DHCPClientFilter assembles the classic BPF program attached to the MAB
// socket: IPv4, UDP, not a fragment, source port 68, destination port 67.
// Everything else is dropped in the kernel.
func DHCPClientFilter() ([]bpf.RawInstruction, error) {
	return bpf.Assemble(dhcpFilterProgram())
}

func dhcpFilterProgram() []bpf.Instruction {
	return []bpf.Instruction{
		// Ethertype must be IPv4.
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: 0x0800, SkipTrue: 8},
		// IP protocol must be UDP.
		bpf.LoadAbsolute{Off: 23, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: 17, SkipTrue: 6},
		// Ignore fragments; the ports live in the first one only.
		bpf.LoadAbsolute{Off: 20, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpBitsSet, Val: 0x1FFF, SkipTrue: 4},
		// X := IP header length, then check src/dst UDP ports.
		bpf.LoadMemShift{Off: 14},
		bpf.LoadIndirect{Off: 14, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: dhcpClientPort<<16 | dhcpServerPort, SkipTrue: 1},
		bpf.RetConstant{Val: 0xFFFF},
		bpf.RetConstant{Val: 0},
	}
}

// IsDHCPClientFrame re-checks a frame in userspace. Frames queued on the
// socket before the kernel filter attached can slip through, so the receive
// loop never trusts the filter alone.
func IsDHCPClientFrame(b []byte) bool {
	var (
		eth layers.Ethernet
		ip  layers.IPv4
		udp layers.UDP
	)
	if err := eth.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return false
	}
	if eth.EthernetType != layers.EthernetTypeIPv4 {
		return false
	}
	if err := ip.DecodeFromBytes(eth.Payload, gopacket.NilDecodeFeedback); err != nil {
		return false
	}
	if ip.Protocol != layers.IPProtocolUDP || ip.FragOffset != 0 {
		return false
	}
	if err := udp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
		return false
	}
	return udp.SrcPort == dhcpClientPort && udp.DstPort == dhcpServerPort
}
