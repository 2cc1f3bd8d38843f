package sockets

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/bpf"
)

// buildUDPFrame crafts an ethernet/IPv4/UDP frame with checksums.
func buildUDPFrame(t *testing.T, srcPort, dstPort uint16) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x02},
		DstMAC:       net.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(0, 0, 0, 0),
		DstIP:    net.IPv4(255, 255, 255, 255),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	payload := make([]byte, 240) // BOOTP-sized body
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func buildARPFrame(t *testing.T) []byte {
	t.Helper()
	b := make([]byte, 60)
	b[12], b[13] = 0x08, 0x06
	return b
}

func TestDHCPFilterProgram(t *testing.T) {
	vm, err := bpf.NewVM(dhcpFilterProgram())
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}

	tests := []struct {
		name   string
		frame  []byte
		accept bool
	}{
		{"dhcp discover 68->67", buildUDPFrame(t, 68, 67), true},
		{"dns 5353->53", buildUDPFrame(t, 5353, 53), false},
		{"reversed ports 67->68", buildUDPFrame(t, 67, 68), false},
		{"arp", buildARPFrame(t), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := vm.Run(tt.frame)
			if err != nil {
				t.Fatalf("vm.Run: %v", err)
			}
			if (n > 0) != tt.accept {
				t.Errorf("filter verdict %d, accept=%v", n, tt.accept)
			}
			if got := IsDHCPClientFrame(tt.frame); got != tt.accept {
				t.Errorf("IsDHCPClientFrame = %v, want %v", got, tt.accept)
			}
		})
	}
}

func TestDHCPFilterAssembles(t *testing.T) {
	prog, err := DHCPClientFilter()
	if err != nil {
		t.Fatalf("DHCPClientFilter: %v", err)
	}
	if len(prog) == 0 {
		t.Fatal("empty filter program")
	}
}

func TestFilterRejectsTCP(t *testing.T) {
	frame := buildUDPFrame(t, 68, 67)
	frame[23] = 6 // rewrite protocol to TCP
	vm, err := bpf.NewVM(dhcpFilterProgram())
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := vm.Run(frame); n != 0 {
		t.Error("TCP frame accepted by filter")
	}
	if IsDHCPClientFrame(frame) {
		t.Error("TCP frame accepted by userspace check")
	}
}
