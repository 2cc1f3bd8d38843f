package eapol

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// eapHeaderLen is code(1) + identifier(1) + length(2).
const eapHeaderLen = 4

// ParseError reports a malformed EAPOL or EAP frame. The frame is
// dropped; the session is unaffected.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "malformed frame: " + e.Reason
}

func parseErrorf(format string, args ...any) *ParseError {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// EAP is a single EAP packet (RFC 3748 §4). Type and Data are only present
// for Request and Response codes.
type EAP struct {
	Code Code
	ID   byte
	Type Type
	Data []byte
}

// NewIdentityRequest builds the EAP Identity Request the authenticator sends
// to open a conversation. The identity prompt is empty.
func NewIdentityRequest(id byte) *EAP {
	return &EAP{Code: CodeRequest, ID: id, Type: TypeIdentity}
}

// Identity returns the identity string of an Identity Request/Response.
func (e *EAP) Identity() string {
	if e.Type != TypeIdentity {
		return ""
	}
	return string(e.Data)
}

// HasType reports whether the code carries a method type byte on the wire.
func (e *EAP) HasType() bool {
	return e.Code == CodeRequest || e.Code == CodeResponse
}

func (e *EAP) String() string {
	if e.HasType() {
		return fmt.Sprintf("EAP %s id=%d type=%s len=%d", e.Code, e.ID, e.Type, len(e.Data))
	}
	return fmt.Sprintf("EAP %s id=%d", e.Code, e.ID)
}

// Marshal encodes the EAP packet. The length field covers the full packet
// including the header.
func (e *EAP) Marshal() ([]byte, error) {
	total := eapHeaderLen
	if e.HasType() {
		total += 1 + len(e.Data)
	}
	if total > 0xFFFF {
		return nil, fmt.Errorf("eap packet too large: %d bytes", total)
	}
	b := make([]byte, total)
	b[0] = byte(e.Code)
	b[1] = e.ID
	binary.BigEndian.PutUint16(b[2:4], uint16(total))
	if e.HasType() {
		b[4] = byte(e.Type)
		copy(b[5:], e.Data)
	}
	return b, nil
}

// ParseEAP decodes one EAP packet. Bytes beyond the declared length are
// ignored (link-layer padding).
func ParseEAP(b []byte) (*EAP, error) {
	if len(b) < eapHeaderLen {
		return nil, parseErrorf("eap packet truncated: %d bytes", len(b))
	}
	length := binary.BigEndian.Uint16(b[2:4])
	if length < eapHeaderLen {
		return nil, parseErrorf("eap length field %d below header size", length)
	}
	if int(length) > len(b) {
		return nil, parseErrorf("eap length field %d exceeds %d available bytes", length, len(b))
	}
	e := &EAP{Code: Code(b[0]), ID: b[1]}
	switch e.Code {
	case CodeRequest, CodeResponse:
		if length < eapHeaderLen+1 {
			return nil, parseErrorf("eap %s without type byte", e.Code)
		}
		e.Type = Type(b[4])
		if length > eapHeaderLen+1 {
			e.Data = append([]byte(nil), b[5:length]...)
		}
	case CodeSuccess, CodeFailure:
		// No type or payload.
	default:
		return nil, parseErrorf("unknown eap code %d", b[0])
	}
	return e, nil
}

// Frame is a decoded EAPOL frame together with its ethernet addressing.
// EAP is nil for EAPOL-Start and EAPOL-Logoff.
type Frame struct {
	SrcMAC     net.HardwareAddr
	DstMAC     net.HardwareAddr
	Version    byte
	PacketType PacketType
	EAP        *EAP
}

// ParseFrame decodes an ethernet frame carrying EAPOL. The destination MAC
// identifies the switch port, the source MAC the client.
func ParseFrame(b []byte) (*Frame, error) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return nil, parseErrorf("ethernet: %v", err)
	}
	if eth.EthernetType != layers.EthernetTypeEAPOL {
		return nil, parseErrorf("ethertype 0x%04x is not EAPOL", uint16(eth.EthernetType))
	}
	var pae layers.EAPOL
	if err := pae.DecodeFromBytes(eth.Payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, parseErrorf("eapol: %v", err)
	}
	if pae.Version < 1 || pae.Version > MaxVersion {
		return nil, parseErrorf("unsupported eapol version %d", pae.Version)
	}
	body := pae.LayerPayload()
	if int(pae.Length) > len(body) {
		return nil, parseErrorf("eapol length field %d exceeds %d available bytes", pae.Length, len(body))
	}
	body = body[:pae.Length]

	f := &Frame{
		SrcMAC:     append(net.HardwareAddr(nil), eth.SrcMAC...),
		DstMAC:     append(net.HardwareAddr(nil), eth.DstMAC...),
		Version:    pae.Version,
		PacketType: PacketType(pae.Type),
	}
	switch f.PacketType {
	case PacketTypeEAP:
		eap, err := ParseEAP(body)
		if err != nil {
			return nil, err
		}
		f.EAP = eap
	case PacketTypeStart, PacketTypeLogoff:
		// Body is empty; tolerate padding.
	default:
		return nil, parseErrorf("unsupported eapol packet type %d", byte(f.PacketType))
	}
	return f, nil
}

// PackEAP frames an EAP packet for the wire: ethernet header, EAPOL v1
// header, EAP body.
func PackEAP(e *EAP, dst, src net.HardwareAddr) ([]byte, error) {
	body, err := e.Marshal()
	if err != nil {
		return nil, err
	}
	return PackEAPOL(PacketTypeEAP, body, dst, src)
}

// PackEAPOL frames an arbitrary EAPOL body. Start and Logoff frames carry an
// empty body.
func PackEAPOL(pt PacketType, body []byte, dst, src net.HardwareAddr) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	err := gopacket.SerializeLayers(buf, opts,
		&layers.Ethernet{
			SrcMAC:       src,
			DstMAC:       dst,
			EthernetType: layers.EthernetTypeEAPOL,
		},
		&layers.EAPOL{
			Version: Version,
			Type:    layers.EAPOLType(pt),
			Length:  uint16(len(body)),
		},
		gopacket.Payload(body),
	)
	if err != nil {
		return nil, fmt.Errorf("serializing eapol frame: %w", err)
	}
	return buf.Bytes(), nil
}
