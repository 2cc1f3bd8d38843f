// Package radius drives the RADIUS side of the authenticator: Access-Request
// construction, identifier allocation, request/response correlation, and
// EAP-Message (re)assembly. Packet encoding is layeh.com/radius; the
// authenticator checks mandated for Access responses are in verify.go.
package radius

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"time"
	"unicode"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2869"

	"github.com/dot1xd/dot1xd/internal/metrics"
)

// maxEAPMessageLen is the largest value a single EAP-Message attribute may
// carry (RFC 3579 §3.1).
const maxEAPMessageLen = 253

var (
	// ErrIDExhausted is returned when all 256 RADIUS identifiers are in
	// flight. Transient; callers retry after a bounded backoff.
	ErrIDExhausted = errors.New("radius: all 256 identifiers in flight")

	// ErrUnknownID is returned for a response whose identifier matches no
	// outstanding request. The packet is dropped.
	ErrUnknownID = errors.New("radius: response identifier matches no outstanding request")
)

// SessionKey identifies the (port, client MAC) pair a request belongs to.
type SessionKey struct {
	PortID string
	MAC    string
}

func (k SessionKey) String() string {
	return k.PortID + "/" + k.MAC
}

// outstanding tracks one in-flight Access-Request until its reply arrives or
// the request is abandoned.
type outstanding struct {
	key          SessionKey
	request      []byte // encoded packet, for authenticator verification
	pendingEAPID int    // EAP id the reply should advance, -1 for MAB
	sentAt       time.Time
}

// ReplyEvent is a validated RADIUS response routed back to its session.
type ReplyEvent struct {
	Key            SessionKey
	Code           radius.Code
	EAP            []byte // reassembled EAP-Message payload, nil if absent
	State          []byte // opaque State attribute to echo on the next request
	SessionTimeout time.Duration // zero when the server sent no Session-Timeout
	PendingEAPID   int
	Attributes     map[string]string // remaining attributes, forwarded opaquely
}

// Lifecycle owns the identifier space and request correlation state for one
// authenticator instance. Safe for concurrent use.
type Lifecycle struct {
	secret          []byte
	calledStationID string
	nasIP           net.IP
	logger          *slog.Logger

	mu       sync.Mutex
	nextID   int
	inFlight map[byte]*outstanding
}

// New creates a lifecycle. calledStationID is the prefix written into
// Called-Station-Id ahead of the port label. nasIP may be nil.
func New(secret []byte, calledStationID string, nasIP net.IP, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{
		secret:          secret,
		calledStationID: calledStationID,
		nasIP:           nasIP,
		logger:          logger,
		nextID:          rand.IntN(256),
		inFlight:        make(map[byte]*outstanding),
	}
}

// allocID hands out the next free identifier, skipping ids still in flight.
func (l *Lifecycle) allocID(o *outstanding) (byte, error) {
	if len(l.inFlight) >= 256 {
		return 0, ErrIDExhausted
	}
	for {
		id := byte(l.nextID % 256)
		l.nextID = (l.nextID + 1) % 256
		if _, used := l.inFlight[id]; !used {
			l.inFlight[id] = o
			metrics.RadiusIDsInFlight.Set(float64(len(l.inFlight)))
			return id, nil
		}
	}
}

// Release abandons an outstanding request, freeing its identifier for reuse.
func (l *Lifecycle) Release(id byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inFlight, id)
	metrics.RadiusIDsInFlight.Set(float64(len(l.inFlight)))
}

// ReleaseSession abandons every outstanding request belonging to the session.
func (l *Lifecycle) ReleaseSession(key SessionKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, o := range l.inFlight {
		if o.key == key {
			delete(l.inFlight, id)
		}
	}
	metrics.RadiusIDsInFlight.Set(float64(len(l.inFlight)))
}

// ReleaseAll abandons everything. Used on shutdown.
func (l *Lifecycle) ReleaseAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight = make(map[byte]*outstanding)
	metrics.RadiusIDsInFlight.Set(0)
}

// InFlight returns the number of outstanding requests.
func (l *Lifecycle) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inFlight)
}

// BuildAccessRequest constructs an Access-Request carrying a supplicant's EAP
// response. identity is the User-Name learnt from the EAP Identity exchange,
// state the server's State attribute from the previous Access-Challenge (nil
// on the first round), pendingEAPID the EAP identifier the reply will answer.
func (l *Lifecycle) BuildAccessRequest(key SessionKey, identity string, eap []byte, state []byte, pendingEAPID int) (byte, []byte, error) {
	return l.build(key, identity, eap, state, pendingEAPID, false)
}

// BuildMABRequest constructs the MAC-authentication-bypass variant:
// User-Name is the client MAC and no EAP-Message is attached.
func (l *Lifecycle) BuildMABRequest(key SessionKey) (byte, []byte, error) {
	mac := strings.ReplaceAll(key.MAC, ":", "-")
	return l.build(key, mac, nil, nil, -1, true)
}

func (l *Lifecycle) build(key SessionKey, identity string, eap []byte, state []byte, pendingEAPID int, mab bool) (byte, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o := &outstanding{key: key, pendingEAPID: pendingEAPID, sentAt: time.Now()}
	id, err := l.allocID(o)
	if err != nil {
		return 0, nil, err
	}

	p := radius.New(radius.CodeAccessRequest, l.secret)
	p.Identifier = id
	if err := rfc2865.UserName_SetString(p, identity); err != nil {
		l.freeLocked(id)
		return 0, nil, fmt.Errorf("setting User-Name: %w", err)
	}
	rfc2865.CallingStationID_SetString(p, strings.ReplaceAll(key.MAC, ":", "-"))
	rfc2865.CalledStationID_SetString(p, l.calledStationID+strings.ReplaceAll(key.PortID, ":", "-"))
	rfc2865.NASPort_Set(p, rfc2865.NASPort(portHash(key.PortID)))
	if l.nasIP != nil {
		rfc2865.NASIPAddress_Set(p, l.nasIP)
	}
	if mab {
		// MAB convention: the MAC doubles as the password.
		if err := rfc2865.UserPassword_SetString(p, identity); err != nil {
			l.freeLocked(id)
			return 0, nil, fmt.Errorf("setting User-Password: %w", err)
		}
	}
	if len(state) > 0 {
		p.Add(rfc2865.State_Type, radius.Attribute(state))
	}
	for _, frag := range fragmentEAP(eap) {
		p.Add(rfc2869.EAPMessage_Type, radius.Attribute(frag))
	}

	wire, err := signAccessRequest(p, l.secret)
	if err != nil {
		l.freeLocked(id)
		return 0, nil, err
	}
	o.request = wire
	l.logger.Debug("access request built",
		"session", key.String(), "radius_id", id, "mab", mab, "bytes", len(wire))
	return id, wire, nil
}

func (l *Lifecycle) freeLocked(id byte) {
	delete(l.inFlight, id)
	metrics.RadiusIDsInFlight.Set(float64(len(l.inFlight)))
}

// ProcessInbound validates a datagram from the authentication server and
// correlates it to its session. Both the response authenticator and the
// Message-Authenticator must verify, else the packet is discarded and the
// identifier stays outstanding (the session will retransmit or time out).
func (l *Lifecycle) ProcessInbound(wire []byte) (*ReplyEvent, error) {
	if len(wire) < headerLen {
		return nil, fmt.Errorf("radius packet truncated: %d bytes", len(wire))
	}
	id := wire[1]

	l.mu.Lock()
	o, ok := l.inFlight[id]
	l.mu.Unlock()
	if !ok {
		metrics.RadiusUnknownID.Inc()
		return nil, ErrUnknownID
	}

	if err := VerifyResponse(wire, o.request, l.secret); err != nil {
		metrics.RadiusAuthFailures.Inc()
		return nil, err
	}

	p, err := radius.Parse(wire, l.secret)
	if err != nil {
		return nil, fmt.Errorf("parsing radius response: %w", err)
	}
	switch p.Code {
	case radius.CodeAccessAccept, radius.CodeAccessReject, radius.CodeAccessChallenge:
	default:
		return nil, fmt.Errorf("unexpected radius code %d", p.Code)
	}
	metrics.RadiusResponses.WithLabelValues(p.Code.String()).Inc()

	// Reply accepted: the identifier is free again.
	l.Release(id)

	ev := &ReplyEvent{
		Key:          o.key,
		Code:         p.Code,
		PendingEAPID: o.pendingEAPID,
	}
	if frags, err := rfc2869.EAPMessage_Gets(p); err == nil && len(frags) > 0 {
		for _, f := range frags {
			ev.EAP = append(ev.EAP, f...)
		}
	}
	if st, err := rfc2865.State_Lookup(p); err == nil {
		ev.State = append([]byte(nil), st...)
	}
	if timeout, err := rfc2865.SessionTimeout_Lookup(p); err == nil {
		ev.SessionTimeout = time.Duration(timeout) * time.Second
	}
	ev.Attributes = opaqueAttributes(p)
	return ev, nil
}

// fragmentEAP splits an EAP payload into EAP-Message sized chunks, in order.
func fragmentEAP(eap []byte) [][]byte {
	var frags [][]byte
	for len(eap) > 0 {
		n := len(eap)
		if n > maxEAPMessageLen {
			n = maxEAPMessageLen
		}
		frags = append(frags, eap[:n])
		eap = eap[n:]
	}
	return frags
}

// portHash derives the opaque NAS-Port number from the port identifier.
func portHash(portID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(portID))
	return h.Sum32() & 0x7FFFFFFF
}

// opaqueAttributes renders the response attributes the authenticator does not
// interpret itself, for forwarding to the authorization callback.
func opaqueAttributes(p *radius.Packet) map[string]string {
	out := make(map[string]string)
	for _, avp := range p.Attributes {
		switch avp.Type {
		case rfc2869.EAPMessage_Type, rfc2869.MessageAuthenticator_Type,
			rfc2865.State_Type, rfc2865.SessionTimeout_Type:
			// Interpreted by the authenticator itself.
			continue
		}
		key := fmt.Sprintf("radius_attr_%d", avp.Type)
		out[key] = printable(avp.Attribute)
	}
	return out
}

// printable renders an attribute value as text, hex-escaping anything that
// is not plain ASCII.
func printable(b []byte) string {
	for _, c := range string(b) {
		if c > unicode.MaxASCII || !unicode.IsPrint(c) {
			return fmt.Sprintf("0x%x", b)
		}
	}
	return string(b)
}
