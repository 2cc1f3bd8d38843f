// Package statemachine implements the per-session authentication state
// machines: the IEEE 802.1X-2010 full authenticator and the MAC
// authentication bypass variant. Machines are driven through a single
// Event entry point; the dispatcher serializes delivery, so no machine is
// ever re-entered.
package statemachine

import (
	"net"
	"time"

	"github.com/dot1xd/dot1xd/internal/radius"
	"github.com/dot1xd/dot1xd/pkg/eapol"
)

// Event is a stimulus delivered to a state machine.
type Event interface {
	isEvent()
}

// PortStatusChange reports the owning port going up or down.
type PortStatusChange struct {
	Up bool
}

// MessageReceived carries a decoded EAPOL frame from the supplicant.
type MessageReceived struct {
	Frame *eapol.Frame
}

// EthReceived reports a non-EAPOL trigger frame (DHCP) from a client with
// no supplicant, for MAC authentication bypass.
type EthReceived struct {
	SrcMAC net.HardwareAddr
}

// RadiusReceived carries a validated RADIUS response for this session.
type RadiusReceived struct {
	Reply *radius.ReplyEvent
}

// PreemptiveResponse carries an EAP response answering an authenticator-
// initiated (preemptive) identity request rather than one this machine sent.
type PreemptiveResponse struct {
	Frame        *eapol.Frame
	PreemptiveID byte
}

// TimerExpired reports one of the session timers firing.
type TimerExpired struct {
	Kind TimerKind
}

func (PortStatusChange) isEvent()   {}
func (MessageReceived) isEvent()    {}
func (EthReceived) isEvent()        {}
func (RadiusReceived) isEvent()     {}
func (PreemptiveResponse) isEvent() {}
func (TimerExpired) isEvent()       {}

// TimerKind distinguishes the restartable session timers.
type TimerKind int

const (
	// TimerRetrans is retransWhile: how long to wait for the supplicant
	// to answer an outstanding EAP request.
	TimerRetrans TimerKind = iota
	// TimerAAA is aWhile: how long to wait for the authentication server.
	TimerAAA
)

func (k TimerKind) String() string {
	switch k {
	case TimerRetrans:
		return "retransWhile"
	case TimerAAA:
		return "aWhile"
	default:
		return "UNKNOWN"
	}
}

// Timing holds the configurable intervals a machine runs on.
type Timing struct {
	RetransWhile time.Duration
	AAAWhile     time.Duration
	MaxRetrans   int
}

// Outputs is the dispatcher surface a state machine drives. Implementations
// queue work; none of these calls may block or re-enter the machine.
type Outputs interface {
	// SendEAP queues an EAP packet toward the supplicant.
	SendEAP(e *eapol.EAP)
	// SendAccessRequest queues a RADIUS Access-Request carrying the
	// supplicant's EAP response.
	SendAccessRequest(identity string, eapResponse []byte, state []byte, pendingEAPID int)
	// SendMABRequest queues the MAC-bypass Access-Request.
	SendMABRequest()
	// AuthSuccess reports a terminal Access-Accept. sessionTimeout is zero
	// when the server sent no Session-Timeout attribute.
	AuthSuccess(sessionTimeout time.Duration, attrs map[string]string)
	// AuthFailure reports a terminal reject or timeout.
	AuthFailure()
	// AuthLogoff reports an EAPOL-Logoff from the supplicant.
	AuthLogoff()
	// StartTimer (re)starts a session timer.
	StartTimer(kind TimerKind, d time.Duration)
	// StopTimer cancels a session timer if running.
	StopTimer(kind TimerKind)
}
