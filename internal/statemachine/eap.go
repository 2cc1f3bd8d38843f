package statemachine

import (
	"log/slog"
	"math/rand/v2"
	"net"

	lradius "layeh.com/radius"

	"github.com/dot1xd/dot1xd/internal/radius"
	"github.com/dot1xd/dot1xd/pkg/eapol"
)

// EAPAuth is the full 802.1X authenticator state machine for one
// (port, client MAC) session.
type EAPAuth struct {
	state  State
	out    Outputs
	timing Timing
	logger *slog.Logger

	clientMAC net.HardwareAddr

	portEnabled bool
	currentID   int // EAP identifier of the most recent request, -1 before the first
	identity    string
	radiusState []byte
	lastRequest *eapol.EAP // retransmitted verbatim on retransWhile expiry
	reqCount    int
}

// NewEAPAuth creates a machine in DISABLED. portEnabled is the owning
// port's status at creation time; the triggering frame (or a later
// PortStatusChange) drives the first transitions.
func NewEAPAuth(clientMAC net.HardwareAddr, portEnabled bool, out Outputs, timing Timing, logger *slog.Logger) *EAPAuth {
	return &EAPAuth{
		state:       StateDisabled,
		out:         out,
		timing:      timing,
		logger:      logger,
		clientMAC:   clientMAC,
		portEnabled: portEnabled,
		currentID:   -1,
	}
}

func (m *EAPAuth) State() State { return m.state }

// CurrentID returns the EAP identifier of the most recent request, or -1
// before the first one.
func (m *EAPAuth) CurrentID() int { return m.currentID }

// Identity returns the User-Name learnt from the EAP Identity exchange.
func (m *EAPAuth) Identity() string { return m.identity }

// InProgress reports an authentication conversation under way.
func (m *EAPAuth) InProgress() bool {
	switch m.state {
	case StateIdle, StateReceived, StateResponse, StateRequest, StateProposed,
		StateAAARequest, StateAAAIdle, StateAAAResponse:
		return true
	}
	return false
}

// Success reports a completed, accepted authentication.
func (m *EAPAuth) Success() bool { return m.state == StateSuccess2 }

// transition moves to a new state, logging the step. Intermediate states of
// a compound transition pass through here so the trace shows the full path.
func (m *EAPAuth) transition(next State) {
	if m.state == next {
		return
	}
	m.logger.Debug("state transition", "old_state", string(m.state), "new_state", string(next))
	m.state = next
}

// Event applies one stimulus and runs the resulting transitions to
// quiescence. The dispatcher serializes calls.
func (m *EAPAuth) Event(ev Event) {
	switch e := ev.(type) {
	case PortStatusChange:
		m.handlePortStatus(e.Up)
	case MessageReceived:
		m.handleFrame(e.Frame)
	case PreemptiveResponse:
		m.handlePreemptive(e.Frame, e.PreemptiveID)
	case RadiusReceived:
		m.handleRadius(e.Reply)
	case TimerExpired:
		m.handleTimer(e.Kind)
	default:
		m.logger.Warn("unhandled event kind", "event", ev)
	}
}

func (m *EAPAuth) handlePortStatus(up bool) {
	m.portEnabled = up
	if !up {
		m.out.StopTimer(TimerRetrans)
		m.out.StopTimer(TimerAAA)
		m.lastRequest = nil
		m.transition(StateInitialize)
		m.transition(StateDisabled)
		return
	}
	if m.state == StateDisabled || m.state == StateInitialize {
		m.restart()
	}
}

// restart opens (or reopens) a conversation: emit an EAP Identity Request
// with a fresh identifier and wait in IDLE.
func (m *EAPAuth) restart() {
	m.transition(StateRestart)
	m.out.StopTimer(TimerAAA)
	m.identity = ""
	m.radiusState = nil
	m.currentID = FreshID(m.currentID)
	req := eapol.NewIdentityRequest(byte(m.currentID))
	m.lastRequest = req
	m.reqCount = 0
	m.out.SendEAP(req)
	m.out.StartTimer(TimerRetrans, m.timing.RetransWhile)
	m.transition(StateIdle)
}

func (m *EAPAuth) handleFrame(f *eapol.Frame) {
	if !m.portEnabled {
		m.logger.Debug("frame ignored, port disabled")
		return
	}
	switch f.PacketType {
	case eapol.PacketTypeStart:
		m.restart()
	case eapol.PacketTypeLogoff:
		m.out.StopTimer(TimerRetrans)
		m.out.StopTimer(TimerAAA)
		m.lastRequest = nil
		m.transition(StateLogoff2)
		m.out.AuthLogoff()
	case eapol.PacketTypeEAP:
		m.handleEAP(f.EAP)
	}
}

func (m *EAPAuth) handleEAP(e *eapol.EAP) {
	if e.Code != eapol.CodeResponse {
		m.logger.Debug("non-response eap from supplicant discarded", "code", e.Code.String())
		return
	}
	m.transition(StateReceived)
	if m.currentID < 0 || int(e.ID) != m.currentID {
		m.logger.Debug("eap response id mismatch",
			"got", e.ID, "want", m.currentID)
		m.transition(StateDiscard)
		m.transition(StateIdle)
		return
	}
	m.forwardResponse(e)
}

// forwardResponse relays a supplicant response to the authentication server.
func (m *EAPAuth) forwardResponse(e *eapol.EAP) {
	m.transition(StateResponse)
	m.out.StopTimer(TimerRetrans)
	m.lastRequest = nil
	if e.Type == eapol.TypeIdentity {
		m.identity = e.Identity()
	}
	wire, err := e.Marshal()
	if err != nil {
		m.logger.Warn("marshalling eap response", "error", err)
		m.transition(StateDiscard)
		m.transition(StateIdle)
		return
	}
	m.transition(StateAAARequest)
	m.out.SendAccessRequest(m.identity, wire, m.radiusState, m.currentID)
	m.out.StartTimer(TimerAAA, m.timing.AAAWhile)
	m.transition(StateAAAIdle)
}

// handlePreemptive adopts a response to an authenticator-initiated identity
// request: the session continues the conversation the preemptive request
// opened instead of starting its own.
func (m *EAPAuth) handlePreemptive(f *eapol.Frame, preemptiveID byte) {
	if !m.portEnabled || f.EAP == nil || f.EAP.Code != eapol.CodeResponse {
		return
	}
	if m.InProgress() {
		// A conversation this machine drives takes precedence.
		m.handleEAP(f.EAP)
		return
	}
	m.transition(StateProposed)
	m.currentID = int(preemptiveID)
	m.forwardResponse(f.EAP)
}

func (m *EAPAuth) handleRadius(reply *radius.ReplyEvent) {
	if m.state != StateAAAIdle {
		m.logger.Debug("radius reply outside AAA_IDLE ignored", "state", string(m.state))
		return
	}
	m.out.StopTimer(TimerAAA)
	m.transition(StateAAAResponse)
	if len(reply.State) > 0 {
		m.radiusState = reply.State
	}

	switch reply.Code {
	case lradius.CodeAccessChallenge:
		m.handleChallenge(reply)
	case lradius.CodeAccessAccept:
		m.transition(StateSuccess2)
		if m.currentID >= 0 {
			m.out.SendEAP(&eapol.EAP{Code: eapol.CodeSuccess, ID: byte(m.currentID)})
		}
		m.out.AuthSuccess(reply.SessionTimeout, reply.Attributes)
	case lradius.CodeAccessReject:
		m.transition(StateFailure2)
		if m.currentID >= 0 {
			m.out.SendEAP(&eapol.EAP{Code: eapol.CodeFailure, ID: byte(m.currentID)})
		}
		m.out.AuthFailure()
	}
}

// handleChallenge relays the server's next EAP request to the supplicant.
func (m *EAPAuth) handleChallenge(reply *radius.ReplyEvent) {
	req, err := eapol.ParseEAP(reply.EAP)
	if err != nil {
		// Malformed EAP inside a validated challenge: drop it and keep
		// waiting; aWhile decides the session's fate.
		m.logger.Warn("unparseable eap in access-challenge", "error", err)
		m.out.StartTimer(TimerAAA, m.timing.AAAWhile)
		m.transition(StateAAAIdle)
		return
	}
	m.transition(StateRequest)
	m.currentID = int(req.ID)
	m.lastRequest = req
	m.reqCount = 0
	m.out.SendEAP(req)
	m.out.StartTimer(TimerRetrans, m.timing.RetransWhile)
	m.transition(StateIdle)
}

func (m *EAPAuth) handleTimer(kind TimerKind) {
	switch kind {
	case TimerRetrans:
		if m.state != StateIdle || m.lastRequest == nil {
			return
		}
		m.reqCount++
		if m.reqCount > m.timing.MaxRetrans {
			m.transition(StateTimeoutFailure2)
			m.lastRequest = nil
			m.out.AuthFailure()
			return
		}
		m.logger.Debug("retransmitting eap request",
			"id", m.lastRequest.ID, "attempt", m.reqCount)
		m.out.SendEAP(m.lastRequest)
		m.out.StartTimer(TimerRetrans, m.timing.RetransWhile)
	case TimerAAA:
		if m.state != StateAAAIdle {
			return
		}
		m.transition(StateTimeoutFailure2)
		m.out.AuthFailure()
	}
}

// FreshID draws an EAP identifier distinct from the previous one. The draw
// is bounded: after a few collisions it falls through to an arithmetic
// successor instead of looping on randomness.
func FreshID(previous int) int {
	for attempt := 0; attempt < 3; attempt++ {
		id := rand.IntN(256)
		if id != previous {
			return id
		}
	}
	return (previous + 1) % 256
}
