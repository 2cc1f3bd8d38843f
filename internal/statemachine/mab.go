package statemachine

import (
	"log/slog"
	"net"

	lradius "layeh.com/radius"

	"github.com/dot1xd/dot1xd/internal/radius"
)

// MABAuth is the MAC authentication bypass state machine: a client with no
// supplicant is authenticated by its MAC address when it emits DHCP. The
// RADIUS half matches the EAP machine; there is no EAP emission.
type MABAuth struct {
	state  State
	out    Outputs
	timing Timing
	logger *slog.Logger

	clientMAC   net.HardwareAddr
	portEnabled bool
}

// NewMABAuth creates a machine in DISABLED. portEnabled is the owning
// port's status at creation time; the triggering frame drives the first
// transitions.
func NewMABAuth(clientMAC net.HardwareAddr, portEnabled bool, out Outputs, timing Timing, logger *slog.Logger) *MABAuth {
	return &MABAuth{
		state:       StateDisabled,
		out:         out,
		timing:      timing,
		logger:      logger,
		clientMAC:   clientMAC,
		portEnabled: portEnabled,
	}
}

func (m *MABAuth) State() State { return m.state }

// InProgress reports a bypass authentication under way.
func (m *MABAuth) InProgress() bool {
	switch m.state {
	case StateEthReceived, StateAAARequest, StateAAAIdle, StateAAAResponse:
		return true
	}
	return false
}

// Success reports a completed, accepted authentication.
func (m *MABAuth) Success() bool { return m.state == StateSuccess2 }

func (m *MABAuth) transition(next State) {
	if m.state == next {
		return
	}
	m.logger.Debug("state transition", "old_state", string(m.state), "new_state", string(next))
	m.state = next
}

// Event applies one stimulus, running transitions to quiescence.
func (m *MABAuth) Event(ev Event) {
	switch e := ev.(type) {
	case PortStatusChange:
		m.portEnabled = e.Up
		if !e.Up {
			m.out.StopTimer(TimerAAA)
			m.transition(StateDisabled)
		}
	case EthReceived:
		m.handleTrigger()
	case RadiusReceived:
		m.handleRadius(e.Reply)
	case TimerExpired:
		if e.Kind == TimerAAA && m.state == StateAAAIdle {
			m.transition(StateFailure2)
			m.out.AuthFailure()
		}
	default:
		m.logger.Warn("unhandled event kind", "event", ev)
	}
}

// handleTrigger starts a bypass authentication unless one is already under
// way or has already succeeded. A failed client may retry on its next DHCP
// attempt.
func (m *MABAuth) handleTrigger() {
	if !m.portEnabled {
		m.logger.Debug("mab trigger ignored, port disabled")
		return
	}
	if m.InProgress() || m.Success() {
		m.logger.Debug("mab trigger ignored", "state", string(m.state))
		return
	}
	m.transition(StateEthReceived)
	m.transition(StateAAARequest)
	m.out.SendMABRequest()
	m.out.StartTimer(TimerAAA, m.timing.AAAWhile)
	m.transition(StateAAAIdle)
}

func (m *MABAuth) handleRadius(reply *radius.ReplyEvent) {
	if m.state != StateAAAIdle {
		m.logger.Debug("radius reply outside AAA_IDLE ignored", "state", string(m.state))
		return
	}
	m.out.StopTimer(TimerAAA)
	m.transition(StateAAAResponse)
	switch reply.Code {
	case lradius.CodeAccessAccept:
		m.transition(StateSuccess2)
		m.out.AuthSuccess(reply.SessionTimeout, reply.Attributes)
	case lradius.CodeAccessReject:
		m.transition(StateFailure2)
		m.out.AuthFailure()
	default:
		// A Challenge makes no sense without EAP; wait for a terminal code.
		m.logger.Warn("unexpected radius code for mab", "code", reply.Code)
		m.out.StartTimer(TimerAAA, m.timing.AAAWhile)
		m.transition(StateAAAIdle)
	}
}
