package authenticator

import (
	"time"

	"github.com/dot1xd/dot1xd/internal/events"
	"github.com/dot1xd/dot1xd/internal/metrics"
	"github.com/dot1xd/dot1xd/internal/statemachine"
	"github.com/dot1xd/dot1xd/pkg/eapol"
)

// sessionOutputs binds one session's state machine to the dispatcher. Every
// method runs with the dispatcher lock held (machines are only driven under
// it), so the work is queueing, scheduling, and deferring — never blocking.
type sessionOutputs struct {
	a *Authenticator
	s *session
}

var _ statemachine.Outputs = (*sessionOutputs)(nil)

func (o *sessionOutputs) SendEAP(e *eapol.EAP) {
	a, s := o.a, o.s
	if !a.portIsUpLocked(s.key.PortID) {
		a.logger.Debug("suppressing eap frame, port down", "port", s.key.PortID)
		return
	}
	wire, err := eapol.PackEAP(e, s.clientMAC, s.portMAC)
	if err != nil {
		a.logger.Warn("packing eap frame", "error", err)
		return
	}
	a.enqueueEAP(eapOutMsg{portID: s.key.PortID, code: e.Code.String(), wire: wire})
}

func (o *sessionOutputs) SendAccessRequest(identity string, eapResponse, state []byte, pendingEAPID int) {
	o.a.enqueueRadius(radiusOutMsg{
		key:          o.s.key,
		identity:     identity,
		eap:          eapResponse,
		state:        state,
		pendingEAPID: pendingEAPID,
	})
}

func (o *sessionOutputs) SendMABRequest() {
	o.a.enqueueRadius(radiusOutMsg{key: o.s.key, mab: true})
}

func (o *sessionOutputs) AuthSuccess(sessionTimeout time.Duration, attrs map[string]string) {
	a, s := o.a, o.s
	if sessionTimeout <= 0 {
		sessionTimeout = a.cfg.SessionTimeoutDefault
	}
	mac, portID := s.key.MAC, s.key.PortID
	metrics.AuthOutcomes.WithLabelValues(string(s.method), "success").Inc()
	if a.cfg.RateLimiter != nil {
		// A station that just authenticated must not carry flood strikes
		// into its reauthentication.
		a.cfg.RateLimiter.Authenticated(s.clientMAC)
	}
	a.logger.Info("authentication succeeded",
		"client", mac, "port", portID,
		"method", string(s.method),
		"session_timeout", sessionTimeout.String())

	a.publish(events.Event{
		Type:      events.EventAuthSuccess,
		Timestamp: time.Now(),
		Auth: &events.AuthData{
			PortID:         portID,
			MAC:            mac,
			Method:         s.method,
			Identity:       o.identity(),
			SessionTimeout: sessionTimeout,
			Attributes:     attrs,
		},
	})

	// Reauthenticate when the session expires.
	if job := a.portToIdentityJob[portID]; job != nil {
		job.Cancel()
	}
	a.portToIdentityJob[portID] = a.sched.CallLater(sessionTimeout, func() {
		a.reauthPort(mac, portID)
	})

	if a.cb.AuthHandler != nil {
		timeout := sessionTimeout
		a.deferCallback(func() { a.cb.AuthHandler(mac, portID, timeout, attrs) })
	}
}

func (o *sessionOutputs) AuthFailure() {
	a, s := o.a, o.s
	mac, portID := s.key.MAC, s.key.PortID
	metrics.AuthOutcomes.WithLabelValues(string(s.method), "failure").Inc()
	a.logger.Info("authentication failed",
		"client", mac, "port", portID, "method", string(s.method))

	a.publish(events.Event{
		Type:      events.EventAuthFailure,
		Timestamp: time.Now(),
		Auth: &events.AuthData{
			PortID:   portID,
			MAC:      mac,
			Method:   s.method,
			Identity: o.identity(),
		},
	})
	if a.cb.FailureHandler != nil {
		a.deferCallback(func() { a.cb.FailureHandler(mac, portID) })
	}
}

func (o *sessionOutputs) AuthLogoff() {
	a, s := o.a, o.s
	mac, portID := s.key.MAC, s.key.PortID
	metrics.AuthOutcomes.WithLabelValues(string(s.method), "logoff").Inc()
	a.logger.Info("client logged off", "client", mac, "port", portID)

	a.publish(events.Event{
		Type:      events.EventAuthLogoff,
		Timestamp: time.Now(),
		Auth: &events.AuthData{
			PortID: portID,
			MAC:    mac,
			Method: s.method,
		},
	})
	if a.cb.LogoffHandler != nil {
		a.deferCallback(func() { a.cb.LogoffHandler(mac, portID) })
	}
}

func (o *sessionOutputs) StartTimer(kind statemachine.TimerKind, d time.Duration) {
	a, s := o.a, o.s
	if job := s.timers[kind]; job != nil {
		job.Cancel()
	}
	key := s.key
	s.timers[kind] = a.sched.CallLater(d, func() {
		a.deliverTimer(key, kind)
	})
}

func (o *sessionOutputs) StopTimer(kind statemachine.TimerKind) {
	if job := o.s.timers[kind]; job != nil {
		job.Cancel()
		delete(o.s.timers, kind)
	}
}

// identity returns the User-Name of the session for event payloads.
func (o *sessionOutputs) identity() string {
	if em, ok := o.s.machine.(*statemachine.EAPAuth); ok {
		return em.Identity()
	}
	return ""
}
