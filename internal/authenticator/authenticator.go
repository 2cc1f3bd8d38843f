// Package authenticator is the embedding surface of dot1xd: it owns the
// per-port session tables, routes inbound frames to state machines, pumps
// the outbound queues, and exposes the PortUp/PortDown/callback surface the
// switch control plane drives.
//
// All dispatcher and machine state is serialized under one mutex, so state
// machines are never re-entered. User callbacks run after the lock is
// released; they must not call back into PortUp/PortDown synchronously from
// inside Run's goroutines.
package authenticator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/dot1xd/dot1xd/internal/events"
	"github.com/dot1xd/dot1xd/internal/logging"
	"github.com/dot1xd/dot1xd/internal/metrics"
	"github.com/dot1xd/dot1xd/internal/radius"
	"github.com/dot1xd/dot1xd/internal/ratelimit"
	"github.com/dot1xd/dot1xd/internal/sched"
	"github.com/dot1xd/dot1xd/internal/sockets"
	"github.com/dot1xd/dot1xd/internal/statemachine"
	"github.com/dot1xd/dot1xd/pkg/eapol"
)

// Callbacks is the authorization surface handed to the switch control plane.
// Nil members are simply skipped.
type Callbacks struct {
	// AuthHandler runs on Access-Accept, exactly once per authentication.
	AuthHandler func(clientMAC, portID string, sessionTimeout time.Duration, attrs map[string]string)
	// FailureHandler runs on Access-Reject or timeout.
	FailureHandler func(clientMAC, portID string)
	// LogoffHandler runs on EAPOL-Logoff.
	LogoffHandler func(clientMAC, portID string)
}

// Config carries construction-time settings.
type Config struct {
	Interface        string
	RadiusServerIP   net.IP
	RadiusServerPort int
	RadiusSecret     []byte
	// CalledStationID prefixes the Called-Station-Id attribute ahead of
	// the port label.
	CalledStationID string
	NASIP           net.IP

	Timing                statemachine.Timing
	SessionTimeoutDefault time.Duration
	PortUpIdentityDelay   time.Duration
	PreemptiveInterval    time.Duration
	QueueDepth            int
	IDExhaustedBackoff    time.Duration

	Logger      *slog.Logger
	Bus         *events.Bus        // optional; auth lifecycle events
	RateLimiter *ratelimit.Limiter // optional; session-creation flood control
}

func (c *Config) applyDefaults() {
	if c.Timing.RetransWhile <= 0 {
		c.Timing.RetransWhile = 30 * time.Second
	}
	if c.Timing.AAAWhile <= 0 {
		c.Timing.AAAWhile = 30 * time.Second
	}
	if c.Timing.MaxRetrans <= 0 {
		c.Timing.MaxRetrans = 5
	}
	if c.SessionTimeoutDefault <= 0 {
		c.SessionTimeoutDefault = 3600 * time.Second
	}
	if c.PortUpIdentityDelay <= 0 {
		c.PortUpIdentityDelay = 20 * time.Second
	}
	if c.PreemptiveInterval <= 0 {
		c.PreemptiveInterval = 60 * time.Second
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1024
	}
	if c.IDExhaustedBackoff <= 0 {
		c.IDExhaustedBackoff = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// session is one live (port, client MAC) authentication.
type session struct {
	key       radius.SessionKey
	clientMAC net.HardwareAddr
	portMAC   net.HardwareAddr
	machine   statemachine.Machine
	method    events.Method
	timers    map[statemachine.TimerKind]*sched.Job
}

// eapOutMsg is one frame queued toward a supplicant.
type eapOutMsg struct {
	portID string
	code   string // EAP code label, for metrics
	wire   []byte
}

// radiusOutMsg is one Access-Request to build and send. The identifier is
// allocated at send time so exhaustion can back off without losing the
// request.
type radiusOutMsg struct {
	key          radius.SessionKey
	identity     string
	eap          []byte
	state        []byte
	pendingEAPID int
	mab          bool
}

// Authenticator mediates between supplicants on one interface and the
// RADIUS authentication server.
type Authenticator struct {
	cfg    Config
	cb     Callbacks
	logger *slog.Logger

	eapConn    sockets.Conn
	mabConn    sockets.Conn
	radiusConn sockets.Conn

	lifecycle *radius.Lifecycle
	sched     *sched.Scheduler

	mu                sync.Mutex
	running           bool
	machines          map[string]map[string]*session // port → mac → session
	portStatus        map[string]bool
	portToEapolID     map[string]int
	portToIdentityJob map[string]*sched.Job
	deferred          []func()

	eapOut    chan eapOutMsg
	radiusOut chan radiusOutMsg

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWithTransports builds an authenticator over caller-supplied transports.
// Production code uses New, which opens the real sockets.
func NewWithTransports(cfg Config, cb Callbacks, eapConn, mabConn, radiusConn sockets.Conn) *Authenticator {
	cfg.applyDefaults()
	logger := logging.Component(cfg.Logger, "authenticator")
	return &Authenticator{
		cfg:               cfg,
		cb:                cb,
		logger:            logger,
		eapConn:           eapConn,
		mabConn:           mabConn,
		radiusConn:        radiusConn,
		lifecycle:         radius.New(cfg.RadiusSecret, cfg.CalledStationID, cfg.NASIP, logging.Component(cfg.Logger, "radius")),
		sched:             sched.New(logging.Component(cfg.Logger, "sched")),
		machines:          make(map[string]map[string]*session),
		portStatus:        make(map[string]bool),
		portToEapolID:     make(map[string]int),
		portToIdentityJob: make(map[string]*sched.Job),
		eapOut:            make(chan eapOutMsg, cfg.QueueDepth),
		radiusOut:         make(chan radiusOutMsg, cfg.QueueDepth),
		done:              make(chan struct{}),
	}
}

// Run starts the I/O loops and the timer scheduler and blocks until Stop is
// called or the context is cancelled.
func (a *Authenticator) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("authenticator already running")
	}
	a.running = true
	a.mu.Unlock()

	a.logger.Info("authenticator starting", "interface", a.cfg.Interface)

	loops := []func(){
		a.sched.Run,
		a.runEAPSender,
		a.runRadiusSender,
		a.runEAPReceiver,
		a.runMABReceiver,
		a.runRadiusReceiver,
	}
	a.wg.Add(len(loops))
	for _, loop := range loops {
		go func(fn func()) {
			defer a.wg.Done()
			fn()
		}(loop)
	}

	select {
	case <-ctx.Done():
		a.Stop()
	case <-a.done:
	}
	a.wg.Wait()
	a.logger.Info("authenticator stopped")
	return nil
}

// Stop shuts the authenticator down: sockets close (unblocking receivers),
// timers stop, queued outbound work is dropped, and in-flight RADIUS
// requests are abandoned with their identifiers released.
func (a *Authenticator) Stop() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		close(a.done)
		a.eapConn.Close()
		a.mabConn.Close()
		a.radiusConn.Close()
		a.sched.Stop()
		a.lifecycle.ReleaseAll()
	})
}

func (a *Authenticator) stopping() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// withLock runs fn under the dispatcher lock, then runs any callbacks fn
// deferred once the lock is released.
func (a *Authenticator) withLock(fn func()) {
	a.mu.Lock()
	fn()
	deferred := a.deferred
	a.deferred = nil
	a.mu.Unlock()
	for _, f := range deferred {
		f()
	}
}

// deferCallback queues a user callback to run after the lock is released.
// Callers must hold mu.
func (a *Authenticator) deferCallback(f func()) {
	a.deferred = append(a.deferred, f)
}

// portIsUpLocked treats ports the control plane never reported as up: a
// frame arriving there still deserves an authentication attempt. Only an
// explicit PortDown silences a port.
func (a *Authenticator) portIsUpLocked(portID string) bool {
	status, known := a.portStatus[portID]
	return !known || status
}

func (a *Authenticator) publish(evt events.Event) {
	if a.cfg.Bus != nil {
		a.cfg.Bus.Publish(evt)
	}
}

// PortUp marks a switch port up. Existing sessions are told, and a
// preemptive identity request is scheduled in case a supplicant is already
// waiting silently.
func (a *Authenticator) PortUp(portID string) {
	a.withLock(func() {
		if up, known := a.portStatus[portID]; !known || !up {
			metrics.PortsUp.Inc()
		}
		a.portStatus[portID] = true
		a.logger.Debug("port up", "port", portID)

		for _, s := range a.machines[portID] {
			s.machine.Event(statemachine.PortStatusChange{Up: true})
		}

		if job := a.portToIdentityJob[portID]; job != nil {
			job.Cancel()
		}
		a.portToIdentityJob[portID] = a.sched.CallLater(a.cfg.PortUpIdentityDelay, func() {
			a.preemptiveTick(portID)
		})
		a.publish(events.Event{Type: events.EventPortUp, Timestamp: time.Now(), PortID: portID})
	})
}

// PortDown marks a switch port down, atomically clearing its sessions,
// timers, and preemptive-request state. No frame is emitted for the port
// afterwards, whatever late RADIUS replies arrive.
func (a *Authenticator) PortDown(portID string) {
	a.withLock(func() {
		if up, known := a.portStatus[portID]; known && up {
			metrics.PortsUp.Dec()
		}
		a.portStatus[portID] = false
		a.logger.Debug("port down", "port", portID)

		if job := a.portToIdentityJob[portID]; job != nil {
			job.Cancel()
			delete(a.portToIdentityJob, portID)
		}
		delete(a.portToEapolID, portID)

		for _, s := range a.machines[portID] {
			s.machine.Event(statemachine.PortStatusChange{Up: false})
			for _, job := range s.timers {
				job.Cancel()
			}
			a.lifecycle.ReleaseSession(s.key)
			metrics.ActiveSessions.Dec()
		}
		delete(a.machines, portID)
		a.publish(events.Event{Type: events.EventPortDown, Timestamp: time.Now(), PortID: portID})
	})
}

// lookupLocked resolves a session by weak key; callers must hold mu.
func (a *Authenticator) lookupLocked(key radius.SessionKey) *session {
	return a.machines[key.PortID][key.MAC]
}

// getOrCreateLocked finds or creates the session for a client frame. An
// existing session is returned untouched, whatever the limiter thinks: only
// session *creation* is rate limited, so an in-progress authentication keeps
// advancing under flood. A nil return means the limiter refused creation.
func (a *Authenticator) getOrCreateLocked(portMAC, clientMAC net.HardwareAddr, trig ratelimit.Trigger) *session {
	portID := portMAC.String()
	mac := clientMAC.String()
	if s := a.machines[portID][mac]; s != nil {
		return s
	}
	if a.cfg.RateLimiter != nil && !a.cfg.RateLimiter.AllowTrigger(clientMAC, trig) {
		metrics.RateLimited.Inc()
		a.logger.Warn("session creation rate-limited",
			"client", mac, "port", portID, "trigger", trig.String())
		return nil
	}

	s := &session{
		key:       radius.SessionKey{PortID: portID, MAC: mac},
		clientMAC: clientMAC,
		portMAC:   portMAC,
		timers:    make(map[statemachine.TimerKind]*sched.Job),
	}
	out := &sessionOutputs{a: a, s: s}
	smLogger := a.logger.With("client", mac, "port", portID)
	enabled := a.portIsUpLocked(portID)
	if trig == ratelimit.TriggerMAB {
		s.method = events.MethodMAB
		s.machine = statemachine.NewMABAuth(clientMAC, enabled, out, a.cfg.Timing, smLogger)
	} else {
		s.method = events.MethodEAP
		s.machine = statemachine.NewEAPAuth(clientMAC, enabled, out, a.cfg.Timing, smLogger)
	}
	if a.machines[portID] == nil {
		a.machines[portID] = make(map[string]*session)
	}
	a.machines[portID][mac] = s
	metrics.ActiveSessions.Inc()
	a.logger.Debug("session created", "client", mac, "port", portID, "method", string(s.method))
	return s
}

// handleEAPFrame routes one decoded EAPOL frame. The destination MAC names
// the port, the source MAC the client.
func (a *Authenticator) handleEAPFrame(f *eapol.Frame) {
	a.withLock(func() {
		if !a.running {
			return
		}
		portID := f.DstMAC.String()
		trig := ratelimit.TriggerEAP
		if f.PacketType == eapol.PacketTypeStart {
			trig = ratelimit.TriggerStart
		}

		// A response to a preemptive identity request belongs to the
		// conversation the authenticator opened, not a fresh one.
		if f.PacketType == eapol.PacketTypeEAP && f.EAP.Code == eapol.CodeResponse {
			if pid, ok := a.portToEapolID[portID]; ok && pid == int(f.EAP.ID) {
				if s := a.getOrCreateLocked(f.DstMAC, f.SrcMAC, trig); s != nil {
					delete(a.portToEapolID, portID)
					s.machine.Event(statemachine.PreemptiveResponse{Frame: f, PreemptiveID: byte(pid)})
				}
				return
			}
		}

		if s := a.getOrCreateLocked(f.DstMAC, f.SrcMAC, trig); s != nil {
			s.machine.Event(statemachine.MessageReceived{Frame: f})
		}
	})
}

// handleMABFrame routes one DHCP trigger frame to a bypass session.
func (a *Authenticator) handleMABFrame(srcMAC, dstMAC net.HardwareAddr) {
	a.withLock(func() {
		if !a.running {
			return
		}
		if s := a.getOrCreateLocked(dstMAC, srcMAC, ratelimit.TriggerMAB); s != nil {
			s.machine.Event(statemachine.EthReceived{SrcMAC: srcMAC})
		}
	})
}

// handleRadiusReply routes a validated reply to its session.
func (a *Authenticator) handleRadiusReply(ev *radius.ReplyEvent) {
	a.withLock(func() {
		if !a.running {
			return
		}
		s := a.lookupLocked(ev.Key)
		if s == nil {
			a.logger.Debug("radius reply for evicted session", "session", ev.Key.String())
			return
		}
		s.machine.Event(statemachine.RadiusReceived{Reply: ev})
	})
}

// deliverTimer re-resolves the session through the table so a fired job can
// never touch a session PortDown already destroyed.
func (a *Authenticator) deliverTimer(key radius.SessionKey, kind statemachine.TimerKind) {
	a.withLock(func() {
		if !a.running {
			return
		}
		s := a.lookupLocked(key)
		if s == nil {
			return
		}
		delete(s.timers, kind)
		s.machine.Event(statemachine.TimerExpired{Kind: kind})
	})
}

// preemptiveTick fires on the port's identity-request schedule: if nothing
// on the port is authenticating or authenticated, invite supplicants with
// an identity request to the PAE group address, then reschedule.
func (a *Authenticator) preemptiveTick(portID string) {
	a.withLock(func() {
		if !a.running {
			return
		}
		a.portToIdentityJob[portID] = a.sched.CallLater(a.cfg.PreemptiveInterval, func() {
			a.preemptiveTick(portID)
		})
		if !a.portIsUpLocked(portID) {
			a.logger.Debug("skipping preemptive request, port down", "port", portID)
			return
		}
		for _, s := range a.machines[portID] {
			if s.machine.InProgress() || s.machine.Success() {
				a.logger.Debug("skipping preemptive request, port active", "port", portID)
				return
			}
		}
		a.sendPreemptiveIdentityRequestLocked(portID, -1)
	})
}

// sendPreemptiveIdentityRequestLocked emits an identity request to the PAE
// group address with an id distinct from previousID. Callers must hold mu.
func (a *Authenticator) sendPreemptiveIdentityRequestLocked(portID string, previousID int) {
	portMAC, err := net.ParseMAC(portID)
	if err != nil {
		a.logger.Warn("port id is not MAC-shaped, cannot send preemptive request", "port", portID)
		return
	}
	id := statemachine.FreshID(previousID)
	a.portToEapolID[portID] = id
	req := eapol.NewIdentityRequest(byte(id))
	wire, err := eapol.PackEAP(req, eapol.PAEGroupAddress, portMAC)
	if err != nil {
		a.logger.Warn("packing preemptive identity request", "error", err)
		return
	}
	a.logger.Debug("sending preemptive identity request", "port", portID, "id", id)
	a.enqueueEAP(eapOutMsg{portID: portID, code: eapol.CodeRequest.String(), wire: wire})
}

// reauthPort fires at Session-Timeout: an authenticated client is invited
// to authenticate again.
func (a *Authenticator) reauthPort(mac, portID string) {
	a.withLock(func() {
		if !a.running {
			return
		}
		s := a.machines[portID][mac]
		if s == nil {
			a.logger.Debug("not reauthenticating, session gone", "client", mac, "port", portID)
			return
		}
		em, ok := s.machine.(*statemachine.EAPAuth)
		if !ok || !em.Success() {
			a.logger.Debug("not reauthenticating", "client", mac, "port", portID, "state", string(s.machine.State()))
			return
		}
		a.logger.Debug("reauthenticating", "client", mac, "port", portID)
		a.sendPreemptiveIdentityRequestLocked(portID, em.CurrentID())
	})
}

// enqueueEAP adds to the supplicant-bound queue, dropping the oldest entry
// on overflow so an in-progress session keeps advancing under flood.
func (a *Authenticator) enqueueEAP(m eapOutMsg) {
	for {
		select {
		case a.eapOut <- m:
			return
		default:
			select {
			case old := <-a.eapOut:
				metrics.QueueDrops.WithLabelValues("eap").Inc()
				a.logger.Warn("eap output queue full, dropping oldest frame", "port", old.portID)
			default:
			}
		}
	}
}

// enqueueRadius mirrors enqueueEAP for the server-bound queue.
func (a *Authenticator) enqueueRadius(m radiusOutMsg) {
	for {
		select {
		case a.radiusOut <- m:
			return
		default:
			select {
			case old := <-a.radiusOut:
				metrics.QueueDrops.WithLabelValues("radius").Inc()
				a.logger.Warn("radius output queue full, dropping oldest request", "session", old.key.String())
			default:
			}
		}
	}
}

// receiveFailed decides whether a receive error is an orderly shutdown or a
// fatal socket failure that must take the authenticator down.
func (a *Authenticator) receiveFailed(which string, err error) {
	if a.stopping() {
		return
	}
	a.logger.Error("socket receive failed, shutting down", "socket", which, "error", err)
	go a.Stop()
}

func (a *Authenticator) sendFailed(which string, err error) {
	if a.stopping() {
		return
	}
	a.logger.Error("socket send failed, shutting down", "socket", which, "error", err)
	go a.Stop()
}

// runEAPSender drains the supplicant-bound queue. Frames for ports that
// went down while queued are discarded.
func (a *Authenticator) runEAPSender() {
	for {
		select {
		case <-a.done:
			return
		case m := <-a.eapOut:
			a.mu.Lock()
			up := a.portIsUpLocked(m.portID)
			a.mu.Unlock()
			if !up {
				continue
			}
			if err := a.eapConn.Send(m.wire); err != nil {
				a.sendFailed("eapol", err)
				return
			}
			metrics.EapolFramesSent.WithLabelValues(m.code).Inc()
		}
	}
}

// runRadiusSender drains the server-bound queue, allocating identifiers at
// send time. Identifier exhaustion is transient: the request is requeued
// after a bounded backoff.
func (a *Authenticator) runRadiusSender() {
	for {
		select {
		case <-a.done:
			return
		case m := <-a.radiusOut:
			var (
				id   byte
				wire []byte
				err  error
			)
			if m.mab {
				id, wire, err = a.lifecycle.BuildMABRequest(m.key)
			} else {
				id, wire, err = a.lifecycle.BuildAccessRequest(m.key, m.identity, m.eap, m.state, m.pendingEAPID)
			}
			if errors.Is(err, radius.ErrIDExhausted) {
				a.logger.Warn("radius identifiers exhausted, backing off", "session", m.key.String())
				msg := m
				a.sched.CallLater(a.cfg.IDExhaustedBackoff, func() {
					a.enqueueRadius(msg)
				})
				continue
			}
			if err != nil {
				a.logger.Warn("building access request", "session", m.key.String(), "error", err)
				continue
			}
			if err := a.radiusConn.Send(wire); err != nil {
				a.lifecycle.Release(id)
				a.sendFailed("radius", err)
				return
			}
			metrics.RadiusRequests.Inc()
		}
	}
}

// runEAPReceiver decodes supplicant frames and routes them.
func (a *Authenticator) runEAPReceiver() {
	for {
		b, err := a.eapConn.Receive()
		if err != nil {
			a.receiveFailed("eapol", err)
			return
		}
		f, err := eapol.ParseFrame(b)
		if err != nil {
			metrics.ParseErrors.WithLabelValues("eapol").Inc()
			a.logger.Warn("dropping malformed eapol frame", "error", err)
			continue
		}
		metrics.EapolFramesReceived.WithLabelValues(f.PacketType.String()).Inc()
		a.handleEAPFrame(f)
	}
}

// runMABReceiver watches for DHCP triggers from agentless clients. Parse
// failures are transient and dropped; only socket errors are fatal.
func (a *Authenticator) runMABReceiver() {
	for {
		b, err := a.mabConn.Receive()
		if err != nil {
			a.receiveFailed("mab", err)
			return
		}
		src, dst, err := etherAddrs(b)
		if err != nil {
			metrics.ParseErrors.WithLabelValues("mab").Inc()
			a.logger.Warn("dropping malformed trigger frame", "error", err)
			continue
		}
		metrics.MABTriggers.Inc()
		a.handleMABFrame(src, dst)
	}
}

// runRadiusReceiver validates server datagrams and routes the replies.
func (a *Authenticator) runRadiusReceiver() {
	for {
		b, err := a.radiusConn.Receive()
		if err != nil {
			a.receiveFailed("radius", err)
			return
		}
		ev, err := a.lifecycle.ProcessInbound(b)
		if err != nil {
			// Unknown ids and authenticator mismatches are logged and
			// dropped; the session retransmits or times out.
			a.logger.Warn("dropping radius datagram", "error", err)
			continue
		}
		a.handleRadiusReply(ev)
	}
}

// Sessions reports the number of live sessions. Exposed for operators.
func (a *Authenticator) Sessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, port := range a.machines {
		n += len(port)
	}
	return n
}

func etherAddrs(b []byte) (src, dst net.HardwareAddr, err error) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return nil, nil, fmt.Errorf("decoding ethernet frame: %w", err)
	}
	src = append(net.HardwareAddr(nil), eth.SrcMAC...)
	dst = append(net.HardwareAddr(nil), eth.DstMAC...)
	return src, dst, nil
}
