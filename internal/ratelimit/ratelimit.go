// Package ratelimit throttles session-creating ingress: EAPOL-Start frames,
// EAP responses from clients with no session, and DHCP frames that would
// open a MAC authentication bypass attempt. Frames belonging to an
// established session never pass through here, so an in-progress
// authentication keeps advancing under flood.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

// Trigger classifies the frame asking for a new session.
type Trigger int

const (
	// TriggerStart is an EAPOL-Start from a supplicant.
	TriggerStart Trigger = iota
	// TriggerEAP is an EAP response from a client with no session,
	// usually answering a preemptive identity request.
	TriggerEAP
	// TriggerMAB is a DHCP frame from an agentless client.
	TriggerMAB
)

func (t Trigger) String() string {
	switch t {
	case TriggerStart:
		return "eapol-start"
	case TriggerEAP:
		return "eap"
	case TriggerMAB:
		return "mab"
	default:
		return "UNKNOWN"
	}
}

// cost weighs a trigger against the budgets. DHCP clients retry on a tight
// schedule and broadcast storms are the common flood, so a MAB trigger
// burns twice the budget of a supplicant frame.
func (t Trigger) cost() int {
	if t == TriggerMAB {
		return 2
	}
	return 1
}

const (
	// window is the budget accounting period.
	window = time.Second
	// strikeLimit is how many over-budget triggers a client gets before
	// it is held down entirely.
	strikeLimit = 3
	// staleAfter bounds how long an idle client record is kept.
	staleAfter = 5 * time.Minute
	// sweepEvery bounds how often the client table is scanned for stale
	// records.
	sweepEvery = time.Minute
)

// clientState is the per-MAC accounting record.
type clientState struct {
	windowStart time.Time
	spent       int
	strikes     int
	heldUntil   time.Time
	lastSeen    time.Time
}

// Limiter grants or refuses session creation. A global budget caps total
// trigger cost per window; a per-client budget caps each MAC; a client that
// keeps pushing past its budget is held down for a while rather than
// re-evaluated every frame.
type Limiter struct {
	enabled  bool
	budget   int // global trigger cost per window
	perMAC   int // per-client trigger cost per window
	holdDown time.Duration

	mu          sync.Mutex
	windowStart time.Time
	spent       int
	clients     map[string]*clientState
	lastSweep   time.Time
}

// New creates a limiter. Zero or negative budgets fall back to defaults.
func New(enabled bool, budget, perMAC int) *Limiter {
	if budget <= 0 {
		budget = 100
	}
	if perMAC <= 0 {
		perMAC = 5
	}
	now := time.Now()
	return &Limiter{
		enabled:     enabled,
		budget:      budget,
		perMAC:      perMAC,
		holdDown:    30 * time.Second,
		windowStart: now,
		clients:     make(map[string]*clientState),
		lastSweep:   now,
	}
}

// AllowTrigger decides whether a session-creating frame from mac may open a
// session. Refusals from the per-client budget accumulate strikes; at
// strikeLimit the client is held down for holdDown. Refusals from the
// global budget never strike the client.
func (l *Limiter) AllowTrigger(mac net.HardwareAddr, trig Trigger) bool {
	if !l.enabled {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.sweep(now)

	macStr := mac.String()
	c, ok := l.clients[macStr]
	if !ok {
		c = &clientState{windowStart: now}
		l.clients[macStr] = c
	}
	c.lastSeen = now

	if now.Before(c.heldUntil) {
		return false
	}
	if now.Sub(l.windowStart) >= window {
		l.windowStart = now
		l.spent = 0
	}
	if now.Sub(c.windowStart) >= window {
		c.windowStart = now
		c.spent = 0
	}

	n := trig.cost()
	if c.spent+n > l.perMAC {
		c.strikes++
		if c.strikes >= strikeLimit {
			c.heldUntil = now.Add(l.holdDown)
			c.strikes = 0
		}
		return false
	}
	if l.spent+n > l.budget {
		return false
	}
	l.spent += n
	c.spent += n
	return true
}

// Authenticated clears a client's record after a successful authentication:
// a legitimate station must not carry strikes into its next reauth.
func (l *Limiter) Authenticated(mac net.HardwareAddr) {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, mac.String())
}

// sweep drops idle client records. Held clients are kept until the hold
// expires so a flooder cannot reset itself by going quiet.
func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < sweepEvery {
		return
	}
	l.lastSweep = now
	for macStr, c := range l.clients {
		if now.Before(c.heldUntil) {
			continue
		}
		if now.Sub(c.lastSeen) > staleAfter {
			delete(l.clients, macStr)
		}
	}
}

// Stats returns the number of tracked and currently held-down clients.
func (l *Limiter) Stats() (tracked, held int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for _, c := range l.clients {
		if now.Before(c.heldUntil) {
			held++
		}
	}
	return len(l.clients), held
}
