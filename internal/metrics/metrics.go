// Package metrics defines all Prometheus metrics for dot1xd.
// All metrics use the "dot1xd_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dot1xd"

// --- Supplicant-Facing Packet Metrics ---

var (
	// EapolFramesReceived counts EAPOL frames received by packet type.
	EapolFramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "eapol_frames_received_total",
		Help:      "Total EAPOL frames received, by packet type.",
	}, []string{"packet_type"})

	// EapolFramesSent counts EAPOL frames transmitted by EAP code.
	EapolFramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "eapol_frames_sent_total",
		Help:      "Total EAPOL frames sent, by EAP code.",
	}, []string{"code"})

	// MABTriggers counts DHCP frames that triggered MAC authentication bypass.
	MABTriggers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mab_triggers_total",
		Help:      "Total DHCP frames that triggered MAC authentication bypass.",
	})

	// ParseErrors counts malformed frames dropped, by protocol.
	ParseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "parse_errors_total",
		Help:      "Total malformed frames dropped, by protocol.",
	}, []string{"proto"})

	// RateLimited counts session-creating frames dropped by the rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_frames_total",
		Help:      "Total session-creating frames dropped by the rate limiter.",
	})
)

// --- RADIUS Metrics ---

var (
	// RadiusRequests counts Access-Requests sent to the authentication server.
	RadiusRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "radius_requests_total",
		Help:      "Total RADIUS Access-Requests sent.",
	})

	// RadiusResponses counts RADIUS responses received, by code.
	RadiusResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "radius_responses_total",
		Help:      "Total RADIUS responses received, by code.",
	}, []string{"code"})

	// RadiusAuthFailures counts responses discarded for authenticator mismatch.
	RadiusAuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "radius_authenticator_failures_total",
		Help:      "Total RADIUS responses discarded because an authenticator check failed.",
	})

	// RadiusUnknownID counts responses dropped for an unknown identifier.
	RadiusUnknownID = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "radius_unknown_id_total",
		Help:      "Total RADIUS responses dropped because no request matched the identifier.",
	})

	// RadiusIDsInFlight is a gauge of outstanding RADIUS identifiers.
	RadiusIDsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "radius_ids_in_flight",
		Help:      "Number of RADIUS identifiers currently awaiting a response.",
	})
)

// --- Session Metrics ---

var (
	// AuthOutcomes counts terminal authentication outcomes by method and result.
	AuthOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_outcomes_total",
		Help:      "Total terminal authentication outcomes, by method (eap, mab) and result.",
	}, []string{"method", "result"})

	// ActiveSessions is a gauge of live authentication sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Number of live (port, client MAC) authentication sessions.",
	})

	// PortsUp is a gauge of ports currently marked up.
	PortsUp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ports_up",
		Help:      "Number of switch ports currently marked up.",
	})
)

// --- Substrate Metrics ---

var (
	// QueueDrops counts outbound queue entries dropped on overflow, by queue.
	QueueDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_drops_total",
		Help:      "Total outbound queue entries dropped on overflow, by queue.",
	}, []string{"queue"})

	// TimerJobs is a gauge of outstanding scheduler jobs.
	TimerJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "timer_jobs",
		Help:      "Number of outstanding timer scheduler jobs.",
	})

	// EventsPublished counts events published to the bus, by type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Total events published to the event bus, by type.",
	}, []string{"event_type"})

	// EventBufferDrops counts events dropped because the bus buffer was full.
	EventBufferDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_buffer_drops_total",
		Help:      "Total events dropped because the event bus buffer was full.",
	})
)
