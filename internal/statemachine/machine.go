package statemachine

// State names follow the IEEE 802.1X-2010 authenticator diagram.
type State string

const (
	StateDisabled        State = "DISABLED"
	StateInitialize      State = "INITIALIZE"
	StateIdle            State = "IDLE"
	StateRestart         State = "RESTART"
	StateReceived        State = "RECEIVED"
	StateResponse        State = "RESPONSE"
	StateRequest         State = "REQUEST"
	StateProposed        State = "PROPOSED"
	StateDiscard         State = "DISCARD"
	StateAAARequest      State = "AAA_REQUEST"
	StateAAAIdle         State = "AAA_IDLE"
	StateAAAResponse     State = "AAA_RESPONSE"
	StateSuccess2        State = "SUCCESS2"
	StateFailure2        State = "FAILURE2"
	StateTimeoutFailure2 State = "TIMEOUT_FAILURE2"
	StateLogoff2         State = "LOGOFF2"
	StateEthReceived     State = "ETH_RECEIVED"
)

// Machine is the common contract of the two state machine kinds. The
// dispatcher holds the variant and dispatches by interface.
type Machine interface {
	// Event applies a stimulus, running transitions to quiescence before
	// returning. Never call concurrently for the same machine.
	Event(Event)
	// State returns the current state.
	State() State
	// InProgress reports whether an authentication conversation is under
	// way (suppresses preemptive identity requests on the port).
	InProgress() bool
	// Success reports whether the machine sits in SUCCESS2.
	Success() bool
}
