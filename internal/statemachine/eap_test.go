package statemachine

import (
	"net"
	"testing"
	"time"

	lradius "layeh.com/radius"

	"github.com/dot1xd/dot1xd/internal/logging"
	"github.com/dot1xd/dot1xd/internal/radius"
	"github.com/dot1xd/dot1xd/pkg/eapol"
)

var clientMAC = net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x01}

// mockOutputs records everything a machine drives.
type mockOutputs struct {
	sentEAP      []*eapol.EAP
	accessReqs   []accessReq
	mabReqs      int
	successes    []time.Duration
	failures     int
	logoffs      int
	timersOn     map[TimerKind]time.Duration
}

type accessReq struct {
	identity string
	eap      []byte
	state    []byte
	pending  int
}

func newMockOutputs() *mockOutputs {
	return &mockOutputs{timersOn: make(map[TimerKind]time.Duration)}
}

func (o *mockOutputs) SendEAP(e *eapol.EAP) { o.sentEAP = append(o.sentEAP, e) }
func (o *mockOutputs) SendAccessRequest(identity string, eap, state []byte, pending int) {
	o.accessReqs = append(o.accessReqs, accessReq{identity, eap, state, pending})
}
func (o *mockOutputs) SendMABRequest() { o.mabReqs++ }
func (o *mockOutputs) AuthSuccess(timeout time.Duration, attrs map[string]string) {
	o.successes = append(o.successes, timeout)
}
func (o *mockOutputs) AuthFailure() { o.failures++ }
func (o *mockOutputs) AuthLogoff() { o.logoffs++ }
func (o *mockOutputs) StartTimer(kind TimerKind, d time.Duration) { o.timersOn[kind] = d }
func (o *mockOutputs) StopTimer(kind TimerKind)                   { delete(o.timersOn, kind) }

func (o *mockOutputs) lastEAP() *eapol.EAP {
	if len(o.sentEAP) == 0 {
		return nil
	}
	return o.sentEAP[len(o.sentEAP)-1]
}

var testTiming = Timing{
	RetransWhile: 30 * time.Second,
	AAAWhile:     30 * time.Second,
	MaxRetrans:   5,
}

func newEAPMachine() (*EAPAuth, *mockOutputs) {
	out := newMockOutputs()
	m := NewEAPAuth(clientMAC, false, out, testTiming, logging.Discard())
	m.Event(PortStatusChange{Up: true})
	return m, out
}

func respond(m *EAPAuth, id byte, typ eapol.Type, data []byte) {
	m.Event(MessageReceived{Frame: &eapol.Frame{
		SrcMAC:     clientMAC,
		PacketType: eapol.PacketTypeEAP,
		EAP:        &eapol.EAP{Code: eapol.CodeResponse, ID: id, Type: typ, Data: data},
	}})
}

func challenge(m *EAPAuth, eapReq *eapol.EAP, state []byte) {
	wire, _ := eapReq.Marshal()
	m.Event(RadiusReceived{Reply: &radius.ReplyEvent{
		Code:  lradius.CodeAccessChallenge,
		EAP:   wire,
		State: state,
	}})
}

func TestPortUpOpensConversation(t *testing.T) {
	m, out := newEAPMachine()
	if m.State() != StateIdle {
		t.Fatalf("state = %s, want IDLE", m.State())
	}
	req := out.lastEAP()
	if req == nil || req.Code != eapol.CodeRequest || req.Type != eapol.TypeIdentity {
		t.Fatalf("expected identity request, got %+v", req)
	}
	if int(req.ID) != m.CurrentID() {
		t.Errorf("request id %d != currentID %d", req.ID, m.CurrentID())
	}
	if _, on := out.timersOn[TimerRetrans]; !on {
		t.Error("retransWhile not started")
	}
}

func TestHappyPathMD5(t *testing.T) {
	m, out := newEAPMachine()
	r1 := byte(m.CurrentID())

	// Identity response forwarded to AAA.
	respond(m, r1, eapol.TypeIdentity, []byte("alice"))
	if m.State() != StateAAAIdle {
		t.Fatalf("state = %s, want AAA_IDLE", m.State())
	}
	if len(out.accessReqs) != 1 || out.accessReqs[0].identity != "alice" {
		t.Fatalf("access requests = %+v", out.accessReqs)
	}
	if out.accessReqs[0].pending != int(r1) {
		t.Errorf("pending eap id = %d, want %d", out.accessReqs[0].pending, r1)
	}

	// Challenge relays the MD5 request to the supplicant.
	md5req := &eapol.EAP{Code: eapol.CodeRequest, ID: r1 + 1, Type: eapol.TypeMD5Challenge, Data: []byte{4, 1, 2, 3, 4}}
	challenge(m, md5req, []byte("srv-state"))
	if m.State() != StateIdle {
		t.Fatalf("state = %s, want IDLE after challenge", m.State())
	}
	if got := out.lastEAP(); got.ID != r1+1 || got.Type != eapol.TypeMD5Challenge {
		t.Fatalf("relayed request = %+v", got)
	}
	if m.CurrentID() != int(r1+1) {
		t.Errorf("currentID = %d, want %d", m.CurrentID(), r1+1)
	}

	// MD5 response forwarded with State echoed.
	respond(m, r1+1, eapol.TypeMD5Challenge, []byte{4, 9, 9, 9, 9})
	if len(out.accessReqs) != 2 {
		t.Fatalf("access requests = %d, want 2", len(out.accessReqs))
	}
	if string(out.accessReqs[1].state) != "srv-state" {
		t.Errorf("state echo = %q", out.accessReqs[1].state)
	}

	// Accept: EAP Success to client, success callback exactly once.
	m.Event(RadiusReceived{Reply: &radius.ReplyEvent{
		Code:           lradius.CodeAccessAccept,
		SessionTimeout: 60 * time.Second,
	}})
	if m.State() != StateSuccess2 || !m.Success() {
		t.Fatalf("state = %s, want SUCCESS2", m.State())
	}
	if got := out.lastEAP(); got.Code != eapol.CodeSuccess || got.ID != r1+1 {
		t.Errorf("final eap = %+v, want success id=%d", got, r1+1)
	}
	if len(out.successes) != 1 || out.successes[0] != 60*time.Second {
		t.Errorf("successes = %v", out.successes)
	}
	if out.failures != 0 {
		t.Errorf("failures = %d", out.failures)
	}
	if len(out.timersOn) != 0 {
		t.Errorf("timers still running: %v", out.timersOn)
	}
}

func TestDuplicateAcceptDoesNotRepeatSuccess(t *testing.T) {
	m, out := newEAPMachine()
	r1 := byte(m.CurrentID())
	respond(m, r1, eapol.TypeIdentity, []byte("alice"))
	accept := &radius.ReplyEvent{Code: lradius.CodeAccessAccept}
	m.Event(RadiusReceived{Reply: accept})
	m.Event(RadiusReceived{Reply: accept})
	if len(out.successes) != 1 {
		t.Errorf("success callback ran %d times", len(out.successes))
	}
}

func TestRejectPath(t *testing.T) {
	m, out := newEAPMachine()
	r1 := byte(m.CurrentID())
	respond(m, r1, eapol.TypeIdentity, []byte("mallory"))
	m.Event(RadiusReceived{Reply: &radius.ReplyEvent{Code: lradius.CodeAccessReject}})
	if m.State() != StateFailure2 {
		t.Fatalf("state = %s, want FAILURE2", m.State())
	}
	if got := out.lastEAP(); got.Code != eapol.CodeFailure {
		t.Errorf("final eap = %+v, want failure", got)
	}
	if out.failures != 1 || len(out.successes) != 0 {
		t.Errorf("failures=%d successes=%d", out.failures, len(out.successes))
	}
}

func TestMismatchedIDDiscarded(t *testing.T) {
	m, out := newEAPMachine()
	wrong := byte(m.CurrentID()) + 1
	respond(m, wrong, eapol.TypeIdentity, []byte("alice"))
	if m.State() != StateIdle {
		t.Fatalf("state = %s, want IDLE after discard", m.State())
	}
	if len(out.accessReqs) != 0 {
		t.Error("mismatched response reached AAA")
	}
}

func TestRetransmitThenTimeout(t *testing.T) {
	m, out := newEAPMachine()
	first := out.lastEAP()

	for i := 1; i <= testTiming.MaxRetrans; i++ {
		m.Event(TimerExpired{Kind: TimerRetrans})
		if m.State() != StateIdle {
			t.Fatalf("attempt %d: state = %s", i, m.State())
		}
		got := out.lastEAP()
		if got.ID != first.ID || got.Type != first.Type {
			t.Fatalf("attempt %d: retransmit differs: %+v", i, got)
		}
	}
	if len(out.sentEAP) != 1+testTiming.MaxRetrans {
		t.Fatalf("sent %d frames, want %d", len(out.sentEAP), 1+testTiming.MaxRetrans)
	}

	m.Event(TimerExpired{Kind: TimerRetrans})
	if m.State() != StateTimeoutFailure2 {
		t.Fatalf("state = %s, want TIMEOUT_FAILURE2", m.State())
	}
	if out.failures != 1 {
		t.Errorf("failures = %d", out.failures)
	}
	// No further retransmissions after the terminal state.
	m.Event(TimerExpired{Kind: TimerRetrans})
	if len(out.sentEAP) != 1+testTiming.MaxRetrans {
		t.Errorf("frame sent after timeout failure")
	}
}

func TestAAATimeout(t *testing.T) {
	m, out := newEAPMachine()
	respond(m, byte(m.CurrentID()), eapol.TypeIdentity, []byte("alice"))
	m.Event(TimerExpired{Kind: TimerAAA})
	if m.State() != StateTimeoutFailure2 {
		t.Fatalf("state = %s", m.State())
	}
	if out.failures != 1 {
		t.Errorf("failures = %d", out.failures)
	}
}

func TestLogoff(t *testing.T) {
	m, out := newEAPMachine()
	m.Event(MessageReceived{Frame: &eapol.Frame{
		SrcMAC:     clientMAC,
		PacketType: eapol.PacketTypeLogoff,
	}})
	if m.State() != StateLogoff2 {
		t.Fatalf("state = %s, want LOGOFF2", m.State())
	}
	if out.logoffs != 1 {
		t.Errorf("logoffs = %d", out.logoffs)
	}
	if len(out.timersOn) != 0 {
		t.Errorf("timers still running: %v", out.timersOn)
	}
}

func TestStartRestartsWithFreshID(t *testing.T) {
	m, out := newEAPMachine()
	oldID := m.CurrentID()
	m.Event(MessageReceived{Frame: &eapol.Frame{
		SrcMAC:     clientMAC,
		PacketType: eapol.PacketTypeStart,
	}})
	if m.State() != StateIdle {
		t.Fatalf("state = %s", m.State())
	}
	if m.CurrentID() == oldID {
		t.Error("restart reused the previous identifier")
	}
	if got := out.lastEAP(); got.Type != eapol.TypeIdentity {
		t.Errorf("restart sent %+v", got)
	}
}

func TestPortDownSilencesMachine(t *testing.T) {
	m, out := newEAPMachine()
	m.Event(PortStatusChange{Up: false})
	if m.State() != StateDisabled {
		t.Fatalf("state = %s, want DISABLED", m.State())
	}
	if len(out.timersOn) != 0 {
		t.Errorf("timers running after port down: %v", out.timersOn)
	}
	sent := len(out.sentEAP)
	respond(m, 1, eapol.TypeIdentity, []byte("x"))
	m.Event(TimerExpired{Kind: TimerRetrans})
	if len(out.sentEAP) != sent {
		t.Error("machine emitted frames while port down")
	}
}

func TestPreemptiveResponseAdoptsConversation(t *testing.T) {
	out := newMockOutputs()
	m := NewEAPAuth(clientMAC, true, out, testTiming, logging.Discard())

	m.Event(PreemptiveResponse{
		Frame: &eapol.Frame{
			SrcMAC:     clientMAC,
			PacketType: eapol.PacketTypeEAP,
			EAP:        &eapol.EAP{Code: eapol.CodeResponse, ID: 77, Type: eapol.TypeIdentity, Data: []byte("alice")},
		},
		PreemptiveID: 77,
	})
	if m.State() != StateAAAIdle {
		t.Fatalf("state = %s, want AAA_IDLE", m.State())
	}
	if m.CurrentID() != 77 {
		t.Errorf("currentID = %d, want 77", m.CurrentID())
	}
	if len(out.accessReqs) != 1 || out.accessReqs[0].identity != "alice" {
		t.Errorf("access requests = %+v", out.accessReqs)
	}
	// No second identity request was emitted toward the supplicant.
	if len(out.sentEAP) != 0 {
		t.Errorf("machine sent %d frames", len(out.sentEAP))
	}
}

func TestFreshIDBounded(t *testing.T) {
	for prev := 0; prev < 256; prev++ {
		id := FreshID(prev)
		if id == prev {
			t.Fatalf("FreshID(%d) returned the previous id", prev)
		}
		if id < 0 || id > 255 {
			t.Fatalf("FreshID(%d) = %d out of range", prev, id)
		}
	}
}
