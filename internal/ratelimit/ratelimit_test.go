package ratelimit

import (
	"net"
	"testing"
	"time"
)

var (
	macA = net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x01}
	macB = net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x02}
)

func TestDisabledAllowsEverything(t *testing.T) {
	l := New(false, 1, 1)
	for i := 0; i < 100; i++ {
		if !l.AllowTrigger(macA, TriggerStart) {
			t.Fatal("disabled limiter refused a trigger")
		}
	}
}

func TestPerClientBudget(t *testing.T) {
	l := New(true, 100, 3)
	for i := 0; i < 3; i++ {
		if !l.AllowTrigger(macA, TriggerStart) {
			t.Fatalf("trigger %d refused under the per-client budget", i)
		}
	}
	if l.AllowTrigger(macA, TriggerStart) {
		t.Error("fourth start from one client allowed")
	}
	// A different client has its own budget.
	if !l.AllowTrigger(macB, TriggerStart) {
		t.Error("fresh client refused")
	}
}

func TestMABTriggersCostDouble(t *testing.T) {
	l := New(true, 100, 4)
	// Budget 4 fits two MAB triggers (cost 2 each) but four starts.
	if !l.AllowTrigger(macA, TriggerMAB) || !l.AllowTrigger(macA, TriggerMAB) {
		t.Fatal("mab triggers refused within budget")
	}
	if l.AllowTrigger(macA, TriggerMAB) {
		t.Error("third mab trigger allowed past the budget")
	}
	for i := 0; i < 4; i++ {
		if !l.AllowTrigger(macB, TriggerStart) {
			t.Fatalf("start %d refused within budget", i)
		}
	}
}

func TestGlobalBudget(t *testing.T) {
	l := New(true, 2, 100)
	if !l.AllowTrigger(macA, TriggerStart) || !l.AllowTrigger(macB, TriggerStart) {
		t.Fatal("triggers refused under the global budget")
	}
	if l.AllowTrigger(macA, TriggerEAP) {
		t.Error("trigger allowed past the global budget")
	}
}

func TestRepeatedOverBudgetHoldsClientDown(t *testing.T) {
	l := New(true, 100, 1)
	if !l.AllowTrigger(macA, TriggerStart) {
		t.Fatal("first trigger refused")
	}
	// Three over-budget refusals earn a hold-down.
	for i := 0; i < strikeLimit; i++ {
		if l.AllowTrigger(macA, TriggerStart) {
			t.Fatalf("over-budget trigger %d allowed", i)
		}
	}
	// The hold outlives the one-second window: roll the windows forward
	// and the client must still be refused.
	l.mu.Lock()
	l.windowStart = time.Now().Add(-2 * window)
	l.clients[macA.String()].windowStart = time.Now().Add(-2 * window)
	l.mu.Unlock()
	if l.AllowTrigger(macA, TriggerStart) {
		t.Error("held-down client allowed in a fresh window")
	}
	// Other clients are unaffected.
	if !l.AllowTrigger(macB, TriggerStart) {
		t.Error("unrelated client refused during another client's hold")
	}
}

func TestAuthenticatedClearsClientRecord(t *testing.T) {
	l := New(true, 100, 1)
	l.AllowTrigger(macA, TriggerStart)
	for i := 0; i < strikeLimit; i++ {
		l.AllowTrigger(macA, TriggerStart)
	}
	if l.AllowTrigger(macA, TriggerStart) {
		t.Fatal("client not held down before Authenticated")
	}
	// A successful authentication wipes the slate for the next reauth.
	l.Authenticated(macA)
	if !l.AllowTrigger(macA, TriggerStart) {
		t.Error("authenticated client still held down")
	}
}

func TestWindowRollRestoresBudget(t *testing.T) {
	l := New(true, 100, 2)
	l.AllowTrigger(macA, TriggerStart)
	l.AllowTrigger(macA, TriggerStart)
	if l.AllowTrigger(macA, TriggerStart) {
		t.Fatal("budget not exhausted")
	}
	l.mu.Lock()
	l.clients[macA.String()].windowStart = time.Now().Add(-2 * window)
	l.mu.Unlock()
	if !l.AllowTrigger(macA, TriggerStart) {
		t.Error("budget not restored in a fresh window")
	}
}

func TestStats(t *testing.T) {
	l := New(true, 100, 1)
	l.AllowTrigger(macA, TriggerStart)
	l.AllowTrigger(macB, TriggerStart)
	for i := 0; i < strikeLimit; i++ {
		l.AllowTrigger(macA, TriggerStart)
	}
	tracked, held := l.Stats()
	if tracked != 2 {
		t.Errorf("tracked = %d, want 2", tracked)
	}
	if held != 1 {
		t.Errorf("held = %d, want 1", held)
	}
}
