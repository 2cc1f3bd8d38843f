package sessions

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dot1xd/dot1xd/internal/events"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stations.db")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func testAuth() *events.AuthData {
	return &events.AuthData{
		PortID:         "00:00:00:00:00:10",
		MAC:            "aa:bb:cc:dd:ee:01",
		Method:         events.MethodEAP,
		Identity:       "alice",
		SessionTimeout: 60 * time.Second,
	}
}

func TestRecordAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Now()
	if err := s.Record(testAuth(), OutcomeSuccess, now); err != nil {
		t.Fatalf("Record: %v", err)
	}
	st := s.Get("00:00:00:00:00:10", "aa:bb:cc:dd:ee:01")
	if st == nil {
		t.Fatal("station not found")
	}
	if st.Outcome != OutcomeSuccess || st.Identity != "alice" {
		t.Errorf("station = %+v", st)
	}
	if st.SessionTimeout != 60*time.Second {
		t.Errorf("session timeout = %s", st.SessionTimeout)
	}
	if s.Get("00:00:00:00:00:10", "aa:bb:cc:dd:ee:99") != nil {
		t.Error("unknown station returned")
	}
}

func TestRecordUpsertsInPlace(t *testing.T) {
	s, _ := newTestStore(t)
	first := time.Now().Add(-time.Hour)
	if err := s.Record(testAuth(), OutcomeSuccess, first); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(testAuth(), OutcomeLogoff, time.Now()); err != nil {
		t.Fatal(err)
	}
	if s.Count() != 1 {
		t.Fatalf("count = %d, want 1", s.Count())
	}
	st := s.Get("00:00:00:00:00:10", "aa:bb:cc:dd:ee:01")
	if st.Outcome != OutcomeLogoff {
		t.Errorf("outcome = %s", st.Outcome)
	}
	if !st.FirstSeen.Equal(first) {
		t.Errorf("first seen overwritten: %s", st.FirstSeen)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stations.db")
	s, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Record(testAuth(), OutcomeFailure, time.Now()); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	st := s2.Get("00:00:00:00:00:10", "aa:bb:cc:dd:ee:01")
	if st == nil || st.Outcome != OutcomeFailure {
		t.Errorf("station after reopen = %+v", st)
	}
}

func TestFollowRecordsBusEvents(t *testing.T) {
	s, _ := newTestStore(t)
	ch := make(chan events.Event, 4)
	done := make(chan struct{})
	go func() {
		s.Follow(ch)
		close(done)
	}()

	ch <- events.Event{
		Type:      events.EventAuthSuccess,
		Timestamp: time.Now(),
		Auth:      testAuth(),
	}
	ch <- events.Event{Type: events.EventPortUp, PortID: "p"} // no auth data, ignored
	close(ch)
	<-done

	if s.Count() != 1 {
		t.Fatalf("count = %d, want 1", s.Count())
	}
}

func TestList(t *testing.T) {
	s, _ := newTestStore(t)
	a := testAuth()
	b := testAuth()
	b.MAC = "aa:bb:cc:dd:ee:02"
	b.Method = events.MethodMAB
	now := time.Now()
	if err := s.Record(a, OutcomeSuccess, now); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(b, OutcomeSuccess, now); err != nil {
		t.Fatal(err)
	}
	if got := len(s.List()); got != 2 {
		t.Errorf("list length = %d, want 2", got)
	}
}
