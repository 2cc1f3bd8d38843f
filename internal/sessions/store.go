// Package sessions persists authentication outcomes via BoltDB with an
// in-memory index for O(1) lookup. The store is observational: the RADIUS
// server stays authoritative and nothing here feeds back into authorization.
package sessions

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dot1xd/dot1xd/internal/events"
)

// BoltDB bucket names.
var (
	bucketStations = []byte("stations")
	bucketMeta     = []byte("meta")
)

// Outcome is the terminal result of an authentication attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeLogoff  Outcome = "logoff"
)

// Station is the recorded state of one (port, MAC) pair.
type Station struct {
	PortID         string        `json:"port_id"`
	MAC            string        `json:"mac"`
	Method         events.Method `json:"method"`
	Outcome        Outcome       `json:"outcome"`
	Identity       string        `json:"identity,omitempty"`
	SessionTimeout time.Duration `json:"session_timeout,omitempty"`
	FirstSeen      time.Time     `json:"first_seen"`
	LastChange     time.Time     `json:"last_change"`
}

func stationKey(portID, mac string) []byte {
	return []byte(portID + "|" + mac)
}

// Store provides station persistence.
type Store struct {
	db    *bolt.DB
	mu    sync.RWMutex
	byKey map[string]*Station
}

// NewStore opens or creates the database and loads the index.
func NewStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening station database %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketStations, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing database buckets: %w", err)
	}

	s := &Store{
		db:    db,
		byKey: make(map[string]*Station),
	}
	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading stations from database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) loadAll() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStations)
		return b.ForEach(func(k, v []byte) error {
			st := &Station{}
			if err := json.Unmarshal(v, st); err != nil {
				return fmt.Errorf("decoding station %s: %w", k, err)
			}
			s.byKey[string(k)] = st
			return nil
		})
	})
}

// Record upserts a station from a terminal authentication event.
func (s *Store) Record(data *events.AuthData, outcome Outcome, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stationKey(data.PortID, data.MAC)
	st, ok := s.byKey[string(key)]
	if !ok {
		st = &Station{
			PortID:    data.PortID,
			MAC:       data.MAC,
			FirstSeen: at,
		}
		s.byKey[string(key)] = st
	}
	st.Method = data.Method
	st.Outcome = outcome
	st.Identity = data.Identity
	st.SessionTimeout = data.SessionTimeout
	st.LastChange = at

	encoded, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStations).Put(key, encoded)
	})
}

// Get returns the station for a (port, MAC) pair, or nil.
func (s *Store) Get(portID, mac string) *Station {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.byKey[string(stationKey(portID, mac))]
	if !ok {
		return nil
	}
	cp := *st
	return &cp
}

// List returns all recorded stations.
func (s *Store) List() []Station {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Station, 0, len(s.byKey))
	for _, st := range s.byKey {
		out = append(out, *st)
	}
	return out
}

// Count returns the number of recorded stations.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

// Follow consumes auth events from a bus subscription until the channel
// closes. Call in a goroutine.
func (s *Store) Follow(ch <-chan events.Event) {
	for evt := range ch {
		if evt.Auth == nil {
			continue
		}
		var outcome Outcome
		switch evt.Type {
		case events.EventAuthSuccess:
			outcome = OutcomeSuccess
		case events.EventAuthFailure:
			outcome = OutcomeFailure
		case events.EventAuthLogoff:
			outcome = OutcomeLogoff
		default:
			continue
		}
		// Persistence failures must not disturb authentication.
		_ = s.Record(evt.Auth, outcome, evt.Timestamp)
	}
}
