package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/testline/testline-backend/internal/model"
)

// Key is the idempotency key for attempt creation. Duplicate "start"
// requests from flaky reconnects land on the same live session.
type Key struct {
	TestID        uuid.UUID
	StudentID     int
	AttemptNumber int
}

type activeKey struct {
	TestID    uuid.UUID
	StudentID int
}

type entry struct {
	// mu serializes mutations for this attempt only. Different attempts
	// proceed fully in parallel.
	mu   sync.Mutex
	sess *model.AttemptSession
}

// Store is the authoritative in-memory table of active attempts. It is the
// only shared mutable resource in the engine.
type Store struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*entry
	byKey   map[Key]uuid.UUID
	active  map[activeKey]uuid.UUID
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		entries: make(map[uuid.UUID]*entry),
		byKey:   make(map[Key]uuid.UUID),
		active:  make(map[activeKey]uuid.UUID),
	}
}

// Create registers a session. Idempotent on (test id, student id, attempt
// number): if a live session already exists for the key, the existing one is
// returned and created is false.
func (s *Store) Create(sess *model.AttemptSession) (*model.AttemptSession, bool) {
	key := Key{TestID: sess.TestID, StudentID: sess.StudentID, AttemptNumber: sess.AttemptNumber}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[key]; ok {
		if e, ok := s.entries[id]; ok {
			e.mu.Lock()
			existing := e.sess.Clone()
			e.mu.Unlock()
			return existing, false
		}
	}

	s.entries[sess.ID] = &entry{sess: sess}
	s.byKey[key] = sess.ID
	s.active[activeKey{TestID: sess.TestID, StudentID: sess.StudentID}] = sess.ID
	return sess.Clone(), true
}

// Get returns a deep copy of the session. Mutations must go through Mutate.
func (s *Store) Get(attemptID uuid.UUID) (*model.AttemptSession, error) {
	s.mu.RLock()
	e, ok := s.entries[attemptID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("attempt %s: %w", attemptID, ErrSessionNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.Clone(), nil
}

// FindActive returns the id of the live attempt for a student on a test.
func (s *Store) FindActive(testID uuid.UUID, studentID int) (uuid.UUID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[activeKey{TestID: testID, StudentID: studentID}]
	return id, ok
}

// Mutate runs fn under the attempt's lock: an atomic read-modify-write.
// Concurrent callers for the same attempt are serialized; other attempts
// are unaffected.
func (s *Store) Mutate(attemptID uuid.UUID, fn func(*model.AttemptSession) error) error {
	s.mu.RLock()
	e, ok := s.entries[attemptID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("attempt %s: %w", attemptID, ErrSessionNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.sess)
}

// Remove evicts a session from the store. The durable record remains in the
// external store.
func (s *Store) Remove(attemptID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[attemptID]
	if !ok {
		return
	}
	sess := e.sess
	delete(s.entries, attemptID)
	delete(s.byKey, Key{TestID: sess.TestID, StudentID: sess.StudentID, AttemptNumber: sess.AttemptNumber})

	ak := activeKey{TestID: sess.TestID, StudentID: sess.StudentID}
	if s.active[ak] == attemptID {
		delete(s.active, ak)
	}
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
