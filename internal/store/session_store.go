package store

import (
	"errors"
	"sync"
	"time"

	"github.com/dunamismax/tidyimg/internal/session"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionBusy     = errors.New("session is processing another operation")
	ErrSessionExists   = errors.New("session already exists")
	ErrTooManySessions = errors.New("session limit reached")
)

// MemorySessionStore keeps live editing sessions. A session is checked out
// with Acquire and handed back with Release; while it is checked out every
// other mutation gets ErrSessionBusy.
type MemorySessionStore struct {
	mu          sync.Mutex
	sessions    map[string]*sessionEntry
	maxSessions int
	now         func() time.Time
}

type sessionEntry struct {
	session   session.EditSession
	busy      bool
	touchedAt time.Time
}

func NewMemorySessionStore(maxSessions int) *MemorySessionStore {
	return &MemorySessionStore{
		sessions:    make(map[string]*sessionEntry),
		maxSessions: maxSessions,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemorySessionStore) Create(sess session.EditSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; ok {
		return ErrSessionExists
	}
	if s.maxSessions > 0 && len(s.sessions) >= s.maxSessions {
		return ErrTooManySessions
	}
	s.sessions[sess.ID] = &sessionEntry{session: sess, touchedAt: s.now()}
	return nil
}

// Get returns a snapshot. It does not wait for an in-flight operation.
func (s *MemorySessionStore) Get(id string) (session.EditSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[id]
	if !ok {
		return session.EditSession{}, ErrSessionNotFound
	}
	return entry.session, nil
}

func (s *MemorySessionStore) Acquire(id string) (session.EditSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[id]
	if !ok {
		return session.EditSession{}, ErrSessionNotFound
	}
	if entry.busy {
		return session.EditSession{}, ErrSessionBusy
	}
	entry.busy = true
	entry.touchedAt = s.now()
	return entry.session, nil
}

// Release stores next and clears the busy flag. Pass the acquired value back
// unchanged when the operation failed.
func (s *MemorySessionStore) Release(id string, next session.EditSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[id]
	if !ok {
		return
	}
	if !next.IsZero() {
		entry.session = next
	}
	entry.busy = false
	entry.touchedAt = s.now()
}

func (s *MemorySessionStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if entry.busy {
		return ErrSessionBusy
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemorySessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep drops idle sessions untouched for longer than ttl and returns how
// many were removed. Busy sessions are never swept.
func (s *MemorySessionStore) Sweep(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-ttl)
	removed := 0
	for id, entry := range s.sessions {
		if !entry.busy && entry.touchedAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}
