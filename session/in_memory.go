package session

import (
	"fmt"
	"sync"

	"github.com/hupe1980/medmesh/core"
)

// Compile-time assertion.
var _ core.SessionStore = (*InMemoryStore)(nil)

// InMemoryStore is a volatile SessionStore keeping sessions in a process
// local map. Sessions live until Delete is called; there is no cross-process
// persistence. It is safe for concurrent access.
//
// Unlike a snapshotting store it hands out the live *core.Session, whose
// tasks are themselves synchronized, so the coordinator and the gateway
// observe the same task state.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*core.Session
}

// NewInMemoryStore constructs an empty in‑memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*core.Session)}
}

// Get returns the session, creating it lazily on first use.
func (s *InMemoryStore) Get(sessionID string) (*core.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if sess, ok := s.Lookup(sessionID); ok {
		return sess, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// re-check: another caller may have created it in between
	if sess, ok := s.sessions[sessionID]; ok {
		return sess, nil
	}
	sess := core.NewSession(sessionID)
	s.sessions[sessionID] = sess
	return sess, nil
}

// Lookup returns an existing session without creating one.
func (s *InMemoryStore) Lookup(sessionID string) (*core.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

// Delete drops the session and, with it, all of its tasks. Deleting an
// unknown session is not an error.
func (s *InMemoryStore) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// FindTask scans all sessions for the task.
func (s *InMemoryStore) FindTask(taskID string) (*core.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if t, ok := sess.Task(taskID); ok {
			return t, true
		}
	}
	return nil, false
}

// Len returns the number of live sessions.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
