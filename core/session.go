package core

import (
	"sync"
	"time"
)

// Session groups the tasks of one conversation. It lives only for the
// lifetime of that conversation and is safe for concurrent access.
type Session struct {
	ID      string
	Created time.Time
	Updated time.Time

	mu    sync.RWMutex
	tasks []*Task
	index map[string]*Task
}

// NewSession creates a new empty session with the given ID.
func NewSession(id string) *Session {
	now := time.Now()
	return &Session{ID: id, Created: now, Updated: now, index: map[string]*Task{}}
}

// AddTask registers a task with the session.
func (s *Session) AddTask(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[t.ID()]; ok {
		return
	}
	s.tasks = append(s.tasks, t)
	s.index[t.ID()] = t
	s.Updated = time.Now()
}

// Task looks up a task by ID.
func (s *Session) Task(id string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.index[id]
	return t, ok
}

// Tasks returns the session's tasks in creation order.
func (s *Session) Tasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// History returns the completed question/answer pairs of the session's
// coordinator tasks in order, used as conversational context.
func (s *Session) History() []Message {
	var out []Message
	for _, t := range s.Tasks() {
		if t.OwningAgentID() != "" {
			continue
		}
		snap := t.Snapshot()
		if snap.State != TaskCompleted {
			continue
		}
		out = append(out, snap.Messages...)
	}
	return out
}

// SessionStore holds live sessions. Implementations must be safe for
// concurrent use.
type SessionStore interface {
	// Get returns the session, creating it on first use.
	Get(id string) (*Session, error)
	// Lookup returns an existing session or false.
	Lookup(id string) (*Session, bool)
	// Delete drops the session and all its tasks.
	Delete(id string) error
	// FindTask locates a task across all sessions.
	FindTask(taskID string) (*Task, bool)
}

// ArtifactStore persists artifact content scoped by session.
type ArtifactStore interface {
	Save(sessionID, artifactID string, data []byte) error
	Get(sessionID, artifactID string) ([]byte, error)
	List(sessionID string) ([]string, error)
	Delete(sessionID, artifactID string) error
	// Clear removes every artifact of the session.
	Clear(sessionID string) error
}
