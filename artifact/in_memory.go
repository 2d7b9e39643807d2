package artifact

import (
	"sort"
	"sync"

	"github.com/hupe1980/medmesh/core"
)

// Compile-time assertion.
var _ core.ArtifactStore = (*InMemoryStore)(nil)

// InMemoryStore is an in‑process ArtifactStore. It keeps all artifacts in a
// nested map guarded by an RWMutex and copies data on save and retrieval.
//
// Layout: sessionID -> artifactID -> raw bytes
//
// Retention is tied to the session: the coordinator calls Clear when a
// session ends. There are no size quotas.
type InMemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]map[string][]byte
}

// NewInMemoryStore returns an empty in‑memory artifact store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{artifacts: make(map[string]map[string][]byte)}
}

// Save stores (or overwrites) the artifact bytes for the given session and id.
func (a *InMemoryStore) Save(sessionID, artifactID string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.artifacts[sessionID]
	if !ok {
		m = make(map[string][]byte)
		a.artifacts[sessionID] = m
	}
	m[artifactID] = append([]byte(nil), data...)
	return nil
}

// Get returns a copy of the stored artifact bytes or ErrNotFound.
func (a *InMemoryStore) Get(sessionID, artifactID string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, ok := a.artifacts[sessionID][artifactID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// List returns the sorted artifact ids stored for the session.
func (a *InMemoryStore) List(sessionID string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m := a.artifacts[sessionID]
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes the artifact if present or returns ErrNotFound.
func (a *InMemoryStore) Delete(sessionID, artifactID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.artifacts[sessionID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := m[artifactID]; !ok {
		return ErrNotFound
	}
	delete(m, artifactID)
	if len(m) == 0 {
		delete(a.artifacts, sessionID)
	}
	return nil
}

// Clear removes every artifact of the session.
func (a *InMemoryStore) Clear(sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.artifacts, sessionID)
	return nil
}
