package core

import (
	"sync"
	"time"
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskSubmitted     TaskState = "submitted"
	TaskWorking       TaskState = "working"
	TaskInputRequired TaskState = "input-required"
	TaskCompleted     TaskState = "completed"
	TaskFailed        TaskState = "failed"
	TaskCanceled      TaskState = "canceled"
)

// transitions lists the legal successor states for each non-terminal state.
var transitions = map[TaskState][]TaskState{
	TaskSubmitted:     {TaskWorking, TaskFailed, TaskCanceled},
	TaskWorking:       {TaskInputRequired, TaskCompleted, TaskFailed, TaskCanceled},
	TaskInputRequired: {TaskWorking, TaskFailed, TaskCanceled},
}

// IsTerminal reports whether no further transitions are possible.
func (s TaskState) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCanceled
}

// Valid reports whether s is a known state.
func (s TaskState) Valid() bool {
	switch s {
	case TaskSubmitted, TaskWorking, TaskInputRequired, TaskCompleted, TaskFailed, TaskCanceled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal.
func (s TaskState) CanTransition(next TaskState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TaskSnapshot is an immutable copy of a task's state.
type TaskSnapshot struct {
	ID            string      `json:"id"`
	SessionID     string      `json:"sessionId,omitempty"`
	OwningAgentID string      `json:"owningAgentId,omitempty"`
	State         TaskState   `json:"state"`
	History       []TaskState `json:"history"`
	Messages      []Message   `json:"messages"`
	Artifacts     []Artifact  `json:"artifacts"`
	Error         string      `json:"error,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// Task is one protocol task. OwningAgentID is empty for the coordinator's
// local synthesis task. It is safe for concurrent access.
//
// Contract:
//   - State only moves along legal transitions and never leaves a terminal state
//   - Message IDs are unique within the task
//   - Artifacts are append-only and attributed to this task
type Task struct {
	mu            sync.RWMutex
	id            string
	sessionID     string
	owningAgentID string
	state         TaskState
	history       []TaskState
	messages      []Message
	seen          map[string]struct{}
	artifacts     []Artifact
	err           string
	createdAt     time.Time
	updatedAt     time.Time
}

// NewTask creates a task in the submitted state.
func NewTask(id, sessionID, owningAgentID string) *Task {
	if id == "" {
		id = NewID()
	}
	now := time.Now()
	return &Task{
		id:            id,
		sessionID:     sessionID,
		owningAgentID: owningAgentID,
		state:         TaskSubmitted,
		history:       []TaskState{TaskSubmitted},
		seen:          map[string]struct{}{},
		createdAt:     now,
		updatedAt:     now,
	}
}

// ID returns the task identifier.
func (t *Task) ID() string { return t.id }

// SessionID returns the owning session identifier.
func (t *Task) SessionID() string { return t.sessionID }

// OwningAgentID returns the remote agent executing the task, if any.
func (t *Task) OwningAgentID() string { return t.owningAgentID }

// State returns the current state.
func (t *Task) State() TaskState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Transition moves the task to next. Illegal moves return a *ProtocolError
// and leave the task unchanged.
func (t *Task) Transition(next TaskState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(next)
}

// Fail moves the task to failed and records the cause.
func (t *Task) Fail(cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transitionLocked(TaskFailed); err != nil {
		return err
	}
	if cause != nil {
		t.err = cause.Error()
	}
	return nil
}

func (t *Task) transitionLocked(next TaskState) error {
	if t.state.IsTerminal() {
		return NewProtocolError(t.id, "task is %s and cannot move to %s", t.state, next)
	}
	if !t.state.CanTransition(next) {
		return NewProtocolError(t.id, "illegal transition %s -> %s", t.state, next)
	}
	t.state = next
	t.history = append(t.history, next)
	t.updatedAt = time.Now()
	return nil
}

// AppendMessage adds a message. Messages with an empty or already used ID,
// or appends to a terminal task, are rejected with a *ProtocolError.
func (t *Task) AppendMessage(msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if msg.MessageID == "" {
		return NewProtocolError(t.id, "message id is required")
	}
	if _, dup := t.seen[msg.MessageID]; dup {
		return NewProtocolError(t.id, "duplicate message id %q", msg.MessageID)
	}
	if t.state.IsTerminal() {
		return NewProtocolError(t.id, "task is %s and accepts no messages", t.state)
	}
	msg.Parts = CloneParts(msg.Parts)
	t.seen[msg.MessageID] = struct{}{}
	t.messages = append(t.messages, msg)
	t.updatedAt = time.Now()
	return nil
}

// AppendArtifact attributes the artifact to this task and appends it.
func (t *Task) AppendArtifact(a Artifact) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a.ProducedByTaskID != "" && a.ProducedByTaskID != t.id {
		return NewProtocolError(t.id, "artifact %s belongs to task %s", a.ArtifactID, a.ProducedByTaskID)
	}
	if t.state.IsTerminal() {
		return NewProtocolError(t.id, "task is %s and accepts no artifacts", t.state)
	}
	if a.ArtifactID == "" {
		a.ArtifactID = NewID()
	}
	a.ProducedByTaskID = t.id
	a.Parts = CloneParts(a.Parts)
	t.artifacts = append(t.artifacts, a)
	t.updatedAt = time.Now()
	return nil
}

// Artifacts returns a copy of the produced artifacts in arrival order.
func (t *Task) Artifacts() []Artifact {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Artifact, len(t.artifacts))
	copy(out, t.artifacts)
	return out
}

// Err returns the recorded failure text, if any.
func (t *Task) Err() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// Snapshot returns a deep copy of the task state.
func (t *Task) Snapshot() TaskSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := TaskSnapshot{
		ID:            t.id,
		SessionID:     t.sessionID,
		OwningAgentID: t.owningAgentID,
		State:         t.state,
		History:       append([]TaskState(nil), t.history...),
		Messages:      make([]Message, len(t.messages)),
		Artifacts:     make([]Artifact, len(t.artifacts)),
		Error:         t.err,
		CreatedAt:     t.createdAt,
		UpdatedAt:     t.updatedAt,
	}
	copy(s.Messages, t.messages)
	copy(s.Artifacts, t.artifacts)
	return s
}
