package core

import "time"

// TaskEventKind distinguishes protocol stream updates.
type TaskEventKind string

const (
	TaskEventStatus   TaskEventKind = "status"
	TaskEventArtifact TaskEventKind = "artifact"
)

// TaskEvent is one update on a remote task's stream. Status events carry the
// new state and an optional agent message; artifact events carry an artifact.
type TaskEvent struct {
	TaskID    string        `json:"taskId"`
	Kind      TaskEventKind `json:"kind"`
	State     TaskState     `json:"state,omitempty"`
	Message   *Message      `json:"message,omitempty"`
	Artifact  *Artifact     `json:"artifact,omitempty"`
	Final     bool          `json:"final,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewStatusEvent builds a status update event.
func NewStatusEvent(taskID string, state TaskState, msg *Message) TaskEvent {
	return TaskEvent{TaskID: taskID, Kind: TaskEventStatus, State: state, Message: msg, Final: state.IsTerminal(), Timestamp: time.Now().UTC()}
}

// NewArtifactEvent builds an artifact update event.
func NewArtifactEvent(taskID string, a Artifact) TaskEvent {
	return TaskEvent{TaskID: taskID, Kind: TaskEventArtifact, Artifact: &a, Timestamp: time.Now().UTC()}
}

// EventType categorizes coordinator events delivered to inbound callers.
type EventType string

const (
	EventStatus EventType = "status"
	EventAction EventType = "action"
	EventResult EventType = "result"
	EventFinal  EventType = "final"
)

// Event is the unit streamed by the task coordinator while a query is being
// answered. After emission it should be treated as immutable.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	TaskID    string    `json:"taskId"`
	Type      EventType `json:"type"`
	Turn      int       `json:"turn,omitempty"`
	State     TaskState `json:"state,omitempty"`
	// Action is the action kind for action and result events.
	Action string `json:"action,omitempty"`
	Text   string `json:"text,omitempty"`
	// Error holds the result or task error text.
	Error      string    `json:"error,omitempty"`
	Incomplete bool      `json:"incomplete,omitempty"`
	Degraded   bool      `json:"degraded,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewEvent creates a bare event bound to a session and task.
func NewEvent(sessionID, taskID string, typ EventType) Event {
	return Event{ID: NewID(), SessionID: sessionID, TaskID: taskID, Type: typ, Timestamp: time.Now().UTC()}
}

// UnixSeconds returns the timestamp as fractional seconds since Unix epoch.
func (e Event) UnixSeconds() float64 { return float64(e.Timestamp.UnixNano()) / 1e9 }
