package core

import "github.com/google/uuid"

// Role identifies the author of a protocol message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleTool  Role = "tool"
)

// Message is one protocol message exchanged within a task. MessageID is
// supplied by the caller and must be unique within its task.
type Message struct {
	MessageID string `json:"messageId"`
	Role      Role   `json:"role"`
	Parts     []Part `json:"parts"`
}

// NewTextMessage creates a message with a fresh ID and a single text part.
func NewTextMessage(role Role, text string) Message {
	return Message{MessageID: NewID(), Role: role, Parts: []Part{TextPart{Text: text}}}
}

// Text returns the concatenated text parts of the message.
func (m Message) Text() string { return PartsText(m.Parts) }

// Artifact is a content unit produced by a task. Artifacts are attributed to
// exactly one task via ProducedByTaskID.
type Artifact struct {
	ArtifactID       string `json:"artifactId"`
	ProducedByTaskID string `json:"producedByTaskId"`
	Name             string `json:"name,omitempty"`
	Parts            []Part `json:"parts"`
}

// NewTextArtifact creates an artifact with a fresh ID and a single text part.
func NewTextArtifact(taskID, name, text string) Artifact {
	return Artifact{ArtifactID: NewID(), ProducedByTaskID: taskID, Name: name, Parts: []Part{TextPart{Text: text}}}
}

// Text returns the concatenated text parts of the artifact.
func (a Artifact) Text() string { return PartsText(a.Parts) }

// NewID generates a new unique identifier for tasks, messages and artifacts.
func NewID() string { return uuid.NewString() }
