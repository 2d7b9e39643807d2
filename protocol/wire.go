package protocol

import (
	"fmt"
	"time"

	"github.com/hupe1980/medmesh/core"
)

// Version is the task protocol version advertised on agent cards.
const Version = "0.3.0"

// Wire representations. core.Part is a closed interface, so messages and
// artifacts are converted to tagged parts on the wire.

// Part is a tagged content part ("text" or "data").
type Part struct {
	Kind     string         `json:"kind"`
	Text     string         `json:"text,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Message is the wire form of core.Message.
type Message struct {
	MessageID string    `json:"messageId"`
	Role      core.Role `json:"role"`
	Parts     []Part    `json:"parts"`
}

// Artifact is the wire form of core.Artifact.
type Artifact struct {
	ArtifactID string `json:"artifactId"`
	TaskID     string `json:"taskId,omitempty"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
}

// SendRequest is the body of POST /tasks/send.
type SendRequest struct {
	TaskID    string  `json:"taskId"`
	SessionID string  `json:"sessionId,omitempty"`
	Message   Message `json:"message"`
}

// MessageRequest is the body of POST /tasks/{id}/messages.
type MessageRequest struct {
	Message Message `json:"message"`
}

// StatusUpdate is the payload of an "event: status" frame.
type StatusUpdate struct {
	TaskID    string         `json:"taskId"`
	State     core.TaskState `json:"state"`
	Message   *Message       `json:"message,omitempty"`
	Final     bool           `json:"final,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ArtifactUpdate is the payload of an "event: artifact" frame.
type ArtifactUpdate struct {
	TaskID    string    `json:"taskId"`
	Artifact  Artifact  `json:"artifact"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is the wire form of a task snapshot.
type Task struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId,omitempty"`
	State     core.TaskState `json:"state"`
	Messages  []Message      `json:"messages"`
	Artifacts []Artifact     `json:"artifacts"`
	Error     string         `json:"error,omitempty"`
}

// ErrorBody is the JSON body of non-2xx responses.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

const codeProtocolError = "protocol_error"

func toWireParts(parts []core.Part) []Part {
	out := make([]Part, 0, len(parts))
	for _, p := range parts {
		switch v := p.(type) {
		case core.TextPart:
			out = append(out, Part{Kind: "text", Text: v.Text, Metadata: v.Metadata})
		case core.DataPart:
			out = append(out, Part{Kind: "data", Data: v.Data, Metadata: v.Metadata})
		}
	}
	return out
}

func fromWireParts(parts []Part) ([]core.Part, error) {
	out := make([]core.Part, 0, len(parts))
	for _, p := range parts {
		switch p.Kind {
		case "text", "":
			out = append(out, core.TextPart{Text: p.Text, Metadata: p.Metadata})
		case "data":
			out = append(out, core.DataPart{Data: p.Data, Metadata: p.Metadata})
		default:
			return nil, fmt.Errorf("unknown part kind %q", p.Kind)
		}
	}
	return out, nil
}

// ToWireMessage converts a core message.
func ToWireMessage(m core.Message) Message {
	return Message{MessageID: m.MessageID, Role: m.Role, Parts: toWireParts(m.Parts)}
}

// FromWireMessage converts a wire message.
func FromWireMessage(m Message) (core.Message, error) {
	parts, err := fromWireParts(m.Parts)
	if err != nil {
		return core.Message{}, err
	}
	return core.Message{MessageID: m.MessageID, Role: m.Role, Parts: parts}, nil
}

// ToWireArtifact converts a core artifact.
func ToWireArtifact(a core.Artifact) Artifact {
	return Artifact{ArtifactID: a.ArtifactID, TaskID: a.ProducedByTaskID, Name: a.Name, Parts: toWireParts(a.Parts)}
}

// FromWireArtifact converts a wire artifact.
func FromWireArtifact(a Artifact) (core.Artifact, error) {
	parts, err := fromWireParts(a.Parts)
	if err != nil {
		return core.Artifact{}, err
	}
	return core.Artifact{ArtifactID: a.ArtifactID, ProducedByTaskID: a.TaskID, Name: a.Name, Parts: parts}, nil
}

// ToWireTask converts a task snapshot.
func ToWireTask(s core.TaskSnapshot) Task {
	t := Task{
		ID:        s.ID,
		SessionID: s.SessionID,
		State:     s.State,
		Messages:  make([]Message, 0, len(s.Messages)),
		Artifacts: make([]Artifact, 0, len(s.Artifacts)),
		Error:     s.Error,
	}
	for _, m := range s.Messages {
		t.Messages = append(t.Messages, ToWireMessage(m))
	}
	for _, a := range s.Artifacts {
		t.Artifacts = append(t.Artifacts, ToWireArtifact(a))
	}
	return t
}
