package testutil

import "github.com/hupe1980/medmesh/core"

// SessionBuilder helps construct sessions with prior conversation turns.
// Example:
//
//	sess := NewSessionBuilder("sess-1").Turn("q1", "a1").Build()
type SessionBuilder struct {
	id    string
	turns [][2]string
}

// NewSessionBuilder creates a new builder for a session with the given id.
func NewSessionBuilder(id string) *SessionBuilder {
	return &SessionBuilder{id: id}
}

// Turn appends a completed question/answer exchange (chainable).
func (b *SessionBuilder) Turn(question, answer string) *SessionBuilder {
	b.turns = append(b.turns, [2]string{question, answer})
	return b
}

// Build materializes the session. Each turn becomes a completed coordinator
// task holding the question and the answer.
func (b *SessionBuilder) Build() *core.Session {
	sess := core.NewSession(b.id)
	for _, qa := range b.turns {
		task := core.NewTask("", b.id, "")
		_ = task.AppendMessage(core.NewTextMessage(core.RoleUser, qa[0]))
		_ = task.Transition(core.TaskWorking)
		_ = task.AppendMessage(core.NewTextMessage(core.RoleAgent, qa[1]))
		_ = task.Transition(core.TaskCompleted)
		sess.AddTask(task)
	}
	return sess
}
