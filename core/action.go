package core

// Action is one decision of the reasoning loop. The set of actions is closed:
// CallTool, DelegateToAgent, Delegations and FinalAnswer.
type Action interface {
	isAction()
	// Kind returns a stable name used in logs, metrics and events.
	Kind() string
}

// CallTool requests a local tool invocation.
type CallTool struct {
	Name string         `json:"tool"`
	Args map[string]any `json:"args"`
}

func (CallTool) isAction() {}
func (CallTool) Kind() string { return "call_tool" }

// DelegateToAgent hands a sub-query to a remote specialist agent.
type DelegateToAgent struct {
	AgentID string `json:"agent_id"`
	Query   string `json:"query"`
}

func (DelegateToAgent) isAction() {}
func (DelegateToAgent) Kind() string { return "delegate" }

// Delegations issues several independent delegations in a single turn.
// They run concurrently and their results are merged before the next turn.
type Delegations struct {
	Items []DelegateToAgent `json:"delegations"`
}

func (Delegations) isAction() {}
func (Delegations) Kind() string { return "delegate_many" }

// FinalAnswer terminates the loop with the answer text.
type FinalAnswer struct {
	Text string `json:"answer"`
}

func (FinalAnswer) isAction() {}
func (FinalAnswer) Kind() string { return "final_answer" }

// SourcedArtifact is an artifact tagged with the agent and task that produced it.
type SourcedArtifact struct {
	AgentID  string
	TaskID   string
	Artifact Artifact
}

// Result is what an executed action feeds back into the loop context.
type Result struct {
	// Text is the human readable outcome (tool output, merged artifacts or error text).
	Text string
	// Artifacts holds delegated artifacts in per-delegation arrival order.
	Artifacts []SourcedArtifact
	// Unavailable lists agents whose delegation failed or timed out.
	Unavailable []string
	// Err is the action error, if any. Errors are data, not control flow.
	Err error
}

// Failed reports whether the action produced no usable output.
func (r Result) Failed() bool { return r.Err != nil && len(r.Artifacts) == 0 }

// Step pairs an action with its result.
type Step struct {
	Turn   int
	Action Action
	Result Result
}
