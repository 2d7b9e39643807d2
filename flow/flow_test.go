package flow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/medmesh/core"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want core.Action
	}{
		{
			name: "final answer",
			raw:  `{"action": "final_answer", "answer": "Drink water."}`,
			want: core.FinalAnswer{Text: "Drink water."},
		},
		{
			name: "fenced call tool",
			raw:  "Sure.\n```json\n{\"action\": \"call_tool\", \"tool\": \"medical_search\", \"args\": {\"query\": \"flu {symptoms}\"}}\n```",
			want: core.CallTool{Name: "medical_search", Args: map[string]any{"query": "flu {symptoms}"}},
		},
		{
			name: "delegate with prose",
			raw:  `I will ask the specialist: {"action":"delegate","agent_id":"medgemma","query":"What is hypertension?"} thanks`,
			want: core.DelegateToAgent{AgentID: "medgemma", Query: "What is hypertension?"},
		},
		{
			name: "delegate many",
			raw: `{"action":"delegate_many","delegations":[
				{"agent_id":"medgemma","query":"a"},
				{"agent_id":"clinical","query":"b"}]}`,
			want: core.Delegations{Items: []core.DelegateToAgent{
				{AgentID: "medgemma", Query: "a"},
				{AgentID: "clinical", Query: "b"},
			}},
		},
		{
			name: "delegate many with one item collapses",
			raw:  `{"action":"delegate_many","delegations":[{"agent_id":"medgemma","query":"a"}]}`,
			want: core.DelegateToAgent{AgentID: "medgemma", Query: "a"},
		},
		{
			name: "call tool without args",
			raw:  `{"action":"call_tool","tool":"fhir_search"}`,
			want: core.CallTool{Name: "fhir_search", Args: map[string]any{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAction(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseAction_Malformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"I don't know",
		`{"action": "final_answer"}`,
		`{"action": "fly"}`,
		`{"answer": "no action"}`,
		`{"action": "delegate", "agent_id": "medgemma"}`,
		`{"action": "delegate_many", "delegations": []}`,
		`{"action": "call_tool", "tool": "x", "args": [1]}`,
		`{"action": "final_answer", "answer": "unterminated`,
	} {
		_, err := ParseAction(raw)
		require.Error(t, err, raw)
		assert.ErrorIs(t, err, core.ErrMalformedAction, raw)

		var mae *core.MalformedActionError
		require.True(t, errors.As(err, &mae))
		assert.Equal(t, raw, mae.Raw)
	}
}

func TestEncodeAction_RoundTrip(t *testing.T) {
	for _, a := range []core.Action{
		core.CallTool{Name: "medical_search", Args: map[string]any{"query": "x"}},
		core.DelegateToAgent{AgentID: "clinical", Query: "q"},
		core.Delegations{Items: []core.DelegateToAgent{{AgentID: "a", Query: "1"}, {AgentID: "b", Query: "2"}}},
		core.FinalAnswer{Text: "done"},
	} {
		got, err := ParseAction(EncodeAction(a))
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
}

func TestRenderPrompt(t *testing.T) {
	card := core.AgentCard{
		AgentID:     "medgemma",
		Name:        "MedGemma",
		Description: "Medical Q&A",
		Skills:      []core.Skill{{ID: "medical_qa", Description: "general medical questions"}},
	}
	tools := []ToolSummary{SummarizeTool("medical_search", "Search literature", map[string]any{"type": "object"})}

	steps := []core.Step{{
		Turn:   1,
		Action: core.DelegateToAgent{AgentID: "medgemma", Query: "q"},
		Result: core.Result{
			Artifacts: []core.SourcedArtifact{{AgentID: "medgemma", Artifact: core.NewTextArtifact("t1", "medical_qa_response", "answer text")}},
		},
	}}

	history := []core.Message{
		core.NewTextMessage(core.RoleUser, "earlier question"),
		core.NewTextMessage(core.RoleAgent, "earlier answer"),
	}

	req, err := RenderPrompt(PromptInput{
		Query:      "What is hypertension?",
		History:    history,
		Agents:     []AgentSummary{SummarizeCard(card, true)},
		Tools:      tools,
		Steps:      steps,
		TurnsLeft:  7,
		Correction: "fix it",
	})
	require.NoError(t, err)

	assert.Contains(t, req.Instructions, "- medgemma: Medical Q&A (information may be outdated)")
	assert.Contains(t, req.Instructions, "* medical_qa: general medical questions")
	assert.Contains(t, req.Instructions, "- medical_search: Search literature")
	assert.Contains(t, req.Instructions, `parameters: {"type":"object"}`)
	assert.Contains(t, req.Instructions, "7 turn(s) left")

	require.Len(t, req.Contents, 6)
	assert.Equal(t, "user", req.Contents[0].Role)
	assert.Equal(t, "assistant", req.Contents[1].Role)
	assert.Equal(t, "What is hypertension?", req.Contents[2].Text())
	assert.Equal(t, "assistant", req.Contents[3].Role)
	assert.Contains(t, req.Contents[3].Text(), `"agent_id":"medgemma"`)
	assert.Contains(t, req.Contents[4].Text(), "[medgemma] medical_qa_response: answer text")
	assert.Equal(t, "fix it", req.Contents[5].Text())
}

func TestRenderPrompt_NoAgentsOrTools(t *testing.T) {
	req, err := RenderPrompt(PromptInput{Query: "q", TurnsLeft: 1})
	require.NoError(t, err)
	assert.Contains(t, req.Instructions, "(none available)")
	assert.Contains(t, req.Instructions, "(none)")
	require.Len(t, req.Contents, 1)
}

func TestRenderPrompt_BadTemplate(t *testing.T) {
	_, err := RenderPrompt(PromptInput{Instructions: "{{.Agents", Query: "q"})
	assert.Error(t, err)
}

func TestObservation(t *testing.T) {
	obs := Observation(core.Step{
		Turn:   2,
		Action: core.CallTool{Name: "fhir_search"},
		Result: core.Result{Unavailable: []string{"clinical"}, Err: errors.New("boom")},
	})
	assert.Contains(t, obs, "turn 2, call_tool")
	assert.Contains(t, obs, "[clinical] unavailable")
	assert.Contains(t, obs, "error: boom")
}
