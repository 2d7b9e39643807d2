package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/medmesh/core"
	"github.com/hupe1980/medmesh/internal/testutil"
	"github.com/hupe1980/medmesh/model"
	"github.com/hupe1980/medmesh/protocol"
	"github.com/hupe1980/medmesh/registry"
)

// misconfigured lists agents in its static configuration that it cannot
// resolve.
type misconfigured struct {
	*registry.Registry
	broken string
}

func (m misconfigured) Known(agentID string) bool {
	return agentID == m.broken || m.Registry.Known(agentID)
}

func (m misconfigured) Resolve(ctx context.Context, agentID string) (registry.Resolution, error) {
	if agentID == m.broken {
		return registry.Resolution{}, fmt.Errorf("%w: %s", core.ErrUnknownAgent, agentID)
	}
	return m.Registry.Resolve(ctx, agentID)
}

func newDelegator(t *testing.T, endpoints map[string]string, timeout time.Duration) (*RemoteDelegator, *protocol.Client) {
	t.Helper()
	reg := testutil.NewRegistry(t, endpoints)
	client := protocol.NewClient(reg)
	return NewRemoteDelegator(client, func(o *RemoteDelegatorOptions) { o.Timeout = timeout }), client
}

func TestRemoteDelegator_Completed(t *testing.T) {
	med := testutil.NewSpecialist(t, "medgemma", "medical_qa", testutil.Answer("medical_qa", "MedGemma"))
	d, _ := newDelegator(t, map[string]string{"medgemma": med.URL}, 5*time.Second)

	res, err := d.Delegate(context.Background(), "s1", core.DelegateToAgent{AgentID: "medgemma", Query: "What is asthma?"})
	require.NoError(t, err)
	require.NoError(t, res.Err)

	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "medgemma", res.Artifacts[0].AgentID)
	assert.Equal(t, "medical_qa_response", res.Artifacts[0].Artifact.Name)
	assert.Equal(t, "MedGemma: What is asthma?", res.Text)
	assert.Empty(t, res.Unavailable)
}

func TestRemoteDelegator_RemoteFailure(t *testing.T) {
	bad := testutil.NewSpecialist(t, "clinical", "clinical", testutil.Failing("model offline"))
	d, _ := newDelegator(t, map[string]string{"clinical": bad.URL}, 5*time.Second)

	res, err := d.Delegate(context.Background(), "s1", core.DelegateToAgent{AgentID: "clinical", Query: "q"})
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.ErrorIs(t, res.Err, core.ErrToolExecution)
	assert.ErrorContains(t, res.Err, "model offline")
	assert.Equal(t, []string{"clinical"}, res.Unavailable)
}

func TestRemoteDelegator_Unreachable(t *testing.T) {
	d, _ := newDelegator(t, map[string]string{"medgemma": testutil.Unreachable(t)}, 5*time.Second)

	res, err := d.Delegate(context.Background(), "s1", core.DelegateToAgent{AgentID: "medgemma", Query: "q"})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, core.ErrToolExecution)
	assert.ErrorIs(t, res.Err, core.ErrUnreachable)
	assert.Equal(t, []string{"medgemma"}, res.Unavailable)
}

func TestRemoteDelegator_UnconfiguredAgentIsUnavailable(t *testing.T) {
	d, _ := newDelegator(t, map[string]string{}, time.Second)

	res, err := d.Delegate(context.Background(), "s1", core.DelegateToAgent{AgentID: "radiology", Query: "q"})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, core.ErrUnknownAgent)
	assert.Equal(t, []string{"radiology"}, res.Unavailable)
	assert.Equal(t, "radiology is unavailable", res.Text)
}

func TestRemoteDelegator_MisconfiguredAgentIsFatal(t *testing.T) {
	reg := testutil.NewRegistry(t, map[string]string{})
	d := NewRemoteDelegator(protocol.NewClient(misconfigured{Registry: reg, broken: "clinical"}))

	_, err := d.Delegate(context.Background(), "s1", core.DelegateToAgent{AgentID: "clinical", Query: "q"})
	assert.ErrorIs(t, err, core.ErrUnknownAgent)
}

func TestRemoteDelegator_BoundedByCallerDeadline(t *testing.T) {
	slow := testutil.NewSpecialist(t, "slow", "slow", testutil.Stalling(5*time.Second))
	d, _ := newDelegator(t, map[string]string{"slow": slow.URL}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	res, err := d.Delegate(ctx, "s1", core.DelegateToAgent{AgentID: "slow", Query: "q"})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, core.ErrTimeout)
	assert.Equal(t, []string{"slow"}, res.Unavailable)
	assert.NoError(t, ctx.Err(), "the delegation gives up before the caller's deadline")
}

func TestRemoteDelegator_Timeout(t *testing.T) {
	slow := testutil.NewSpecialist(t, "slow", "slow", testutil.Stalling(5*time.Second))
	d, _ := newDelegator(t, map[string]string{"slow": slow.URL}, 100*time.Millisecond)

	res, err := d.Delegate(context.Background(), "s1", core.DelegateToAgent{AgentID: "slow", Query: "q"})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, core.ErrTimeout)
	assert.Equal(t, []string{"slow"}, res.Unavailable)
}

func TestRemoteDelegator_InputRequiredBecomesResult(t *testing.T) {
	admin := testutil.NewSpecialist(t, "administrative", "scheduling", testutil.AsksForInput("Which clinic?"))
	d, _ := newDelegator(t, map[string]string{"administrative": admin.URL}, 5*time.Second)

	res, err := d.Delegate(context.Background(), "s1", core.DelegateToAgent{AgentID: "administrative", Query: "book me"})
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.Contains(t, res.Text, "Which clinic?")
	assert.Empty(t, res.Unavailable)
}

func TestFanOut_OneTimeoutKeepsOthers(t *testing.T) {
	med := testutil.NewSpecialist(t, "medgemma", "medical_qa", testutil.Answer("medical_qa", "MedGemma"))
	slow := testutil.NewSpecialist(t, "clinical", "clinical", testutil.Stalling(5*time.Second))
	d, _ := newDelegator(t, map[string]string{"medgemma": med.URL, "clinical": slow.URL}, 200*time.Millisecond)

	res, err := FanOut(context.Background(), d, "s1", []core.DelegateToAgent{
		{AgentID: "clinical", Query: "labs?"},
		{AgentID: "medgemma", Query: "diagnosis?"},
	})
	require.NoError(t, err)

	assert.NoError(t, res.Err, "one usable delegation keeps the merge successful")
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "medgemma", res.Artifacts[0].AgentID)
	assert.Equal(t, []string{"clinical"}, res.Unavailable)
	assert.Contains(t, res.Text, "[clinical] unavailable")
	assert.Contains(t, res.Text, "[medgemma] MedGemma: diagnosis?")
	assert.Less(t, strings.Index(res.Text, "[clinical]"), strings.Index(res.Text, "[medgemma]"))
}

func TestFanOut_AllFailed(t *testing.T) {
	d, _ := newDelegator(t, map[string]string{"a": testutil.Unreachable(t), "b": testutil.Unreachable(t)}, time.Second)

	res, err := FanOut(context.Background(), d, "s1", []core.DelegateToAgent{{AgentID: "a", Query: "1"}, {AgentID: "b", Query: "2"}})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, core.ErrUnreachable)
	assert.ElementsMatch(t, []string{"a", "b"}, res.Unavailable)
}

func TestFanOut_FatalError(t *testing.T) {
	reg := testutil.NewRegistry(t, map[string]string{})
	d := NewRemoteDelegator(protocol.NewClient(misconfigured{Registry: reg, broken: "clinical"}))

	_, err := FanOut(context.Background(), d, "s1", []core.DelegateToAgent{{AgentID: "clinical", Query: "1"}})
	assert.ErrorIs(t, err, core.ErrUnknownAgent)
}

func TestFanOut_UnconfiguredAgentKeepsSiblings(t *testing.T) {
	med := testutil.NewSpecialist(t, "medgemma", "medical_qa", testutil.Answer("medical_qa", "MedGemma"))
	d, _ := newDelegator(t, map[string]string{"medgemma": med.URL}, 5*time.Second)

	res, err := FanOut(context.Background(), d, "s1", []core.DelegateToAgent{
		{AgentID: "medgemma", Query: "diagnosis?"},
		{AgentID: "radiology", Query: "imaging?"},
	})
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "medgemma", res.Artifacts[0].AgentID)
	assert.Equal(t, []string{"radiology"}, res.Unavailable)
	assert.Contains(t, res.Text, "[radiology] unavailable")
	assert.Equal(t, int32(1), med.Calls.Load())
}

func TestFanOut_RunsConcurrently(t *testing.T) {
	var entered sync.WaitGroup
	entered.Add(2)
	both := make(chan struct{})
	go func() {
		entered.Wait()
		close(both)
	}()

	// each specialist answers only once both have been entered
	barrier := func(skill string) protocol.Executor {
		return protocol.ExecutorFunc(func(ctx context.Context, u *protocol.TaskUpdater) error {
			entered.Done()
			select {
			case <-both:
			case <-ctx.Done():
				return ctx.Err()
			}
			_, err := u.AddArtifact(skill+"_response", "met")
			return err
		})
	}
	med := testutil.NewSpecialist(t, "medgemma", "medical_qa", barrier("medical_qa"))
	clin := testutil.NewSpecialist(t, "clinical", "clinical_review", barrier("clinical_review"))
	d, _ := newDelegator(t, map[string]string{"medgemma": med.URL, "clinical": clin.URL}, 2*time.Second)

	res, err := FanOut(context.Background(), d, "s1", []core.DelegateToAgent{
		{AgentID: "medgemma", Query: "1"},
		{AgentID: "clinical", Query: "2"},
	})
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Empty(t, res.Unavailable)
	assert.Len(t, res.Artifacts, 2)
}

// Single delegation to a medical specialist; the answer carries its artifact.
func TestEndToEnd_SingleDelegation(t *testing.T) {
	med := testutil.NewSpecialist(t, "medgemma", "medical_qa", testutil.Answer("medical_qa", "MedGemma"))
	reg := testutil.NewRegistry(t, map[string]string{"medgemma": med.URL})
	d := NewRemoteDelegator(protocol.NewClient(reg))

	m := model.NewScriptedModel(
		`{"action":"delegate","agent_id":"medgemma","query":"What is hypertension?"}`,
		`{"action":"final_answer","answer":"According to the specialist - MedGemma: What is hypertension?"}`,
	)
	o := NewOrchestrator(m, reg, nil, d)

	out, err := o.Run(context.Background(), Request{SessionID: "s1", Query: "What is hypertension?"}, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, out.Turns)
	assert.False(t, out.Degraded)
	require.Len(t, out.Steps, 1)
	require.Len(t, out.Steps[0].Result.Artifacts, 1)
	artifactText := out.Steps[0].Result.Artifacts[0].Artifact.Text()
	assert.Contains(t, out.Answer, artifactText)

	first := m.Requests()[0]
	assert.Contains(t, first.Instructions, "- medgemma: medgemma specialist")
	second := m.Requests()[1]
	assert.Contains(t, second.Contents[len(second.Contents)-1].Text(), artifactText)
	assert.Equal(t, int32(1), med.Calls.Load())
}

// Unreachable specialist: the failed delegation is fed back and the model
// still produces a degraded answer within the turn limit.
func TestEndToEnd_UnreachableSpecialist(t *testing.T) {
	reg := testutil.NewRegistry(t, map[string]string{"clinical": testutil.Unreachable(t)})
	d := NewRemoteDelegator(protocol.NewClient(reg))

	m := model.NewScriptedModel(
		`{"action":"delegate","agent_id":"clinical","query":"Interpret my labs"}`,
		`{"action":"final_answer","answer":"The clinical specialist is unavailable; please retry later."}`,
	)
	o := NewOrchestrator(m, reg, nil, d, func(o *Options) { o.MaxTurns = 4 })

	out, err := o.Run(context.Background(), Request{SessionID: "s1", Query: "labs"}, nil)
	require.NoError(t, err)

	assert.True(t, out.Degraded)
	assert.LessOrEqual(t, out.Turns, 4)
	require.Len(t, out.Steps, 1)
	assert.ErrorIs(t, out.Steps[0].Result.Err, core.ErrToolExecution)
	assert.Contains(t, m.Requests()[1].Contents[2].Text(), "[clinical] unavailable")
}

// Two concurrent delegations in one turn, merged before the next turn.
func TestEndToEnd_ConcurrentDelegations(t *testing.T) {
	med := testutil.NewSpecialist(t, "medgemma", "medical_qa", testutil.Answer("medical_qa", "MedGemma"))
	clin := testutil.NewSpecialist(t, "clinical", "clinical_review", testutil.Answer("clinical_review", "Clinical"))
	reg := testutil.NewRegistry(t, map[string]string{"medgemma": med.URL, "clinical": clin.URL})
	d := NewRemoteDelegator(protocol.NewClient(reg))

	m := model.NewScriptedModel(
		`{"action":"delegate_many","delegations":[{"agent_id":"medgemma","query":"cause?"},{"agent_id":"clinical","query":"next steps?"}]}`,
		`{"action":"final_answer","answer":"merged"}`,
	)
	o := NewOrchestrator(m, reg, nil, d)

	rec := &recorder{}
	out, err := o.Run(context.Background(), Request{SessionID: "s1", Query: "chest pain"}, rec.observe)
	require.NoError(t, err)

	require.Len(t, out.Steps, 1)
	res := out.Steps[0].Result
	require.NoError(t, res.Err)
	require.Len(t, res.Artifacts, 2)
	assert.Equal(t, "medgemma", res.Artifacts[0].AgentID)
	assert.Equal(t, "clinical", res.Artifacts[1].AgentID)
	assert.False(t, out.Degraded)

	observation := m.Requests()[1].Contents[2].Text()
	assert.Contains(t, observation, "[medgemma] medical_qa_response: MedGemma: cause?")
	assert.Contains(t, observation, "[clinical] clinical_review_response: Clinical: next steps?")
	assert.Equal(t, []core.EventType{core.EventAction, core.EventResult, core.EventAction}, rec.types())
}

// The model names an agent that is not configured next to a real one.
func TestEndToEnd_InventedAgentDegrades(t *testing.T) {
	med := testutil.NewSpecialist(t, "medgemma", "medical_qa", testutil.Answer("medical_qa", "MedGemma"))
	reg := testutil.NewRegistry(t, map[string]string{"medgemma": med.URL})
	d := NewRemoteDelegator(protocol.NewClient(reg))

	m := model.NewScriptedModel(
		`{"action":"delegate_many","delegations":[{"agent_id":"medgemma","query":"cause?"},{"agent_id":"radiology","query":"imaging?"}]}`,
		`{"action":"final_answer","answer":"MedGemma answered; radiology is unavailable."}`,
	)
	o := NewOrchestrator(m, reg, nil, d)

	out, err := o.Run(context.Background(), Request{SessionID: "s1", Query: "chest pain"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "MedGemma answered; radiology is unavailable.", out.Answer)
	assert.True(t, out.Degraded)
	require.Len(t, out.Steps, 1)
	assert.Equal(t, []string{"radiology"}, out.Steps[0].Result.Unavailable)
	assert.Equal(t, int32(1), med.Calls.Load())
}
