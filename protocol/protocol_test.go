package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/medmesh/core"
	"github.com/hupe1980/medmesh/registry"
)

type fakeResolver struct {
	url           string
	mu            sync.Mutex
	successes     int
	failures      int
	invalidations int
}

func (f *fakeResolver) Resolve(_ context.Context, agentID string) (registry.Resolution, error) {
	if agentID != "medgemma" {
		return registry.Resolution{}, fmt.Errorf("%w: %s", core.ErrUnknownAgent, agentID)
	}
	return registry.Resolution{Card: core.AgentCard{AgentID: agentID, URL: f.url}}, nil
}

func (f *fakeResolver) Known(agentID string) bool { return agentID == "medgemma" }

func (f *fakeResolver) Invalidate(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidations++
}

func (f *fakeResolver) ReportSuccess(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes++
}

func (f *fakeResolver) ReportFailure(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures++
}

func (f *fakeResolver) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.successes, f.failures
}

func testCard() core.AgentCard {
	return core.AgentCard{
		AgentID:         "medgemma",
		Name:            "MedGemma",
		ProtocolVersion: "0.3.0",
		Capabilities:    core.Capabilities{Streaming: true},
		Skills:          []core.Skill{{ID: "medical_qa", Name: "Medical Q&A"}},
	}
}

// serve starts an agent server and a client resolving to it.
func serve(t *testing.T, exec Executor, optFns ...func(o *ClientOptions)) (*Client, *fakeResolver, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(NewServer(testCard(), exec))
	t.Cleanup(srv.Close)
	res := &fakeResolver{url: srv.URL}
	return NewClient(res, optFns...), res, srv
}

// rawAgent serves a hand-written /tasks/send handler.
func rawAgent(t *testing.T, send http.HandlerFunc) (*Client, *fakeResolver, *atomic.Int32) {
	t.Helper()
	var cancels atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/tasks/send", send)
	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/cancel") {
			cancels.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	res := &fakeResolver{url: srv.URL}
	return NewClient(res), res, &cancels
}

func decodeSend(t *testing.T, r *http.Request) SendRequest {
	var req SendRequest
	assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	return req
}

func sse(w http.ResponseWriter, event string, v any) {
	b, _ := json.Marshal(v)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func TestSendTask_Completed(t *testing.T) {
	exec := ExecutorFunc(func(_ context.Context, u *TaskUpdater) error {
		_, err := u.AddArtifact("medical_qa_response", "Metformin is first line. Q: "+u.Input().Text())
		return err
	})
	client, res, _ := serve(t, exec)

	h, err := client.SendTask(context.Background(), "medgemma", core.NewTextMessage(core.RoleUser, "diabetes?"))
	require.NoError(t, err)

	var kinds []string
	for ev := range h.Events() {
		kinds = append(kinds, string(ev.Kind)+":"+string(ev.State))
	}
	assert.Equal(t, []string{"status:working", "artifact:", "status:completed"}, kinds)

	require.NoError(t, h.Err())
	snap := h.Task()
	assert.Equal(t, core.TaskCompleted, snap.State)
	assert.Equal(t, []core.TaskState{core.TaskSubmitted, core.TaskWorking, core.TaskCompleted}, snap.History)
	require.Len(t, snap.Artifacts, 1)
	assert.Equal(t, h.ID(), snap.Artifacts[0].ProducedByTaskID)
	assert.Contains(t, snap.Artifacts[0].Text(), "diabetes?")

	succ, fail := res.counts()
	assert.Equal(t, 1, succ)
	assert.Zero(t, fail)
}

func TestSendTask_ExecutorErrorFails(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, *TaskUpdater) error {
		return fmt.Errorf("model backend down")
	})
	client, res, _ := serve(t, exec)

	h, err := client.SendTask(context.Background(), "medgemma", core.NewTextMessage(core.RoleUser, "q"))
	require.NoError(t, err)
	snap, err := h.Wait(context.Background())

	assert.Equal(t, core.TaskFailed, snap.State)
	var taskErr *core.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.ErrorContains(t, err, "model backend down")
	_, fail := res.counts()
	assert.Equal(t, 1, fail)
}

func TestSendTask_UnknownAgent(t *testing.T) {
	client := NewClient(&fakeResolver{})
	_, err := client.SendTask(context.Background(), "nobody", core.NewTextMessage(core.RoleUser, "q"))
	assert.ErrorIs(t, err, core.ErrUnknownAgent)
}

func TestSendTask_EmptyMessageID(t *testing.T) {
	client := NewClient(&fakeResolver{url: "http://unused"})
	_, err := client.SendTask(context.Background(), "medgemma", core.Message{Role: core.RoleUser})
	assert.ErrorIs(t, err, core.ErrProtocol)
}

func TestInputRequiredRoundTrip(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, u *TaskUpdater) error {
		msg, err := u.RequireInput(ctx, "Which patient?")
		if err != nil {
			return err
		}
		_, err = u.AddArtifact("answer", "patient "+msg.Text())
		return err
	})
	client, _, _ := serve(t, exec)

	first := core.NewTextMessage(core.RoleUser, "latest HbA1c")
	h, err := client.SendTask(context.Background(), "medgemma", first)
	require.NoError(t, err)

	var states []core.TaskState
	for ev := range h.Events() {
		if ev.Kind != core.TaskEventStatus {
			continue
		}
		states = append(states, ev.State)
		if ev.State == core.TaskInputRequired {
			assert.Equal(t, "Which patient?", ev.Message.Text())

			// a reused message id is rejected locally
			dup := first
			assert.ErrorIs(t, h.SendMessage(context.Background(), dup), core.ErrProtocol)

			require.NoError(t, h.SendMessage(context.Background(), core.NewTextMessage(core.RoleUser, "p-42")))
		}
	}

	require.NoError(t, h.Err())
	assert.Equal(t, []core.TaskState{core.TaskWorking, core.TaskInputRequired, core.TaskWorking, core.TaskCompleted}, states)
	assert.Equal(t, "patient p-42", h.Task().Artifacts[0].Text())
}

func TestSendMessage_RequiresInputRequired(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	client, _, _ := serve(t, ExecutorFunc(func(ctx context.Context, _ *TaskUpdater) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}))

	h, err := client.SendTask(context.Background(), "medgemma", core.NewTextMessage(core.RoleUser, "q"))
	require.NoError(t, err)
	defer h.Cancel()

	err = h.SendMessage(context.Background(), core.NewTextMessage(core.RoleUser, "more"))
	assert.ErrorIs(t, err, core.ErrProtocol)
}

func TestInvalidRemoteTransitionFailsTask(t *testing.T) {
	client, res, cancels := rawAgent(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeSend(t, r)
		w.Header().Set("Content-Type", "text/event-stream")
		// submitted -> completed skips working
		sse(w, eventStatus, StatusUpdate{TaskID: req.TaskID, State: core.TaskCompleted, Final: true})
	})

	h, err := client.SendTask(context.Background(), "medgemma", core.NewTextMessage(core.RoleUser, "q"))
	require.NoError(t, err)
	snap, err := h.Wait(context.Background())

	assert.Equal(t, core.TaskFailed, snap.State)
	assert.ErrorIs(t, err, core.ErrProtocol)
	_, fail := res.counts()
	assert.Equal(t, 1, fail)
	assert.Eventually(t, func() bool { return cancels.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTerminalStateIsFinal(t *testing.T) {
	client, _, _ := rawAgent(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeSend(t, r)
		w.Header().Set("Content-Type", "text/event-stream")
		sse(w, eventStatus, StatusUpdate{TaskID: req.TaskID, State: core.TaskWorking})
		sse(w, eventStatus, StatusUpdate{TaskID: req.TaskID, State: core.TaskCompleted, Final: true})
		sse(w, eventStatus, StatusUpdate{TaskID: req.TaskID, State: core.TaskWorking})
	})

	h, err := client.SendTask(context.Background(), "medgemma", core.NewTextMessage(core.RoleUser, "q"))
	require.NoError(t, err)
	snap, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, snap.State)
	assert.Equal(t, []core.TaskState{core.TaskSubmitted, core.TaskWorking, core.TaskCompleted}, snap.History)
}

func TestDuplicateRemoteMessageIDFailsTask(t *testing.T) {
	client, _, _ := rawAgent(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeSend(t, r)
		w.Header().Set("Content-Type", "text/event-stream")
		// echoes the caller's message id back
		sse(w, eventStatus, StatusUpdate{TaskID: req.TaskID, State: core.TaskWorking, Message: &req.Message})
	})

	h, err := client.SendTask(context.Background(), "medgemma", core.NewTextMessage(core.RoleUser, "q"))
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	assert.ErrorIs(t, err, core.ErrProtocol)
}

func TestMalformedFrameFailsTask(t *testing.T) {
	client, _, _ := rawAgent(t, func(w http.ResponseWriter, r *http.Request) {
		_ = decodeSend(t, r)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: status\ndata: {not json\n\n")
	})

	h, err := client.SendTask(context.Background(), "medgemma", core.NewTextMessage(core.RoleUser, "q"))
	require.NoError(t, err)
	snap, err := h.Wait(context.Background())
	assert.Equal(t, core.TaskFailed, snap.State)
	assert.ErrorIs(t, err, core.ErrProtocol)
}

func TestStreamEndingEarlyFailsTask(t *testing.T) {
	client, _, _ := rawAgent(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeSend(t, r)
		w.Header().Set("Content-Type", "text/event-stream")
		sse(w, eventStatus, StatusUpdate{TaskID: req.TaskID, State: core.TaskWorking})
	})

	h, err := client.SendTask(context.Background(), "medgemma", core.NewTextMessage(core.RoleUser, "q"))
	require.NoError(t, err)
	snap, err := h.Wait(context.Background())
	assert.Equal(t, core.TaskFailed, snap.State)
	assert.ErrorIs(t, err, core.ErrProtocol)
}

func TestNon2xxFailsTask(t *testing.T) {
	client, res, _ := rawAgent(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	h, err := client.SendTask(context.Background(), "medgemma", core.NewTextMessage(core.RoleUser, "q"))
	require.NoError(t, err)
	snap, err := h.Wait(context.Background())
	assert.Equal(t, core.TaskFailed, snap.State)
	assert.ErrorIs(t, err, core.ErrUnreachable)
	_, fail := res.counts()
	assert.Equal(t, 1, fail)
}

func TestUnreachableAgentInvalidatesCard(t *testing.T) {
	var cardFetches atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(registry.CardPath, func(w http.ResponseWriter, _ *http.Request) {
		cardFetches.Add(1)
		writeJSON(w, http.StatusOK, testCard())
	})
	mux.HandleFunc("/tasks/send", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	reg := registry.New(map[string]string{"medgemma": srv.URL}, func(o *registry.Options) {
		o.FetchTimeout = time.Second
		o.FailureThreshold = 10
	})
	t.Cleanup(func() { _ = reg.Close() })
	client := NewClient(reg)

	h, err := client.SendTask(context.Background(), "medgemma", core.NewTextMessage(core.RoleUser, "q"))
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	require.ErrorIs(t, err, core.ErrUnreachable)
	assert.Equal(t, int32(1), cardFetches.Load())

	// the next resolve refetches instead of serving the cached card
	_, err = reg.Resolve(context.Background(), "medgemma")
	require.NoError(t, err)
	assert.Equal(t, int32(2), cardFetches.Load())
}

func TestRemoteFailureKeepsCard(t *testing.T) {
	client, res, _ := serve(t, ExecutorFunc(func(context.Context, *TaskUpdater) error {
		return fmt.Errorf("model backend down")
	}))

	h, err := client.SendTask(context.Background(), "medgemma", core.NewTextMessage(core.RoleUser, "q"))
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	require.Error(t, err)

	res.mu.Lock()
	defer res.mu.Unlock()
	assert.Zero(t, res.invalidations)
}

func TestRemoteCompletionWinsOverLateCancel(t *testing.T) {
	exec := ExecutorFunc(func(_ context.Context, u *TaskUpdater) error {
		_, err := u.AddArtifact("medical_qa_response", "answer")
		return err
	})
	client, res, _ := serve(t, exec, func(o *ClientOptions) { o.EventBuffer = 0 })

	h, err := client.SendTask(context.Background(), "medgemma", core.NewTextMessage(core.RoleUser, "q"))
	require.NoError(t, err)
	<-h.Events() // working
	<-h.Events() // artifact

	// completed is applied but not yet handed over when the caller cancels
	require.Eventually(t, func() bool { return h.Task().State == core.TaskCompleted }, 2*time.Second, 5*time.Millisecond)
	h.Cancel()
	time.Sleep(50 * time.Millisecond)

	var last core.TaskEvent
	for ev := range h.Events() {
		last = ev
	}
	assert.Equal(t, core.TaskCompleted, last.State)
	assert.True(t, last.Final)
	assert.NoError(t, h.Err())

	succ, fail := res.counts()
	assert.Equal(t, 1, succ)
	assert.Zero(t, fail)
}

func TestTerminalEventSurvivesFullBuffer(t *testing.T) {
	client, _, _ := rawAgent(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeSend(t, r)
		w.Header().Set("Content-Type", "text/event-stream")
		sse(w, eventStatus, StatusUpdate{TaskID: req.TaskID, State: core.TaskWorking})
		<-r.Context().Done()
	})
	client.opts.EventBuffer = 0

	h, err := client.SendTask(context.Background(), "medgemma", core.NewTextMessage(core.RoleUser, "q"),
		func(o *SendOptions) { o.Timeout = 50 * time.Millisecond })
	require.NoError(t, err)

	// nobody reads while the task times out
	time.Sleep(200 * time.Millisecond)

	var last core.TaskEvent
	for ev := range h.Events() {
		last = ev
	}
	assert.Equal(t, core.TaskFailed, last.State)
	assert.True(t, last.Final)
	assert.ErrorIs(t, h.Err(), core.ErrTimeout)
}

func TestTaskTimeout(t *testing.T) {
	client, _, cancels := rawAgent(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeSend(t, r)
		w.Header().Set("Content-Type", "text/event-stream")
		sse(w, eventStatus, StatusUpdate{TaskID: req.TaskID, State: core.TaskWorking})
		<-r.Context().Done()
	})

	h, err := client.SendTask(context.Background(), "medgemma", core.NewTextMessage(core.RoleUser, "q"),
		func(o *SendOptions) { o.Timeout = 50 * time.Millisecond })
	require.NoError(t, err)

	snap, err := h.Wait(context.Background())
	assert.Equal(t, core.TaskFailed, snap.State)
	assert.ErrorIs(t, err, core.ErrTimeout)
	assert.Eventually(t, func() bool { return cancels.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCancel(t *testing.T) {
	started := make(chan struct{})
	client, _, srv := serve(t, ExecutorFunc(func(ctx context.Context, u *TaskUpdater) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	h, err := client.SendTask(context.Background(), "medgemma", core.NewTextMessage(core.RoleUser, "q"))
	require.NoError(t, err)
	<-started
	h.Cancel()

	snap, err := h.Wait(context.Background())
	assert.Equal(t, core.TaskCanceled, snap.State)
	assert.ErrorIs(t, err, core.ErrCanceled)

	// the server-side task ends canceled as well
	assert.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/tasks/" + h.ID())
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var task Task
		_ = json.NewDecoder(resp.Body).Decode(&task)
		return task.State == core.TaskCanceled
	}, time.Second, 10*time.Millisecond)
}

func TestServer_CardAndUnknownTask(t *testing.T) {
	srv := httptest.NewServer(NewServer(testCard(), ExecutorFunc(func(context.Context, *TaskUpdater) error { return nil })))
	defer srv.Close()

	resp, err := http.Get(srv.URL + registry.CardPath)
	require.NoError(t, err)
	var card core.AgentCard
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&card))
	resp.Body.Close()
	assert.Equal(t, []string{"medical_qa"}, card.SkillIDs())

	resp, err = http.Get(srv.URL + "/tasks/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_RejectsDuplicateMessageID(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, u *TaskUpdater) error {
		_, err := u.RequireInput(ctx, "more please")
		return err
	})
	srv := httptest.NewServer(NewServer(testCard(), exec))
	defer srv.Close()

	msg := ToWireMessage(core.NewTextMessage(core.RoleUser, "q"))
	body, _ := json.Marshal(SendRequest{TaskID: "t-1", Message: msg})
	resp, err := http.Post(srv.URL+"/tasks/send", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	events := readAll(t, resp)
	assert.Contains(t, events, "input-required")

	body, _ = json.Marshal(MessageRequest{Message: msg})
	resp, err = http.Post(srv.URL+"/tasks/t-1/messages", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var eb ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&eb))
	assert.Equal(t, codeProtocolError, eb.Code)
	assert.Contains(t, eb.Error, "duplicate message id")

	// a reused task id is rejected too
	resp2, err := http.Post(srv.URL+"/tasks/send", "application/json", strings.NewReader(string(mustMarshal(t, SendRequest{TaskID: "t-1", Message: ToWireMessage(core.NewTextMessage(core.RoleUser, "again"))}))))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)
}

func TestServer_CancelTerminalTaskConflicts(t *testing.T) {
	srv := httptest.NewServer(NewServer(testCard(), ExecutorFunc(func(context.Context, *TaskUpdater) error { return nil })))
	defer srv.Close()

	body := mustMarshal(t, SendRequest{TaskID: "t-2", Message: ToWireMessage(core.NewTextMessage(core.RoleUser, "q"))})
	resp, err := http.Post(srv.URL+"/tasks/send", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	assert.Contains(t, readAll(t, resp), `"state":"completed"`)

	resp, err = http.Post(srv.URL+"/tasks/t-2/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSSEReader(t *testing.T) {
	in := ": keepalive\n\nevent: status\nid: 1\ndata: {\"a\":\ndata: 1}\n\nevent: artifact\ndata: {}\n\n"
	r := newSSEReader(strings.NewReader(in))

	f, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "status", f.event)
	assert.Equal(t, "{\"a\":\n1}", string(f.data))

	f, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "artifact", f.event)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)

	_, err = newSSEReader(strings.NewReader("event: status\ndata: {}")).Next()
	assert.Error(t, err, "truncated frame")

	_, err = newSSEReader(strings.NewReader("garbage line\n\n")).Next()
	assert.Error(t, err)
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var b strings.Builder
	_, err := io.Copy(&b, resp.Body)
	require.NoError(t, err)
	return b.String()
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
