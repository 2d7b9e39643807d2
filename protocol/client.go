package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/medmesh/core"
	"github.com/hupe1980/medmesh/logging"
	"github.com/hupe1980/medmesh/registry"
	"github.com/hupe1980/medmesh/telemetry"
)

// DefaultTaskTimeout bounds a delegated task end to end.
const DefaultTaskTimeout = 120 * time.Second

// Resolver resolves agent cards and receives delegation outcomes for the
// circuit breaker. *registry.Registry implements it.
type Resolver interface {
	Resolve(ctx context.Context, agentID string) (registry.Resolution, error)
	// Known reports whether agentID is part of the static configuration.
	Known(agentID string) bool
	// Invalidate drops the cached card after the endpoint proved unreachable.
	Invalidate(agentID string)
	ReportSuccess(agentID string)
	ReportFailure(agentID string)
}

var _ Resolver = (*registry.Registry)(nil)

// ClientOptions configures a Client.
type ClientOptions struct {
	// Timeout is the default per-task bound.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     logging.Logger
	Metrics    *telemetry.Metrics
	// EventBuffer sizes each handle's event channel.
	EventBuffer int
}

// SendOptions tunes a single SendTask call.
type SendOptions struct {
	// TaskID overrides the generated task ID.
	TaskID    string
	SessionID string
	// Timeout overrides ClientOptions.Timeout.
	Timeout time.Duration
}

// Client sends tasks to remote agents and tracks them through the task
// state machine.
type Client struct {
	resolver Resolver
	opts     ClientOptions
}

// NewClient creates a protocol client resolving agents through resolver.
func NewClient(resolver Resolver, optFns ...func(o *ClientOptions)) *Client {
	opts := ClientOptions{
		Timeout:     DefaultTaskTimeout,
		HTTPClient:  http.DefaultClient,
		Logger:      logging.NoOpLogger{},
		EventBuffer: 16,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Client{resolver: resolver, opts: opts}
}

// Known reports whether agentID is statically configured.
func (c *Client) Known(agentID string) bool { return c.resolver.Known(agentID) }

// SendTask resolves agentID, creates a task carrying msg and starts
// streaming it in the background.
//
// Resolution failures (core.ErrUnknownAgent, core.ErrUnreachable) and an
// invalid initial message are returned directly. Everything after that,
// including transport failures, is reported through the handle.
func (c *Client) SendTask(ctx context.Context, agentID string, msg core.Message, optFns ...func(o *SendOptions)) (*TaskHandle, error) {
	opts := SendOptions{Timeout: c.opts.Timeout}
	for _, fn := range optFns {
		fn(&opts)
	}

	res, err := c.resolver.Resolve(ctx, agentID)
	if err != nil {
		return nil, err
	}

	task := core.NewTask(opts.TaskID, opts.SessionID, agentID)
	if err := task.AppendMessage(msg); err != nil {
		return nil, err
	}

	base, cancel := context.WithCancelCause(ctx)
	tctx, stop := context.WithTimeoutCause(base, opts.Timeout, fmt.Errorf("%w: task exceeded %s", core.ErrTimeout, opts.Timeout))
	tctx, span := telemetry.StartSpan(tctx, "protocol.task",
		attribute.String("agent.id", agentID),
		attribute.String("task.id", task.ID()),
	)

	h := &TaskHandle{
		client:  c,
		agentID: agentID,
		baseURL: res.Card.URL,
		task:    task,
		events:  make(chan core.TaskEvent, c.opts.EventBuffer),
		resume:  make(chan io.ReadCloser, 1),
		done:    make(chan struct{}),
		parent:  ctx,
		ctx:     tctx,
		cancel:  cancel,
		stop:    stop,
		span:    span,
		started: time.Now(),
	}

	c.opts.Logger.Debug("protocol.task.send", "agent_id", agentID, "task_id", task.ID(), "stale_card", res.Stale)

	go h.run(SendRequest{TaskID: task.ID(), SessionID: opts.SessionID, Message: ToWireMessage(msg)})
	return h, nil
}

// TaskHandle tracks one delegated task. Events must be read by a single
// consumer until the channel is closed or the context passed to SendTask
// ends; the last event before closing carries the terminal state.
type TaskHandle struct {
	client  *Client
	agentID string
	baseURL string
	task    *core.Task

	events chan core.TaskEvent
	resume chan io.ReadCloser
	done   chan struct{}

	parent  context.Context
	ctx     context.Context
	cancel  context.CancelCauseFunc
	stop    context.CancelFunc
	span    trace.Span
	started time.Time

	// finalSent is owned by the run goroutine.
	finalSent bool

	mu  sync.Mutex
	err error
}

// ID returns the task ID.
func (h *TaskHandle) ID() string { return h.task.ID() }

// AgentID returns the remote agent's ID.
func (h *TaskHandle) AgentID() string { return h.agentID }

// Events returns the task's update stream.
func (h *TaskHandle) Events() <-chan core.TaskEvent { return h.events }

// Done is closed once the task reached a terminal state.
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Task returns a snapshot of the client-side task.
func (h *TaskHandle) Task() core.TaskSnapshot { return h.task.Snapshot() }

// Err returns the terminal error: nil for completed tasks, a *core.TaskError
// otherwise. It is nil while the task is still running.
func (h *TaskHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancel cancels the task. The remote agent is notified best-effort.
func (h *TaskHandle) Cancel() {
	h.cancel(core.ErrCanceled)
}

// SendMessage supplies input to a task waiting in input-required and resumes
// its stream. The message ID must be new within the task.
func (h *TaskHandle) SendMessage(ctx context.Context, msg core.Message) error {
	if st := h.task.State(); st != core.TaskInputRequired {
		return core.NewProtocolError(h.ID(), "task is %s, not %s", st, core.TaskInputRequired)
	}
	if err := h.task.AppendMessage(msg); err != nil {
		return err
	}

	body, err := json.Marshal(MessageRequest{Message: ToWireMessage(msg)})
	if err != nil {
		return err
	}
	resp, err := h.post(h.ctx, "/tasks/"+h.ID()+"/messages", body)
	if err != nil {
		h.cancel(err)
		return err
	}

	select {
	case h.resume <- resp.Body:
		return nil
	case <-h.done:
		resp.Body.Close()
		return h.Err()
	case <-ctx.Done():
		resp.Body.Close()
		return ctx.Err()
	}
}

// Wait consumes the event stream until the task is terminal or ctx is done.
// It must not be combined with another reader of Events.
func (h *TaskHandle) Wait(ctx context.Context) (core.TaskSnapshot, error) {
	for {
		select {
		case _, ok := <-h.events:
			if !ok {
				return h.task.Snapshot(), h.Err()
			}
		case <-ctx.Done():
			return h.task.Snapshot(), ctx.Err()
		}
	}
}

func (h *TaskHandle) run(req SendRequest) {
	defer close(h.done)
	defer close(h.events)

	body, err := json.Marshal(req)
	if err != nil {
		h.finish(err)
		return
	}
	resp, err := h.post(h.ctx, "/tasks/send", body)
	if err != nil {
		h.finish(err)
		return
	}

	stream := resp.Body
	for {
		err := h.consume(stream)
		stream.Close()
		if err != nil {
			h.finish(err)
			return
		}

		switch st := h.task.State(); {
		case st.IsTerminal():
			h.finish(nil)
			return
		case st != core.TaskInputRequired:
			h.finish(core.NewProtocolError(h.ID(), "stream ended while %s", st))
			return
		}

		select {
		case stream = <-h.resume:
		case <-h.ctx.Done():
			h.finish(h.ctx.Err())
			return
		}
	}
}

// consume applies frames until the stream ends or the task is terminal.
func (h *TaskHandle) consume(r io.Reader) error {
	sr := newSSEReader(r)
	for {
		f, err := sr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: stream: %v", core.ErrUnreachable, err)
		}

		ev, err := h.apply(f)
		if err != nil {
			return err
		}

		select {
		case h.events <- ev:
		case <-h.ctx.Done():
			return h.ctx.Err()
		}
		if ev.Final {
			h.finalSent = true
			return nil
		}
	}
}

// apply validates a frame against the local state machine and records it.
func (h *TaskHandle) apply(f frame) (core.TaskEvent, error) {
	switch f.event {
	case eventStatus:
		var su StatusUpdate
		if err := json.Unmarshal(f.data, &su); err != nil {
			return core.TaskEvent{}, core.NewProtocolError(h.ID(), "malformed status frame: %v", err)
		}
		if su.TaskID != h.ID() {
			return core.TaskEvent{}, core.NewProtocolError(h.ID(), "status for foreign task %q", su.TaskID)
		}
		if !su.State.Valid() {
			return core.TaskEvent{}, core.NewProtocolError(h.ID(), "unknown state %q", su.State)
		}

		var msg *core.Message
		if su.Message != nil {
			m, err := FromWireMessage(*su.Message)
			if err != nil {
				return core.TaskEvent{}, core.NewProtocolError(h.ID(), "status message: %v", err)
			}
			msg = &m
		}

		// A repeated non-terminal state is a progress update, not a transition.
		cur := h.task.State()
		if su.State != cur && !cur.CanTransition(su.State) {
			return core.TaskEvent{}, core.NewProtocolError(h.ID(), "illegal transition %s -> %s", cur, su.State)
		}
		if msg != nil {
			if err := h.task.AppendMessage(*msg); err != nil {
				return core.TaskEvent{}, err
			}
		}
		if su.State != cur {
			if err := h.task.Transition(su.State); err != nil {
				return core.TaskEvent{}, err
			}
			h.client.opts.Logger.Debug("protocol.task.transition", "agent_id", h.agentID, "task_id", h.ID(), "from", cur, "to", su.State)
		}
		return core.NewStatusEvent(h.ID(), su.State, msg), nil

	case eventArtifact:
		var au ArtifactUpdate
		if err := json.Unmarshal(f.data, &au); err != nil {
			return core.TaskEvent{}, core.NewProtocolError(h.ID(), "malformed artifact frame: %v", err)
		}
		if au.TaskID != h.ID() {
			return core.TaskEvent{}, core.NewProtocolError(h.ID(), "artifact for foreign task %q", au.TaskID)
		}
		if st := h.task.State(); st != core.TaskWorking {
			return core.TaskEvent{}, core.NewProtocolError(h.ID(), "artifact while %s", st)
		}
		a, err := FromWireArtifact(au.Artifact)
		if err != nil {
			return core.TaskEvent{}, core.NewProtocolError(h.ID(), "artifact: %v", err)
		}
		if err := h.task.AppendArtifact(a); err != nil {
			return core.TaskEvent{}, err
		}
		arts := h.task.Artifacts()
		return core.NewArtifactEvent(h.ID(), arts[len(arts)-1]), nil

	default:
		return core.TaskEvent{}, core.NewProtocolError(h.ID(), "unknown event %q", f.event)
	}
}

// finish records the terminal outcome. A nil cause means the remote reached
// a terminal state on its own.
func (h *TaskHandle) finish(cause error) {
	defer h.stop()

	// The remote already settled the task; a late local error does not
	// change the outcome.
	if cause != nil && h.task.State().IsTerminal() {
		h.client.opts.Logger.Debug("protocol.task.late_error", "agent_id", h.agentID, "task_id", h.ID(), "error", cause.Error())
		cause = nil
	}

	var (
		final  core.TaskState
		result error
		remote bool
	)

	if cause == nil {
		snap := h.task.Snapshot()
		final = snap.State
		switch final {
		case core.TaskFailed:
			reason := snap.Error
			if reason == "" {
				reason = lastAgentText(snap.Messages)
			}
			result = &core.TaskError{TaskID: h.ID(), State: final, Err: errors.New(orDefault(reason, "remote task failed"))}
		case core.TaskCanceled:
			result = &core.TaskError{TaskID: h.ID(), State: final, Err: core.ErrCanceled}
		}
	} else {
		ctxCause := context.Cause(h.ctx)
		switch {
		case h.ctx.Err() != nil && errors.Is(ctxCause, core.ErrTimeout):
			final, remote = core.TaskFailed, true
			result = &core.TaskError{TaskID: h.ID(), State: final, Err: ctxCause}
			_ = h.task.Fail(ctxCause)
		case h.ctx.Err() != nil && (errors.Is(ctxCause, core.ErrCanceled) || errors.Is(ctxCause, context.Canceled)):
			final, remote = core.TaskCanceled, true
			result = &core.TaskError{TaskID: h.ID(), State: final, Err: core.ErrCanceled}
			_ = h.task.Transition(core.TaskCanceled)
		default:
			if h.ctx.Err() != nil && ctxCause != nil {
				cause = ctxCause
			}
			final, remote = core.TaskFailed, errors.Is(cause, core.ErrProtocol)
			result = &core.TaskError{TaskID: h.ID(), State: final, Err: cause}
			_ = h.task.Fail(cause)
		}
	}

	h.mu.Lock()
	h.err = result
	h.mu.Unlock()

	if final.IsTerminal() && !h.finalSent {
		select {
		case h.events <- core.NewStatusEvent(h.ID(), final, nil):
		case <-h.parent.Done():
		}
	}

	if remote {
		h.remoteCancel()
	}
	if final == core.TaskFailed && errors.Is(cause, core.ErrUnreachable) {
		h.client.resolver.Invalidate(h.agentID)
		h.client.opts.Logger.Debug("protocol.card.invalidated", "agent_id", h.agentID)
	}

	dur := time.Since(h.started)
	switch final {
	case core.TaskCompleted:
		h.client.resolver.ReportSuccess(h.agentID)
	case core.TaskFailed:
		h.client.resolver.ReportFailure(h.agentID)
	}
	h.client.opts.Metrics.ObserveDelegation(h.agentID, string(final), dur)
	telemetry.EndSpan(h.span, result)

	logger := h.client.opts.Logger
	if result != nil && final != core.TaskCanceled {
		logger.Warn("delegation.failed", "agent_id", h.agentID, "task_id", h.ID(), "state", final, "duration_ms", dur.Milliseconds(), "error", result.Error())
	} else {
		logger.Info("delegation.completed", "agent_id", h.agentID, "task_id", h.ID(), "state", final, "duration_ms", dur.Milliseconds())
	}
}

// remoteCancel asks the agent to cancel the task, bounded by a short timeout.
func (h *TaskHandle) remoteCancel() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), 2*time.Second)
	defer cancel()
	resp, err := h.post(ctx, "/tasks/"+h.ID()+"/cancel", nil)
	if err != nil {
		h.client.opts.Logger.Debug("protocol.task.cancel_failed", "agent_id", h.agentID, "task_id", h.ID(), "error", err.Error())
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// post sends a JSON body and returns the response when it is 2xx.
func (h *TaskHandle) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := h.client.opts.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", core.ErrUnreachable, h.agentID, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		var eb ErrorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
		if eb.Code == codeProtocolError {
			return nil, core.NewProtocolError(h.ID(), "remote rejected request: %s", eb.Error)
		}
		return nil, fmt.Errorf("%w: %s: unexpected status %d %s", core.ErrUnreachable, h.agentID, resp.StatusCode, eb.Error)
	}
	return resp, nil
}

func lastAgentText(msgs []core.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == core.RoleAgent {
			return msgs[i].Text()
		}
	}
	return ""
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
