package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/medmesh/agent"
	"github.com/hupe1980/medmesh/artifact"
	"github.com/hupe1980/medmesh/core"
	"github.com/hupe1980/medmesh/flow"
	"github.com/hupe1980/medmesh/logging"
	"github.com/hupe1980/medmesh/session"
	"github.com/hupe1980/medmesh/telemetry"
)

// ErrTaskNotFound is returned by Cancel for tasks that are not running.
var ErrTaskNotFound = errors.New("task not found")

// Config defines tuning parameters for the Engine.
//
// Timeouts, metrics and tracing are configured through Options rather than
// by growing this struct.
type Config struct {
	// MaxConcurrentInvocations limits the number of tasks that run at the
	// same time. Invoke blocks until a slot is free. Zero means unlimited.
	MaxConcurrentInvocations int

	// EventBufferSize sets the buffer of each task's event channel.
	EventBufferSize int
}

// DefaultConfig provides the default tuning values.
var DefaultConfig = Config{
	MaxConcurrentInvocations: 10,
	EventBufferSize:          64,
}

// DefaultChatTimeout bounds a single query end to end.
const DefaultChatTimeout = 120 * time.Second

// Runner answers one query. *agent.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req agent.Request, observe agent.Observer) (agent.Outcome, error)
}

var _ Runner = (*agent.Orchestrator)(nil)

// Options configures an Engine instance.
type Options struct {
	// Config contains operational parameters. Defaults to DefaultConfig.
	Config Config

	// SessionStore holds the live sessions. Defaults to an in-memory store.
	SessionStore core.SessionStore

	// ArtifactStore receives delegated artifacts. Defaults to an in-memory store.
	ArtifactStore core.ArtifactStore

	// ChatTimeout bounds each task. Zero disables the limit.
	ChatTimeout time.Duration

	// Callbacks are run at task lifecycle points.
	Callbacks []Callback

	Metrics *telemetry.Metrics
	Logger  logging.Logger
}

// Answer is the outcome of a completed task.
type Answer struct {
	TaskID     string `json:"taskId"`
	Text       string `json:"answer"`
	Incomplete bool   `json:"incomplete"`
	Degraded   bool   `json:"degraded"`
	Turns      int    `json:"turns"`
}

type invocation struct {
	sessionID string
	cancel    context.CancelCauseFunc
}

// Engine is the task coordinator. Each inbound message becomes a local
// synthesis task inside its session; the task is driven by one reasoning
// loop and streams its progress as core.Event values.
//
// Concurrency model:
//   - bounded concurrent tasks via a weighted semaphore
//   - one goroutine per task with its own cancellable context
//   - events are delivered on a buffered channel that is closed when the
//     task reaches a terminal state
type Engine struct {
	runner        Runner
	sessionStore  core.SessionStore
	artifactStore core.ArtifactStore
	callbacks     *CallbackManager
	metrics       *telemetry.Metrics
	logger        logging.Logger

	config      Config
	chatTimeout time.Duration
	sem         *semaphore.Weighted

	activeInvocations map[string]invocation
	invocationsMu     sync.Mutex
}

// New creates an Engine around runner. Stores default to in-memory
// implementations.
func New(runner Runner, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config:        DefaultConfig,
		SessionStore:  session.NewInMemoryStore(),
		ArtifactStore: artifact.NewInMemoryStore(),
		ChatTimeout:   DefaultChatTimeout,
		Logger:        logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Config.EventBufferSize <= 0 {
		opts.Config.EventBufferSize = DefaultConfig.EventBufferSize
	}

	callbacks := NewCallbackManager()
	for _, cb := range opts.Callbacks {
		callbacks.RegisterCallback(cb)
	}

	e := &Engine{
		runner:            runner,
		sessionStore:      opts.SessionStore,
		artifactStore:     opts.ArtifactStore,
		callbacks:         callbacks,
		metrics:           opts.Metrics,
		logger:            logging.ForComponent(opts.Logger, "engine"),
		config:            opts.Config,
		chatTimeout:       opts.ChatTimeout,
		activeInvocations: make(map[string]invocation),
	}
	if n := opts.Config.MaxConcurrentInvocations; n > 0 {
		e.sem = semaphore.NewWeighted(int64(n))
	}
	return e
}

// Invoke starts answering userMessage within the session and returns the
// new task's ID together with its event stream.
//
// The events channel is closed once the task is terminal; its last event is
// always of type core.EventFinal. A task that ends failed or canceled also
// delivers a *core.TaskError on the errors channel. Invoke blocks while the
// concurrency limit is reached.
func (e *Engine) Invoke(ctx context.Context, sessionID, userMessage string) (string, <-chan core.Event, <-chan error, error) {
	if strings.TrimSpace(userMessage) == "" {
		return "", nil, nil, fmt.Errorf("message is required")
	}

	sess, err := e.sessionStore.Get(sessionID)
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to get session: %w", err)
	}

	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return "", nil, nil, fmt.Errorf("waiting for a free slot: %w", err)
		}
	}

	history := sess.History()

	task := core.NewTask("", sessionID, "")
	if err := task.AppendMessage(core.NewTextMessage(core.RoleUser, userMessage)); err != nil {
		e.release()
		return "", nil, nil, err
	}
	sess.AddTask(task)
	taskID := task.ID()

	runCtx, cancel := context.WithCancelCause(ctx)

	e.invocationsMu.Lock()
	e.activeInvocations[taskID] = invocation{sessionID: sessionID, cancel: cancel}
	e.invocationsMu.Unlock()

	eventsCh := make(chan core.Event, e.config.EventBufferSize)
	errorsCh := make(chan error, 1)

	run := &taskRun{
		engine:  e,
		ctx:     ctx,
		task:    task,
		query:   userMessage,
		history: history,
		events:  eventsCh,
		logger:  logging.ForTask(e.logger, sessionID, taskID),
	}

	go func() {
		defer func() {
			cancel(nil)
			e.invocationsMu.Lock()
			delete(e.activeInvocations, taskID)
			e.invocationsMu.Unlock()
			e.release()
			close(eventsCh)
			close(errorsCh)
		}()

		if err := run.execute(runCtx); err != nil {
			errorsCh <- err
		}
	}()

	return taskID, eventsCh, errorsCh, nil
}

// InvokeSync runs Invoke to completion and returns the answer together with
// every emitted event.
func (e *Engine) InvokeSync(ctx context.Context, sessionID, userMessage string) (Answer, []core.Event, error) {
	taskID, eventsCh, errorsCh, err := e.Invoke(ctx, sessionID, userMessage)
	if err != nil {
		return Answer{}, nil, err
	}

	var events []core.Event
	for ev := range eventsCh {
		events = append(events, ev)
	}
	if err := <-errorsCh; err != nil {
		return Answer{TaskID: taskID}, events, err
	}

	answer := Answer{TaskID: taskID}
	if len(events) > 0 {
		if final := events[len(events)-1]; final.Type == core.EventFinal {
			answer.Text = final.Text
			answer.Incomplete = final.Incomplete
			answer.Degraded = final.Degraded
			answer.Turns = final.Turn
		}
	}
	return answer, events, nil
}

// Cancel stops a running task. The task ends in the canceled state and
// in-flight delegations and tool calls observe the cancellation.
func (e *Engine) Cancel(taskID string) error {
	e.invocationsMu.Lock()
	inv, ok := e.activeInvocations[taskID]
	e.invocationsMu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	inv.cancel(core.ErrCanceled)
	return nil
}

// Task returns a snapshot of a task known to any live session.
func (e *Engine) Task(taskID string) (core.TaskSnapshot, bool) {
	t, ok := e.sessionStore.FindTask(taskID)
	if !ok {
		return core.TaskSnapshot{}, false
	}
	return t.Snapshot(), true
}

// EndSession cancels the session's running tasks and drops its tasks and
// artifacts.
func (e *Engine) EndSession(sessionID string) error {
	e.invocationsMu.Lock()
	for _, inv := range e.activeInvocations {
		if inv.sessionID == sessionID {
			inv.cancel(core.ErrCanceled)
		}
	}
	e.invocationsMu.Unlock()

	if err := e.sessionStore.Delete(sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	if err := e.artifactStore.Clear(sessionID); err != nil {
		return fmt.Errorf("clear artifacts of %s: %w", sessionID, err)
	}
	e.logger.Info("engine.session.ended", "session_id", sessionID)
	return nil
}

// ArtifactStore returns the store delegated artifacts are persisted to.
func (e *Engine) ArtifactStore() core.ArtifactStore { return e.artifactStore }

// Close cancels every running task.
func (e *Engine) Close() error {
	e.invocationsMu.Lock()
	defer e.invocationsMu.Unlock()
	for _, inv := range e.activeInvocations {
		inv.cancel(core.ErrCanceled)
	}
	return nil
}

func (e *Engine) release() {
	if e.sem != nil {
		e.sem.Release(1)
	}
}

// taskRun drives a single local task.
type taskRun struct {
	engine  *Engine
	ctx     context.Context // caller context, bounds event delivery
	task    *core.Task
	query   string
	history []core.Message
	events  chan<- core.Event
	logger  logging.Logger
}

func (r *taskRun) execute(runCtx context.Context) (retErr error) {
	e := r.engine
	sessionID, taskID := r.task.SessionID(), r.task.ID()

	ctx, span := telemetry.StartSpan(runCtx, "engine.task",
		attribute.String("session_id", sessionID),
		attribute.String("task_id", taskID),
	)
	e.metrics.TaskStarted()

	var outcome agent.Outcome
	defer func() {
		state := r.task.State()
		e.metrics.TaskFinished(string(state), outcome.Turns)
		telemetry.EndSpan(span, retErr)
		e.callbacks.Run(ctx, CallbackAfterTask, r.callbackContext(nil, retErr), r.logger)
	}()

	r.emit(r.statusEvent(core.TaskSubmitted))

	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackBeforeTask, r.callbackContext(nil, nil)); err != nil {
		return r.fail(fmt.Errorf("before task: %w", err), outcome.Turns)
	}

	if err := r.task.Transition(core.TaskWorking); err != nil {
		return r.fail(err, 0)
	}
	r.emit(r.statusEvent(core.TaskWorking))
	r.logger.Info("engine.task.started")

	if e.chatTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, e.chatTimeout,
			fmt.Errorf("%w: no answer within %s", core.ErrTimeout, e.chatTimeout))
		defer cancel()
	}

	var err error
	outcome, err = e.runner.Run(ctx, agent.Request{
		SessionID: sessionID,
		TaskID:    taskID,
		Query:     r.query,
		History:   r.history,
	}, r.observe)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && ctx.Err() != nil && !errors.Is(err, cause) {
			err = fmt.Errorf("%w: %w", cause, err)
		}
		return r.fail(err, outcome.Turns)
	}

	if err := r.task.AppendMessage(core.NewTextMessage(core.RoleAgent, outcome.Answer)); err != nil {
		return r.fail(err, outcome.Turns)
	}
	if err := r.task.Transition(core.TaskCompleted); err != nil {
		return r.fail(err, outcome.Turns)
	}

	final := r.event(core.EventFinal)
	final.State = core.TaskCompleted
	final.Turn = outcome.Turns
	final.Text = outcome.Answer
	final.Incomplete = outcome.Incomplete
	final.Degraded = outcome.Degraded
	r.emit(final)

	r.logger.Info("engine.task.completed", "turns", outcome.Turns, "incomplete", outcome.Incomplete, "degraded", outcome.Degraded)
	return nil
}

// fail moves the task to canceled or failed and emits the final event.
func (r *taskRun) fail(err error, turns int) error {
	state := core.TaskFailed
	if errors.Is(err, core.ErrCanceled) || errors.Is(err, context.Canceled) {
		state = core.TaskCanceled
	}

	var terr error
	if state == core.TaskCanceled {
		terr = r.task.Transition(core.TaskCanceled)
	} else {
		terr = r.task.Fail(err)
	}
	if terr != nil {
		r.logger.Warn("engine.task.transition.failed", "error", terr.Error())
	}

	final := r.event(core.EventFinal)
	final.State = r.task.State()
	final.Turn = turns
	final.Error = err.Error()
	r.emit(final)

	if state == core.TaskCanceled {
		r.logger.Info("engine.task.canceled", "turns", turns)
	} else {
		r.logger.Error("engine.task.failed", "turns", turns, "error", err.Error())
	}

	taskErr := &core.TaskError{TaskID: r.task.ID(), State: final.State, Err: err}
	r.engine.callbacks.Run(r.ctx, CallbackOnError, r.callbackContext(&final, taskErr), r.logger)
	return taskErr
}

// observe translates loop progress into coordinator events and persists
// delegated artifacts.
func (r *taskRun) observe(le agent.LoopEvent) {
	ev := r.event(le.Type)
	ev.Turn = le.Turn
	ev.State = core.TaskWorking
	if le.Action != nil {
		ev.Action = le.Action.Kind()
	}

	switch le.Type {
	case core.EventAction:
		ev.Text = flow.EncodeAction(le.Action)
	case core.EventResult:
		if le.Result != nil {
			ev.Text = le.Result.Text
			if le.Result.Err != nil {
				ev.Error = le.Result.Err.Error()
			}
			r.persist(le.Result.Artifacts)
		}
	}
	r.emit(ev)
}

func (r *taskRun) persist(artifacts []core.SourcedArtifact) {
	for _, sa := range artifacts {
		rec, err := artifact.Persist(r.engine.artifactStore, r.task.SessionID(), sa)
		if err != nil {
			r.logger.Warn("engine.artifact.persist.failed", "agent", sa.AgentID, "error", err.Error())
			continue
		}
		r.logger.Debug("engine.artifact.persisted", "agent", rec.AgentID, "artifact_id", rec.ArtifactID)
	}
}

func (r *taskRun) event(typ core.EventType) core.Event {
	return core.NewEvent(r.task.SessionID(), r.task.ID(), typ)
}

func (r *taskRun) statusEvent(state core.TaskState) core.Event {
	ev := r.event(core.EventStatus)
	ev.State = state
	return ev
}

// emit delivers ev unless the caller has gone away.
func (r *taskRun) emit(ev core.Event) {
	r.engine.callbacks.Run(r.ctx, CallbackOnEvent, r.callbackContext(&ev, nil), r.logger)
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
		r.logger.Debug("engine.event.dropped", "type", string(ev.Type))
	}
}

func (r *taskRun) callbackContext(ev *core.Event, err error) *CallbackContext {
	return &CallbackContext{
		SessionID: r.task.SessionID(),
		TaskID:    r.task.ID(),
		Query:     r.query,
		State:     r.task.State(),
		Event:     ev,
		Err:       err,
	}
}
