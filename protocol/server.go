package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hupe1980/medmesh/core"
	"github.com/hupe1980/medmesh/logging"
	"github.com/hupe1980/medmesh/registry"
)

// Executor runs the agent side of a task. The server moves the task to
// working before calling Execute. Returning nil completes the task unless the
// executor already finished it; returning an error fails it.
type Executor interface {
	Execute(ctx context.Context, u *TaskUpdater) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, u *TaskUpdater) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, u *TaskUpdater) error { return f(ctx, u) }

// ServerOptions configures a Server.
type ServerOptions struct {
	Logger logging.Logger
	// Retention keeps terminal tasks queryable before they are pruned.
	Retention time.Duration
	// EventBuffer sizes each task's pending event queue.
	EventBuffer int
}

// Server hosts an agent over the task protocol.
type Server struct {
	card   core.AgentCard
	exec   Executor
	opts   ServerOptions
	router chi.Router

	mu    sync.Mutex
	tasks map[string]*serverTask
}

type serverTask struct {
	task   *core.Task
	events chan core.TaskEvent
	input  chan core.Message
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	ended  time.Time
}

// NewServer creates the HTTP handler for an agent described by card.
func NewServer(card core.AgentCard, exec Executor, optFns ...func(o *ServerOptions)) *Server {
	opts := ServerOptions{
		Logger:      logging.NoOpLogger{},
		Retention:   15 * time.Minute,
		EventBuffer: 64,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	s := &Server{card: card.Clone(), exec: exec, opts: opts, tasks: map[string]*serverTask{}}
	s.buildRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Card returns the served agent card.
func (s *Server) Card() core.AgentCard { return s.card.Clone() }

func (s *Server) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(registry.CardPath, s.handleCard)
	r.Post("/tasks/send", s.handleSend)
	r.Get("/tasks/{id}", s.handleGet)
	r.Post("/tasks/{id}/messages", s.handleMessage)
	r.Post("/tasks/{id}/cancel", s.handleCancel)
	s.router = r
}

func (s *Server) handleCard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.card)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	msg, err := FromWireMessage(req.Message)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	s.prune()

	task := core.NewTask(req.TaskID, req.SessionID, s.card.AgentID)
	if err := task.AppendMessage(msg); err != nil {
		writeProtocolError(w, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	st := &serverTask{
		task:   task,
		events: make(chan core.TaskEvent, s.opts.EventBuffer),
		input:  make(chan core.Message, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if _, exists := s.tasks[task.ID()]; exists {
		s.mu.Unlock()
		cancel()
		writeError(w, http.StatusConflict, fmt.Sprintf("task %s already exists", task.ID()), codeProtocolError)
		return
	}
	s.tasks[task.ID()] = st
	s.mu.Unlock()

	s.opts.Logger.Info("protocol.server.task.received", "task_id", task.ID(), "session_id", req.SessionID)

	u := &TaskUpdater{st: st, logger: s.opts.Logger}
	// working is always the first emitted state
	_ = u.transition(core.TaskWorking, nil)
	go s.execute(st, u)

	s.stream(w, r, st)
}

func (s *Server) execute(st *serverTask, u *TaskUpdater) {
	defer close(st.done)
	defer st.cancel()

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("executor panic: %v", rec)
			}
		}()
		return s.exec.Execute(st.ctx, u)
	}()

	switch state := st.task.State(); {
	case state.IsTerminal():
	case err != nil:
		_ = u.Fail(err)
	case state == core.TaskWorking:
		_ = u.Complete("")
	default:
		_ = u.Fail(errors.New("executor returned while waiting for input"))
	}

	s.mu.Lock()
	st.ended = time.Now()
	s.mu.Unlock()
	s.opts.Logger.Info("protocol.server.task.finished", "task_id", st.task.ID(), "state", st.task.State())
}

// stream writes queued events until the task is terminal or waits for input.
// A client that disconnects mid-stream cancels the task.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, st *serverTask) {
	sw := NewSSEWriter(w)
	for {
		select {
		case ev := <-st.events:
			if err := writeTaskEvent(sw, ev); err != nil {
				s.abandon(st)
				return
			}
			if ev.Final || ev.State == core.TaskInputRequired {
				return
			}
		case <-st.done:
			// drain what the executor queued before finishing
			for {
				select {
				case ev := <-st.events:
					_ = writeTaskEvent(sw, ev)
					if ev.Final {
						return
					}
				default:
					_ = writeTaskEvent(sw, core.NewStatusEvent(st.task.ID(), st.task.State(), nil))
					return
				}
			}
		case <-r.Context().Done():
			s.abandon(st)
			return
		}
	}
}

func (s *Server) abandon(st *serverTask) {
	if err := st.task.Transition(core.TaskCanceled); err == nil {
		s.opts.Logger.Warn("protocol.server.task.abandoned", "task_id", st.task.ID())
	}
	st.cancel()
}

func writeTaskEvent(sw *SSEWriter, ev core.TaskEvent) error {
	switch ev.Kind {
	case core.TaskEventArtifact:
		return sw.Write(eventArtifact, ArtifactUpdate{TaskID: ev.TaskID, Artifact: ToWireArtifact(*ev.Artifact), Timestamp: ev.Timestamp})
	default:
		su := StatusUpdate{TaskID: ev.TaskID, State: ev.State, Final: ev.Final, Timestamp: ev.Timestamp}
		if ev.Message != nil {
			m := ToWireMessage(*ev.Message)
			su.Message = &m
		}
		return sw.Write(eventStatus, su)
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found", "")
		return
	}
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	msg, err := FromWireMessage(req.Message)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	if state := st.task.State(); state != core.TaskInputRequired {
		writeError(w, http.StatusConflict, fmt.Sprintf("task is %s", state), codeProtocolError)
		return
	}
	if err := st.task.AppendMessage(msg); err != nil {
		writeProtocolError(w, err)
		return
	}

	select {
	case st.input <- msg:
	default:
		writeError(w, http.StatusConflict, "input already pending", codeProtocolError)
		return
	}
	s.stream(w, r, st)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found", "")
		return
	}
	writeJSON(w, http.StatusOK, ToWireTask(st.task.Snapshot()))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found", "")
		return
	}
	if err := st.task.Transition(core.TaskCanceled); err != nil {
		writeProtocolError(w, err)
		return
	}
	st.cancel()
	select {
	case st.events <- core.NewStatusEvent(st.task.ID(), core.TaskCanceled, nil):
	default:
	}
	s.opts.Logger.Info("protocol.server.task.canceled", "task_id", st.task.ID())
	writeJSON(w, http.StatusOK, ToWireTask(st.task.Snapshot()))
}

func (s *Server) lookup(id string) (*serverTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[id]
	return st, ok
}

// prune forgets terminal tasks older than the retention window.
func (s *Server) prune() {
	cutoff := time.Now().Add(-s.opts.Retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.tasks {
		if !st.ended.IsZero() && st.ended.Before(cutoff) {
			delete(s.tasks, id)
		}
	}
}

// TaskUpdater is the executor's view of a server-side task.
type TaskUpdater struct {
	st     *serverTask
	logger logging.Logger
}

// TaskID returns the task ID.
func (u *TaskUpdater) TaskID() string { return u.st.task.ID() }

// SessionID returns the caller's session ID, if any.
func (u *TaskUpdater) SessionID() string { return u.st.task.SessionID() }

// Input returns the latest user message.
func (u *TaskUpdater) Input() core.Message {
	msgs := u.st.task.Snapshot().Messages
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == core.RoleUser {
			return msgs[i]
		}
	}
	return core.Message{}
}

// History returns all task messages in order.
func (u *TaskUpdater) History() []core.Message { return u.st.task.Snapshot().Messages }

// Working emits a progress update with an optional agent message.
func (u *TaskUpdater) Working(text string) error {
	return u.transition(core.TaskWorking, agentMessage(text))
}

// RequireInput moves the task to input-required and blocks until the caller
// supplies a message, the task is canceled or ctx is done. On input the task
// is working again.
func (u *TaskUpdater) RequireInput(ctx context.Context, prompt string) (core.Message, error) {
	if err := u.transition(core.TaskInputRequired, agentMessage(prompt)); err != nil {
		return core.Message{}, err
	}
	select {
	case msg := <-u.st.input:
		if err := u.transition(core.TaskWorking, nil); err != nil {
			return core.Message{}, err
		}
		return msg, nil
	case <-u.st.ctx.Done():
		return core.Message{}, core.ErrCanceled
	case <-ctx.Done():
		return core.Message{}, ctx.Err()
	}
}

// AddArtifact attaches a named text artifact and streams it.
func (u *TaskUpdater) AddArtifact(name, text string) (core.Artifact, error) {
	if st := u.st.task.State(); st != core.TaskWorking {
		return core.Artifact{}, core.NewProtocolError(u.TaskID(), "artifact while %s", st)
	}
	a := core.NewTextArtifact(u.TaskID(), name, text)
	if err := u.st.task.AppendArtifact(a); err != nil {
		return core.Artifact{}, err
	}
	u.emit(core.NewArtifactEvent(u.TaskID(), a))
	return a, nil
}

// Complete finishes the task with an optional agent message.
func (u *TaskUpdater) Complete(text string) error {
	return u.transition(core.TaskCompleted, agentMessage(text))
}

// Fail finishes the task as failed, carrying the error text as agent message.
func (u *TaskUpdater) Fail(err error) error {
	text := "task failed"
	if err != nil {
		text = err.Error()
	}
	msg := agentMessage(text)
	if appendErr := u.st.task.AppendMessage(*msg); appendErr != nil {
		return appendErr
	}
	if failErr := u.st.task.Fail(err); failErr != nil {
		return failErr
	}
	u.logger.Warn("protocol.server.task.failed", "task_id", u.TaskID(), "error", text)
	u.emit(core.NewStatusEvent(u.TaskID(), core.TaskFailed, msg))
	return nil
}

func (u *TaskUpdater) transition(next core.TaskState, msg *core.Message) error {
	cur := u.st.task.State()
	if next != cur || cur.IsTerminal() {
		if !cur.CanTransition(next) {
			return core.NewProtocolError(u.TaskID(), "illegal transition %s -> %s", cur, next)
		}
	}
	if msg != nil {
		if err := u.st.task.AppendMessage(*msg); err != nil {
			return err
		}
	}
	if next != cur {
		if err := u.st.task.Transition(next); err != nil {
			return err
		}
	}
	u.emit(core.NewStatusEvent(u.TaskID(), next, msg))
	return nil
}

func (u *TaskUpdater) emit(ev core.TaskEvent) {
	select {
	case u.st.events <- ev:
	case <-u.st.ctx.Done():
	}
}

func agentMessage(text string) *core.Message {
	if text == "" {
		return nil
	}
	m := core.NewTextMessage(core.RoleAgent, text)
	return &m
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, ErrorBody{Error: msg, Code: code})
}

func writeProtocolError(w http.ResponseWriter, err error) {
	if errors.Is(err, core.ErrProtocol) {
		writeError(w, http.StatusConflict, err.Error(), codeProtocolError)
		return
	}
	writeError(w, http.StatusBadRequest, err.Error(), "")
}
