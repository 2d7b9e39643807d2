// Package gateway exposes the task coordinator over HTTP.
//
// Routes:
//
//	POST   /v1/sessions/{sessionID}/messages   ask a question (JSON or SSE)
//	DELETE /v1/sessions/{sessionID}            end the session
//	GET    /v1/sessions/{sessionID}/artifacts  list delegated artifacts
//	GET    /v1/tasks/{taskID}                  task snapshot
//	POST   /v1/tasks/{taskID}/cancel           cancel a running task
//	GET    /healthz, /readyz, /metrics
//
// A message request whose Accept header asks for text/event-stream receives
// every coordinator event as an SSE frame named after the event type, ending
// with a "final" frame.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hupe1980/medmesh/artifact"
	"github.com/hupe1980/medmesh/core"
	"github.com/hupe1980/medmesh/engine"
	"github.com/hupe1980/medmesh/logging"
	"github.com/hupe1980/medmesh/protocol"
)

// Coordinator is the part of *engine.Engine the gateway serves.
type Coordinator interface {
	Invoke(ctx context.Context, sessionID, userMessage string) (string, <-chan core.Event, <-chan error, error)
	InvokeSync(ctx context.Context, sessionID, userMessage string) (engine.Answer, []core.Event, error)
	Cancel(taskID string) error
	Task(taskID string) (core.TaskSnapshot, bool)
	EndSession(sessionID string) error
	ArtifactStore() core.ArtifactStore
}

var _ Coordinator = (*engine.Engine)(nil)

// Options configures a Gateway.
type Options struct {
	Addr string
	// AuthToken, when set, is required as a bearer token on /v1 routes.
	AuthToken string
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Ready reports readiness for /readyz. Nil means always ready.
	Ready  func(ctx context.Context) error
	Logger logging.Logger
}

// Gateway is the inbound HTTP surface.
type Gateway struct {
	coord  Coordinator
	router *chi.Mux
	server *http.Server
	opts   Options
	logger logging.Logger
}

// MessageRequest is the body of POST /v1/sessions/{sessionID}/messages.
type MessageRequest struct {
	Message string `json:"message"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error  string `json:"error"`
	TaskID string `json:"taskId,omitempty"`
}

// New creates a Gateway for coord.
func New(coord Coordinator, optFns ...func(o *Options)) *Gateway {
	opts := Options{
		Addr:   ":9100",
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	g := &Gateway{
		coord:  coord,
		router: r,
		opts:   opts,
		logger: logging.ForComponent(opts.Logger, "gateway"),
	}
	g.registerRoutes()

	g.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return g
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

func (g *Gateway) registerRoutes() {
	g.router.Get("/healthz", g.handleHealthz)
	g.router.Get("/readyz", g.handleReadyz)
	if g.opts.Gatherer != nil {
		g.router.Handle("/metrics", promhttp.HandlerFor(g.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	g.router.Route("/v1", func(r chi.Router) {
		if g.opts.AuthToken != "" {
			r.Use(g.authMiddleware)
		}
		r.Post("/sessions/{sessionID}/messages", g.handleMessage)
		r.Delete("/sessions/{sessionID}", g.handleEndSession)
		r.Get("/sessions/{sessionID}/artifacts", g.handleArtifacts)
		r.Get("/tasks/{taskID}", g.handleTask)
		r.Post("/tasks/{taskID}/cancel", g.handleCancel)
	})
}

// Start serves until ctx is done, then shuts down gracefully.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.server.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	g.logger.Info("gateway.listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return g.shutdown()
	case err := <-errCh:
		return err
	}
}

func (g *Gateway) shutdown() error {
	g.logger.Info("gateway.shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.server.Shutdown(ctx)
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if g.opts.Ready != nil {
		if err := g.opts.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (g *Gateway) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "message is required"})
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		g.streamMessage(w, r, sessionID, req.Message)
		return
	}

	answer, _, err := g.coord.InvokeSync(r.Context(), sessionID, req.Message)
	if err != nil {
		g.logger.Warn("gateway.message.failed", "session_id", sessionID, "task_id", answer.TaskID, "error", err.Error())
		writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error(), TaskID: answer.TaskID})
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (g *Gateway) streamMessage(w http.ResponseWriter, r *http.Request, sessionID, message string) {
	taskID, events, errs, err := g.coord.Invoke(r.Context(), sessionID, message)
	if err != nil {
		writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
		return
	}

	sw := protocol.NewSSEWriter(w)
	for ev := range events {
		if err := sw.Write(string(ev.Type), ev); err != nil {
			g.logger.Debug("gateway.stream.closed", "task_id", taskID, "error", err.Error())
			// the request context is gone with the client; the task follows
			for range events {
			}
			return
		}
	}
	if err := <-errs; err != nil {
		_ = sw.Write("error", ErrorResponse{Error: err.Error(), TaskID: taskID})
	}
}

func (g *Gateway) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := g.coord.EndSession(sessionID); err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	records, err := artifact.Load(g.coord.ArtifactStore(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": records})
}

func (g *Gateway) handleTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	snap, ok := g.coord.Task(taskID)
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "task not found", TaskID: taskID})
		return
	}
	writeJSON(w, http.StatusOK, protocol.ToWireTask(snap))
}

func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := g.coord.Cancel(taskID); err != nil {
		writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error(), TaskID: taskID})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID, "status": "canceling"})
}

func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header || token != g.opts.AuthToken {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusFor maps coordinator errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, core.ErrCanceled), errors.Is(err, context.Canceled):
		return http.StatusConflict
	case errors.Is(err, core.ErrUnknownAgent):
		return http.StatusBadGateway
	}
	var taskErr *core.TaskError
	if errors.As(err, &taskErr) {
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
