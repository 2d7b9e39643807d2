package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/medmesh/core"
	"github.com/hupe1980/medmesh/logging"
	"github.com/hupe1980/medmesh/protocol"
)

// Delegator runs one delegation to a terminal state.
//
// Remote and transport failures are reported inside the Result, and so is an
// agent ID the model made up. The returned error is reserved for conditions
// fatal to the calling task: a configured agent the resolver does not know
// (core.ErrUnknownAgent) or cancellation of ctx.
type Delegator interface {
	Delegate(ctx context.Context, sessionID string, d core.DelegateToAgent) (core.Result, error)
}

// DelegatorFunc adapts a function to the Delegator interface.
type DelegatorFunc func(ctx context.Context, sessionID string, d core.DelegateToAgent) (core.Result, error)

// Delegate implements Delegator.
func (f DelegatorFunc) Delegate(ctx context.Context, sessionID string, d core.DelegateToAgent) (core.Result, error) {
	return f(ctx, sessionID, d)
}

// RemoteDelegatorOptions configures a RemoteDelegator.
type RemoteDelegatorOptions struct {
	// Timeout bounds each delegated task. Zero uses the client default. A
	// delegation never gets more than DeadlineShare of the time left on the
	// caller's context.
	Timeout       time.Duration
	DeadlineShare float64
	Logger        logging.Logger
}

// DefaultDeadlineShare is the part of the caller's remaining time a single
// delegation may use.
const DefaultDeadlineShare = 0.75

// RemoteDelegator delegates over the task protocol and collects the
// artifacts each remote task produces.
type RemoteDelegator struct {
	client *protocol.Client
	opts   RemoteDelegatorOptions
}

// NewRemoteDelegator creates a delegator backed by client.
func NewRemoteDelegator(client *protocol.Client, optFns ...func(o *RemoteDelegatorOptions)) *RemoteDelegator {
	opts := RemoteDelegatorOptions{DeadlineShare: DefaultDeadlineShare, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.DeadlineShare <= 0 || opts.DeadlineShare > 1 {
		opts.DeadlineShare = DefaultDeadlineShare
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &RemoteDelegator{client: client, opts: opts}
}

// Delegate sends d.Query to d.AgentID and consumes the stream to a terminal
// state. A remote request for more input cannot be answered mid-loop, so the
// prompt is returned as the result and the remote task is canceled.
func (r *RemoteDelegator) Delegate(ctx context.Context, sessionID string, d core.DelegateToAgent) (core.Result, error) {
	if !r.client.Known(d.AgentID) {
		r.opts.Logger.Warn("delegation.unknown_agent", "agent_id", d.AgentID)
		return unavailable(d.AgentID, fmt.Errorf("%w: %s is not configured", core.ErrUnknownAgent, d.AgentID)), nil
	}

	msg := core.NewTextMessage(core.RoleUser, d.Query)
	timeout := r.timeout(ctx)
	handle, err := r.client.SendTask(ctx, d.AgentID, msg, func(o *protocol.SendOptions) {
		o.SessionID = sessionID
		if timeout > 0 {
			o.Timeout = timeout
		}
	})
	if err != nil {
		if errors.Is(err, core.ErrUnknownAgent) {
			return core.Result{}, err
		}
		return unavailable(d.AgentID, err), nil
	}

	var (
		artifacts     []core.SourcedArtifact
		lastMessage   string
		inputRequired bool
	)
	for ev := range handle.Events() {
		switch ev.Kind {
		case core.TaskEventArtifact:
			artifacts = append(artifacts, core.SourcedArtifact{AgentID: d.AgentID, TaskID: handle.ID(), Artifact: *ev.Artifact})
		case core.TaskEventStatus:
			if ev.Message != nil {
				if text := ev.Message.Text(); text != "" {
					lastMessage = text
				}
			}
			if ev.State == core.TaskInputRequired && !inputRequired {
				inputRequired = true
				r.opts.Logger.Info("delegation.input_required", "agent_id", d.AgentID, "task_id", handle.ID())
				handle.Cancel()
			}
		}
	}

	if inputRequired {
		return core.Result{
			Text:      fmt.Sprintf("%s needs more information: %s", d.AgentID, orText(lastMessage, "no details given")),
			Artifacts: artifacts,
		}, nil
	}

	if err := handle.Err(); err != nil {
		if ctx.Err() != nil {
			return core.Result{}, context.Cause(ctx)
		}
		res := unavailable(d.AgentID, err)
		res.Artifacts = artifacts
		return res, nil
	}

	return core.Result{Text: resultText(artifacts, lastMessage), Artifacts: artifacts}, nil
}

func (r *RemoteDelegator) timeout(ctx context.Context) time.Duration {
	timeout := r.opts.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		share := time.Duration(float64(time.Until(deadline)) * r.opts.DeadlineShare)
		if share > 0 && (timeout <= 0 || share < timeout) {
			timeout = share
		}
	}
	return timeout
}

// unavailable builds the placeholder result for a delegation that produced
// nothing usable.
func unavailable(agentID string, err error) core.Result {
	return core.Result{
		Text:        fmt.Sprintf("%s is unavailable", agentID),
		Unavailable: []string{agentID},
		Err:         fmt.Errorf("%w: delegation to %s: %w", core.ErrToolExecution, agentID, err),
	}
}

func resultText(artifacts []core.SourcedArtifact, fallback string) string {
	if len(artifacts) == 0 {
		return fallback
	}
	parts := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		if text := a.Artifact.Text(); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func orText(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

var _ Delegator = (*RemoteDelegator)(nil)
