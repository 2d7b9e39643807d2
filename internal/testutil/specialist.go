package testutil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/medmesh/core"
	"github.com/hupe1980/medmesh/protocol"
	"github.com/hupe1980/medmesh/registry"
)

// Specialist is a fake specialist agent served over the task protocol.
type Specialist struct {
	*httptest.Server
	ID    string
	Calls atomic.Int32
}

// NewSpecialist starts a specialist with a single skill executing exec.
func NewSpecialist(t testing.TB, id, skill string, exec protocol.Executor) *Specialist {
	t.Helper()
	sp := &Specialist{ID: id}
	card := core.AgentCard{
		Name:            id,
		Description:     id + " specialist",
		ProtocolVersion: protocol.Version,
		Capabilities:    core.Capabilities{Streaming: true},
		Skills:          []core.Skill{{ID: skill, Name: skill, Description: skill + " questions"}},
	}
	counted := protocol.ExecutorFunc(func(ctx context.Context, u *protocol.TaskUpdater) error {
		sp.Calls.Add(1)
		return exec.Execute(ctx, u)
	})
	sp.Server = httptest.NewServer(protocol.NewServer(card, counted))
	t.Cleanup(sp.Close)
	return sp
}

// Answer returns an executor that emits one artifact named <skill>_response
// whose text is answer followed by the query, then completes.
func Answer(skill, answer string) protocol.Executor {
	return protocol.ExecutorFunc(func(_ context.Context, u *protocol.TaskUpdater) error {
		if _, err := u.AddArtifact(skill+"_response", answer+": "+u.Input().Text()); err != nil {
			return err
		}
		return u.Complete("")
	})
}

// Failing returns an executor that fails every task with msg.
func Failing(msg string) protocol.Executor {
	return protocol.ExecutorFunc(func(context.Context, *protocol.TaskUpdater) error {
		return errors.New(msg)
	})
}

// Stalling returns an executor that reports progress and then blocks until
// the task is canceled or d elapsed.
func Stalling(d time.Duration) protocol.Executor {
	return protocol.ExecutorFunc(func(ctx context.Context, u *protocol.TaskUpdater) error {
		_ = u.Working("thinking")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
			return errors.New("stalled")
		}
	})
}

// AsksForInput returns an executor that requests more input with prompt.
func AsksForInput(prompt string) protocol.Executor {
	return protocol.ExecutorFunc(func(ctx context.Context, u *protocol.TaskUpdater) error {
		msg, err := u.RequireInput(ctx, prompt)
		if err != nil {
			return err
		}
		_, err = u.AddArtifact("followup_response", msg.Text())
		return err
	})
}

// Unreachable returns a base URL nothing listens on.
func Unreachable(t testing.TB) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

// NewRegistry builds a registry over the given agentID -> URL endpoints with
// short timeouts, closed on cleanup.
func NewRegistry(t testing.TB, endpoints map[string]string, optFns ...func(o *registry.Options)) *registry.Registry {
	t.Helper()
	fns := append([]func(o *registry.Options){func(o *registry.Options) {
		o.FetchTimeout = time.Second
	}}, optFns...)
	reg := registry.New(endpoints, fns...)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}
