package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/medmesh/core"
)

// FanOut runs all delegations concurrently and merges their results once
// every one of them reached a terminal state. A failing delegation does not
// cancel its siblings; it contributes an "unavailable" placeholder instead.
//
// The merged result keeps each delegation's artifacts in arrival order, and
// delegations in the order given. Conflicting answers are kept side by side.
// Err is only set when no delegation produced anything. An error is returned
// only when a delegate reports a fatal condition.
func FanOut(ctx context.Context, delegator Delegator, sessionID string, items []core.DelegateToAgent) (core.Result, error) {
	results := make([]core.Result, len(items))
	fatal := make([]error, len(items))

	var g errgroup.Group
	for i, item := range items {
		g.Go(func() error {
			res, err := delegator.Delegate(ctx, sessionID, item)
			if err != nil {
				fatal[i] = err
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(fatal...); err != nil {
		return core.Result{}, err
	}

	return merge(items, results), nil
}

func merge(items []core.DelegateToAgent, results []core.Result) core.Result {
	var (
		merged core.Result
		text   strings.Builder
		errs   []error
		usable int
	)
	for i, res := range results {
		agentID := items[i].AgentID
		merged.Artifacts = append(merged.Artifacts, res.Artifacts...)
		merged.Unavailable = append(merged.Unavailable, res.Unavailable...)

		if res.Failed() {
			errs = append(errs, res.Err)
			fmt.Fprintf(&text, "[%s] unavailable\n", agentID)
			continue
		}
		usable++
		fmt.Fprintf(&text, "[%s] %s\n", agentID, res.Text)
	}
	merged.Text = strings.TrimRight(text.String(), "\n")
	if usable == 0 {
		merged.Err = errors.Join(errs...)
	}
	return merged
}
