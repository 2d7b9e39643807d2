package testutil

import (
	"testing"
	"time"

	"github.com/hupe1980/medmesh/core"
)

// Collect drains events until the channel closes or timeout elapses.
func Collect(t testing.TB, events <-chan core.Event, timeout time.Duration) []core.Event {
	t.Helper()
	var out []core.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("event stream did not close within %s", timeout)
			return out
		}
	}
}

// Types returns the event types in order.
func Types(events []core.Event) []core.EventType {
	out := make([]core.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// Last returns the last event of the given type, or false.
func Last(events []core.Event, typ core.EventType) (core.Event, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == typ {
			return events[i], true
		}
	}
	return core.Event{}, false
}
