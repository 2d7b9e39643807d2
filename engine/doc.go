// Package engine is the task coordinator of medmesh.
//
// Every inbound user message becomes a local synthesis task inside its
// session. The Engine moves that task through submitted, working and a
// terminal state, drives one reasoning loop for it and streams progress as
// core.Event values:
//
//	taskID, events, errs, err := eng.Invoke(ctx, "session-1", "What causes migraines?")
//	if err != nil {
//	    return err
//	}
//	for ev := range events {
//	    fmt.Println(ev.Type, ev.Text)
//	}
//	if err := <-errs; err != nil {
//	    return err
//	}
//
// The number of concurrently running tasks is bounded (see Config). Cancel
// stops a single task; EndSession cancels a session's tasks and drops its
// tasks and persisted artifacts.
//
// Lifecycle callbacks (see CallbackType) let callers audit or veto tasks
// without touching the loop itself.
package engine
