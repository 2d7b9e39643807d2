// Package logging provides a minimal logging interface and slog based
// adapters used by every medmesh component.
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping a plain *slog.Logger
//   - ContextLogger adding component/session/task attributes and helpers for
//     tool calls, model calls and delegations
//   - NoOpLogger for silent operation (tests, minimal setups)
//
// Usage:
//
//	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelDebug, Format: "text"})
//	eng := engine.New(orchestrator, func(o *engine.Options) { o.Logger = logger })
//
// Log messages are dot-separated event names ("registry.fetch.failed") followed
// by key/value attributes.
package logging
