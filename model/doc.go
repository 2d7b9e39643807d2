// Package model defines the provider-agnostic abstraction for the reasoning
// backend used by the orchestrator and by specialist agents.
//
// Providers (OpenAI-compatible chat APIs, Anthropic) implement Model so the
// reasoning loop stays decoupled from vendor SDKs. Complete drains a
// generation into text, Instrument adds metrics and logging, and
// ScriptedModel replays canned completions for tests.
package model
