// Package testutil contains helpers used across tests: fake specialist agents
// served over the task protocol, a registry wired to them, a session builder
// for conversational history and event collectors. They are not intended for
// production usage.
package testutil
