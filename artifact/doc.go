// Package artifact contains implementations of core.ArtifactStore and the
// record format used to persist artifacts that specialist agents return
// during delegation.
//
// The ArtifactStore interface lives in core to keep domain contracts central;
// callers depend on it rather than on concrete types so alternative
// persistence layers can be substituted in tests or production.
package artifact
