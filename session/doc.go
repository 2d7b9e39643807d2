// Package session houses implementations of core.SessionStore. The interface
// and the Session type live in core so the coordinator never depends on a
// concrete backend; only the wiring layer decides which store to instantiate.
package session
