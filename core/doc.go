// Package core provides the foundational domain types shared by every
// medmesh component:
//
//   - Tasks and their protocol state machine
//   - Messages, Parts and Artifacts exchanged with specialist agents
//   - Agent cards and skills
//   - The closed Action set decided by the reasoning loop
//   - Sessions grouping the tasks of one conversation
//   - The error taxonomy used across registry, protocol and tool layers
//
// Implementation concerns (transport, storage, orchestration) live in other
// packages and depend on the small interfaces declared here.
package core
