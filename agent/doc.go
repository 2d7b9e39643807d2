// Package agent contains the orchestrator's reasoning loop and the
// delegation primitives it drives. The package focuses on three concerns:
//
//  1. The reason-act loop (Orchestrator) bounded by a turn limit
//  2. Single delegations to remote specialists (Delegator, RemoteDelegator)
//  3. Concurrent fan-out with partial-failure merging (FanOut)
//
// Design principles:
//   - One closed Action type and one dispatch switch
//   - Tool and delegation failures are results the model can react to
//   - Only registry misconfiguration and an exhausted retry budget are fatal
//   - Collaborators (model, registry, invoker, delegator) are injected
//
// Execution model:
//   - Each turn renders a prompt (flow.RenderPrompt), asks the model and
//     parses exactly one action (flow.ParseAction)
//   - A malformed reply is retried once with a corrective prompt
//   - The loop stops on a final answer or synthesizes an incomplete one when
//     the turn limit is reached
package agent
