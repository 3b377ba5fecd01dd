// Package errors provides the structured error taxonomy for the orchestration
// core. Every failure that crosses a component boundary — hub to agent, agent
// to aggregator, dispatcher to caller — is one of these errors, so retry
// decisions are made from codes and categories rather than string matching.
//
// # Error Categories
//
// Errors are classified into four categories:
//
//   - Transient: Temporary failures where retry may succeed (provider loss, timeouts)
//   - Permanent: Failures where retry will not help (bad input, cancellation)
//   - Resource: Capacity exhaustion (full queue, rate limits)
//   - Internal: Faults of the core itself (dead agents, invariant violations)
//
// # Error Codes
//
// Each error has a specific code identifying the failure:
//
//   - PROVIDER_UNAVAILABLE: provider unreachable or disconnected
//   - PROVIDER_TIMEOUT: invocation exceeded its deadline
//   - PROTOCOL_ERROR: provider spoke the protocol wrong
//   - QUEUE_FULL: submission rejected at the queue bound
//   - AGENT_DEAD: worker missed its heartbeat deadline
//   - TASK_CANCELLED, MAX_RETRIES_EXCEEDED: terminal task outcomes
//   - And more...
//
// # Usage
//
// Create a new error:
//
//	err := errors.ProviderTimeout("github", "tools/call")
//
// Wrap an existing error with context:
//
//	wrapped := errors.Wrap(err, "invoking provider")
//
// Check if an error should be retried:
//
//	if errors.IsRetryable(err) {
//	    // requeue the task
//	}
//
// # JSON Serialization
//
// Errors round-trip through JSON for result records and the control surface:
//
//	data, err := json.Marshal(swarmErr)
//
//	var swarmErr errors.Error
//	json.Unmarshal(data, &swarmErr)
package errors
