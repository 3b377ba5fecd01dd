// Package results turns attempt outcomes into task fates and delivers
// them to callers.
//
// The Aggregator is the single authority over what happens after an
// attempt: successes and cancellations finalize the task, failures are
// classified by their taxonomy code and either requeued behind an
// exponential backoff or finalized. Agents and supervisors only report;
// retry budgets, cancellation races and publish-once semantics all live
// here.
//
// # Retry policy
//
// A failed attempt with a retryable code (PROVIDER_UNAVAILABLE,
// PROVIDER_TIMEOUT, transient PROTOCOL_ERROR, AGENT_DEAD) waits
// Base * Multiplier^(n-1) before attempt n+1, capped at Max and spread
// by Jitter, then re-enters the dispatch queue. When the attempt budget
// runs out the task fails terminally with MAX_RETRIES_EXCEEDED.
//
//	agg, _ := results.NewAggregator(results.AggregatorConfig{
//	    Manager:   manager,
//	    Publisher: results.NewMemoryPublisher(),
//	    Queue:     dispatcher,
//	})
//
// # Publication
//
// Terminal results are immutable and published exactly once: the task
// manager transition is the once-guard, and the publisher refuses any
// write over a stored terminal result. Callers poll with Get or watch
// with Subscribe; subscription channels receive progress updates while
// the task retries and close after the terminal result is delivered.
//
//	ch, _ := pub.Subscribe(taskID)
//	for r := range ch {
//	    fmt.Printf("%s: %s\n", r.TaskID, r.Status)
//	}
//
// Two publishers are provided: MemoryPublisher for single-process use
// and BusPublisher, which broadcasts updates over the message bus so
// subscribers in other processes hear about outcomes without polling.
package results
