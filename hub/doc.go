// Package hub routes invocations to protocol providers through a uniform
// contract and supervises provider connection state.
//
// A provider is anything that can execute named operations: a stdio
// subprocess speaking JSON-RPC, a model API adapter, or an in-process
// function. The hub does not care which; it enforces the same admission,
// timeout and error discipline for all of them.
//
// # Admission
//
// Every invocation passes through the per-provider admission gate before it
// reaches the provider. At most the registered concurrency limit of
// invocations run against a provider at any instant; callers above the
// limit suspend inside Invoke until a slot frees:
//
//	gate := admission.NewMemoryGate()
//	h, _ := hub.New(hub.DefaultConfig(gate))
//	h.Register(ctx, provider, 10)
//
//	result, err := h.Invoke(ctx, "github", "search_code", args)
//
// # Connection states
//
// A provider is connected, reconnecting or disconnected. When an invocation
// fails with PROVIDER_UNAVAILABLE the hub suspends the provider's gate
// (queued callers fail fast instead of piling up) and, if the provider
// implements Reconnecter, retries the connection with exponential backoff.
// On success the gate resumes with in-flight accounting reset to zero.
//
// A total outage of some providers degrades the hub, it never crashes it:
// Status() names the degraded providers and work for healthy ones flows
// on untouched.
package hub
