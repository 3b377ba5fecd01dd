// Package orchestrator assembles the orchestration core behind one
// facade: the protocol hub, the dispatcher, the agent swarm with its
// supervisors, and the result aggregator, wired together from a single
// configuration.
//
// # Assembly
//
// New builds every component but starts nothing. Start brings the core
// up in dependency order: the heartbeat monitor, the swarm, the
// supervisors, the dispatcher, then the provider fleet from the
// registry file, and finally recovery, which reseeds the queue with
// tasks the ledger recorded as unfinished. Stop drains through the
// phased shutdown coordinator: dispatcher first, swarm second,
// providers third, stores last, so nothing writes into a closed
// collaborator.
//
//	orch, _ := orchestrator.New(orchestrator.Config{Core: cfg})
//	orch.Start(ctx)
//	defer orch.Stop(context.Background())
//
//	id, _ := orch.Submit(ctx, tasks.Submission{Provider: "github", Operation: "search_code"})
//	res, _ := orch.Await(ctx, id)
//
// # Providers
//
// The provider registry file describes the fleet: stdio entries become
// managed subprocesses (gated by the spawn policy), model entries
// become LLM adapters (keys resolved through the credential chain),
// and func entries are registered in code via RegisterProvider.
//
// # Control surface
//
// Server exposes the same four operations as JSON-RPC 2.0 methods over
// stdio or a WebSocket transport, with task lifecycle updates pushed
// as notifications. The core speaks to callers exactly the way it
// speaks to its own subprocess providers.
package orchestrator
