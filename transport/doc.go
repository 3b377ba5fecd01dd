// Package transport provides pluggable transports for JSON-RPC 2.0 communication.
//
// # Overview
//
// The transport package carries the orchestration control surface: the
// same JSON-RPC 2.0 protocol the hub speaks to its providers, exposed
// to callers over stdin/stdout or WebSocket. It defines the wire types
// (Request, Response, Notification, Error), the orchestrate.* method
// params and results, and channel-based transports for concurrent use.
//
// # Available Transports
//
//   - StdioTransport: Communication over stdin/stdout (for CLI tools)
//   - WebSocketTransport: Bidirectional over WebSocket (for real-time UIs)
//
// # Usage
//
// The line-delimited Server suits stdio serving:
//
//	server := transport.NewServer(os.Stdin, os.Stdout, handler)
//	server.Serve(ctx)
//
// Channel-based transports pair with ServeTransport:
//
//	t := transport.NewWebSocketTransport(conn, transport.DefaultWebSocketConfig())
//	go t.Run(ctx)
//	transport.ServeTransport(ctx, t, handler)
//
// where handler maps orchestrate.submit, orchestrate.query,
// orchestrate.cancel and orchestrate.status onto the orchestrator and
// task_update notifications flow back through Send.
//
// # Thread Safety
//
// All transport methods are safe for concurrent use. The Recv() channel
// is closed when the transport shuts down.
package transport
