// Package bridge provides the core of the WebMCP bridge server.
//
// The bridge sits between two asymmetric populations: frontend sessions,
// which are browser pages that connect outward over WebSocket and register
// tool catalogs, and MCP clients, which speak the Model Context Protocol over
// HTTP (JSON-RPC request/response plus a Server-Sent Events side channel) and
// expect a conventional MCP server. Sessions and clients are grouped by an
// opaque auth token, and the bridge preserves MCP's single-server illusion
// per token.
//
// This package contains the shared domain types and error codes that cross
// component boundaries:
//
//	pkg/bridge/
//	├── types.go              // ToolDefinition, SessionSummary, policies
//	├── errors.go             // Error codes and the Error type
//	├── scheduler/            // One-shot and periodic timers (cancelable)
//	├── protocol/             // Frontend WebSocket wire schema
//	├── session/              // Session registry, token index, quotas
//	├── correlator/           // Tool-call request/response correlation
//	├── mcp/                  // MCP protocol handler, MCP sessions, SSE notifier
//	├── query/                // Frontend-originated agent query pipeline
//	├── server/               // Bridge facade: wiring, lifecycle, shutdown
//	├── config/               // Configuration model and YAML loader
//	└── bridgetest/           // Shared test doubles
//
// The core performs no network I/O. A host adapter (pkg/transport/httpserver
// for net/http) accepts connections, translates them into the types of
// pkg/transport/types, and consumes the responses the core returns.
package bridge
