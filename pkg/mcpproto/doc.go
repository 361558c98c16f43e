// Package mcpproto is the JSON-RPC 2.0 layer of an MCP client session, built
// on the go-sdk jsonrpc message types. It numbers outbound requests,
// correlates responses with their pending calls, and enforces the handshake
// order (initialize, then notifications/initialized, then everything else).
//
// The package also defines the error taxonomy shared by the session,
// registry, gateway and execution engine: TransportError, ProtocolError,
// ToolNotFoundError, BackendNotLoadedError, TimeoutError and CancelledError,
// each matched through errors.Is against the corresponding Err sentinel.
package mcpproto
