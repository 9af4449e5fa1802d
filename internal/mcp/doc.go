// Package mcp connects Quill's tool registry to the Model Context
// Protocol in both directions, using the official MCP Go SDK.
//
// Server exposes every registered tool to MCP clients over stdio
// (the "quill mcp" subcommand). BridgeTools does the reverse: it lists
// the tools of an external MCP server and registers proxies for them in
// the registry, so the agent loop can call them like native tools.
package mcp
