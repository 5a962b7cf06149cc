// Package mcp implements the client side of the Model Context Protocol.
//
// MCP is JSON-RPC 2.0 carried over one of two transports: a subprocess
// speaking newline-delimited JSON on stdin/stdout, or streamable HTTP
// where each request is a POST whose reply is either a JSON body or a
// short text/event-stream. [Client] wraps a [Transport] with typed
// calls for the handshake and for listing and using tools, resources,
// and prompts. Session lifecycle and health live one layer up.
package mcp
