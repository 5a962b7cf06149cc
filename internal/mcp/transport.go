package mcp

import (
	"context"
	"errors"
	"fmt"
)

// Transport is the interface for MCP server communication.
// Implementations handle framing, encoding, and request/response
// correlation for one server.
type Transport interface {
	// Send sends a JSON-RPC request and returns the matching response.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the transport and releases resources.
	// For stdio transports this terminates the subprocess.
	Close() error
}

// SessionIDer is implemented by transports that carry a server-assigned
// session token.
type SessionIDer interface {
	SessionID() string
}

// ErrTransportReset is returned when the underlying connection is gone
// (for example, a stdio subprocess that exited). The transport will not
// recover; the owner must dial a new one and initialize it.
var ErrTransportReset = errors.New("transport reset")

// ErrMalformed marks a reply that arrived but could not be understood:
// bad framing, a mismatched id, or a result that does not decode.
var ErrMalformed = errors.New("malformed MCP response")

// StatusError is returned by the HTTP transport for non-success status
// codes.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("MCP server returned %d", e.Code)
	}
	return fmt.Sprintf("MCP server returned %d: %s", e.Code, e.Body)
}

// ServerFault reports whether the status indicates a server-side failure.
func (e *StatusError) ServerFault() bool {
	return e.Code >= 500
}
