// Package errs defines the failure categories shared by the session,
// routing, and agent layers.
//
// Each category is a sentinel error. Producers attach the sentinel to the
// underlying cause with [Wrap]; consumers test with [errors.Is] or ask for
// the category name with [KindOf]. Per-tool-call categories (connection,
// protocol, routing, timeout, remote execution) are reported to the model
// as observation text and never abort a conversation.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors, one per category.
var (
	// ErrConnection means the capability server could not be reached.
	ErrConnection = errors.New("connection error")

	// ErrProtocol means a response was malformed or did not conform to
	// the expected schema.
	ErrProtocol = errors.New("protocol error")

	// ErrRouting means no server owns the requested capability.
	ErrRouting = errors.New("routing error")

	// ErrTimeout means a call exceeded its time bound.
	ErrTimeout = errors.New("timeout")

	// ErrRemoteExecution means the tool ran but reported failure.
	ErrRemoteExecution = errors.New("remote execution error")

	// ErrModel means the model backend was unreachable or produced a
	// turn that could not be parsed.
	ErrModel = errors.New("model error")

	// ErrIterationLimit means a conversation hit its iteration cap.
	ErrIterationLimit = errors.New("iteration limit exceeded")
)

// Kind names a failure category. The zero value means "no error".
type Kind string

// Category names as they appear in observations and stream events.
const (
	KindNone            Kind = ""
	KindConnection      Kind = "ConnectionError"
	KindProtocol        Kind = "ProtocolError"
	KindRouting         Kind = "RoutingError"
	KindTimeout         Kind = "TimeoutError"
	KindRemoteExecution Kind = "RemoteExecutionError"
	KindModel           Kind = "ModelError"
	KindIterationLimit  Kind = "IterationLimitExceeded"
	KindUnknown         Kind = "Error"
)

// ordered so that the most specific category wins when an error chain
// carries more than one sentinel.
var kinds = []struct {
	sentinel error
	kind     Kind
}{
	{ErrTimeout, KindTimeout},
	{ErrRouting, KindRouting},
	{ErrRemoteExecution, KindRemoteExecution},
	{ErrProtocol, KindProtocol},
	{ErrConnection, KindConnection},
	{ErrModel, KindModel},
	{ErrIterationLimit, KindIterationLimit},
}

// Wrap attaches a category sentinel to err. A nil err yields the bare
// sentinel.
func Wrap(sentinel, err error) error {
	if err == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// Wrapf attaches a category sentinel to a formatted message.
func Wrapf(sentinel error, format string, a ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, a...))
}

// KindOf returns the category of err. Context deadline errors are
// reported as timeouts even when no sentinel was attached.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Recoverable reports whether err belongs to a per-tool-call category
// that is fed back to the model instead of ending the conversation.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindProtocol, KindRouting, KindTimeout, KindRemoteExecution:
		return true
	}
	return false
}
