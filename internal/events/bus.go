// Package events is the operational event bus. Components (agent loop,
// session manager, capability aggregator, model health watcher) publish
// what they are doing; subscribers (the MQTT relay, the debug log) watch.
// The bus is nil-safe: Publish on a nil *Bus is a no-op, so components
// never guard their calls.
//
// These events are for operators. The per-conversation stream delivered
// to API clients lives in package stream.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	SourceAgent      = "agent"
	SourceSession    = "session"
	SourceCapability = "capability"
	SourceModel      = "model"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of a conversation turn.
	// Data: request_id, conversation_id, model.
	KindRequestStart = "request_start"
	// KindLLMCall signals the start of a model call.
	// Data: request_id, iter, model, tools.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a model call.
	// Data: request_id, iter, model, tokens_in, tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall signals dispatch of a tool invocation.
	// Data: request_id, invocation_id, tool, server.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool invocation.
	// Data: request_id, invocation_id, tool, ok, error_kind, duration_ms.
	KindToolDone = "tool_done"
	// KindRequestComplete signals the end of a conversation turn.
	// Data: request_id, iterations, outcome, elapsed_ms.
	KindRequestComplete = "request_complete"

	// KindSessionState signals a capability-server session transition.
	// Data: server, from, to, error.
	KindSessionState = "session_state"

	// KindDirectoryRefresh signals a rebuilt capability directory.
	// Data: version, records, collisions, failures.
	KindDirectoryRefresh = "directory_refresh"

	// KindBackendState signals a model backend going up or down.
	// Data: backend, ready, error.
	KindBackendState = "backend_state"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event

	dropped atomic.Uint64
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers, stamping it with the
// current time if the publisher did not. If a subscriber's channel is
// full the event is dropped for that subscriber. Safe to call on a nil
// receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit is shorthand for publishing an event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
