// Package llm provides model backend clients: Ollama, Anthropic, and
// OpenAI-compatible APIs behind one [Client] interface.
package llm

import (
	"fmt"
	"time"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Thinking   string     `json:"thinking,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// FunctionCall is the name and arguments of a requested tool call.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"` // Provider-assigned ID, needed to correlate results
	Function FunctionCall `json:"function"`
}

// ChatResponse is the unified response from any LLM provider.
// All fields use proper Go types; wire format conversion happens
// at provider boundaries (ollama.go, anthropic.go, openai.go).
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	// StopReason is the provider's reason for ending the turn, when
	// reported (end_turn, tool_use, stop, length, ...).
	StopReason string

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	// Timing (populated when available)
	TotalDuration time.Duration
	LoadDuration  time.Duration
	EvalDuration  time.Duration
}

// StreamEvent represents a single event in a streaming response.
// Consumers switch on Kind to determine what data is available.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken and KindThinking events.
	Token string

	// ThinkingKind labels a KindThinking fragment.
	ThinkingKind string

	// ToolCall is set for KindToolCall events.
	ToolCall *ToolCall

	// Response is set for KindDone events (final summary).
	Response *ChatResponse
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken StreamEventKind = iota

	// KindThinking is an incremental reasoning token.
	KindThinking

	// KindToolCall fires as soon as a complete tool call request has
	// been parsed from the stream.
	KindToolCall

	// KindDone signals the stream is complete. Response carries final metadata.
	KindDone
)

func (k StreamEventKind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindThinking:
		return "thinking"
	case KindToolCall:
		return "tool_call"
	case KindDone:
		return "done"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// StreamCallback receives streaming events.
type StreamCallback func(event StreamEvent)

// ThinkingReasoning labels thinking fragments from a provider's
// dedicated reasoning channel.
const ThinkingReasoning = "reasoning"

// ToolSpec builds an OpenAI-format function tool definition, the shape
// every client accepts in its tools argument.
func ToolSpec(name, description string, parameters map[string]any) map[string]any {
	if parameters == nil {
		parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        name,
			"description": description,
			"parameters":  parameters,
		},
	}
}

// toolFunction extracts name, description, and parameters from an
// OpenAI-format tool definition.
func toolFunction(tool map[string]any) (name, desc string, params map[string]any, ok bool) {
	fn, ok := tool["function"].(map[string]any)
	if !ok {
		return "", "", nil, false
	}
	name, _ = fn["name"].(string)
	desc, _ = fn["description"].(string)
	params, _ = fn["parameters"].(map[string]any)
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return name, desc, params, name != ""
}
