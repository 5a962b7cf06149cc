package llm

import (
	"encoding/json"
	"testing"
	"time"
)

// Representative Ollama /api/chat payloads. Durations are nanoseconds on
// the wire and must come out as time.Duration.

func TestOllamaResponse_BasicChat(t *testing.T) {
	raw := `{
		"model": "qwen3:4b",
		"created_at": "2026-02-11T15:00:00.123456789Z",
		"message": {
			"role": "assistant",
			"content": "There are three x."
		},
		"done": true,
		"done_reason": "stop",
		"total_duration": 1234567890,
		"load_duration": 100000000,
		"prompt_eval_count": 42,
		"prompt_eval_duration": 500000000,
		"eval_count": 15,
		"eval_duration": 600000000
	}`

	var wire ollamaResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp := wire.toChatResponse()

	if resp.Model != "qwen3:4b" {
		t.Errorf("Model = %q, want %q", resp.Model, "qwen3:4b")
	}
	if resp.CreatedAt.Year() != 2026 || resp.CreatedAt.Month() != time.February {
		t.Errorf("CreatedAt = %v, expected 2026-02", resp.CreatedAt)
	}
	if resp.Message.Content != "There are three x." {
		t.Errorf("Message.Content = %q", resp.Message.Content)
	}
	if !resp.Done {
		t.Error("Done = false, want true")
	}
	if resp.StopReason != "stop" {
		t.Errorf("StopReason = %q, want stop", resp.StopReason)
	}
	if resp.InputTokens != 42 || resp.OutputTokens != 15 {
		t.Errorf("tokens = %d/%d, want 42/15", resp.InputTokens, resp.OutputTokens)
	}
	if resp.TotalDuration != 1234567890*time.Nanosecond {
		t.Errorf("TotalDuration = %v", resp.TotalDuration)
	}
	if resp.LoadDuration != 100*time.Millisecond {
		t.Errorf("LoadDuration = %v, want 100ms", resp.LoadDuration)
	}
	if resp.EvalDuration != 600*time.Millisecond {
		t.Errorf("EvalDuration = %v, want 600ms", resp.EvalDuration)
	}
}

func TestOllamaResponse_ToolCalls(t *testing.T) {
	raw := `{
		"model": "qwen2.5:72b",
		"created_at": "2026-02-11T15:03:00Z",
		"message": {
			"role": "assistant",
			"content": "",
			"thinking": "two lookups",
			"tool_calls": [
				{"function": {"name": "get_y_detail", "arguments": {"id": "y-1"}}},
				{"function": {"name": "get_y_detail", "arguments": {"id": "y-2"}}}
			]
		},
		"done": true,
		"eval_count": 50
	}`

	var wire ollamaResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp := wire.toChatResponse()

	if len(resp.Message.ToolCalls) != 2 {
		t.Fatalf("ToolCalls = %d, want 2", len(resp.Message.ToolCalls))
	}
	if resp.Message.ToolCalls[0].Function.Arguments["id"] != "y-1" {
		t.Error("first tool call id mismatch")
	}
	if resp.Message.ToolCalls[1].Function.Arguments["id"] != "y-2" {
		t.Error("second tool call id mismatch")
	}
	if resp.Message.Thinking != "two lookups" {
		t.Errorf("Thinking = %q", resp.Message.Thinking)
	}
}

func TestOllamaResponse_MissingTimestamp(t *testing.T) {
	raw := `{
		"model": "qwen3:4b",
		"created_at": "",
		"message": {"role": "assistant", "content": "hello"},
		"done": true
	}`

	var wire ollamaResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp := wire.toChatResponse()

	if !resp.CreatedAt.IsZero() {
		t.Errorf("expected zero time for empty created_at, got %v", resp.CreatedAt)
	}
	if resp.Message.Content != "hello" {
		t.Errorf("Content = %q", resp.Message.Content)
	}
	if resp.TotalDuration != 0 {
		t.Errorf("TotalDuration = %v, want 0", resp.TotalDuration)
	}
}

func TestToOllamaMessages(t *testing.T) {
	msgs := toOllamaMessages([]Message{
		{Role: "user", Content: "detail for y-1"},
		{Role: "assistant", ToolCalls: []ToolCall{{
			ID:       "c1",
			Function: FunctionCall{Name: "get_y_detail", Arguments: map[string]any{"id": "y-1"}},
		}}},
		{Role: "tool", Content: "y y-1: shiny", ToolCallID: "c1"},
	})

	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].Function.Name != "get_y_detail" {
		t.Errorf("assistant tool calls = %+v", msgs[1].ToolCalls)
	}
	if msgs[2].Role != "tool" || msgs[2].Content != "y y-1: shiny" {
		t.Errorf("tool message = %+v", msgs[2])
	}
}

func TestToolSpec(t *testing.T) {
	spec := ToolSpec("echo", "Echo a message", map[string]any{
		"type":       "object",
		"properties": map[string]any{"message": map[string]any{"type": "string"}},
		"required":   []string{"message"},
	})

	name, desc, params, ok := toolFunction(spec)
	if !ok {
		t.Fatal("toolFunction rejected a ToolSpec result")
	}
	if name != "echo" || desc != "Echo a message" {
		t.Errorf("name/desc = %q/%q", name, desc)
	}
	if params["type"] != "object" {
		t.Errorf("params = %v", params)
	}
	if spec["type"] != "function" {
		t.Errorf("type = %v, want function", spec["type"])
	}
}

func TestToolSpec_NilParameters(t *testing.T) {
	_, _, params, ok := toolFunction(ToolSpec("list_x", "List x", nil))
	if !ok {
		t.Fatal("toolFunction rejected a ToolSpec result")
	}
	if params["type"] != "object" {
		t.Errorf("nil parameters should default to an empty object schema, got %v", params)
	}
}

func TestToolFunction_Malformed(t *testing.T) {
	tests := []struct {
		name string
		tool map[string]any
	}{
		{"no function", map[string]any{"name": "orphan"}},
		{"function not a map", map[string]any{"function": "list_x"}},
		{"empty name", map[string]any{"function": map[string]any{"name": ""}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, _, ok := toolFunction(tt.tool); ok {
				t.Errorf("toolFunction(%v) ok = true, want false", tt.tool)
			}
		})
	}
}

func TestStreamEventKindString(t *testing.T) {
	tests := []struct {
		kind StreamEventKind
		want string
	}{
		{KindToken, "token"},
		{KindThinking, "thinking"},
		{KindToolCall, "tool_call"},
		{KindDone, "done"},
		{StreamEventKind(42), "kind(42)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int(tt.kind), got, tt.want)
		}
	}
}

func TestChatResponse_ZeroValuesSafe(t *testing.T) {
	var resp ChatResponse

	if !resp.CreatedAt.IsZero() {
		t.Error("zero ChatResponse.CreatedAt should be zero time")
	}
	if resp.InputTokens != 0 {
		t.Error("zero ChatResponse.InputTokens should be 0")
	}
	if resp.Done {
		t.Error("zero ChatResponse.Done should be false")
	}
}

func TestAPIErrorMessage(t *testing.T) {
	err := &APIError{Provider: "anthropic", Status: 529, Body: "overloaded"}
	if got := err.Error(); got != "anthropic API error 529: overloaded" {
		t.Errorf("Error() = %q", got)
	}
}
