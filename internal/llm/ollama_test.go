package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		validTools []string
		wantCount  int
		wantName   string // First tool name if wantCount > 0
	}{
		{
			name:      "empty content",
			content:   "",
			wantCount: 0,
		},
		{
			name:      "whitespace only",
			content:   "   \n\t  ",
			wantCount: 0,
		},
		{
			name:      "plain text no JSON",
			content:   "The sun is currently up.",
			wantCount: 0,
		},
		{
			name:      "single tool call object",
			content:   `{"name": "get_y_detail", "arguments": {"id": "y-1"}}`,
			wantCount: 1,
			wantName:  "get_y_detail",
		},
		{
			name:      "single tool call with whitespace",
			content:   `  {"name": "get_y_detail", "arguments": {"id": "y-1"}}  `,
			wantCount: 1,
			wantName:  "get_y_detail",
		},
		{
			name:      "array of tool calls",
			content:   `[{"name": "get_y_detail", "arguments": {"id": "y-1"}}, {"name": "list_x", "arguments": {}}]`,
			wantCount: 2,
			wantName:  "get_y_detail",
		},
		{
			name:      "tagged tool call",
			content:   `<tool_call>{"name": "echo", "arguments": {"message": "hi"}}</tool_call>`,
			wantCount: 1,
			wantName:  "echo",
		},
		{
			name:      "tagged tool call without closing tag",
			content:   `<tool_call>{"name": "get_y_detail", "arguments": {"id": "y-2"}}`,
			wantCount: 1,
			wantName:  "get_y_detail",
		},
		{
			name:      "tagged with preamble",
			content:   `Let me check that for you. <tool_call>{"name": "get_y_detail", "arguments": {"id": "y-1"}}</tool_call>`,
			wantCount: 1,
			wantName:  "get_y_detail",
		},
		{
			name:      "empty arguments",
			content:   `{"name": "list_x", "arguments": {}}`,
			wantCount: 1,
			wantName:  "list_x",
		},
		{
			name:      "nested arguments",
			content:   `{"name": "echo", "arguments": {"message": "hi", "meta": {"priority": 2}}}`,
			wantCount: 1,
			wantName:  "echo",
		},
		{
			name:      "malformed JSON",
			content:   `{"name": "get_y_detail", "arguments": {`,
			wantCount: 0,
		},
		{
			name:      "JSON without name field",
			content:   `{"foo": "bar", "arguments": {}}`,
			wantCount: 0,
		},
		{
			name:      "JSON with empty name",
			content:   `{"name": "", "arguments": {}}`,
			wantCount: 0,
		},
		// Validation tests
		{
			name:       "valid tool with validation",
			content:    `{"name": "get_y_detail", "arguments": {"id": "y-1"}}`,
			validTools: []string{"get_y_detail", "echo"},
			wantCount:  1,
			wantName:   "get_y_detail",
		},
		{
			name:       "invalid tool rejected by validation",
			content:    `{"name": "drop_tables", "arguments": {}}`,
			validTools: []string{"get_y_detail", "echo"},
			wantCount:  0,
		},
		{
			name:       "mixed valid/invalid in array",
			content:    `[{"name": "get_y_detail", "arguments": {}}, {"name": "invalid_tool", "arguments": {}}]`,
			validTools: []string{"get_y_detail", "echo"},
			wantCount:  1,
			wantName:   "get_y_detail",
		},
		{
			name:       "no validation (nil validTools)",
			content:    `{"name": "any_tool_name", "arguments": {}}`,
			validTools: nil,
			wantCount:  1,
			wantName:   "any_tool_name",
		},
		{
			name:       "no validation (empty validTools)",
			content:    `{"name": "any_tool_name", "arguments": {}}`,
			validTools: []string{},
			wantCount:  1,
			wantName:   "any_tool_name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTextToolCalls(tt.content, tt.validTools)

			if len(got) != tt.wantCount {
				t.Errorf("parseTextToolCalls() returned %d tools, want %d", len(got), tt.wantCount)
				return
			}

			if tt.wantCount > 0 && got[0].Function.Name != tt.wantName {
				t.Errorf("parseTextToolCalls() first tool name = %q, want %q", got[0].Function.Name, tt.wantName)
			}
		})
	}
}

func TestExtractToolNames(t *testing.T) {
	tests := []struct {
		name  string
		tools []map[string]any
		want  []string
	}{
		{
			name:  "nil tools",
			tools: nil,
			want:  nil,
		},
		{
			name:  "empty tools",
			tools: []map[string]any{},
			want:  nil,
		},
		{
			name: "single tool",
			tools: []map[string]any{
				{"function": map[string]any{"name": "get_y_detail", "description": "Fetch one y"}},
			},
			want: []string{"get_y_detail"},
		},
		{
			name: "multiple tools",
			tools: []map[string]any{
				{"function": map[string]any{"name": "get_y_detail"}},
				{"function": map[string]any{"name": "echo"}},
				{"function": map[string]any{"name": "list_x"}},
			},
			want: []string{"get_y_detail", "echo", "list_x"},
		},
		{
			name: "malformed tool (no function)",
			tools: []map[string]any{
				{"name": "orphan_name"},
			},
			want: []string{},
		},
		{
			name: "mixed valid and malformed",
			tools: []map[string]any{
				{"function": map[string]any{"name": "valid_tool"}},
				{"broken": "entry"},
				{"function": map[string]any{"name": "another_valid"}},
			},
			want: []string{"valid_tool", "another_valid"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractToolNames(tt.tools)
			if len(got) != len(tt.want) {
				t.Errorf("extractToolNames() = %v, want %v", got, tt.want)
				return
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("extractToolNames()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseTextToolCalls_Arguments(t *testing.T) {
	content := `{"name": "echo", "arguments": {"message": "hi", "repeat": "twice", "id": "y-2"}}`

	calls := parseTextToolCalls(content, nil)
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}

	args := calls[0].Function.Arguments
	if args["message"] != "hi" {
		t.Errorf("message = %v, want 'hi'", args["message"])
	}
	if args["repeat"] != "twice" {
		t.Errorf("repeat = %v, want 'twice'", args["repeat"])
	}
	if args["id"] != "y-2" {
		t.Errorf("id = %v, want 'y-2'", args["id"])
	}
}

func TestParseTextToolCalls_ConcatenatedJSON(t *testing.T) {
	// Test concatenated JSON objects (qwen-style): {...}{...}{...}
	content := `{"name": "search_docs", "arguments": {"query": "capability routing"}}{"name": "search_docs", "arguments": {"query": "what was discussed previously"}}{"name": "read_file", "arguments": {"path": "logs/log.txt"}}`
	validTools := []string{"search_docs", "read_file", "list_sessions"}

	calls := parseTextToolCalls(content, validTools)
	if len(calls) != 3 {
		t.Fatalf("expected 3 tool calls, got %d", len(calls))
	}

	if calls[0].Function.Name != "search_docs" {
		t.Errorf("call[0] name = %q, want search_docs", calls[0].Function.Name)
	}
	if calls[1].Function.Name != "search_docs" {
		t.Errorf("call[1] name = %q, want search_docs", calls[1].Function.Name)
	}
	if calls[2].Function.Name != "read_file" {
		t.Errorf("call[2] name = %q, want read_file", calls[2].Function.Name)
	}
	if calls[2].Function.Arguments["path"] != "logs/log.txt" {
		t.Errorf("call[2] path = %v, want logs/log.txt", calls[2].Function.Arguments["path"])
	}
}

func TestParseTextToolCalls_ConcatenatedWithTrailingText(t *testing.T) {
	// Concatenated JSON followed by prose (as seen from qwen)
	content := `{"name": "search_docs", "arguments": {"query": "routing"}}{"name": "read_file", "arguments": {"path": "log.txt"}}Routing across capability servers`
	validTools := []string{"search_docs", "read_file"}

	calls := parseTextToolCalls(content, validTools)
	if len(calls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d (trailing text should be ignored)", len(calls))
	}
}

func TestParseTextToolCalls_ToolNameSpaceJSON(t *testing.T) {
	// Test "tool_name {json}" format that some models output
	tests := []struct {
		name       string
		content    string
		validTools []string
		wantTool   string
		wantArgs   map[string]any
	}{
		{
			name:       "find_item format",
			content:    `find_item {"description": "blue widget", "shelf": "top", "kind": "widget"}`,
			validTools: []string{"find_item", "echo"},
			wantTool:   "find_item",
			wantArgs:   map[string]any{"description": "blue widget", "shelf": "top", "kind": "widget"},
		},
		{
			name:       "echo format",
			content:    `echo {"message": "hi"}`,
			validTools: []string{"find_item", "echo"},
			wantTool:   "echo",
			wantArgs:   map[string]any{"message": "hi"},
		},
		{
			name:       "with trailing text",
			content:    `find_item {"description": "red widget"} Looking it up now.`,
			validTools: []string{"find_item"},
			wantTool:   "find_item",
			wantArgs:   map[string]any{"description": "red widget"},
		},
		{
			name:       "invalid tool ignored",
			content:    `unknown_tool {"foo": "bar"}`,
			validTools: []string{"find_item"},
			wantTool:   "",
			wantArgs:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := parseTextToolCalls(tt.content, tt.validTools)

			if tt.wantTool == "" {
				if len(calls) != 0 {
					t.Errorf("expected no tool calls, got %d", len(calls))
				}
				return
			}

			if len(calls) != 1 {
				t.Fatalf("expected 1 tool call, got %d", len(calls))
			}

			if calls[0].Function.Name != tt.wantTool {
				t.Errorf("tool name = %q, want %q", calls[0].Function.Name, tt.wantTool)
			}

			for k, want := range tt.wantArgs {
				got := calls[0].Function.Arguments[k]
				if got != want {
					t.Errorf("args[%q] = %v, want %v", k, got, want)
				}
			}
		})
	}
}

// ollamaServer serves each line of chunks as one NDJSON response line
// and records the decoded request.
func ollamaServer(t *testing.T, chunks []string, got *ollamaRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if got != nil {
			if err := json.NewDecoder(r.Body).Decode(got); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, c := range chunks {
			fmt.Fprintln(w, c)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaChatStream_TokensThinkingAndToolCalls(t *testing.T) {
	var req ollamaRequest
	srv := ollamaServer(t, []string{
		`{"model":"qwen3:4b","message":{"role":"assistant","content":"","thinking":"need x"},"done":false}`,
		`{"model":"qwen3:4b","message":{"role":"assistant","content":"Look"},"done":false}`,
		`{"model":"qwen3:4b","message":{"role":"assistant","content":"ing"},"done":false}`,
		`{"model":"qwen3:4b","message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"list_x","arguments":{}}}]},"done":false}`,
		`{"model":"qwen3:4b","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":10,"eval_count":4}`,
	}, &req)

	client := NewOllamaClient(srv.URL, nil)
	tools := []map[string]any{ToolSpec("list_x", "List x", nil)}

	var events []StreamEvent
	resp, err := client.ChatStream(context.Background(), "qwen3:4b",
		[]Message{{Role: "user", Content: "what x exist?"}}, tools,
		func(e StreamEvent) { events = append(events, e) })
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if !req.Stream {
		t.Error("request not marked as streaming")
	}
	if len(req.Tools) != 1 {
		t.Errorf("request tools = %d, want 1", len(req.Tools))
	}

	wantKinds := []StreamEventKind{KindThinking, KindToken, KindToken, KindToolCall, KindDone}
	if len(events) != len(wantKinds) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(wantKinds), events)
	}
	for i, k := range wantKinds {
		if events[i].Kind != k {
			t.Errorf("event[%d] kind = %v, want %v", i, events[i].Kind, k)
		}
	}
	if events[0].ThinkingKind != ThinkingReasoning {
		t.Errorf("thinking kind = %q", events[0].ThinkingKind)
	}

	if resp.Message.Content != "Looking" {
		t.Errorf("content = %q, want %q", resp.Message.Content, "Looking")
	}
	if resp.Message.Thinking != "need x" {
		t.Errorf("thinking = %q", resp.Message.Thinking)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Function.Name != "list_x" {
		t.Errorf("tool calls = %+v", resp.Message.ToolCalls)
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 4 {
		t.Errorf("tokens = %d/%d, want 10/4", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOllamaChatStream_TextToolCall(t *testing.T) {
	srv := ollamaServer(t, []string{
		`{"model":"qwen3:4b","message":{"role":"assistant","content":"{\"name\": \"echo\", "},"done":false}`,
		`{"model":"qwen3:4b","message":{"role":"assistant","content":"\"arguments\": {\"message\": \"hi\"}}"},"done":false}`,
		`{"model":"qwen3:4b","message":{"role":"assistant","content":""},"done":true}`,
	}, nil)

	client := NewOllamaClient(srv.URL, nil)
	tools := []map[string]any{ToolSpec("echo", "Echo a message", nil)}

	resp, err := client.ChatStream(context.Background(), "qwen3:4b",
		[]Message{{Role: "user", Content: "say hi"}}, tools, func(StreamEvent) {})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	if resp.Message.ToolCalls[0].Function.Arguments["message"] != "hi" {
		t.Errorf("arguments = %v", resp.Message.ToolCalls[0].Function.Arguments)
	}
	if resp.Message.Content != "" {
		t.Errorf("content should be cleared, got %q", resp.Message.Content)
	}
}

func TestOllamaChatStream_EndsWithoutDone(t *testing.T) {
	srv := ollamaServer(t, []string{
		`{"model":"qwen3:4b","message":{"role":"assistant","content":"partial"},"done":false}`,
	}, nil)

	client := NewOllamaClient(srv.URL, nil)
	_, err := client.ChatStream(context.Background(), "qwen3:4b",
		[]Message{{Role: "user", Content: "hi"}}, nil, func(StreamEvent) {})
	if !errors.Is(err, ErrBadResponse) {
		t.Fatalf("err = %v, want ErrBadResponse", err)
	}
}

func TestOllamaChatStream_MalformedChunk(t *testing.T) {
	srv := ollamaServer(t, []string{`{"model":`}, nil)

	client := NewOllamaClient(srv.URL, nil)
	_, err := client.ChatStream(context.Background(), "qwen3:4b",
		[]Message{{Role: "user", Content: "hi"}}, nil, func(StreamEvent) {})
	if !errors.Is(err, ErrBadResponse) {
		t.Fatalf("err = %v, want ErrBadResponse", err)
	}
}

func TestOllamaChat_NonStreaming(t *testing.T) {
	var req ollamaRequest
	srv := ollamaServer(t, []string{
		`{"model":"qwen3:4b","created_at":"2026-02-11T15:00:00Z","message":{"role":"assistant","content":"x-1, x-2"},"done":true}`,
	}, &req)

	client := NewOllamaClient(srv.URL, nil)
	resp, err := client.Chat(context.Background(), "qwen3:4b", []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "list"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if req.Stream {
		t.Error("non-streaming request marked as streaming")
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
		t.Errorf("request messages = %+v", req.Messages)
	}
	if resp.Message.Content != "x-1, x-2" {
		t.Errorf("content = %q", resp.Message.Content)
	}
}

func TestOllamaChat_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, nil)
	_, err := client.Chat(context.Background(), "missing:1b", []Message{{Role: "user", Content: "hi"}}, nil)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Provider != "ollama" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestOllamaPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"models":[{"name":"qwen3:4b"},{"name":"llama3.2:3b"}]}`)
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, nil)
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	models, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0] != "qwen3:4b" {
		t.Errorf("models = %v", models)
	}
}

func TestOllamaPing_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewOllamaClient(url, nil)
	if err := client.Ping(context.Background()); err == nil {
		t.Fatal("expected error for closed server")
	}
}
