package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/nugget/conduit/internal/config"
	"github.com/nugget/conduit/internal/httpkit"
)

// DefaultOllamaURL is used when no base URL is configured.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 5 * time.Minute // Large models with tools need time to load

	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "ollama"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// Ollama wire types

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // Ollama returns object, not string
	} `json:"function"`
}

type ollamaResponse struct {
	Model      string        `json:"model"`
	CreatedAt  string        `json:"created_at"`
	Message    ollamaMessage `json:"message"`
	Done       bool          `json:"done"`
	DoneReason string        `json:"done_reason,omitempty"`

	// Usage stats (when done=true); durations are nanoseconds.
	TotalDuration      int64 `json:"total_duration,omitempty"`
	LoadDuration       int64 `json:"load_duration,omitempty"`
	PromptEvalCount    int   `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64 `json:"prompt_eval_duration,omitempty"`
	EvalCount          int   `json:"eval_count,omitempty"`
	EvalDuration       int64 `json:"eval_duration,omitempty"`
}

func (r *ollamaResponse) toChatResponse() *ChatResponse {
	resp := &ChatResponse{
		Model: r.Model,
		Message: Message{
			Role:     r.Message.Role,
			Content:  r.Message.Content,
			Thinking: r.Message.Thinking,
		},
		Done:          r.Done,
		StopReason:    r.DoneReason,
		InputTokens:   r.PromptEvalCount,
		OutputTokens:  r.EvalCount,
		TotalDuration: time.Duration(r.TotalDuration),
		LoadDuration:  time.Duration(r.LoadDuration),
		EvalDuration:  time.Duration(r.EvalDuration),
	}
	if t, err := time.Parse(time.RFC3339Nano, r.CreatedAt); err == nil {
		resp.CreatedAt = t
	}
	for _, tc := range r.Message.ToolCalls {
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{
			Function: FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	return resp
}

func toOllamaMessages(messages []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			var otc ollamaToolCall
			otc.Function.Name = tc.Function.Name
			otc.Function.Arguments = tc.Function.Arguments
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out = append(out, om)
	}
	return out
}

// Chat sends a chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a streaming chat request to Ollama.
// If callback is non-nil, tokens are streamed to it.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	req := ollamaRequest{
		Model:    model,
		Messages: toOllamaMessages(messages),
		Stream:   stream,
		Tools:    tools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "ollama", Status: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 4096)}
	}

	validTools := extractToolNames(tools)

	if !stream {
		var wire ollamaResponse
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return nil, fmt.Errorf("%w: decode response: %w", ErrBadResponse, err)
		}
		chatResp := wire.toChatResponse()
		applyTextToolCalls(chatResp, validTools)
		return chatResp, nil
	}

	// Streaming: newline-delimited JSON
	var (
		final          *ChatResponse
		contentBuilder strings.Builder
		thinkBuilder   strings.Builder
		toolCalls      []ToolCall
	)
	decoder := json.NewDecoder(resp.Body)

	for {
		var chunk ollamaResponse
		if err := decoder.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: decode stream chunk: %w", ErrBadResponse, err)
		}

		if chunk.Message.Thinking != "" {
			thinkBuilder.WriteString(chunk.Message.Thinking)
			callback(StreamEvent{Kind: KindThinking, Token: chunk.Message.Thinking, ThinkingKind: ThinkingReasoning})
		}
		if chunk.Message.Content != "" {
			contentBuilder.WriteString(chunk.Message.Content)
			callback(StreamEvent{Kind: KindToken, Token: chunk.Message.Content})
		}
		for _, tc := range chunk.toChatResponse().Message.ToolCalls {
			toolCalls = append(toolCalls, tc)
			callback(StreamEvent{Kind: KindToolCall, ToolCall: &tc})
		}

		if chunk.Done {
			final = chunk.toChatResponse()
			break
		}
	}

	if final == nil {
		return nil, fmt.Errorf("%w: stream ended before done", ErrBadResponse)
	}
	final.Message.Role = "assistant"
	final.Message.Content = contentBuilder.String()
	final.Message.Thinking = thinkBuilder.String()
	final.Message.ToolCalls = toolCalls
	applyTextToolCalls(final, validTools)

	c.logger.Debug("stream complete",
		"model", final.Model,
		"input_tokens", final.InputTokens,
		"output_tokens", final.OutputTokens,
		"content_len", len(final.Message.Content),
		"tool_calls", len(final.Message.ToolCalls),
	)

	callback(StreamEvent{Kind: KindDone, Response: final})
	return final, nil
}

// applyTextToolCalls moves tool calls written into the content into
// ToolCalls when the model produced no native ones.
func applyTextToolCalls(resp *ChatResponse, validTools []string) {
	if len(resp.Message.ToolCalls) > 0 || resp.Message.Content == "" {
		return
	}
	if parsed := parseTextToolCalls(resp.Message.Content, validTools); len(parsed) > 0 {
		resp.Message.ToolCalls = parsed
		resp.Message.Content = "" // It was a tool call, not an answer
	}
}

// extractToolNames returns the function names from OpenAI-format tool
// definitions, skipping malformed entries.
func extractToolNames(tools []map[string]any) []string {
	if len(tools) == 0 {
		return nil
	}
	names := []string{}
	for _, tool := range tools {
		if name, _, _, ok := toolFunction(tool); ok {
			names = append(names, name)
		}
	}
	return names
}

type textToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Small models often write tool calls as JSON in the content rather than
// using the native tool_calls field. Handled formats:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Concatenated objects: {...}{...} with optional trailing prose
//   - Tagged: <tool_call>...</tool_call>
//   - tool_name {json}, only for names in validTools
//
// When validTools is non-empty, calls naming other tools are dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	valid := func(name string) bool {
		return name != "" && (len(validTools) == 0 || slices.Contains(validTools, name))
	}
	build := func(calls []textToolCall) []ToolCall {
		var out []ToolCall
		for _, c := range calls {
			if valid(c.Name) {
				out = append(out, ToolCall{Function: FunctionCall{Name: c.Name, Arguments: c.Arguments}})
			}
		}
		return out
	}

	switch {
	case strings.HasPrefix(content, "["):
		var calls []textToolCall
		if err := json.Unmarshal([]byte(content), &calls); err == nil {
			return build(calls)
		}

	case strings.HasPrefix(content, "{"):
		// One or more concatenated objects; stop at the first thing
		// that is not one.
		var calls []textToolCall
		dec := json.NewDecoder(strings.NewReader(content))
		for {
			var c textToolCall
			if err := dec.Decode(&c); err != nil || c.Name == "" {
				break
			}
			calls = append(calls, c)
		}
		return build(calls)

	default:
		// tool_name {json}
		name, rest, ok := strings.Cut(content, " ")
		if !ok || len(validTools) == 0 || !slices.Contains(validTools, name) {
			return nil
		}
		var args map[string]any
		dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(rest)))
		if err := dec.Decode(&args); err != nil {
			return nil
		}
		return []ToolCall{{Function: FunctionCall{Name: name, Arguments: args}}}
	}

	return nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return &APIError{Provider: "ollama", Status: resp.StatusCode}
	}
	return nil
}

// ListModels returns available models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "ollama", Status: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 4096)}
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
