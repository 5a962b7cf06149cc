package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/nugget/conduit/internal/config"
	"github.com/nugget/conduit/internal/httpkit"
)

// OpenAIClient talks to the OpenAI Chat Completions API or any server
// that speaks it (vLLM, llama.cpp, LM Studio).
type OpenAIClient struct {
	client openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates an OpenAI-compatible client. An empty baseURL
// uses the public API.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}

	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithTransport(t))),
		// Failures surface to the agent loop as model errors; the loop
		// decides what to do, not the SDK.
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &OpenAIClient{
		client: openai.NewClient(opts...),
		logger: logger.With("provider", "openai"),
	}
}

// Chat sends a non-streaming chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a chat request, streaming tokens and tool calls to
// callback when it is non-nil.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	params, err := buildOpenAIParams(model, messages, tools)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(params.Messages),
		"tools", len(params.Tools),
		"stream", callback != nil,
	)

	if callback == nil {
		completion, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return nil, convertOpenAIError(err)
		}
		return c.finish(ctx, completion)
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		acc     openai.ChatCompletionAccumulator
		emitted int
	)
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if tc, ok := acc.JustFinishedToolCall(); ok {
			call, err := toOpenAIToolCall(tc.ID, tc.Name, tc.Arguments)
			if err != nil {
				return nil, err
			}
			emitted++
			callback(StreamEvent{Kind: KindToolCall, ToolCall: &call})
		}

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			callback(StreamEvent{Kind: KindToken, Token: chunk.Choices[0].Delta.Content})
		}
	}
	if err := stream.Err(); err != nil {
		return nil, convertOpenAIError(err)
	}

	resp, err := c.finish(ctx, &acc.ChatCompletion)
	if err != nil {
		return nil, err
	}

	// Servers that end the stream without a trailing chunk never trip
	// JustFinishedToolCall for the last call.
	for i := emitted; i < len(resp.Message.ToolCalls); i++ {
		callback(StreamEvent{Kind: KindToolCall, ToolCall: &resp.Message.ToolCalls[i]})
	}
	callback(StreamEvent{Kind: KindDone, Response: resp})
	return resp, nil
}

// finish converts a completed (or accumulated) completion.
func (c *OpenAIClient) finish(ctx context.Context, completion *openai.ChatCompletion) (*ChatResponse, error) {
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", ErrBadResponse)
	}
	choice := completion.Choices[0]

	var toolCalls []ToolCall
	for _, tc := range choice.Message.ToolCalls {
		call, err := toOpenAIToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments)
		if err != nil {
			return nil, err
		}
		toolCalls = append(toolCalls, call)
	}

	resp := &ChatResponse{
		Model: completion.Model,
		Message: Message{
			Role:      "assistant",
			Content:   choice.Message.Content,
			ToolCalls: toolCalls,
		},
		Done:         true,
		StopReason:   choice.FinishReason,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}
	if completion.Created > 0 {
		resp.CreatedAt = time.Unix(completion.Created, 0)
	}

	c.logger.Debug("response received",
		"model", resp.Model,
		"stop_reason", resp.StopReason,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(toolCalls),
	)
	c.logger.Log(ctx, config.LevelTrace, "response content", "content", resp.Message.Content)
	return resp, nil
}

// Ping lists models to verify reachability and credentials.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return convertOpenAIError(err)
	}
	return nil
}

func buildOpenAIParams(model string, messages []Message, tools []map[string]any) (openai.ChatCompletionNewParams, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
	}

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			params.Messages = append(params.Messages, openai.SystemMessage(msg.Content))
		case "user":
			params.Messages = append(params.Messages, openai.UserMessage(msg.Content))
		case "tool":
			params.Messages = append(params.Messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		case "assistant":
			if len(msg.ToolCalls) == 0 {
				params.Messages = append(params.Messages, openai.AssistantMessage(msg.Content))
				continue
			}
			var calls []openai.ChatCompletionMessageToolCall
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Function.Arguments)
				if err != nil {
					return params, fmt.Errorf("marshal arguments for %s: %w", tc.Function.Name, err)
				}
				calls = append(calls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Function.Name,
						Arguments: string(args),
					},
				})
			}
			assistant := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: calls,
			}
			params.Messages = append(params.Messages, assistant.ToParam())
		}
	}

	for _, tool := range tools {
		name, desc, schema, ok := toolFunction(tool)
		if !ok {
			continue
		}
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        name,
				Description: openai.String(desc),
				Parameters:  openai.FunctionParameters(schema),
			},
		})
	}
	return params, nil
}

func toOpenAIToolCall(id, name, arguments string) (ToolCall, error) {
	var args map[string]any
	if strings.TrimSpace(arguments) != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return ToolCall{}, fmt.Errorf("%w: tool %s arguments: %w", ErrBadResponse, name, err)
		}
	}
	return ToolCall{ID: id, Function: FunctionCall{Name: name, Arguments: args}}, nil
}

func convertOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &APIError{Provider: "openai", Status: apiErr.StatusCode, Body: apiErr.Message}
	}
	return fmt.Errorf("openai request: %w", err)
}
