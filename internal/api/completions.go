package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	sse "github.com/tmaxmax/go-sse"

	"github.com/nugget/conduit/internal/agent"
	"github.com/nugget/conduit/internal/stream"
)

// ChatCompletionRequest is the OpenAI-compatible request format.
type ChatCompletionRequest struct {
	Model    string          `json:"model"`
	Messages []agent.Message `json:"messages"`
	Stream   bool            `json:"stream,omitempty"`
	User     string          `json:"user,omitempty"`
}

// ChatCompletionResponse is the OpenAI-compatible response format.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice represents a completion choice.
type Choice struct {
	Index        int           `json:"index"`
	Message      agent.Message `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// Usage represents token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is the SSE format for streaming responses.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
}

// StreamChoice represents a streaming choice with delta content.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

// StreamDelta represents incremental content.
type StreamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "messages are required")
		return
	}

	agentReq := &agent.Request{
		Messages:       req.Messages,
		Model:          req.Model,
		ConversationID: req.User,
	}

	if req.Stream {
		s.streamCompletion(w, r, agentReq)
		return
	}

	resp, err := s.deps.Runner.Run(r.Context(), agentReq, nil)
	if err != nil {
		s.runError(w, err)
		return
	}

	writeJSON(w, ChatCompletionResponse{
		ID:      "chatcmpl-" + resp.RequestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []Choice{{
			Message:      agent.Message{Role: "assistant", Content: resp.Content},
			FinishReason: finishReason(resp.FinishReason),
		}},
		Usage: Usage{
			PromptTokens:     resp.InputTokens,
			CompletionTokens: resp.OutputTokens,
			TotalTokens:      resp.InputTokens + resp.OutputTokens,
		},
	}, s.logger)
}

// finishReason maps the agent's reason to OpenAI's vocabulary.
func finishReason(r string) string {
	if r == agent.FinishIterationLimit {
		return "length"
	}
	return "stop"
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, req *agent.Request) {
	w.Header().Set("X-Accel-Buffering", "no")
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	cw := &completionWriter{
		sess:    sess,
		id:      fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()),
		created: time.Now().Unix(),
		model:   req.Model,
	}
	if cw.model == "" {
		cw.model = "conduit"
	}
	if err := cw.chunk(StreamDelta{Role: "assistant"}, nil); err != nil {
		return
	}

	_, err = s.turn(r.Context(), req, func(e stream.Event) error {
		return stream.Dispatch(e, cw)
	})
	if err != nil {
		s.logger.Debug("completion stream ended early", "error", err)
	}
}

// completionWriter renders the event stream as OpenAI chat completion
// chunks. Only answer tokens become content; tool activity is sent as
// SSE comments so proxies see traffic during long tool batches.
type completionWriter struct {
	sess    *sse.Session
	id      string
	created int64
	model   string
}

func (c *completionWriter) chunk(delta StreamDelta, finish *string) error {
	data, err := json.Marshal(StreamChunk{
		ID:      c.id,
		Object:  "chat.completion.chunk",
		Created: c.created,
		Model:   c.model,
		Choices: []StreamChoice{{Delta: delta, FinishReason: finish}},
	})
	if err != nil {
		return err
	}
	msg := &sse.Message{}
	msg.AppendData(string(data))
	return c.send(msg)
}

func (c *completionWriter) send(msg *sse.Message) error {
	if err := c.sess.Send(msg); err != nil {
		return err
	}
	return c.sess.Flush()
}

func (c *completionWriter) keepalive(what string) error {
	msg := &sse.Message{}
	msg.AppendComment(what)
	return c.send(msg)
}

func (c *completionWriter) finish(reason string) error {
	if err := c.chunk(StreamDelta{}, &reason); err != nil {
		return err
	}
	msg := &sse.Message{}
	msg.AppendData("[DONE]")
	return c.send(msg)
}

func (c *completionWriter) Thinking(uint64, stream.Thinking) error { return nil }

func (c *completionWriter) Token(_ uint64, b stream.Token) error {
	return c.chunk(StreamDelta{Content: b.Text}, nil)
}

func (c *completionWriter) ToolCall(_ uint64, b stream.ToolCall) error {
	return c.keepalive("tool " + b.Name)
}

func (c *completionWriter) ToolResult(_ uint64, b stream.ToolResult) error {
	return c.keepalive("tool done " + b.ID)
}

func (c *completionWriter) Observation(uint64, stream.Observation) error { return nil }

func (c *completionWriter) RAGContext(uint64, stream.RAGContext) error { return nil }

func (c *completionWriter) Done(_ uint64, b stream.Done) error {
	if b.Truncated {
		return c.finish("length")
	}
	return c.finish("stop")
}

func (c *completionWriter) Error(_ uint64, b stream.Error) error {
	data, err := json.Marshal(map[string]any{
		"error": map[string]string{"message": b.Message, "type": b.Kind},
	})
	if err != nil {
		return err
	}
	msg := &sse.Message{}
	msg.AppendData(string(data))
	return c.send(msg)
}
