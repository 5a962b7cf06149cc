// Package agent implements the reasoning/acting loop: model turns
// alternate with concurrent tool batches until the model answers in
// plain text.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/conduit/internal/capability"
	"github.com/nugget/conduit/internal/config"
	"github.com/nugget/conduit/internal/errs"
	"github.com/nugget/conduit/internal/events"
	"github.com/nugget/conduit/internal/llm"
	"github.com/nugget/conduit/internal/retrieval"
	"github.com/nugget/conduit/internal/router"
	"github.com/nugget/conduit/internal/stream"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Request represents an incoming agent request.
type Request struct {
	Messages       []Message `json:"messages"`
	Model          string    `json:"model,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

// Response represents the agent's response.
type Response struct {
	RequestID      string       `json:"request_id"`
	ConversationID string       `json:"conversation_id"`
	Content        string       `json:"content"`
	Model          string       `json:"model"`
	FinishReason   string       `json:"finish_reason"` // stop, iteration_limit
	Iterations     int          `json:"iterations"`
	Truncated      bool         `json:"truncated,omitempty"`
	InputTokens    int          `json:"input_tokens"`
	OutputTokens   int          `json:"output_tokens"`
	Invocations    []Invocation `json:"invocations,omitempty"`
}

// Invocation summarizes one tool call made during a turn. Status is
// always terminal once the batch that made the call has finished.
type Invocation struct {
	ID       string        `json:"id"`
	Tool     string        `json:"tool"`
	Server   string        `json:"server,omitempty"`
	Status   router.Status `json:"status"`
	Failed   bool          `json:"failed,omitempty"`
	Kind     errs.Kind     `json:"kind,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Finish reasons.
const (
	FinishStop           = "stop"
	FinishIterationLimit = "iteration_limit"
)

// State is a position in the loop's state machine.
type State int

const (
	StateAwaitingModel State = iota
	StateAwaitingTools
	StateResponding
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingModel:
		return "awaiting_model"
	case StateAwaitingTools:
		return "awaiting_tools"
	case StateResponding:
		return "responding"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ToolCaller executes a tool call and never fails outright; every
// outcome comes back as a Result. Progress is reported through lc.
// *router.Router satisfies it.
type ToolCaller interface {
	Track(ctx context.Context, lc *router.Lifecycle, name string, args map[string]any, timeout time.Duration) router.Result
}

// Directory supplies the capability snapshot whose tools are offered to
// the model.
type Directory interface {
	Snapshot() *capability.Snapshot
}

// Config bounds one conversation.
type Config struct {
	Model            string        // Used when the request names none
	SystemPrompt     string        // Prepended to every conversation
	MaxIterations    int           // Model turns per conversation (default 8)
	MaxParallelTools int           // Concurrent calls within a batch (default 4)
	ToolTimeout      time.Duration // Per tool call; zero defers to the router
	ModelTimeout     time.Duration // Per model turn (default 5m)
	RetrievalTopK    int           // Chunks requested per turn (default 4)
}

func (c *Config) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 8
	}
	if c.MaxParallelTools <= 0 {
		c.MaxParallelTools = 4
	}
	if c.ModelTimeout <= 0 {
		c.ModelTimeout = 5 * time.Minute
	}
	if c.RetrievalTopK <= 0 {
		c.RetrievalTopK = 4
	}
}

// Option configures a Loop.
type Option func(*Loop)

// WithRetriever augments each turn with retrieved context.
func WithRetriever(r retrieval.Retriever) Option {
	return func(l *Loop) { l.retriever = r }
}

// WithEventBus publishes operational events to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(l *Loop) { l.bus = bus }
}

// Loop is the core agent execution loop. One Loop serves any number of
// concurrent conversations; all per-conversation state lives in Run.
type Loop struct {
	logger    *slog.Logger
	llm       llm.Client
	tools     ToolCaller
	dir       Directory
	retriever retrieval.Retriever
	bus       *events.Bus
	cfg       Config
}

// NewLoop creates a new agent loop.
func NewLoop(logger *slog.Logger, client llm.Client, tools ToolCaller, dir Directory, cfg Config, opts ...Option) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	l := &Loop{
		logger:    logger,
		llm:       client,
		tools:     tools,
		dir:       dir,
		retriever: retrieval.Nop{},
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the loop's effective configuration.
func (l *Loop) Config() Config {
	return l.cfg
}

// generateRequestID returns a short identifier for log correlation.
func generateRequestID() string {
	return "r_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// turn holds the state of one Run.
type turn struct {
	l      *Loop
	ctx    context.Context
	out    *stream.Stream
	log    *slog.Logger
	state  State
	start  time.Time
	gone   bool
	resp   *Response
	convo  []llm.Message
	offers []map[string]any
}

// Run drives one conversation turn to completion, emitting events to out
// as they happen. out may be nil when only the final Response matters.
//
// Run returns an error only when the turn ends without an answer: a
// model backend fault (wrapping errs.ErrModel), cancellation of ctx, or
// stream.ErrDetached when the consumer went away. Tool failures never
// surface here; they are reported to the model as observations.
func (l *Loop) Run(ctx context.Context, req *Request, out *stream.Stream) (*Response, error) {
	model := req.Model
	if model == "" {
		model = l.cfg.Model
	}
	convID := req.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}
	requestID := generateRequestID()

	t := &turn{
		l:     l,
		ctx:   ctx,
		out:   out,
		log:   l.logger.With("request_id", requestID, "conversation", convID),
		start: time.Now(),
		resp: &Response{
			RequestID:      requestID,
			ConversationID: convID,
			Model:          model,
		},
	}

	t.log.Info("agent loop started", "messages", len(req.Messages), "model", model)
	l.bus.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"request_id":      requestID,
		"conversation_id": convID,
		"model":           model,
	})

	t.seed(req)
	err := t.loop()
	t.complete(err)
	if err != nil {
		return nil, err
	}
	return t.resp, nil
}

// seed builds the opening conversation: system prompt, retrieved
// context, then the request messages.
func (t *turn) seed(req *Request) {
	if t.l.cfg.SystemPrompt != "" {
		t.convo = append(t.convo, llm.Message{Role: "system", Content: t.l.cfg.SystemPrompt})
	}

	if query := lastUserMessage(req.Messages); query != "" {
		chunks, err := t.l.retriever.Retrieve(t.ctx, query, t.l.cfg.RetrievalTopK)
		switch {
		case err != nil:
			t.log.Warn("retrieval failed, continuing without context", "error", err)
		case len(chunks) > 0:
			t.convo = append(t.convo, llm.Message{Role: "system", Content: formatContext(chunks)})
			body := stream.RAGContext{Chunks: make([]stream.Chunk, len(chunks))}
			for i, c := range chunks {
				body.Chunks[i] = stream.Chunk{Text: c.Text, Source: c.Source, Score: c.Score}
			}
			t.emit(body)
			t.log.Debug("retrieved context", "chunks", len(chunks))
		}
	}

	for _, m := range req.Messages {
		t.convo = append(t.convo, llm.Message{Role: m.Role, Content: m.Content})
	}
}

func (t *turn) loop() error {
	maxIter := t.l.cfg.MaxIterations
	for iter := 1; iter <= maxIter; iter++ {
		if err := t.suspend(); err != nil {
			return err
		}

		t.transition(StateAwaitingModel)
		resp, err := t.callModel(iter)
		if err != nil {
			if ctxErr := t.ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			t.transition(StateFailed)
			t.log.Error("model call failed", "iter", iter, "error", err)
			t.emit(stream.Error{Message: err.Error(), Kind: string(errs.KindModel)})
			return errs.Wrap(errs.ErrModel, err)
		}
		t.resp.Iterations = iter

		calls := resp.Message.ToolCalls
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
			}
		}
		t.convo = append(t.convo, llm.Message{
			Role:      "assistant",
			Content:   resp.Message.Content,
			ToolCalls: calls,
		})

		if len(calls) == 0 {
			t.transition(StateResponding)
			t.resp.Content = resp.Message.Content
			t.resp.FinishReason = FinishStop
			t.transition(StateDone)
			t.emit(stream.Done{Iterations: iter})
			return nil
		}

		if iter == maxIter {
			t.log.Warn("iteration limit reached", "iterations", iter, "pending_tool_calls", len(calls))
			t.resp.Content = resp.Message.Content
			t.resp.FinishReason = FinishIterationLimit
			t.resp.Truncated = true
			t.transition(StateDone)
			t.emit(stream.Done{Iterations: iter, Truncated: true, Reason: string(errs.KindIterationLimit)})
			return nil
		}

		if err := t.suspend(); err != nil {
			return err
		}
		t.transition(StateAwaitingTools)
		t.runTools(calls)
	}
	return nil
}

// callModel runs one model turn, streaming tokens and thinking as they
// arrive.
func (t *turn) callModel(iter int) (*llm.ChatResponse, error) {
	if t.l.dir != nil {
		snap := t.l.dir.Snapshot()
		tools := snap.Tools()
		t.offers = make([]map[string]any, 0, len(tools))
		for _, r := range tools {
			t.offers = append(t.offers, llm.ToolSpec(r.Name, r.Description, r.InputSchema))
		}
	}

	t.l.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"request_id": t.resp.RequestID,
		"iter":       iter,
		"model":      t.resp.Model,
		"tools":      len(t.offers),
	})
	t.log.Debug("calling model", "iter", iter, "messages", len(t.convo), "tools", len(t.offers))

	ctx, cancel := context.WithTimeout(t.ctx, t.l.cfg.ModelTimeout)
	defer cancel()

	start := time.Now()
	resp, err := t.l.llm.ChatStream(ctx, t.resp.Model, t.convo, t.offers, func(e llm.StreamEvent) {
		switch e.Kind {
		case llm.KindToken:
			t.emit(stream.Token{Text: e.Token})
		case llm.KindThinking:
			kind := e.ThinkingKind
			if kind == "" {
				kind = llm.ThinkingReasoning
			}
			t.emit(stream.Thinking{Token: e.Token, Kind: kind})
		}
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", llm.ErrBadResponse)
	}

	t.resp.InputTokens += resp.InputTokens
	t.resp.OutputTokens += resp.OutputTokens

	t.l.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
		"request_id":  t.resp.RequestID,
		"iter":        iter,
		"model":       resp.Model,
		"tokens_in":   resp.InputTokens,
		"tokens_out":  resp.OutputTokens,
		"tool_calls":  len(resp.Message.ToolCalls),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	t.log.Debug("model responded",
		"iter", iter,
		"content_len", len(resp.Message.Content),
		"tool_calls", len(resp.Message.ToolCalls),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return resp, nil
}

// runTools dispatches one batch concurrently, waits for every call, then
// reports results in issue order.
func (t *turn) runTools(calls []llm.ToolCall) {
	for _, tc := range calls {
		t.emit(stream.ToolCall{ID: tc.ID, Name: tc.Function.Name, ArgsSummary: summarizeArgs(tc.Function.Arguments)})
		t.l.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
			"request_id":    t.resp.RequestID,
			"invocation_id": tc.ID,
			"tool":          tc.Function.Name,
		})
	}

	// In-flight calls are never cancelled: they finish even if the
	// conversation is abandoned, and their results are dropped.
	batchCtx := context.WithoutCancel(t.ctx)
	results := make([]router.Result, len(calls))
	lifecycles := make([]*router.Lifecycle, len(calls))
	for i, tc := range calls {
		lifecycles[i] = &router.Lifecycle{OnChange: func(from, to router.Status) {
			t.log.Log(t.ctx, config.LevelTrace, "invocation status",
				"invocation_id", tc.ID, "tool", tc.Function.Name, "from", from, "to", to)
		}}
	}

	var g errgroup.Group
	g.SetLimit(t.l.cfg.MaxParallelTools)
	for i, tc := range calls {
		g.Go(func() error {
			results[i] = t.l.tools.Track(batchCtx, lifecycles[i], tc.Function.Name, tc.Function.Arguments, t.l.cfg.ToolTimeout)
			return nil
		})
	}
	_ = g.Wait()

	for i, tc := range calls {
		res := results[i]
		status := lifecycles[i].Finish(res.IsError)
		obs := res.Observation()

		t.l.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
			"request_id":    t.resp.RequestID,
			"invocation_id": tc.ID,
			"tool":          tc.Function.Name,
			"server":        res.Server,
			"ok":            !res.IsError,
			"status":        status.String(),
			"error_kind":    string(res.Kind),
			"duration_ms":   res.Duration.Milliseconds(),
		})
		if res.IsError {
			t.log.Info("tool call failed", "tool", tc.Function.Name, "kind", res.Kind, "message", res.Message)
		}

		t.resp.Invocations = append(t.resp.Invocations, Invocation{
			ID:       tc.ID,
			Tool:     tc.Function.Name,
			Server:   res.Server,
			Status:   status,
			Failed:   res.IsError,
			Kind:     res.Kind,
			Duration: res.Duration,
		})

		payload := res.Text
		if res.IsError {
			payload = res.Message
		}
		t.emit(stream.ToolResult{ID: tc.ID, Payload: payload, IsError: res.IsError})
		t.emit(stream.Observation{ID: tc.ID, Text: obs})

		t.convo = append(t.convo, llm.Message{Role: "tool", Content: obs, ToolCallID: tc.ID})
	}
}

// suspend is checked before each model call and each tool batch. It
// reports why the turn must stop, if it must.
func (t *turn) suspend() error {
	if err := t.ctx.Err(); err != nil {
		return err
	}
	if t.gone || (t.out != nil && t.out.Err() != nil) {
		t.gone = true
		return stream.ErrDetached
	}
	return nil
}

// emit delivers b unless the consumer already left.
func (t *turn) emit(b stream.Body) {
	if t.out == nil || t.gone {
		return
	}
	if err := t.out.Emit(b); err != nil {
		t.gone = true
		t.log.Debug("stream consumer gone", "error", err, "dropped", b.Type())
	}
}

func (t *turn) transition(to State) {
	if t.state == to {
		return
	}
	t.log.Log(t.ctx, config.LevelTrace, "state transition", "from", t.state, "to", to)
	t.state = to
}

func (t *turn) complete(err error) {
	outcome := "done"
	switch {
	case errs.KindOf(err) == errs.KindModel:
		outcome = "failed"
	case errors.Is(err, stream.ErrDetached):
		outcome = "detached"
	case err != nil:
		outcome = "cancelled"
	case t.resp.Truncated:
		outcome = "truncated"
	}

	elapsed := time.Since(t.start)
	t.l.bus.Emit(events.SourceAgent, events.KindRequestComplete, map[string]any{
		"request_id": t.resp.RequestID,
		"iterations": t.resp.Iterations,
		"outcome":    outcome,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	t.log.Info("agent loop completed",
		"outcome", outcome,
		"iterations", t.resp.Iterations,
		"tool_calls", len(t.resp.Invocations),
		"input_tokens", t.resp.InputTokens,
		"output_tokens", t.resp.OutputTokens,
		"elapsed", elapsed.Round(time.Millisecond),
	)
}

func lastUserMessage(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

// formatContext renders retrieved chunks as a system message.
func formatContext(chunks []retrieval.Chunk) string {
	var sb strings.Builder
	sb.WriteString("Relevant context:\n")
	for i, c := range chunks {
		fmt.Fprintf(&sb, "\n[%d]", i+1)
		if c.Source != "" {
			fmt.Fprintf(&sb, " (%s)", c.Source)
		}
		sb.WriteString(" ")
		sb.WriteString(c.Text)
	}
	return sb.String()
}

const maxArgsSummary = 200

// summarizeArgs renders tool arguments as compact JSON, cut to a
// readable length.
func summarizeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	s := string(data)
	if len(s) <= maxArgsSummary {
		return s
	}
	cut := maxArgsSummary
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
