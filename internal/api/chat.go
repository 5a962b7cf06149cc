package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	sse "github.com/tmaxmax/go-sse"

	"github.com/nugget/conduit/internal/agent"
	"github.com/nugget/conduit/internal/errs"
	"github.com/nugget/conduit/internal/stream"
)

// ChatRequest is the body of POST /v1/chat and each WebSocket frame a
// client sends. Either Message or Messages must be set.
type ChatRequest struct {
	Message        string          `json:"message,omitempty"`
	Messages       []agent.Message `json:"messages,omitempty"`
	Model          string          `json:"model,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`

	// Stream selects SSE delivery. Absent means true.
	Stream *bool `json:"stream,omitempty"`
}

func (c ChatRequest) streaming() bool {
	return c.Stream == nil || *c.Stream
}

// agentRequest validates c and converts it, assigning a conversation id
// when the client did not send one.
func (c ChatRequest) agentRequest() (*agent.Request, error) {
	msgs := c.Messages
	if c.Message != "" {
		msgs = append(msgs, agent.Message{Role: "user", Content: c.Message})
	}
	if len(msgs) == 0 {
		return nil, errors.New("message is required")
	}
	convID := c.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}
	return &agent.Request{Messages: msgs, Model: c.Model, ConversationID: convID}, nil
}

// ChatResponse is the non-streaming reply to POST /v1/chat.
type ChatResponse struct {
	Response       string   `json:"response"`
	Model          string   `json:"model"`
	ConversationID string   `json:"conversation_id"`
	RequestID      string   `json:"request_id"`
	Iterations     int      `json:"iterations"`
	Truncated      bool     `json:"truncated,omitempty"`
	ToolCalls      []string `json:"tool_calls,omitempty"`
}

// turn runs one agent turn in the background and hands its events to
// send in order. It returns when the run has ended and every event was
// delivered, or as soon as the client is gone. A client that goes away
// detaches the stream; calls already in flight finish and the agent
// stops at its next suspension point.
func (s *Server) turn(ctx context.Context, req *agent.Request, send func(stream.Event) error) (*agent.Response, error) {
	out := stream.New(s.streamBuffer)

	type result struct {
		resp *agent.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.deps.Runner.Run(context.WithoutCancel(ctx), req, out)
		done <- result{resp, err}
	}()

	evs := out.Events()
	for {
		select {
		case e, ok := <-evs:
			if !ok {
				evs = nil
				continue
			}
			if err := send(e); err != nil {
				out.Detach()
				return nil, fmt.Errorf("deliver event: %w", err)
			}
		case res := <-done:
			// Run has returned, so nothing more will be emitted; flush
			// what is still buffered.
			for evs != nil {
				select {
				case e, ok := <-evs:
					if !ok {
						evs = nil
						break
					}
					if err := send(e); err != nil {
						return res.resp, fmt.Errorf("deliver event: %w", err)
					}
				default:
					evs = nil
				}
			}
			return res.resp, res.err
		case <-ctx.Done():
			out.Detach()
			return nil, ctx.Err()
		}
	}
}

// handleChat runs a turn. The event stream is delivered as SSE, one
// message per event with the event type as the SSE event name, unless
// the client asked for "stream": false.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var cr ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&cr); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := cr.agentRequest()
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if !cr.streaming() {
		s.chatOnce(w, r, req)
		return
	}

	w.Header().Set("X-Conversation-ID", req.ConversationID)
	w.Header().Set("X-Accel-Buffering", "no")
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		s.logger.Error("failed to upgrade to SSE", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	_, err = s.turn(r.Context(), req, func(e stream.Event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		msg := &sse.Message{Type: sse.Type(string(e.Type()))}
		msg.AppendData(string(data))
		if err := sess.Send(msg); err != nil {
			return err
		}
		return sess.Flush()
	})
	if err != nil {
		s.logger.Debug("streamed turn ended early",
			"conversation_id", req.ConversationID,
			"error", err,
		)
	}
}

func (s *Server) chatOnce(w http.ResponseWriter, r *http.Request, req *agent.Request) {
	resp, err := s.deps.Runner.Run(r.Context(), req, nil)
	if err != nil {
		s.runError(w, err)
		return
	}

	out := ChatResponse{
		Response:       resp.Content,
		Model:          resp.Model,
		ConversationID: resp.ConversationID,
		RequestID:      resp.RequestID,
		Iterations:     resp.Iterations,
		Truncated:      resp.Truncated,
	}
	for _, inv := range resp.Invocations {
		out.ToolCalls = append(out.ToolCalls, inv.Tool)
	}
	writeJSON(w, out, s.logger)
}

// runError maps a failed turn to an HTTP status.
func (s *Server) runError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrModel):
		s.errorResponse(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.errorResponse(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		s.logger.Error("agent loop failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "agent error: "+err.Error())
	}
}

// wsError is sent on the socket when a frame cannot be run.
type wsError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// handleChatWS serves conversations over a WebSocket. Each text frame
// is a ChatRequest; its events come back as JSON frames in order. Turns
// on one socket run one at a time. Closing the socket detaches the
// running turn.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	reqs := make(chan ChatRequest)
	go func() {
		defer cancel()
		for {
			var cr ChatRequest
			if err := conn.ReadJSON(&cr); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("websocket read failed", "error", err)
				}
				return
			}
			select {
			case reqs <- cr:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case cr := <-reqs:
			req, err := cr.agentRequest()
			if err != nil {
				if err := conn.WriteJSON(wsError{Type: "request_error", Error: err.Error()}); err != nil {
					return
				}
				continue
			}
			_, err = s.turn(ctx, req, func(e stream.Event) error {
				if err := conn.SetWriteDeadline(time.Now().Add(30 * time.Second)); err != nil {
					return err
				}
				return conn.WriteJSON(e)
			})
			if err != nil {
				s.logger.Debug("websocket turn ended early",
					"conversation_id", req.ConversationID,
					"error", err,
				)
			}
		}
	}
}
