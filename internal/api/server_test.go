package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sse "github.com/tmaxmax/go-sse"

	"github.com/nugget/conduit/internal/agent"
	"github.com/nugget/conduit/internal/capability"
	"github.com/nugget/conduit/internal/connwatch"
	"github.com/nugget/conduit/internal/errs"
	"github.com/nugget/conduit/internal/mcptest"
	"github.com/nugget/conduit/internal/session"
	"github.com/nugget/conduit/internal/stream"
)

// scriptRunner emits a fixed sequence of events and returns resp/err.
type scriptRunner struct {
	bodies []stream.Body
	resp   *agent.Response
	err    error

	mu   sync.Mutex
	reqs []*agent.Request
}

func (f *scriptRunner) Run(_ context.Context, req *agent.Request, out *stream.Stream) (*agent.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	if out != nil {
		for _, b := range f.bodies {
			if err := out.Emit(b); err != nil {
				return nil, err
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.resp
	resp.ConversationID = req.ConversationID
	return &resp, nil
}

func (f *scriptRunner) last() *agent.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

func answerRunner() *scriptRunner {
	return &scriptRunner{
		bodies: []stream.Body{
			stream.ToolCall{ID: "c1", Name: "list_x", ArgsSummary: "{}"},
			stream.ToolResult{ID: "c1", Payload: "x-1, x-2, x-3"},
			stream.Observation{ID: "c1", Text: "x-1, x-2, x-3"},
			stream.Token{Text: "There are "},
			stream.Token{Text: "three."},
			stream.Done{Iterations: 2},
		},
		resp: &agent.Response{
			RequestID:    "r_00000001",
			Content:      "There are three.",
			Model:        "test-model",
			FinishReason: agent.FinishStop,
			Iterations:   2,
			InputTokens:  10,
			OutputTokens: 4,
			Invocations:  []agent.Invocation{{ID: "c1", Tool: "list_x", Server: "catalog"}},
		},
	}
}

type fakeHealth []connwatch.Status

func (f fakeHealth) Status() []connwatch.Status { return f }

// newTestServer wires the API over a real session manager and directory
// backed by the in-process catalog server.
func newTestServer(t *testing.T, runner Runner) (*httptest.Server, *session.Manager) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	m := session.NewManager(logger, session.WithConnectTimeout(2*time.Second))
	t.Cleanup(func() { _ = m.CloseAll() })
	_, err := m.Connect(context.Background(), session.ServerConfig{
		ID:        "catalog",
		Transport: session.TransportHTTP,
		URL:       mcptest.Serve(t, mcptest.Catalog()),
	})
	require.NoError(t, err)

	agg := capability.NewAggregator(m, logger)
	_, err = agg.Refresh(context.Background())
	require.NoError(t, err)

	srv := NewServer("127.0.0.1", 0, Deps{
		Runner:    runner,
		Directory: agg,
		Sessions:  m,
		Health:    fakeHealth{{Backend: "ollama", Ready: true}},
		Models:    []string{"test-model"},
	}, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, m
}

type wireEvent struct {
	Seq  uint64          `json:"seq"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestChat_StreamsEventsAsSSE(t *testing.T) {
	runner := answerRunner()
	ts, _ := newTestServer(t, runner)

	resp := postJSON(t, ts.URL+"/v1/chat", ChatRequest{Message: "how many x?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
	convID := resp.Header.Get("X-Conversation-ID")
	assert.NotEmpty(t, convID)

	var got []wireEvent
	for ev, err := range sse.Read(resp.Body, nil) {
		require.NoError(t, err)
		var we wireEvent
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &we))
		assert.Equal(t, ev.Type, we.Type, "SSE event name matches payload type")
		got = append(got, we)
	}

	var types []string
	for i, e := range got {
		types = append(types, e.Type)
		assert.Equal(t, uint64(i+1), e.Seq)
	}
	assert.Equal(t, []string{"tool_call", "tool_result", "observation", "token", "token", "done"}, types)
	assert.JSONEq(t, `{"iterations":2}`, string(got[len(got)-1].Data))

	req := runner.last()
	assert.Equal(t, convID, req.ConversationID)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, agent.Message{Role: "user", Content: "how many x?"}, req.Messages[0])
}

func TestChat_NonStreaming(t *testing.T) {
	ts, _ := newTestServer(t, answerRunner())
	off := false

	resp := postJSON(t, ts.URL+"/v1/chat", ChatRequest{Message: "how many x?", ConversationID: "conv-1", Stream: &off})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out ChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "There are three.", out.Response)
	assert.Equal(t, "conv-1", out.ConversationID)
	assert.Equal(t, []string{"list_x"}, out.ToolCalls)
	assert.Equal(t, 2, out.Iterations)
}

func TestChat_RejectsEmptyRequest(t *testing.T) {
	ts, _ := newTestServer(t, answerRunner())

	resp := postJSON(t, ts.URL+"/v1/chat", ChatRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bad, err := http.Post(ts.URL+"/v1/chat", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestChat_ModelErrorStatus(t *testing.T) {
	runner := &scriptRunner{
		bodies: []stream.Body{stream.Error{Message: "backend down", Kind: "ModelError"}},
		err:    errs.Wrap(errs.ErrModel, errors.New("backend down")),
	}
	ts, _ := newTestServer(t, runner)
	off := false

	resp := postJSON(t, ts.URL+"/v1/chat", ChatRequest{Message: "hi", Stream: &off})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	// Streamed, the failure arrives as the terminal error event.
	resp = postJSON(t, ts.URL+"/v1/chat", ChatRequest{Message: "hi"})
	var types []string
	for ev, err := range sse.Read(resp.Body, nil) {
		require.NoError(t, err)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"error"}, types)
}

// detachRunner emits one token, then waits for the consumer to leave.
type detachRunner struct {
	result chan error
}

func (d *detachRunner) Run(_ context.Context, req *agent.Request, out *stream.Stream) (*agent.Response, error) {
	if err := out.Emit(stream.Token{Text: "partial"}); err != nil {
		d.result <- err
		return nil, err
	}
	select {
	case <-out.Detached():
	case <-time.After(5 * time.Second):
	}
	err := out.Emit(stream.Token{Text: "more"})
	d.result <- err
	return nil, err
}

func TestChat_ClientDisconnectDetaches(t *testing.T) {
	runner := &detachRunner{result: make(chan error, 1)}
	ts, _ := newTestServer(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/v1/chat", strings.NewReader(`{"message":"hi"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	for ev, err := range sse.Read(resp.Body, nil) {
		require.NoError(t, err)
		assert.Equal(t, "token", ev.Type)
		break
	}
	cancel()
	resp.Body.Close()

	select {
	case err := <-runner.result:
		assert.ErrorIs(t, err, stream.ErrDetached)
	case <-time.After(5 * time.Second):
		t.Fatal("runner never saw the detach")
	}
}

func TestChatWS(t *testing.T) {
	runner := answerRunner()
	ts, _ := newTestServer(t, runner)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	for turn := range 2 {
		require.NoError(t, conn.WriteJSON(ChatRequest{Message: "how many x?", ConversationID: "ws-conv"}))

		var types []string
		for {
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
			var e wireEvent
			require.NoError(t, conn.ReadJSON(&e))
			types = append(types, e.Type)
			if e.Type == "done" || e.Type == "error" {
				break
			}
		}
		assert.Equal(t, []string{"tool_call", "tool_result", "observation", "token", "token", "done"}, types, "turn %d", turn)
	}
	assert.Equal(t, "ws-conv", runner.last().ConversationID)

	// An empty request gets an error frame and the socket stays usable.
	require.NoError(t, conn.WriteJSON(ChatRequest{}))
	var e wsError
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, "request_error", e.Type)
}

func TestChatCompletions_Stream(t *testing.T) {
	ts, _ := newTestServer(t, answerRunner())

	resp := postJSON(t, ts.URL+"/v1/chat/completions", ChatCompletionRequest{
		Model:    "test-model",
		Messages: []agent.Message{{Role: "user", Content: "how many x?"}},
		Stream:   true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var content strings.Builder
	var finish string
	var sawDone bool
	for ev, err := range sse.Read(resp.Body, nil) {
		require.NoError(t, err)
		if ev.Data == "[DONE]" {
			sawDone = true
			continue
		}
		var c StreamChunk
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &c))
		require.Len(t, c.Choices, 1)
		content.WriteString(c.Choices[0].Delta.Content)
		if c.Choices[0].FinishReason != nil {
			finish = *c.Choices[0].FinishReason
		}
	}
	assert.Equal(t, "There are three.", content.String())
	assert.Equal(t, "stop", finish)
	assert.True(t, sawDone)
}

func TestChatCompletions_NonStreaming(t *testing.T) {
	ts, _ := newTestServer(t, answerRunner())

	resp := postJSON(t, ts.URL+"/v1/chat/completions", ChatCompletionRequest{
		Messages: []agent.Message{{Role: "user", Content: "how many x?"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out ChatCompletionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "There are three.", out.Choices[0].Message.Content)
	assert.Equal(t, "stop", out.Choices[0].FinishReason)
	assert.Equal(t, 14, out.Usage.TotalTokens)
	assert.Equal(t, "chatcmpl-r_00000001", out.ID)
}

func TestFinishReason(t *testing.T) {
	assert.Equal(t, "stop", finishReason(agent.FinishStop))
	assert.Equal(t, "length", finishReason(agent.FinishIterationLimit))
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, v), "body: %s", body)
	}
	return resp.StatusCode
}

func TestCapabilities(t *testing.T) {
	ts, _ := newTestServer(t, answerRunner())

	var view DirectoryView
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/capabilities", &view))
	assert.Equal(t, uint64(1), view.Version)

	var names []string
	for _, r := range view.Tools {
		names = append(names, r.Name)
		assert.Equal(t, "catalog", r.ServerID)
	}
	assert.ElementsMatch(t, []string{"list_x", "echo"}, names)
	require.Len(t, view.Resources, 1)
	assert.Equal(t, "docs://readme", view.Resources[0].Name)
	require.Len(t, view.Prompts, 1)
	assert.Equal(t, "summarize", view.Prompts[0].Name)

	resp := postJSON(t, ts.URL+"/v1/capabilities/refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, uint64(2), view.Version)
}

func TestReadResource(t *testing.T) {
	ts, _ := newTestServer(t, answerRunner())

	var out struct {
		Server   string `json:"server"`
		Contents []struct {
			URI  string `json:"uri"`
			Text string `json:"text"`
		} `json:"contents"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/resources/read?uri=docs://readme", &out))
	assert.Equal(t, "catalog", out.Server)
	require.Len(t, out.Contents, 1)
	assert.Equal(t, "conduit readme", out.Contents[0].Text)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/v1/resources/read?uri=docs://nope", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/v1/resources/read", nil))
}

func TestGetPrompt(t *testing.T) {
	ts, _ := newTestServer(t, answerRunner())

	resp := postJSON(t, ts.URL+"/v1/prompts/summarize", map[string]string{"topic": "x"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Server   string `json:"server"`
		Messages []struct {
			Role    string `json:"role"`
			Content struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "catalog", out.Server)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "user", out.Messages[0].Role)
	assert.Equal(t, "Summarize x", out.Messages[0].Content.Text)

	resp = postJSON(t, ts.URL+"/v1/prompts/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndServers(t *testing.T) {
	ts, _ := newTestServer(t, answerRunner())

	var rep HealthReport
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/health", &rep))
	assert.Equal(t, "healthy", rep.Status)
	assert.Equal(t, 2, rep.Tools)
	require.Len(t, rep.Servers, 1)
	assert.Equal(t, "catalog", rep.Servers[0].ID)
	assert.Equal(t, session.Active, rep.Servers[0].State)

	var servers struct {
		Servers []session.Info `json:"servers"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/servers", &servers))
	assert.Len(t, servers.Servers, 1)
}

func TestHealth_DegradedBackend(t *testing.T) {
	srv := NewServer("", 0, Deps{
		Runner:    answerRunner(),
		Directory: capability.NewAggregator(nil, nil),
		Health:    fakeHealth{{Backend: "ollama", Ready: false, LastError: "refused"}},
	}, slog.New(slog.DiscardHandler))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var rep HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, "degraded", rep.Status)
	assert.Equal(t, 0, rep.Tools)
}

func TestVersionModelsRoot(t *testing.T) {
	ts, _ := newTestServer(t, answerRunner())

	var info map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/version", &info))
	assert.NotEmpty(t, info["version"])
	assert.NotEmpty(t, info["go_version"])

	var models struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/models", &models))
	require.Len(t, models.Data, 1)
	assert.Equal(t, "test-model", models.Data[0].ID)

	var root map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/", &root))
	assert.Equal(t, "conduit", root["name"])
}

func TestRouterEndpointsWithoutRouter(t *testing.T) {
	ts, _ := newTestServer(t, answerRunner())
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, ts.URL+"/v1/router/stats", nil))
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"limit=10", 10},
		{"limit=abc", 50},
		{"limit=-3", 50},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/v1/router/audit?"+tt.query, nil)
		assert.Equal(t, tt.want, parseIntParam(r, "limit", 50), tt.query)
	}
}
