package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/nugget/conduit/internal/config"
	"github.com/nugget/conduit/internal/httpkit"
)

// SessionHeader carries the server-assigned session token on every
// request after initialize.
const SessionHeader = "Mcp-Session-Id"

// maxMessageSize bounds a single JSON body or SSE event.
const maxMessageSize = 10 << 20

// HTTPConfig configures a streamable HTTP MCP transport.
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are sent with every request (e.g., Authorization).
	Headers map[string]string

	// Client overrides the HTTP client. Nil builds one via httpkit.
	Client *http.Client

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Each JSON-RPC request is an HTTP POST; the reply is either a JSON
// body or a text/event-stream carrying the response event.
type HTTPTransport struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport creates an HTTP transport for the given config.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		// Per-call bounds come from the request context; a fixed client
		// timeout would cut off slow event streams.
		client = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithHeaders(cfg.Headers),
			httpkit.WithLogger(logger),
		)
	}

	return &HTTPTransport{
		url:        cfg.URL,
		httpClient: client,
		logger:     logger,
	}
}

// SessionID returns the token assigned by the server, if any.
func (t *HTTPTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// Send posts a JSON-RPC request and returns the matching response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	t.logger.Log(ctx, config.LevelTrace, "mcp request",
		"method", req.Method, "id", req.ID, "body", string(body))

	httpResp, err := t.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK {
		return nil, t.statusError(httpResp)
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return t.readEventStream(httpResp.Body, req.ID)
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxMessageSize))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("%w: response id %d, want %d", ErrMalformed, resp.ID, req.ID)
	}
	return &resp, nil
}

// readEventStream scans an SSE reply for the response to id. Server
// requests and notifications interleaved before it are skipped.
func (t *HTTPTransport) readEventStream(body io.Reader, id int64) (*Response, error) {
	cfg := &sse.ReadConfig{MaxEventSize: maxMessageSize}

	for ev, err := range sse.Read(body, cfg) {
		if err != nil {
			return nil, fmt.Errorf("read event stream: %w", err)
		}
		if ev.Data == "" || !isResponse([]byte(ev.Data)) {
			continue
		}

		var resp Response
		if err := json.Unmarshal([]byte(ev.Data), &resp); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if resp.ID != id {
			t.logger.Debug("skipping unmatched MCP response", "id", resp.ID, "want", id)
			continue
		}
		return &resp, nil
	}

	return nil, fmt.Errorf("%w: event stream ended without response %d", ErrMalformed, id)
}

// Notify posts a JSON-RPC notification. Servers answer 202 Accepted.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	httpResp, err := t.post(ctx, body)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		return t.statusError(httpResp)
	}
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if sid := t.SessionID(); sid != "" {
		httpReq.Header.Set(SessionHeader, sid)
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}

	if sid := httpResp.Header.Get(SessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return httpResp, nil
}

// statusError converts a non-success reply. A 404 on a request that
// carried a session token means the server forgot the session, so the
// token is dropped and the next initialize starts fresh.
func (t *HTTPTransport) statusError(resp *http.Response) error {
	if resp.StatusCode == http.StatusNotFound {
		t.mu.Lock()
		t.sessionID = ""
		t.mu.Unlock()
	}
	return &StatusError{
		Code: resp.StatusCode,
		Body: httpkit.ReadErrorBody(resp.Body, 4096),
	}
}

// Close ends the server-side session with a DELETE, best effort.
func (t *HTTPTransport) Close() error {
	sid := t.SessionID()
	if sid == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
	if err != nil {
		return nil
	}
	req.Header.Set(SessionHeader, sid)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Debug("MCP session delete failed", "error", err)
		return nil
	}
	httpkit.DrainAndClose(resp.Body, 4096)

	t.mu.Lock()
	t.sessionID = ""
	t.mu.Unlock()
	return nil
}
