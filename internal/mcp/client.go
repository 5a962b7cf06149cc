package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nugget/conduit/internal/buildinfo"
)

// ProtocolVersion is the MCP protocol version advertised during
// initialization.
const ProtocolVersion = "2025-03-26"

// maxPages bounds cursor pagination so a misbehaving server cannot
// keep a listing call alive forever.
const maxPages = 100

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Resource is an MCP resource as returned by resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContents is one item of a resources/read reply, or the body of
// an embedded resource content block.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// Prompt is an MCP prompt template as returned by prompts/list.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one prompt parameter.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage is one rendered message of a prompts/get reply.
type PromptMessage struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// PromptResult is the reply to prompts/get.
type PromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// ContentBlock is a single content item in a tools/call or prompts/get
// response.
type ContentBlock struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	MimeType string            `json:"mimeType,omitempty"`
	Data     string            `json:"data,omitempty"`
	Resource *ResourceContents `json:"resource,omitempty"`
}

// CallResult is the reply to tools/call. IsError means the tool ran and
// reported failure; the text is still meaningful.
type CallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text joins the text content of the result.
func (r *CallResult) Text() string {
	return ExtractText(r.Content)
}

// ServerInfo identifies the server, from the initialize reply.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities describes which capability families a server
// offers. A nil field means the family is absent.
type ServerCapabilities struct {
	Tools     *struct{} `json:"tools,omitempty"`
	Resources *struct{} `json:"resources,omitempty"`
	Prompts   *struct{} `json:"prompts,omitempty"`
}

// InitializeResult is the initialize response result.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	Instructions    string             `json:"instructions,omitempty"`
}

type toolsPage struct {
	Tools      []ToolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

type resourcesPage struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

type promptsPage struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

type readResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// Client speaks MCP to a single server over a [Transport].
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	mu         sync.RWMutex
	initResult *InitializeResult
}

// NewClient creates an MCP client for the named server.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.name
}

// Transport returns the underlying transport.
func (c *Client) Transport() Transport {
	return c.transport
}

// Initialize performs the MCP handshake: sends an initialize request
// and then the notifications/initialized notification.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "conduit",
			"version": buildinfo.Version,
		},
	}

	var result InitializeResult
	if err := c.call(ctx, "initialize", params, &result); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	c.mu.Lock()
	c.initResult = &result
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}

	return &result, nil
}

// Capabilities returns what the server advertised during Initialize.
// Before a handshake every family is reported present so callers still
// attempt discovery.
func (c *Client) Capabilities() ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.initResult == nil {
		return ServerCapabilities{Tools: &struct{}{}, Resources: &struct{}{}, Prompts: &struct{}{}}
	}
	return c.initResult.Capabilities
}

// ListTools calls tools/list, following nextCursor until exhausted.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	var all []ToolDefinition
	err := c.paginate(ctx, "tools/list", func(raw json.RawMessage) (string, error) {
		var page toolsPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return "", err
		}
		all = append(all, page.Tools...)
		return page.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}

	for i, t := range all {
		if t.Name == "" {
			return nil, fmt.Errorf("tools/list: %w: tool %d has no name", ErrMalformed, i)
		}
	}

	c.logger.Debug("discovered MCP tools", "count", len(all))
	return all, nil
}

// ListResources calls resources/list, following nextCursor until exhausted.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	var all []Resource
	err := c.paginate(ctx, "resources/list", func(raw json.RawMessage) (string, error) {
		var page resourcesPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return "", err
		}
		all = append(all, page.Resources...)
		return page.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}

	for i, r := range all {
		if r.URI == "" {
			return nil, fmt.Errorf("resources/list: %w: resource %d has no uri", ErrMalformed, i)
		}
	}
	return all, nil
}

// ListPrompts calls prompts/list, following nextCursor until exhausted.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	var all []Prompt
	err := c.paginate(ctx, "prompts/list", func(raw json.RawMessage) (string, error) {
		var page promptsPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return "", err
		}
		all = append(all, page.Prompts...)
		return page.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}

	for i, p := range all {
		if p.Name == "" {
			return nil, fmt.Errorf("prompts/list: %w: prompt %d has no name", ErrMalformed, i)
		}
	}
	return all, nil
}

// ReadResource calls resources/read for one URI.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]ResourceContents, error) {
	var result readResourceResult
	if err := c.call(ctx, "resources/read", map[string]any{"uri": uri}, &result); err != nil {
		return nil, fmt.Errorf("resources/read %s: %w", uri, err)
	}
	return result.Contents, nil
}

// GetPrompt calls prompts/get, rendering the named prompt with args.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*PromptResult, error) {
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}

	var result PromptResult
	if err := c.call(ctx, "prompts/get", params, &result); err != nil {
		return nil, fmt.Errorf("prompts/get %s: %w", name, err)
	}
	return &result, nil
}

// CallTool invokes a tool by name. A tool that runs and reports failure
// is not an error here: the result comes back with IsError set.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	var result CallResult
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return &result, nil
}

// Ping checks whether the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.send(ctx, "ping", nil)
	return err
}

// Close shuts down the client and its transport.
func (c *Client) Close() error {
	c.logger.Debug("closing MCP client")
	return c.transport.Close()
}

// paginate repeats method with the returned cursor until the server
// stops returning one.
func (c *Client) paginate(ctx context.Context, method string, page func(json.RawMessage) (string, error)) error {
	cursor := ""
	for range maxPages {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}

		resp, err := c.send(ctx, method, params)
		if err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}

		next, err := page(resp.Result)
		if err != nil {
			return fmt.Errorf("%s: %w: %w", method, ErrMalformed, err)
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
	return fmt.Errorf("%s: %w: more than %d pages", method, ErrMalformed, maxPages)
}

// call sends a request and decodes its result into out.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	resp, err := c.send(ctx, method, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("%w: decode %s result: %w", ErrMalformed, method, err)
	}
	return nil
}

// send issues a JSON-RPC request and checks for protocol-level errors.
func (c *Client) send(ctx context.Context, method string, params any) (*Response, error) {
	id := c.nextID.Add(1)
	req := NewRequest(id, method, params)

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := resp.validate(id); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	return resp, nil
}

// ExtractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func ExtractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "resource":
			if b.Resource != nil && b.Resource.Text != "" {
				parts = append(parts, b.Resource.Text)
			} else {
				parts = append(parts, "[resource]")
			}
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
