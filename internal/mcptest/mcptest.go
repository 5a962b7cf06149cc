// Package mcptest stands up in-process MCP servers for tests, built on
// mcp-go's streamable HTTP server.
package mcptest

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Serve starts s on a test HTTP server and returns the MCP endpoint URL.
// The server is shut down when the test ends.
func Serve(t testing.TB, s *server.MCPServer) string {
	t.Helper()
	ts := server.NewTestStreamableHTTPServer(s)
	t.Cleanup(ts.Close)
	return ts.URL + "/mcp"
}

// ServeStoppable is like Serve but also returns the underlying server so
// a test can take it down mid-run.
func ServeStoppable(t testing.TB, s *server.MCPServer) (string, *httptest.Server) {
	t.Helper()
	ts := server.NewTestStreamableHTTPServer(s)
	t.Cleanup(ts.Close)
	return ts.URL + "/mcp", ts
}

// Catalog returns a server exposing list_x and echo tools, a readme
// resource, and a summarize prompt.
func Catalog() *server.MCPServer {
	s := server.NewMCPServer("catalog", "1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithPromptCapabilities(false),
	)

	s.AddTool(mcp.NewTool("list_x",
		mcp.WithDescription("List every x"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("x-1, x-2, x-3"), nil
	})

	s.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("Echo a message back"),
		mcp.WithString("message", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("echo: " + req.GetString("message", "")), nil
	})

	s.AddResource(mcp.NewResource("docs://readme", "readme",
		mcp.WithResourceDescription("Project readme"),
		mcp.WithMIMEType("text/plain"),
	), func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: "docs://readme", MIMEType: "text/plain", Text: "conduit readme"},
		}, nil
	})

	s.AddPrompt(mcp.NewPrompt("summarize",
		mcp.WithPromptDescription("Summarize a topic"),
		mcp.WithArgument("topic", mcp.RequiredArgument()),
	), func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		topic := req.Params.Arguments["topic"]
		return mcp.NewGetPromptResult("Summary request", []mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent("Summarize "+topic)),
		}), nil
	})

	return s
}

// Detail returns a server exposing get_y_detail, which reports a
// not-found failure for id "missing", and slow, which sleeps for the
// requested number of milliseconds.
func Detail() *server.MCPServer {
	s := server.NewMCPServer("detail", "1.0.0", server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("get_y_detail",
		mcp.WithDescription("Fetch one y by id"),
		mcp.WithString("id", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := req.GetString("id", "")
		if id == "missing" || id == "" {
			return mcp.NewToolResultError(fmt.Sprintf("no y with id %q", id)), nil
		}
		return mcp.NewToolResultText("y " + id + ": shiny"), nil
	})

	s.AddTool(mcp.NewTool("slow",
		mcp.WithDescription("Sleep, then answer"),
		mcp.WithNumber("ms", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		d := time.Duration(req.GetFloat("ms", 0)) * time.Millisecond
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return mcp.NewToolResultText(fmt.Sprintf("slept %s", d)), nil
	})

	return s
}

// Shadow returns a server named name whose only tool collides with a
// Catalog tool name. Calls answer with the server's name so a test can
// tell owners apart.
func Shadow(name string) *server.MCPServer {
	s := server.NewMCPServer(name, "1.0.0", server.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool("list_x",
		mcp.WithDescription("A different list_x"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("served by " + name), nil
	})
	return s
}

// Counter returns a server whose tick tool counts its calls. The
// returned counter may be read by the test.
func Counter() (*server.MCPServer, *atomic.Int64) {
	var n atomic.Int64
	s := server.NewMCPServer("counter", "1.0.0", server.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool("tick",
		mcp.WithDescription("Count a call"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(strings.Repeat("|", int(n.Add(1)))), nil
	})
	return s, &n
}
