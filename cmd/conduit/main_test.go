package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nugget/conduit/internal/api"
	"github.com/nugget/conduit/internal/buildinfo"
	"github.com/nugget/conduit/internal/mcptest"
)

// syncBuffer is a bytes.Buffer safe for the concurrent writes that
// loggers and printers make.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func runArgs(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut syncBuffer
	err = run(context.Background(), &out, &errOut, args)
	return out.String(), errOut.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_Version(t *testing.T) {
	out, _, err := runArgs(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, buildinfo.String()) {
		t.Errorf("version output missing summary line:\n%s", out)
	}
	if !strings.Contains(out, "go_version:") {
		t.Errorf("version output missing go_version:\n%s", out)
	}
}

func TestRun_VersionJSON(t *testing.T) {
	for _, args := range [][]string{
		{"-o", "json", "version"},
		{"--output=json", "version"},
		{"version", "-o=json"},
	} {
		out, _, err := runArgs(t, args...)
		if err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		var info map[string]string
		if err := json.Unmarshal([]byte(out), &info); err != nil {
			t.Fatalf("%v: output is not JSON: %v\n%s", args, err, out)
		}
		if info["version"] != buildinfo.Version {
			t.Errorf("%v: version = %q, want %q", args, info["version"], buildinfo.Version)
		}
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		out, _, err := runArgs(t, args...)
		if err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		for _, want := range []string{"Usage: conduit", "serve", "ask", "tools", "version"} {
			if !strings.Contains(out, want) {
				t.Errorf("%v: usage missing %q", args, want)
			}
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"--verbose"}, "unknown flag"},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"ask without question", []string{"ask"}, "usage: conduit ask"},
		{"missing config", []string{"-config", "/nonexistent/conduit.yaml", "tools"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runArgs(t, tt.args...)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	path := writeConfig(t, "agent:\n  max_iterations: -1\n")
	_, _, err := runArgs(t, "-config", path, "tools")
	if err == nil || !strings.Contains(err.Error(), "max_iterations") {
		t.Errorf("error = %v, want a max_iterations problem", err)
	}
}

func TestRun_Tools(t *testing.T) {
	catalog := mcptest.Serve(t, mcptest.Catalog())
	path := writeConfig(t, fmt.Sprintf(`
mcp:
  connect_timeout: 2s
  servers:
    - id: catalog
      url: %s
    - id: gone
      url: http://127.0.0.1:1/mcp
`, catalog))

	out, _, err := runArgs(t, "-config", path, "tools")
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	for _, want := range []string{"TOOLS (2)", "list_x", "echo", "docs://readme", "summarize", "catalog", "UNAVAILABLE (1)", "gone"} {
		if !strings.Contains(out, want) {
			t.Errorf("tools output missing %q:\n%s", want, out)
		}
	}
}

func TestRun_ToolsJSON(t *testing.T) {
	catalog := mcptest.Serve(t, mcptest.Catalog())
	path := writeConfig(t, fmt.Sprintf("mcp:\n  servers:\n    - id: catalog\n      url: %s\n", catalog))

	out, _, err := runArgs(t, "-config", path, "-o", "json", "tools")
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	var view api.DirectoryView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("output is not a directory view: %v\n%s", err, out)
	}
	if len(view.Tools) != 2 || len(view.Resources) != 1 || len(view.Prompts) != 1 {
		t.Errorf("directory = %d tools, %d resources, %d prompts; want 2/1/1",
			len(view.Tools), len(view.Resources), len(view.Prompts))
	}
	for _, r := range view.Tools {
		if r.ServerID != "catalog" {
			t.Errorf("tool %s owned by %q, want catalog", r.Name, r.ServerID)
		}
	}
}

// ollamaStub answers the first chat with a list_x tool call and every
// later one with a fixed answer, streamed as NDJSON.
func ollamaStub(t *testing.T) *httptest.Server {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			w.WriteHeader(http.StatusOK)
			return
		}
		var lines []string
		if calls.Add(1) == 1 {
			lines = []string{
				`{"model":"test-model","message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"list_x","arguments":{}}}]},"done":false}`,
				`{"model":"test-model","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":3}`,
			}
		} else {
			lines = []string{
				`{"model":"test-model","message":{"role":"assistant","content":"There are "},"done":false}`,
				`{"model":"test-model","message":{"role":"assistant","content":"three."},"done":false}`,
				`{"model":"test-model","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":30,"eval_count":4}`,
			}
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func askConfig(t *testing.T) string {
	t.Helper()
	catalog := mcptest.Serve(t, mcptest.Catalog())
	ollama := ollamaStub(t)
	return writeConfig(t, fmt.Sprintf(`
models:
  default: test-model
  ollama_url: %s
mcp:
  servers:
    - id: catalog
      url: %s
`, ollama.URL, catalog))
}

func TestRun_Ask(t *testing.T) {
	path := askConfig(t)

	out, errOut, err := runArgs(t, "-config", path, "ask", "how", "many", "x?")
	if err != nil {
		t.Fatalf("ask: %v\nstderr:\n%s", err, errOut)
	}
	if out != "There are three.\n" {
		t.Errorf("stdout = %q, want the answer alone", out)
	}
	if !strings.Contains(errOut, "→ list_x") {
		t.Errorf("stderr missing tool call:\n%s", errOut)
	}
	if !strings.Contains(errOut, "x-1, x-2, x-3") {
		t.Errorf("stderr missing observation:\n%s", errOut)
	}
}

func TestRun_AskJSON(t *testing.T) {
	path := askConfig(t)

	out, errOut, err := runArgs(t, "-config", path, "-o", "json", "ask", "how many x?")
	if err != nil {
		t.Fatalf("ask: %v\nstderr:\n%s", err, errOut)
	}

	var types []string
	var lastSeq uint64
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var e struct {
			Seq  uint64 `json:"seq"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		if len(types) > 0 && e.Seq <= lastSeq {
			t.Errorf("seq %d after %d, want increasing", e.Seq, lastSeq)
		}
		lastSeq = e.Seq
		types = append(types, e.Type)
	}

	if len(types) == 0 || types[len(types)-1] != "done" {
		t.Fatalf("event types = %v, want a final done", types)
	}
	for _, want := range []string{"tool_call", "tool_result", "observation", "token"} {
		found := false
		for _, typ := range types {
			if typ == want {
				found = true
			}
		}
		if !found {
			t.Errorf("event types %v missing %q", types, want)
		}
	}
}

func TestFirstLine(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"line one\nline two", 20, "line one …"},
		{"abcdefghij", 4, "abcd…"},
	}
	for _, tt := range tests {
		if got := firstLine(tt.in, tt.n); got != tt.want {
			t.Errorf("firstLine(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestModelNames(t *testing.T) {
	path := writeConfig(t, `
models:
  default: qwen3:4b
  available:
    - name: qwen3:4b
      provider: ollama
    - name: claude-sonnet
      provider: anthropic
`)
	cfg, _, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	got := modelNames(cfg)
	if len(got) != 2 || got[0] != "qwen3:4b" || got[1] != "claude-sonnet" {
		t.Errorf("modelNames = %v", got)
	}
}
