// Package router resolves tool names to their owning server and runs
// calls through the session layer.
//
// Every outcome comes back as a [Result]; no failure category escapes as
// an error. Unknown tools, invalid arguments, timeouts, and remote
// failures are all reported the same way so the agent loop can feed them
// back to the model.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nugget/conduit/internal/capability"
	"github.com/nugget/conduit/internal/errs"
	"github.com/nugget/conduit/internal/mcp"
	"github.com/nugget/conduit/internal/session"
)

// Invoker performs a remote tool call. *session.Manager satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, serverID, tool string, args map[string]any, timeout time.Duration) session.Result
}

// Directory supplies the current capability snapshot.
// *capability.Aggregator satisfies it.
type Directory interface {
	Snapshot() *capability.Snapshot
}

// Config holds router configuration.
type Config struct {
	DefaultTimeout    time.Duration // Used when Call gets zero
	ValidateArguments bool          // Check args against the tool's input schema
	MaxAuditLog       int           // How many calls to keep in memory
}

// Result is the uniform outcome of a tool call.
type Result struct {
	Tool     string             `json:"tool"`
	Server   string             `json:"server,omitempty"`
	Text     string             `json:"text,omitempty"`
	Content  []mcp.ContentBlock `json:"-"`
	IsError  bool               `json:"is_error"`
	Kind     errs.Kind          `json:"kind,omitempty"`
	Message  string             `json:"message,omitempty"`
	Duration time.Duration      `json:"duration"`
	At       time.Time          `json:"at"`
	Status   Status             `json:"status"`
}

// Observation renders the result as the text the model reads.
func (r Result) Observation() string {
	if !r.IsError {
		return r.Text
	}
	return fmt.Sprintf("ERROR (%s): %s", r.Kind, r.Message)
}

// Stats tracks call statistics.
type Stats struct {
	TotalCalls    int64            `json:"total_calls"`
	ToolCounts    map[string]int64 `json:"tool_counts"`
	FailureCounts map[string]int64 `json:"failure_counts"`
	AvgLatencyMs  map[string]int64 `json:"avg_latency_ms"`
}

// Router dispatches tool calls to the server that owns them.
type Router struct {
	logger  *slog.Logger
	config  Config
	dir     Directory
	invoker Invoker

	schemaMu sync.Mutex
	schemas  map[schemaKey]*gojsonschema.Schema

	mu       sync.RWMutex
	auditLog []Result
	stats    Stats
}

type schemaKey struct {
	version uint64
	tool    string
}

// NewRouter creates a router over the given directory and invoker.
func NewRouter(logger *slog.Logger, config Config, dir Directory, invoker Invoker) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 1000
	}
	return &Router{
		logger:   logger,
		config:   config,
		dir:      dir,
		invoker:  invoker,
		schemas:  make(map[schemaKey]*gojsonschema.Schema),
		auditLog: make([]Result, 0, config.MaxAuditLog),
		stats: Stats{
			ToolCounts:    make(map[string]int64),
			FailureCounts: make(map[string]int64),
			AvgLatencyMs:  make(map[string]int64),
		},
	}
}

// Route returns the directory record that owns name. An unknown name is
// a routing error.
func (r *Router) Route(name string) (capability.Record, error) {
	rec, ok := r.dir.Snapshot().Lookup(capability.KindTool, name)
	if !ok {
		return capability.Record{}, errs.Wrapf(errs.ErrRouting, "unknown tool %q", name)
	}
	return rec, nil
}

// Call runs a tool and normalizes the outcome. timeout bounds the remote
// call; zero uses the configured default.
func (r *Router) Call(ctx context.Context, name string, args map[string]any, timeout time.Duration) Result {
	return r.Track(ctx, &Lifecycle{}, name, args, timeout)
}

// Track is Call with the invocation's progress reported through lc,
// which must be Pending. On return lc is Completed or Failed and the
// Result carries the same status.
func (r *Router) Track(ctx context.Context, lc *Lifecycle, name string, args map[string]any, timeout time.Duration) Result {
	start := time.Now()
	res := r.call(ctx, lc, name, args, timeout)
	res.At = start
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	res.Status = lc.Finish(res.IsError)
	r.record(res)

	if res.IsError {
		r.logger.Warn("tool call failed",
			"tool", name,
			"server", res.Server,
			"kind", res.Kind,
			"error", res.Message,
			"elapsed", res.Duration,
		)
	} else {
		r.logger.Debug("tool call completed",
			"tool", name,
			"server", res.Server,
			"result_len", len(res.Text),
			"elapsed", res.Duration,
		)
	}
	return res
}

func (r *Router) call(ctx context.Context, lc *Lifecycle, name string, args map[string]any, timeout time.Duration) Result {
	snap := r.dir.Snapshot()
	rec, ok := snap.Lookup(capability.KindTool, name)
	if !ok {
		return failure(Result{Tool: name}, errs.KindRouting, fmt.Sprintf("unknown tool %q", name))
	}
	res := Result{Tool: name, Server: rec.ServerID}
	_ = lc.Advance(StatusRouted)

	if r.config.ValidateArguments {
		if msg := r.validate(snap.Version(), rec, args); msg != "" {
			return failure(res, errs.KindProtocol, fmt.Sprintf("invalid arguments for %s: %s", name, msg))
		}
	}

	if timeout <= 0 {
		timeout = r.config.DefaultTimeout
	}
	_ = lc.Advance(StatusExecuting)
	out := r.invoker.Invoke(ctx, rec.ServerID, name, args, timeout)
	res.Duration = out.Duration
	res.Content = out.Content
	res.Text = out.Text

	if out.Err == nil {
		return res
	}
	msg := out.Err.Error()
	if out.IsError && out.Text != "" {
		msg = out.Text
	}
	if rec.Stale {
		msg += " (server unavailable at last refresh)"
	}
	kind := errs.KindOf(out.Err)
	if !errs.Recoverable(out.Err) {
		// An unclassified failure is still this call's failure.
		kind = errs.KindRemoteExecution
	}
	return failure(res, kind, msg)
}

func failure(res Result, kind errs.Kind, msg string) Result {
	res.IsError = true
	res.Kind = kind
	res.Message = msg
	return res
}

// validate checks args against the tool's input schema and returns a
// description of the violations, or "" when they conform. A tool without
// a schema, or with one that does not compile, is not checked.
func (r *Router) validate(version uint64, rec capability.Record, args map[string]any) string {
	if len(rec.InputSchema) == 0 {
		return ""
	}
	schema := r.schema(version, rec)
	if schema == nil {
		return ""
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		r.logger.Debug("argument validation skipped", "tool", rec.Name, "error", err)
		return ""
	}
	if result.Valid() {
		return ""
	}
	var problems []string
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return strings.Join(problems, "; ")
}

func (r *Router) schema(version uint64, rec capability.Record) *gojsonschema.Schema {
	k := schemaKey{version: version, tool: rec.Name}

	r.schemaMu.Lock()
	defer r.schemaMu.Unlock()
	if s, ok := r.schemas[k]; ok {
		return s
	}

	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(rec.InputSchema))
	if err != nil {
		r.logger.Debug("tool input schema does not compile", "tool", rec.Name, "error", err)
		s = nil
	}
	// Schemas from older snapshots are no longer reachable.
	for old := range r.schemas {
		if old.version != version {
			delete(r.schemas, old)
		}
	}
	r.schemas[k] = s
	return s
}

// record adds a result to the audit log and statistics.
func (r *Router) record(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.auditLog) >= r.config.MaxAuditLog {
		r.auditLog = r.auditLog[1:]
	}
	res.Content = nil
	r.auditLog = append(r.auditLog, res)

	r.stats.TotalCalls++
	r.stats.ToolCounts[res.Tool]++
	if res.IsError {
		r.stats.FailureCounts[string(res.Kind)]++
	}
	ms := res.Duration.Milliseconds()
	if prev, ok := r.stats.AvgLatencyMs[res.Tool]; ok {
		r.stats.AvgLatencyMs[res.Tool] = (prev + ms) / 2
	} else {
		r.stats.AvgLatencyMs[res.Tool] = ms
	}
}

// GetAuditLog returns the most recent calls, oldest first.
func (r *Router) GetAuditLog(limit int) []Result {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}
	start := len(r.auditLog) - limit
	result := make([]Result, limit)
	copy(result, r.auditLog[start:])
	return result
}

// GetStats returns a copy of the call statistics.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := Stats{
		TotalCalls:    r.stats.TotalCalls,
		ToolCounts:    make(map[string]int64, len(r.stats.ToolCounts)),
		FailureCounts: make(map[string]int64, len(r.stats.FailureCounts)),
		AvgLatencyMs:  make(map[string]int64, len(r.stats.AvgLatencyMs)),
	}
	for k, v := range r.stats.ToolCounts {
		out.ToolCounts[k] = v
	}
	for k, v := range r.stats.FailureCounts {
		out.FailureCounts[k] = v
	}
	for k, v := range r.stats.AvgLatencyMs {
		out.AvgLatencyMs[k] = v
	}
	return out
}
