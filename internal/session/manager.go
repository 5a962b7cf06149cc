package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/conduit/internal/errs"
	"github.com/nugget/conduit/internal/events"
	"github.com/nugget/conduit/internal/mcp"
)

// DefaultConnectTimeout bounds a handshake when the caller's context
// carries no deadline.
const DefaultConnectTimeout = 15 * time.Second

// DefaultCallTimeout bounds Invoke when neither the caller nor the
// server config supplies one.
const DefaultCallTimeout = 30 * time.Second

// DialFunc builds the transport for a server. Tests substitute fakes.
type DialFunc func(cfg ServerConfig, logger *slog.Logger) (mcp.Transport, error)

// Dial is the default DialFunc: streamable HTTP or a stdio subprocess.
func Dial(cfg ServerConfig, logger *slog.Logger) (mcp.Transport, error) {
	switch cfg.Transport {
	case TransportHTTP:
		return mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  logger,
		}), nil
	case TransportStdio:
		return mcp.NewStdioTransport(mcp.StdioConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer overrides how transports are built.
func WithDialer(d DialFunc) Option {
	return func(m *Manager) { m.dial = d }
}

// WithConnectTimeout bounds each handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) { m.connectTimeout = d }
}

// WithEventBus publishes session state transitions to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// Manager owns the sessions, keyed by server id.
type Manager struct {
	dial           DialFunc
	connectTimeout time.Duration
	logger         *slog.Logger
	bus            *events.Bus

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
}

// NewManager creates an empty session manager.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		dial:           Dial,
		connectTimeout: DefaultConnectTimeout,
		logger:         logger,
		sessions:       make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Connect registers a server and performs the initialize handshake.
// The session is registered even when the handshake fails: it is left
// Degraded and the next use tries again. The returned error is then a
// connection error.
func (m *Manager) Connect(ctx context.Context, cfg ServerConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[cfg.ID]; ok && existing.State() != Closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("server %q is already connected", cfg.ID)
	}
	s := &Session{cfg: cfg, state: Connecting, lastChange: time.Now()}
	if _, ok := m.sessions[cfg.ID]; !ok {
		m.order = append(m.order, cfg.ID)
	}
	m.sessions[cfg.ID] = s
	m.mu.Unlock()

	s.dialMu.Lock()
	defer s.dialMu.Unlock()
	if _, err := m.handshake(ctx, s); err != nil {
		return s, err
	}
	return s, nil
}

// Session returns the session for id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of every registered session in
// registration order.
func (m *Manager) Sessions() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id].Info())
	}
	return out
}

// ServerIDs returns the registered server ids in registration order.
func (m *Manager) ServerIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Capabilities is the discovery result for one server.
type Capabilities struct {
	Tools     []mcp.ToolDefinition
	Resources []mcp.Resource
	Prompts   []mcp.Prompt
}

// ListCapabilities discovers the tools, resources, and prompts a server
// offers. Families the server did not advertise are skipped. Tool
// filters from the server config are applied. A malformed reply is a
// protocol error; an unreachable server is a connection error.
func (m *Manager) ListCapabilities(ctx context.Context, serverID string) (Capabilities, error) {
	s, err := m.lookup(serverID)
	if err != nil {
		return Capabilities{}, err
	}

	client, err := m.ensureActive(ctx, s)
	if err != nil {
		return Capabilities{}, err
	}

	var caps Capabilities
	advertised := client.Capabilities()

	if advertised.Tools != nil {
		tools, err := client.ListTools(ctx)
		if err != nil {
			return Capabilities{}, m.fail(s, client, err, false)
		}
		for _, t := range tools {
			if s.cfg.admits(t.Name) {
				caps.Tools = append(caps.Tools, t)
			}
		}
	}

	if advertised.Resources != nil {
		resources, err := client.ListResources(ctx)
		if err != nil {
			return Capabilities{}, m.fail(s, client, err, false)
		}
		caps.Resources = resources
	}

	if advertised.Prompts != nil {
		prompts, err := client.ListPrompts(ctx)
		if err != nil {
			return Capabilities{}, m.fail(s, client, err, false)
		}
		caps.Prompts = prompts
	}

	return caps, nil
}

// Result is the outcome of Invoke. Err is nil on success and carries an
// errs category otherwise; IsError distinguishes a tool that ran and
// reported failure (Text holds its message) from one that never ran.
type Result struct {
	Text     string
	Content  []mcp.ContentBlock
	IsError  bool
	Err      error
	Duration time.Duration
}

// Invoke calls a tool on a server, bounded by timeout (or the server's
// configured call timeout when zero). It never returns an error: every
// failure is reported in the Result.
func (m *Manager) Invoke(ctx context.Context, serverID, tool string, args map[string]any, timeout time.Duration) Result {
	start := time.Now()
	res := m.invoke(ctx, serverID, tool, args, timeout)
	res.Duration = time.Since(start)
	return res
}

func (m *Manager) invoke(ctx context.Context, serverID, tool string, args map[string]any, timeout time.Duration) Result {
	s, err := m.lookup(serverID)
	if err != nil {
		return Result{Err: err}
	}

	if timeout <= 0 {
		timeout = s.cfg.CallTimeout
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := m.ensureActive(ctx, s)
	if err != nil {
		return Result{Err: err}
	}

	out, err := client.CallTool(ctx, tool, args)
	if err != nil {
		return Result{Err: m.fail(s, client, err, true)}
	}

	text := out.Text()
	res := Result{Text: text, Content: out.Content}
	if out.IsError {
		res.IsError = true
		res.Err = errs.Wrapf(errs.ErrRemoteExecution, "%s", text)
	}
	return res
}

// ReadResource reads a resource from the server that owns it.
func (m *Manager) ReadResource(ctx context.Context, serverID, uri string) ([]mcp.ResourceContents, error) {
	s, err := m.lookup(serverID)
	if err != nil {
		return nil, err
	}
	client, err := m.ensureActive(ctx, s)
	if err != nil {
		return nil, err
	}
	contents, err := client.ReadResource(ctx, uri)
	if err != nil {
		return nil, m.fail(s, client, err, true)
	}
	return contents, nil
}

// GetPrompt renders a prompt on the server that owns it.
func (m *Manager) GetPrompt(ctx context.Context, serverID, name string, args map[string]string) (*mcp.PromptResult, error) {
	s, err := m.lookup(serverID)
	if err != nil {
		return nil, err
	}
	client, err := m.ensureActive(ctx, s)
	if err != nil {
		return nil, err
	}
	result, err := client.GetPrompt(ctx, name, args)
	if err != nil {
		return nil, m.fail(s, client, err, true)
	}
	return result, nil
}

// Close releases the connection to one server. The session stays
// registered in the Closed state and refuses further use.
func (m *Manager) Close(serverID string) error {
	s, ok := m.Session(serverID)
	if !ok {
		return errs.Wrapf(errs.ErrRouting, "unknown server %q", serverID)
	}

	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	s.mu.Lock()
	client := s.client
	s.client = nil
	from := s.state
	s.state = Closed
	s.token = ""
	s.lastChange = time.Now()
	s.mu.Unlock()

	if from != Closed {
		m.publishState(s, from, Closed, nil)
	}
	if client == nil {
		return nil
	}
	return client.Close()
}

// CloseAll closes every session, collecting errors.
func (m *Manager) CloseAll() error {
	var closeErrs []error
	for _, id := range m.ServerIDs() {
		if err := m.Close(id); err != nil {
			closeErrs = append(closeErrs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(closeErrs...)
}

func (m *Manager) lookup(serverID string) (*Session, error) {
	s, ok := m.Session(serverID)
	if !ok {
		return nil, errs.Wrapf(errs.ErrRouting, "unknown server %q", serverID)
	}
	return s, nil
}

// ensureActive returns a ready client, re-handshaking a Degraded
// session first.
func (m *Manager) ensureActive(ctx context.Context, s *Session) (*mcp.Client, error) {
	s.mu.RLock()
	state, client := s.state, s.client
	s.mu.RUnlock()

	switch state {
	case Active:
		return client, nil
	case Closed:
		return nil, errs.Wrapf(errs.ErrConnection, "session %q is closed", s.cfg.ID)
	}

	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	// Another caller may have finished the handshake while we waited.
	s.mu.RLock()
	state, client = s.state, s.client
	s.mu.RUnlock()
	switch state {
	case Active:
		return client, nil
	case Closed:
		return nil, errs.Wrapf(errs.ErrConnection, "session %q is closed", s.cfg.ID)
	}

	m.logger.Info("re-establishing MCP session", "mcp_server", s.cfg.ID)
	return m.handshake(ctx, s)
}

// handshake dials and initializes. Caller must hold s.dialMu.
func (m *Manager) handshake(ctx context.Context, s *Session) (*mcp.Client, error) {
	logger := m.logger.With("mcp_server", s.cfg.ID)

	transport, err := m.dial(s.cfg, logger)
	if err != nil {
		err = errs.Wrap(errs.ErrConnection, err)
		m.setState(s, Degraded, err)
		return nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	client := mcp.NewClient(s.cfg.ID, transport, logger)
	hello, err := client.Initialize(hctx)
	if err != nil {
		_ = transport.Close()
		err = errs.Wrap(errs.ErrConnection, err)
		m.setState(s, Degraded, err)
		logger.Warn("MCP handshake failed", "error", err)
		return nil, err
	}

	token := ""
	if sid, ok := transport.(mcp.SessionIDer); ok {
		token = sid.SessionID()
	}

	s.mu.Lock()
	old := s.client
	from := s.state
	s.client = client
	s.token = token
	s.server = hello.ServerInfo
	s.state = Active
	s.lastErr = nil
	s.connectedAt = time.Now()
	s.lastChange = s.connectedAt
	s.mu.Unlock()

	if old != nil && old != client {
		go old.Close()
	}
	if from != Active {
		m.publishState(s, from, Active, nil)
	}
	return client, nil
}

// fail classifies err from a call made with client and degrades the
// session when the failure means the connection itself is suspect.
// perCall distinguishes tool/resource/prompt calls, where a JSON-RPC
// error with a server-defined code is the remote operation failing,
// from discovery, where any JSON-RPC error is a protocol fault.
func (m *Manager) fail(s *Session, client *mcp.Client, err error, perCall bool) error {
	classified, degrade := classify(err, perCall)
	if degrade {
		m.degrade(s, client, classified)
	}
	return classified
}

// classify maps a transport or protocol failure onto the error
// taxonomy and reports whether the session should be marked Degraded.
func classify(err error, perCall bool) (error, bool) {
	reset := errors.Is(err, mcp.ErrTransportReset)

	var rpcErr *mcp.RPCError
	var statusErr *mcp.StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Wrap(errs.ErrTimeout, err), reset
	case errors.Is(err, context.Canceled):
		return errs.Wrap(errs.ErrConnection, err), reset
	case errors.Is(err, mcp.ErrMalformed):
		return errs.Wrap(errs.ErrProtocol, err), false
	case errors.As(err, &rpcErr):
		if perCall && !protocolCode(rpcErr.Code) {
			return errs.Wrap(errs.ErrRemoteExecution, err), false
		}
		return errs.Wrap(errs.ErrProtocol, err), false
	case errors.As(err, &statusErr):
		lost := statusErr.ServerFault() || statusErr.Code == 404
		return errs.Wrap(errs.ErrConnection, err), lost
	default:
		return errs.Wrap(errs.ErrConnection, err), true
	}
}

// protocolCode reports whether code is one of the JSON-RPC codes for a
// request the server could not process as sent.
func protocolCode(code int) bool {
	switch code {
	case mcp.CodeParseError, mcp.CodeInvalidRequest, mcp.CodeMethodNotFound, mcp.CodeInvalidParams:
		return true
	}
	return false
}

// degrade marks the session Degraded if client is still its current
// client. A stale failure from a connection that was already replaced
// leaves the fresh one alone.
func (m *Manager) degrade(s *Session, client *mcp.Client, cause error) {
	s.mu.Lock()
	if s.client != client || s.state != Active {
		s.mu.Unlock()
		return
	}
	s.client = nil
	s.state = Degraded
	s.lastErr = cause
	s.token = ""
	s.lastChange = time.Now()
	s.mu.Unlock()

	m.logger.Warn("MCP session degraded", "mcp_server", s.cfg.ID, "error", cause)
	m.publishState(s, Active, Degraded, cause)
	go client.Close()
}

func (m *Manager) setState(s *Session, to State, cause error) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.lastErr = cause
	s.lastChange = time.Now()
	if to != Active {
		s.token = ""
	}
	s.mu.Unlock()

	if from != to {
		m.publishState(s, from, to, cause)
	}
}

func (m *Manager) publishState(s *Session, from, to State, cause error) {
	data := map[string]any{
		"server": s.cfg.ID,
		"from":   from.String(),
		"to":     to.String(),
	}
	if cause != nil {
		data["error"] = cause.Error()
	}
	m.bus.Emit(events.SourceSession, events.KindSessionState, data)
}
