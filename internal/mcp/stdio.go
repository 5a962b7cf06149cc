package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"), appended to the current environment.
	Env []string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. A one-slot semaphore serializes process start and writes
// to stdin; unlike a mutex it can be abandoned when the caller's context
// ends. Replies are matched to waiting requests by id, so several
// requests can be outstanding at once and a reply nobody is waiting for
// any more is dropped.
//
// The subprocess is started once. When it exits every outstanding and
// later request fails with [ErrTransportReset]; the owner is expected to
// dial a fresh transport and initialize it.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger
	sem    chan struct{}

	// Guarded by sem.
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool
	exited  chan struct{}

	mu      sync.Mutex
	pending map[int64]chan exchange
	exitErr error

	idMu      sync.Mutex
	sessionID string
}

// exchange is what the reader hands to the request waiting on an id.
type exchange struct {
	resp *Response
	err  error
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until the first Send or Notify call.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config:  cfg,
		logger:  logger,
		sem:     make(chan struct{}, 1),
		pending: make(map[int64]chan exchange),
	}
}

// acquire takes the exchange slot or gives up when ctx ends.
func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	// Both cases can be ready at once; never proceed on a dead context.
	if err := ctx.Err(); err != nil {
		t.release()
		return err
	}
	return nil
}

func (t *StdioTransport) release() {
	<-t.sem
}

// SessionID returns a locally generated token identifying the
// subprocess. Stdio servers assign none of their own.
func (t *StdioTransport) SessionID() string {
	t.idMu.Lock()
	defer t.idMu.Unlock()
	return t.sessionID
}

func (t *StdioTransport) setSessionID(id string) {
	t.idMu.Lock()
	t.sessionID = id
	t.idMu.Unlock()
}

// start launches the subprocess on first use. Once it has exited, or
// the transport was closed, start reports [ErrTransportReset] instead of
// launching a replacement that nobody has initialized. Caller must hold
// the slot.
func (t *StdioTransport) start() error {
	if t.started {
		if t.cmd == nil {
			return fmt.Errorf("%w: transport closed", ErrTransportReset)
		}
		select {
		case <-t.exited:
			return fmt.Errorf("%w: subprocess exited: %w", ErrTransportReset, t.readErr())
		default:
			return nil
		}
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.started = true
	t.cmd = cmd
	t.stdin = stdin
	t.exited = make(chan struct{})
	t.setSessionID(uuid.NewString())

	go t.readLines(stdout, t.exited)
	go t.drainStderr(stderr)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// readLines routes stdout lines to waiting requests until the pipe
// closes, then closes exited.
func (t *StdioTransport) readLines(r io.Reader, exited chan<- struct{}) {
	reader := bufio.NewReaderSize(r, 1<<20)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			t.dispatch(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			t.mu.Lock()
			t.exitErr = err
			t.mu.Unlock()
			close(exited)
			return
		}
	}
}

// dispatch hands one stdout line to the request waiting on its id.
// Notifications, log noise, and replies to abandoned requests are
// dropped.
func (t *StdioTransport) dispatch(line []byte) {
	if !isResponse(line) {
		t.logger.Debug("skipping non-response line from MCP subprocess",
			"line", string(line),
		)
		return
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		var head struct {
			ID int64 `json:"id"`
		}
		if json.Unmarshal(line, &head) != nil {
			t.logger.Warn("undecodable response from MCP subprocess", "error", err)
			return
		}
		t.deliver(head.ID, exchange{err: fmt.Errorf("%w: %w", ErrMalformed, err)})
		return
	}
	t.deliver(resp.ID, exchange{resp: &resp})
}

func (t *StdioTransport) deliver(id int64, ex exchange) {
	t.mu.Lock()
	reply, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("dropping MCP response nobody is waiting for", "id", id)
		return
	}
	reply <- ex
}

func (t *StdioTransport) await(id int64) chan exchange {
	reply := make(chan exchange, 1)
	t.mu.Lock()
	t.pending[id] = reply
	t.mu.Unlock()
	return reply
}

func (t *StdioTransport) forget(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *StdioTransport) readErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exitErr == nil {
		return io.ErrUnexpectedEOF
	}
	return t.exitErr
}

// drainStderr logs subprocess stderr at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// Send writes a request to stdin and waits for the reply carrying the
// same id. If ctx ends first only this request is abandoned: the
// subprocess keeps running and its late reply is dropped.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	if err := t.start(); err != nil {
		t.release()
		return nil, err
	}
	exited := t.exited
	reply := t.await(req.ID)
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.release()
		t.forget(req.ID)
		return nil, fmt.Errorf("%w: write to subprocess stdin: %w", ErrTransportReset, err)
	}
	t.release()

	select {
	case ex := <-reply:
		return ex.resp, ex.err
	case <-ctx.Done():
		t.forget(req.ID)
		t.logger.Warn("MCP subprocess did not answer in time",
			"method", req.Method,
			"id", req.ID,
		)
		return nil, ctx.Err()
	case <-exited:
		t.forget(req.ID)
		// The reply may have been routed just before stdout closed.
		select {
		case ex := <-reply:
			return ex.resp, ex.err
		default:
		}
		return nil, fmt.Errorf("%w: read from subprocess stdout: %w", ErrTransportReset, t.readErr())
	}
}

// Notify writes a notification to stdin. No response is expected.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if err := t.start(); err != nil {
		return err
	}

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: write notification to subprocess stdin: %w", ErrTransportReset, err)
	}
	return nil
}

// Close terminates the subprocess and releases resources. Requests
// still waiting fail with [ErrTransportReset] once stdout closes.
func (t *StdioTransport) Close() error {
	if err := t.acquire(context.Background()); err != nil {
		return err
	}
	defer t.release()

	return t.stop()
}

// stop closes stdin and waits briefly for a graceful exit before
// killing. Caller must hold the slot.
func (t *StdioTransport) stop() error {
	if t.cmd == nil {
		t.started = true
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", t.cmd.Process.Pid)
	t.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", t.cmd.Process.Pid,
		)
		_ = t.cmd.Process.Kill()
		err = <-done
	}

	t.cmd = nil
	t.stdin = nil
	t.setSessionID("")
	return err
}
