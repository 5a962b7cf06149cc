// Package session owns one logical connection per capability server.
//
// A [Manager] holds sessions keyed by server id. Each session performs
// the MCP handshake, discovers capabilities on request, and invokes
// tools with a per-call time bound. A network or 5xx failure moves the
// session to Degraded; the next use re-handshakes. Nothing here polls in
// the background or retries a failed call.
package session

import (
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/nugget/conduit/internal/mcp"
)

// Transport kinds.
const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// ServerConfig describes one capability server. Immutable once passed to
// [Manager.Connect].
type ServerConfig struct {
	ID        string
	Transport string

	URL     string
	Headers map[string]string

	Command string
	Args    []string
	Env     []string

	// Include and Exclude are tool-name glob patterns (path.Match
	// syntax). An empty Include admits everything.
	Include []string
	Exclude []string

	// CallTimeout is the default bound for Invoke when the caller
	// passes zero.
	CallTimeout time.Duration
}

// admits reports whether a discovered tool passes the include/exclude
// filters.
func (c ServerConfig) admits(tool string) bool {
	for _, pat := range c.Exclude {
		if ok, _ := path.Match(pat, tool); ok {
			return false
		}
	}
	if len(c.Include) == 0 {
		return true
	}
	for _, pat := range c.Include {
		if ok, _ := path.Match(pat, tool); ok {
			return true
		}
	}
	return false
}

// Validate checks the fields required by the chosen transport.
func (c ServerConfig) Validate() error {
	if c.ID == "" {
		return errors.New("server id is required")
	}
	switch c.Transport {
	case TransportHTTP:
		if c.URL == "" {
			return fmt.Errorf("server %q: url is required for http transport", c.ID)
		}
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("server %q: command is required for stdio transport", c.ID)
		}
	default:
		return fmt.Errorf("server %q: unknown transport %q", c.ID, c.Transport)
	}
	for _, pat := range append(append([]string{}, c.Include...), c.Exclude...) {
		if _, err := path.Match(pat, ""); err != nil {
			return fmt.Errorf("server %q: bad tool filter %q: %w", c.ID, pat, err)
		}
	}
	return nil
}

// State is the lifecycle state of a session.
type State int

// Session states.
const (
	Connecting State = iota
	Active
	Degraded
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Degraded:
		return "degraded"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for st := Connecting; st <= Closed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

// Session is the connection to one capability server. All fields are
// guarded by mu; dialMu serializes handshakes so concurrent callers of
// a Degraded session trigger only one.
type Session struct {
	cfg ServerConfig

	dialMu sync.Mutex

	mu          sync.RWMutex
	state       State
	token       string
	lastErr     error
	client      *mcp.Client
	server      mcp.ServerInfo
	connectedAt time.Time
	lastChange  time.Time
}

// ID returns the server id.
func (s *Session) ID() string {
	return s.cfg.ID
}

// Config returns the server configuration.
func (s *Session) Config() ServerConfig {
	return s.cfg
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Token returns the session token assigned at the last handshake.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// LastError returns the error that last degraded the session, if any.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Info is a point-in-time view of a session for introspection.
type Info struct {
	ID            string    `json:"id"`
	Transport     string    `json:"transport"`
	State         State     `json:"state"`
	Token         string    `json:"token,omitempty"`
	ServerName    string    `json:"server_name,omitempty"`
	ServerVersion string    `json:"server_version,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	ConnectedAt   time.Time `json:"connected_at,omitzero"`
	Since         time.Time `json:"since"`
}

// Info returns a snapshot of the session's state.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := Info{
		ID:            s.cfg.ID,
		Transport:     s.cfg.Transport,
		State:         s.state,
		Token:         s.token,
		ServerName:    s.server.Name,
		ServerVersion: s.server.Version,
		ConnectedAt:   s.connectedAt,
		Since:         s.lastChange,
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}
