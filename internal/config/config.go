// Package config handles Conduit configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/conduit/config.yaml, /etc/conduit/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "conduit", "config.yaml"))
	}

	paths = append(paths, "/etc/conduit/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Conduit configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Models    ModelsConfig    `yaml:"models"`
	Agent     AgentConfig     `yaml:"agent"`
	MCP       MCPConfig       `yaml:"mcp"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines the model backends and which provider serves
// each model name.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Anthropic ProviderAuth  `yaml:"anthropic"`
	OpenAI    ProviderAuth  `yaml:"openai"`
	Available []ModelConfig `yaml:"available"`
}

// ProviderAuth holds credentials for a hosted model provider.
type ProviderAuth struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether the provider has credentials or a custom
// endpoint. OpenAI-compatible local servers often need only the latter.
func (p ProviderAuth) Configured() bool {
	return p.APIKey != "" || p.BaseURL != ""
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic, openai
}

// AgentConfig bounds the reasoning/acting loop.
type AgentConfig struct {
	// MaxIterations caps model turns per conversation (default 8).
	MaxIterations int `yaml:"max_iterations"`
	// MaxParallelTools bounds concurrent tool calls within one batch (default 4).
	MaxParallelTools int `yaml:"max_parallel_tools"`
	// ToolTimeout bounds a single tool call (default 30s).
	ToolTimeout time.Duration `yaml:"tool_timeout"`
	// ModelTimeout bounds a single model turn (default 5m).
	ModelTimeout time.Duration `yaml:"model_timeout"`
	// SystemPrompt is prepended to every conversation.
	SystemPrompt string `yaml:"system_prompt"`
	// ValidateArguments checks tool arguments against the advertised
	// input schema before dispatch. Nil means enabled.
	ValidateArguments *bool `yaml:"validate_arguments"`
}

// ValidateArgs reports whether argument validation is enabled.
func (a AgentConfig) ValidateArgs() bool {
	return a.ValidateArguments == nil || *a.ValidateArguments
}

// MCPConfig lists the capability servers to connect at startup.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
	// ConnectTimeout bounds each initialize handshake (default 15s).
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// MCPServerConfig describes one capability server.
type MCPServerConfig struct {
	ID        string `yaml:"id"`
	Transport string `yaml:"transport"` // http or stdio

	// HTTP transport.
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	// Stdio transport.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`

	// Include and Exclude filter discovered tool names.
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`

	// CallTimeout overrides agent.tool_timeout for this server.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// RetrievalConfig configures the optional retrieval collaborator.
type RetrievalConfig struct {
	URL      string        `yaml:"url"` // empty disables retrieval
	TopK     int           `yaml:"top_k"`
	MinScore float64       `yaml:"min_score"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Enabled reports whether a retrieval endpoint is configured.
func (r RetrievalConfig) Enabled() bool {
	return r.URL != ""
}

// MQTTConfig configures the optional operational-event relay.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // empty disables the relay
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether an MQTT broker is set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// Load reads configuration from a YAML file. Environment variables in
// the form ${VAR} are expanded before parsing; defaults are applied to
// unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Models.Default == "" {
		c.Models.Default = "qwen3:4b"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 8
	}
	if c.Agent.MaxParallelTools == 0 {
		c.Agent.MaxParallelTools = 4
	}
	if c.Agent.ToolTimeout == 0 {
		c.Agent.ToolTimeout = 30 * time.Second
	}
	if c.Agent.ModelTimeout == 0 {
		c.Agent.ModelTimeout = 5 * time.Minute
	}
	if c.MCP.ConnectTimeout == 0 {
		c.MCP.ConnectTimeout = 15 * time.Second
	}
	for i := range c.MCP.Servers {
		if c.MCP.Servers[i].Transport == "" {
			c.MCP.Servers[i].Transport = "http"
		}
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = 5
	}
	if c.Retrieval.Timeout == 0 {
		c.Retrieval.Timeout = 5 * time.Second
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "conduit"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "conduit"
	}
}

// Validate reports every configuration problem found, joined into one
// error.
func (c *Config) Validate() error {
	var problems []error

	if c.Agent.MaxIterations < 1 {
		problems = append(problems, fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations))
	}
	if c.Agent.MaxParallelTools < 1 {
		problems = append(problems, fmt.Errorf("agent.max_parallel_tools must be positive, got %d", c.Agent.MaxParallelTools))
	}
	if c.Agent.ToolTimeout < 0 {
		problems = append(problems, errors.New("agent.tool_timeout must not be negative"))
	}

	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Errorf("log_format %q is not text or json", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		problems = append(problems, err)
	}

	seen := make(map[string]bool, len(c.MCP.Servers))
	for i, s := range c.MCP.Servers {
		if s.ID == "" {
			problems = append(problems, fmt.Errorf("mcp.servers[%d]: id is required", i))
			continue
		}
		if seen[s.ID] {
			problems = append(problems, fmt.Errorf("mcp.servers[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true

		switch s.Transport {
		case "http":
			if s.URL == "" {
				problems = append(problems, fmt.Errorf("mcp server %q: url is required for http transport", s.ID))
			}
		case "stdio":
			if s.Command == "" {
				problems = append(problems, fmt.Errorf("mcp server %q: command is required for stdio transport", s.ID))
			}
		default:
			problems = append(problems, fmt.Errorf("mcp server %q: unknown transport %q (valid: http, stdio)", s.ID, s.Transport))
		}
	}

	for _, m := range c.Models.Available {
		switch m.Provider {
		case "ollama", "anthropic", "openai":
		default:
			problems = append(problems, fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider))
		}
	}

	return errors.Join(problems...)
}
