package main

import (
	"context"
	"log/slog"

	"github.com/nugget/conduit/internal/agent"
	"github.com/nugget/conduit/internal/capability"
	"github.com/nugget/conduit/internal/config"
	"github.com/nugget/conduit/internal/events"
	"github.com/nugget/conduit/internal/llm"
	"github.com/nugget/conduit/internal/retrieval"
	"github.com/nugget/conduit/internal/router"
	"github.com/nugget/conduit/internal/session"
)

// stack is the set of components every command that talks to servers
// shares.
type stack struct {
	bus      *events.Bus
	llm      *llm.MultiClient
	sessions *session.Manager
	dir      *capability.Aggregator
	router   *router.Router
	loop     *agent.Loop
}

// buildStack connects every configured server and builds the first
// directory snapshot. A server that cannot be reached is logged and left
// Degraded; its tools appear once a later refresh succeeds.
func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) *stack {
	st := &stack{bus: events.New()}
	st.llm = createLLMClient(cfg, logger)

	st.sessions = session.NewManager(logger,
		session.WithConnectTimeout(cfg.MCP.ConnectTimeout),
		session.WithEventBus(st.bus),
	)
	for _, sc := range cfg.MCP.Servers {
		s, err := st.sessions.Connect(ctx, serverConfig(sc, cfg.Agent))
		if err != nil {
			logger.Warn("capability server unavailable", "server", sc.ID, "error", err)
			continue
		}
		info := s.Info()
		logger.Info("capability server connected",
			"server", sc.ID,
			"transport", sc.Transport,
			"name", info.ServerName,
			"version", info.ServerVersion,
		)
	}

	st.dir = capability.NewAggregator(st.sessions, logger, capability.WithEventBus(st.bus))
	if _, err := st.dir.Refresh(ctx); err != nil {
		logger.Warn("directory incomplete", "error", err)
	}

	// Per-call bounds live on each session so a server's call_timeout
	// wins over the agent-wide default.
	st.router = router.NewRouter(logger, router.Config{
		ValidateArguments: cfg.Agent.ValidateArgs(),
	}, st.dir, st.sessions)

	var retriever retrieval.Retriever = retrieval.Nop{}
	if cfg.Retrieval.Enabled() {
		retriever = retrieval.New(retrieval.Config{
			URL:      cfg.Retrieval.URL,
			MinScore: cfg.Retrieval.MinScore,
			Timeout:  cfg.Retrieval.Timeout,
		})
		logger.Info("retrieval enabled", "url", cfg.Retrieval.URL, "top_k", cfg.Retrieval.TopK)
	}

	st.loop = agent.NewLoop(logger, st.llm, st.router, st.dir, agent.Config{
		Model:            cfg.Models.Default,
		SystemPrompt:     cfg.Agent.SystemPrompt,
		MaxIterations:    cfg.Agent.MaxIterations,
		MaxParallelTools: cfg.Agent.MaxParallelTools,
		ModelTimeout:     cfg.Agent.ModelTimeout,
		RetrievalTopK:    cfg.Retrieval.TopK,
	},
		agent.WithRetriever(retriever),
		agent.WithEventBus(st.bus),
	)
	return st
}

// close ends every session.
func (st *stack) close(logger *slog.Logger) {
	if err := st.sessions.CloseAll(); err != nil {
		logger.Warn("closing sessions", "error", err)
	}
}

// serverConfig converts one configured server into a session config.
// A server without its own call_timeout inherits agent.tool_timeout.
func serverConfig(sc config.MCPServerConfig, agentCfg config.AgentConfig) session.ServerConfig {
	timeout := sc.CallTimeout
	if timeout <= 0 {
		timeout = agentCfg.ToolTimeout
	}
	return session.ServerConfig{
		ID:          sc.ID,
		Transport:   sc.Transport,
		URL:         sc.URL,
		Headers:     sc.Headers,
		Command:     sc.Command,
		Args:        sc.Args,
		Env:         sc.Env,
		Include:     sc.Include,
		Exclude:     sc.Exclude,
		CallTimeout: timeout,
	}
}

// createLLMClient builds a multi-provider client. Ollama is always
// registered and serves any model not mapped to another provider.
func createLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	if cfg.Models.Anthropic.Configured() {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Models.Anthropic.APIKey, cfg.Models.Anthropic.BaseURL, logger))
		logger.Info("anthropic provider configured")
	}
	if cfg.Models.OpenAI.Configured() {
		multi.AddProvider("openai", llm.NewOpenAIClient(cfg.Models.OpenAI.APIKey, cfg.Models.OpenAI.BaseURL, logger))
		logger.Info("openai provider configured")
	}

	for _, m := range cfg.Models.Available {
		if _, ok := multi.Provider(m.Provider); !ok {
			logger.Warn("model mapped to unconfigured provider, using ollama", "model", m.Name, "provider", m.Provider)
			continue
		}
		multi.AddModel(m.Name, m.Provider)
	}

	defaultProvider := "ollama"
	for _, m := range cfg.Models.Available {
		if m.Name == cfg.Models.Default {
			defaultProvider = m.Provider
		}
	}
	logger.Info("model client initialized", "default_model", cfg.Models.Default, "default_provider", defaultProvider)

	return multi
}

// modelNames lists the default model followed by every mapped model.
func modelNames(cfg *config.Config) []string {
	names := []string{cfg.Models.Default}
	for _, m := range cfg.Models.Available {
		if m.Name != cfg.Models.Default {
			names = append(names, m.Name)
		}
	}
	return names
}
