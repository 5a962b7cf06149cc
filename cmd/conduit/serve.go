package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/conduit/internal/api"
	"github.com/nugget/conduit/internal/buildinfo"
	"github.com/nugget/conduit/internal/config"
	"github.com/nugget/conduit/internal/connwatch"
	"github.com/nugget/conduit/internal/events"
	"github.com/nugget/conduit/internal/mqtt"
)

// runServe starts the API server and blocks until ctx ends or SIGINT or
// SIGTERM arrives.
//
// The shutdown sequence is:
//  1. The signal cancels ctx
//  2. The MQTT relay publishes offline and disconnects
//  3. The HTTP server drains in-flight requests
//  4. Backend watchers stop and sessions close via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Conduit", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate already vetted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"servers", len(cfg.MCP.Servers),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st := buildStack(ctx, cfg, logger)
	defer st.close(logger)

	if level <= slog.LevelDebug {
		go events.Log(ctx, st.bus, logger.With("component", "events"))
	}

	// --- Model backend health ---
	watch := connwatch.NewManager(logger, st.bus, connwatch.DefaultBackoffConfig())
	defer watch.Stop()
	for _, name := range st.llm.Providers() {
		client, _ := st.llm.Provider(name)
		watch.Watch(ctx, name, client)
	}

	// --- MQTT relay ---
	var relay *mqtt.Relay
	if cfg.MQTT.Configured() {
		relay = mqtt.New(cfg.MQTT, st.bus, logger)
		go func() {
			if err := relay.Start(ctx); err != nil {
				logger.Error("mqtt relay failed", "error", err)
			}
		}()
		logger.Info("mqtt relay enabled", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt relay disabled (not configured)")
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Runner:    st.loop,
		Directory: st.dir,
		Sessions:  st.sessions,
		Tools:     st.router,
		Health:    watch,
		Models:    modelNames(cfg),
	}, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if relay != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := relay.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Conduit stopped")
	return nil
}
